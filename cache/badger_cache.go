package cache

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"

	"github.com/harperreed/aclgo/acl"
	"github.com/harperreed/aclgo/oid"
	"github.com/harperreed/aclgo/sid"
	"github.com/harperreed/aclgo/strategy"
)

// BadgerCache is an AclCache backed by an embedded BadgerDB store,
// gob-encoding each ACL (and its full parent chain, inline) as a flat
// snapshot row rather than caching live *acl.ACL pointers, which would
// leak across process restarts and break referential identity anyway.
// Grounded on the teacher's own use of badger as an embedded KV store
// in the charm test helper.
type BadgerCache struct {
	db *badger.DB
}

// OpenBadgerCache opens (creating if absent) a badger store at dir.
func OpenBadgerCache(dir string) (*BadgerCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("cache: open badger store: %w", err)
	}
	return &BadgerCache{db: db}, nil
}

// Close releases the underlying badger store.
func (c *BadgerCache) Close() error { return c.db.Close() }

type aceSnapshot struct {
	ID           int64
	HasID        bool
	Field        string
	IsField      bool
	Order        int
	SidIsUser    bool
	SidClass     string
	SidUsername  string
	SidRole      string
	Mask         int32
	Granting     bool
	Match        string
	AuditSuccess bool
	AuditFailure bool
}

func snapshotEntry(e *acl.Entry) aceSnapshot {
	s := aceSnapshot{
		Order:        e.Order(),
		Mask:         e.Mask(),
		Granting:     e.Granting(),
		Match:        string(e.Match()),
		AuditSuccess: e.AuditSuccess(),
		AuditFailure: e.AuditFailure(),
	}
	s.ID, s.HasID = e.ID()
	s.Field, s.IsField = e.Field()
	switch v := e.Sid().(type) {
	case sid.User:
		s.SidIsUser = true
		s.SidClass = v.Class
		s.SidUsername = v.Username
	case sid.Role:
		s.SidRole = v.Name
	}
	return s
}

func (s aceSnapshot) restore() *acl.Entry {
	var principal sid.Sid
	if s.SidIsUser {
		principal = sid.NewUser(s.SidClass, s.SidUsername)
	} else {
		principal = sid.NewRole(s.SidRole)
	}
	var e *acl.Entry
	if s.IsField {
		e = acl.NewFieldEntry(s.Field, principal, s.Mask, s.Granting, strategy.MatchKind(s.Match))
	} else {
		e = acl.NewEntry(principal, s.Mask, s.Granting, strategy.MatchKind(s.Match))
	}
	if s.HasID {
		e.SetID(s.ID)
	}
	e.SetAuditing(s.AuditSuccess, s.AuditFailure)
	return e
}

type aclSnapshot struct {
	ID                int64
	HasID             bool
	Type              string
	Identifier        string
	EntriesInheriting bool
	ClassAces         []aceSnapshot
	ClassFieldAces    map[string][]aceSnapshot
	ObjectAces        []aceSnapshot
	ObjectFieldAces   map[string][]aceSnapshot
	Parent            *aclSnapshot
}

func snapshotAcl(a *acl.ACL) *aclSnapshot {
	if a == nil {
		return nil
	}
	s := &aclSnapshot{
		Type:              a.ObjectIdentity().Type(),
		Identifier:        a.ObjectIdentity().Identifier(),
		EntriesInheriting: a.IsEntriesInheriting(),
		ClassFieldAces:    make(map[string][]aceSnapshot),
		ObjectFieldAces:   make(map[string][]aceSnapshot),
	}
	s.ID, s.HasID = a.ID()
	for _, e := range a.ClassAceList() {
		s.ClassAces = append(s.ClassAces, snapshotEntry(e))
	}
	for _, e := range a.ObjectAceList() {
		s.ObjectAces = append(s.ObjectAces, snapshotEntry(e))
	}
	for _, field := range a.ClassFieldNames() {
		for _, e := range a.ClassFieldAceList(field) {
			s.ClassFieldAces[field] = append(s.ClassFieldAces[field], snapshotEntry(e))
		}
	}
	for _, field := range a.ObjectFieldNames() {
		for _, e := range a.ObjectFieldAceList(field) {
			s.ObjectFieldAces[field] = append(s.ObjectFieldAces[field], snapshotEntry(e))
		}
	}
	s.Parent = snapshotAcl(a.ParentAcl())
	return s
}

func (s *aclSnapshot) restore(listener acl.ChangeListener) *acl.ACL {
	if s == nil {
		return nil
	}
	h := acl.NewHydrator(oid.New(s.Type, s.Identifier), s.ID, s.HasID)
	h.SetEntriesInheriting(s.EntriesInheriting)
	for _, ace := range s.ClassAces {
		h.AddClassAce(ace.restore(), ace.Order)
	}
	for field, aces := range s.ClassFieldAces {
		for _, ace := range aces {
			h.AddClassFieldAce(field, ace.restore(), ace.Order)
		}
	}
	for _, ace := range s.ObjectAces {
		h.AddObjectAce(ace.restore(), ace.Order)
	}
	for field, aces := range s.ObjectFieldAces {
		for _, ace := range aces {
			h.AddObjectFieldAce(field, ace.restore(), ace.Order)
		}
	}
	if s.Parent != nil {
		h.SetParent(s.Parent.restore(nil))
	}
	return h.Build(listener)
}

func badgerKey(k oid.Key) []byte {
	return []byte(k.Type + "\x00" + k.Identifier)
}

func badgerIDKey(id int64) []byte {
	return []byte(fmt.Sprintf("id\x00%d", id))
}

func (c *BadgerCache) GetFromCacheByIdentity(o *oid.ObjectIdentity) (*acl.ACL, bool) {
	var snap aclSnapshot
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(oid.KeyOf(o)))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return gob.NewDecoder(bytes.NewReader(val)).Decode(&snap)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	return snap.restore(nil), true
}

func (c *BadgerCache) PutInCache(a *acl.ACL) {
	snap := snapshotAcl(a)
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return
	}
	key := badgerKey(oid.KeyOf(a.ObjectIdentity()))
	_ = c.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key, buf.Bytes()); err != nil {
			return err
		}
		if id, ok := a.ID(); ok {
			return txn.Set(badgerIDKey(id), key)
		}
		return nil
	})
}

func (c *BadgerCache) EvictFromCacheByIdentity(o *oid.ObjectIdentity) {
	_ = c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(oid.KeyOf(o)))
	})
}

func (c *BadgerCache) EvictFromCacheById(id int64) {
	_ = c.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerIDKey(id))
		if err != nil {
			return err
		}
		var key []byte
		if err := item.Value(func(val []byte) error {
			key = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		return txn.Delete(badgerIDKey(id))
	})
}

func (c *BadgerCache) ClearCache() {
	_ = c.db.DropAll()
}
