// Package acl implements the ACL container: four ordered ACE lists
// (class, classField, object, objectField), an inheritance flag, an
// optional parent link, and the owning object identity. It also hosts
// the Entry (ACE) type, since the two are tightly coupled — an Entry
// holds a non-owning back-reference to its ACL and an ACL owns its
// entries' lifecycle — and separating them into different packages
// would force a Go import cycle for no real decoupling benefit.
//
// acl depends on strategy (the permission-granting algorithm) but
// strategy has no knowledge of acl; *ACL and *Entry satisfy strategy's
// Acl/Ace interfaces structurally, so the decision algorithm stays
// reusable outside this package too.
package acl

import (
	"errors"
	"fmt"

	"github.com/harperreed/aclgo/oid"
	"github.com/harperreed/aclgo/sid"
	"github.com/harperreed/aclgo/strategy"
)

// ErrInvalidIndex is returned by insert/update/delete operations when
// the requested index is out of range for the target list. This is
// deliberately its own sentinel rather than provider.ErrInvalidArgument:
// this package has no dependency on provider and cannot return one of
// its sentinels, and the two cover different failure classes anyway —
// this one is a programmer error against an in-memory list, not a
// runtime argument problem against stored ACLs or SIDs.
var ErrInvalidIndex = errors.New("acl: index out of range")

var defaultStrategy = strategy.New(nil)

// aceList bundles the flat and field-keyed views of one scope (class or
// object) so insert/update/delete logic is written once and reused for
// both scopes instead of being duplicated four times.
type aceList struct {
	flat    []*Entry
	byField map[string][]*Entry
}

func (l *aceList) slice(field string, wantField bool) []*Entry {
	if wantField {
		return l.byField[field]
	}
	return l.flat
}

func (l *aceList) fieldNames() []string {
	names := make([]string, 0, len(l.byField))
	for field, entries := range l.byField {
		if len(entries) > 0 {
			names = append(names, field)
		}
	}
	return names
}

func (l *aceList) set(field string, wantField bool, v []*Entry) {
	if wantField {
		if l.byField == nil {
			l.byField = make(map[string][]*Entry)
		}
		l.byField[field] = v
		return
	}
	l.flat = v
}

func cloneEntries(src []*Entry) []*Entry {
	out := make([]*Entry, len(src))
	copy(out, src)
	return out
}

// ACL is a container of four ordered ACE lists attached to an object
// identity, with an inheritance flag and an optional parent. It
// implements strategy.Acl so its own IsGranted/IsFieldGranted can
// delegate straight into a configured strategy.Strategy.
type ACL struct {
	id    int64
	hasID bool

	identity          *oid.ObjectIdentity
	entriesInheriting bool
	parent            *ACL

	classList  aceList
	objectList aceList

	listener ChangeListener
	strategy *strategy.Strategy
}

// ID returns the persisted ACL id and whether one has been assigned.
func (a *ACL) ID() (int64, bool) { return a.id, a.hasID }

// ObjectIdentity returns the object identity this ACL is attached to.
func (a *ACL) ObjectIdentity() *oid.ObjectIdentity { return a.identity }

// IsEntriesInheriting reports whether the parent ACL contributes to
// decisions for this object once its own object- and class-scope ACEs
// fail to decide. Class-scope ACEs are always consulted regardless of
// this flag; only the walk to the parent ACL is gated by it.
func (a *ACL) IsEntriesInheriting() bool { return a.entriesInheriting }

// ParentAcl returns the parent ACL, or nil if this ACL has none.
func (a *ACL) ParentAcl() *ACL { return a.parent }

// ClassAceList returns the current class-scope ACE list, ordered.
func (a *ACL) ClassAceList() []*Entry { return a.classList.slice("", false) }

// ClassFieldAceList returns the current class-scope field ACE list for field.
func (a *ACL) ClassFieldAceList(field string) []*Entry { return a.classList.slice(field, true) }

// ObjectAceList returns the current object-scope ACE list, ordered.
func (a *ACL) ObjectAceList() []*Entry { return a.objectList.slice("", false) }

// ObjectFieldAceList returns the current object-scope field ACE list for field.
func (a *ACL) ObjectFieldAceList(field string) []*Entry { return a.objectList.slice(field, true) }

// ClassFieldNames returns the set of field names with a non-empty
// class-scope field ACE list.
func (a *ACL) ClassFieldNames() []string { return a.classList.fieldNames() }

// ObjectFieldNames returns the set of field names with a non-empty
// object-scope field ACE list.
func (a *ACL) ObjectFieldNames() []string { return a.objectList.fieldNames() }

// SetChangeListener attaches the listener that will receive every
// subsequent property change on this ACL and its entries. The provider
// calls this exactly once, right after hydrating or creating an ACL.
func (a *ACL) SetChangeListener(l ChangeListener) { a.listener = l }

// SetStrategy overrides the permission-granting strategy used by
// IsGranted/IsFieldGranted; a nil ACL strategy falls back to a shared
// package default with auditing disabled.
func (a *ACL) SetStrategy(s *strategy.Strategy) { a.strategy = s }

// SetEntriesInheriting flips the inheritance flag, emitting
// "entriesInheriting".
func (a *ACL) SetEntriesInheriting(v bool) {
	old := a.entriesInheriting
	if old == v {
		return
	}
	a.entriesInheriting = v
	a.notify("entriesInheriting", old, v)
}

// SetParentAcl replaces the parent link (nil clears it), emitting
// "parentAcl".
func (a *ACL) SetParentAcl(parent *ACL) {
	old := a.parent
	if old == parent {
		return
	}
	a.parent = parent
	a.notify("parentAcl", old, parent)
}

func (a *ACL) notify(name string, old, new interface{}) {
	if a.listener == nil {
		return
	}
	a.listener.PropertyChanged(a, name, old, new)
}

// --- strategy.Acl -----------------------------------------------------

// ObjectAces implements strategy.Acl: the object-scope (or object-field)
// view of this ACL's entries, adapted to the decoupled strategy.Ace
// interface.
func (a *ACL) ObjectAces(field string, wantField bool) []strategy.Ace {
	return toStrategyAces(a.objectList.slice(field, wantField))
}

// ClassAces implements strategy.Acl: the class-scope (or class-field)
// view of this ACL's entries.
func (a *ACL) ClassAces(field string, wantField bool) []strategy.Ace {
	return toStrategyAces(a.classList.slice(field, wantField))
}

func toStrategyAces(entries []*Entry) []strategy.Ace {
	out := make([]strategy.Ace, len(entries))
	for i, e := range entries {
		out[i] = e
	}
	return out
}

// Parent implements strategy.Acl.
func (a *ACL) Parent() strategy.Acl {
	if a.parent == nil {
		return nil
	}
	return a.parent
}

// --- permission checks --------------------------------------------------

func (a *ACL) effectiveStrategy() *strategy.Strategy {
	if a.strategy != nil {
		return a.strategy
	}
	return defaultStrategy
}

// IsGranted decides masks for sids at object/class scope, per spec.md
// §4.4.
func (a *ACL) IsGranted(masks []int32, sids []sid.Sid, administrativeMode bool) (bool, error) {
	return a.effectiveStrategy().Decide(a, masks, sids, administrativeMode, "", false)
}

// IsFieldGranted decides masks for sids restricted to field.
func (a *ACL) IsFieldGranted(field string, masks []int32, sids []sid.Sid, administrativeMode bool) (bool, error) {
	return a.effectiveStrategy().Decide(a, masks, sids, administrativeMode, field, true)
}

// --- mutation -----------------------------------------------------------

// claim attributes e to a before any setter call on it, so the change
// notification that setter emits is recorded against the ACL whose
// method the caller actually invoked. A class-scope ACE's owner is
// otherwise whichever sibling ACL of the same type most recently
// touched it (they share the same *Entry instance), and without this a
// mutation made through one sibling could silently record itself under
// a different, untouched one.
func (a *ACL) claim(e *Entry) { e.owner = a }

func (a *ACL) insert(list *aceList, propertyName, field string, wantField bool, e *Entry, index int) error {
	cur := list.slice(field, wantField)
	if index < 0 || index > len(cur) {
		return fmt.Errorf("%w: insert index %d for list of length %d", ErrInvalidIndex, index, len(cur))
	}
	old := cloneEntries(cur)

	next := make([]*Entry, 0, len(cur)+1)
	next = append(next, cur[:index]...)
	next = append(next, e)
	next = append(next, cur[index:]...)
	for i := index + 1; i < len(next); i++ {
		a.claim(next[i])
		next[i].setOrder(i)
	}
	a.claim(e)
	e.field = field
	e.setOrder(index)

	list.set(field, wantField, next)
	a.notify(propertyName, old, cloneEntries(next))
	return nil
}

func (a *ACL) update(list *aceList, field string, wantField bool, index int, mask *int32, match strategy.MatchKind) error {
	cur := list.slice(field, wantField)
	if index < 0 || index >= len(cur) {
		return fmt.Errorf("%w: update index %d for list of length %d", ErrInvalidIndex, index, len(cur))
	}
	e := cur[index]
	a.claim(e)
	if mask != nil {
		e.SetMask(*mask)
	}
	if match != "" {
		e.SetMatch(match)
	}
	return nil
}

func (a *ACL) updateAuditing(list *aceList, field string, wantField bool, index int, success, failure bool) error {
	cur := list.slice(field, wantField)
	if index < 0 || index >= len(cur) {
		return fmt.Errorf("%w: update index %d for list of length %d", ErrInvalidIndex, index, len(cur))
	}
	a.claim(cur[index])
	cur[index].SetAuditing(success, failure)
	return nil
}

func (a *ACL) delete(list *aceList, propertyName, field string, wantField bool, index int) error {
	cur := list.slice(field, wantField)
	if index < 0 || index >= len(cur) {
		return fmt.Errorf("%w: delete index %d for list of length %d", ErrInvalidIndex, index, len(cur))
	}
	old := cloneEntries(cur)

	next := make([]*Entry, 0, len(cur)-1)
	next = append(next, cur[:index]...)
	next = append(next, cur[index+1:]...)
	for i := index; i < len(next); i++ {
		a.claim(next[i])
		next[i].setOrder(i)
	}

	list.set(field, wantField, next)
	a.notify(propertyName, old, cloneEntries(next))
	return nil
}

// InsertClassAce inserts ace at index (defaulting to the end when index
// equals the current length), shifting subsequent ACEs' order.
func (a *ACL) InsertClassAce(ace *Entry, index int) error {
	return a.insert(&a.classList, "classAces", "", false, ace, index)
}

// InsertClassFieldAce inserts a field-scoped class ACE for field.
func (a *ACL) InsertClassFieldAce(field string, ace *Entry, index int) error {
	return a.insert(&a.classList, "classFieldAces:"+field, field, true, ace, index)
}

// InsertObjectAce inserts ace into the object-scope list.
func (a *ACL) InsertObjectAce(ace *Entry, index int) error {
	return a.insert(&a.objectList, "objectAces", "", false, ace, index)
}

// InsertObjectFieldAce inserts a field-scoped object ACE for field.
func (a *ACL) InsertObjectFieldAce(field string, ace *Entry, index int) error {
	return a.insert(&a.objectList, "objectFieldAces:"+field, field, true, ace, index)
}

// UpdateClassAce changes the mask and/or match strategy of the ACE at
// index; pass nil/"" for whichever should be left unchanged.
func (a *ACL) UpdateClassAce(index int, mask *int32, match strategy.MatchKind) error {
	return a.update(&a.classList, "", false, index, mask, match)
}

func (a *ACL) UpdateClassFieldAce(field string, index int, mask *int32, match strategy.MatchKind) error {
	return a.update(&a.classList, field, true, index, mask, match)
}

func (a *ACL) UpdateObjectAce(index int, mask *int32, match strategy.MatchKind) error {
	return a.update(&a.objectList, "", false, index, mask, match)
}

func (a *ACL) UpdateObjectFieldAce(field string, index int, mask *int32, match strategy.MatchKind) error {
	return a.update(&a.objectList, field, true, index, mask, match)
}

func (a *ACL) UpdateClassAceAuditing(index int, success, failure bool) error {
	return a.updateAuditing(&a.classList, "", false, index, success, failure)
}

func (a *ACL) UpdateClassFieldAceAuditing(field string, index int, success, failure bool) error {
	return a.updateAuditing(&a.classList, field, true, index, success, failure)
}

func (a *ACL) UpdateObjectAceAuditing(index int, success, failure bool) error {
	return a.updateAuditing(&a.objectList, "", false, index, success, failure)
}

func (a *ACL) UpdateObjectFieldAceAuditing(field string, index int, success, failure bool) error {
	return a.updateAuditing(&a.objectList, field, true, index, success, failure)
}

func (a *ACL) DeleteClassAce(index int) error {
	return a.delete(&a.classList, "classAces", "", false, index)
}

func (a *ACL) DeleteClassFieldAce(field string, index int) error {
	return a.delete(&a.classList, "classFieldAces:"+field, field, true, index)
}

func (a *ACL) DeleteObjectAce(index int) error {
	return a.delete(&a.objectList, "objectAces", "", false, index)
}

func (a *ACL) DeleteObjectFieldAce(field string, index int) error {
	return a.delete(&a.objectList, "objectFieldAces:"+field, field, true, index)
}

// SyncClassAceList overwrites the class-scope ACE list in place without
// emitting a change notification. classAces is shared across every ACL
// of the same type; the provider calls this on sibling in-memory ACLs
// once a classAces mutation has committed elsewhere.
func (a *ACL) SyncClassAceList(entries []*Entry) {
	a.classList.flat = cloneEntries(entries)
}

// SyncClassFieldAceList overwrites the class-scope field ACE list for
// field in place, without emitting a change notification.
func (a *ACL) SyncClassFieldAceList(field string, entries []*Entry) {
	if a.classList.byField == nil {
		a.classList.byField = make(map[string][]*Entry)
	}
	a.classList.byField[field] = cloneEntries(entries)
}
