// Package cache defines the AclCache interface the provider consumes
// and a default in-memory implementation. The provider treats any
// AclCache as untrusted: on ambiguity (a cached ACL missing SIDs the
// caller asked for) it evicts and falls back to the database rather
// than trusting a stale hit.
package cache

import (
	"sync"

	"github.com/harperreed/aclgo/acl"
	"github.com/harperreed/aclgo/oid"
)

// AclCache maps an object identity to a fully populated ACL subtree.
// Implementations must preserve the ACL's parent chain on a hit.
type AclCache interface {
	GetFromCacheByIdentity(o *oid.ObjectIdentity) (*acl.ACL, bool)
	PutInCache(a *acl.ACL)
	EvictFromCacheByIdentity(o *oid.ObjectIdentity)
	EvictFromCacheById(id int64)
	ClearCache()
}

// InMemory is the default AclCache, keyed by object identity and by
// ACL id, following the same dual-index shape as streamtune/acl's
// defaultCache.
type InMemory struct {
	mu      sync.RWMutex
	byKey   map[oid.Key]*acl.ACL
	byID    map[int64]*acl.ACL
}

// NewInMemory builds an empty in-memory cache.
func NewInMemory() *InMemory {
	return &InMemory{
		byKey: make(map[oid.Key]*acl.ACL),
		byID:  make(map[int64]*acl.ACL),
	}
}

func (c *InMemory) GetFromCacheByIdentity(o *oid.ObjectIdentity) (*acl.ACL, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.byKey[oid.KeyOf(o)]
	return a, ok
}

func (c *InMemory) PutInCache(a *acl.ACL) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[oid.KeyOf(a.ObjectIdentity())] = a
	if id, ok := a.ID(); ok {
		c.byID[id] = a
	}
}

func (c *InMemory) EvictFromCacheByIdentity(o *oid.ObjectIdentity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := oid.KeyOf(o)
	if a, ok := c.byKey[key]; ok {
		delete(c.byKey, key)
		if id, ok := a.ID(); ok {
			delete(c.byID, id)
		}
	}
}

func (c *InMemory) EvictFromCacheById(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.byID[id]; ok {
		delete(c.byID, id)
		delete(c.byKey, oid.KeyOf(a.ObjectIdentity()))
	}
}

func (c *InMemory) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey = make(map[oid.Key]*acl.ACL)
	c.byID = make(map[int64]*acl.ACL)
}
