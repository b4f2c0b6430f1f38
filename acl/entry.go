package acl

import (
	"github.com/harperreed/aclgo/sid"
	"github.com/harperreed/aclgo/strategy"
)

// ChangeListener receives property-change notifications emitted by an
// ACL's and its ACEs' setters. MutableAclProvider registers itself as
// the sole listener on every ACL it hands back from FindAcls, turning
// each setter call into an aggregated per-ACL change record instead of
// requiring the provider to diff snapshots by reflection.
type ChangeListener interface {
	PropertyChanged(sender interface{}, name string, oldValue, newValue interface{})
}

// Entry is a single access control entry: mask, grant/deny, match
// strategy, audit flags, optional field name, owning ACL and position.
// A field-scoped ACE is simply one whose Field is non-empty; there is no
// separate Go type, matching spec.md §4.2 ("Field ACE differs only by
// presence of field").
type Entry struct {
	id    int64
	hasID bool

	owner *ACL
	field string // "" for class/object-scope entries
	order int

	sid          sid.Sid
	mask         int32
	granting     bool
	match        strategy.MatchKind
	auditSuccess bool
	auditFailure bool
}

// NewEntry builds an unpersisted class/object-scope ACE. Its id is
// assigned on first persist (see provider.MutableAclProvider.UpdateAcl).
func NewEntry(s sid.Sid, mask int32, granting bool, match strategy.MatchKind) *Entry {
	return &Entry{sid: s, mask: mask, granting: granting, match: match}
}

// NewFieldEntry builds an unpersisted field-scoped ACE for field.
func NewFieldEntry(field string, s sid.Sid, mask int32, granting bool, match strategy.MatchKind) *Entry {
	return &Entry{field: field, sid: s, mask: mask, granting: granting, match: match}
}

// ID returns the persisted entry id and whether one has been assigned.
func (e *Entry) ID() (int64, bool) { return e.id, e.hasID }

// SetID is called exactly once, by the provider, right after an insert
// assigns a new row id.
func (e *Entry) SetID(id int64) {
	e.id = id
	e.hasID = true
}

func (e *Entry) Sid() sid.Sid                { return e.sid }
func (e *Entry) Mask() int32                 { return e.mask }
func (e *Entry) Granting() bool              { return e.granting }
func (e *Entry) Match() strategy.MatchKind   { return e.match }
func (e *Entry) AuditSuccess() bool          { return e.auditSuccess }
func (e *Entry) AuditFailure() bool          { return e.auditFailure }
func (e *Entry) Field() (string, bool)       { return e.field, e.field != "" }
func (e *Entry) Order() int                  { return e.order }
func (e *Entry) Owner() *ACL                 { return e.owner }
func (e *Entry) IsFieldEntry() bool          { return e.field != "" }

// SetMask updates this ACE's permission mask, emitting "mask".
func (e *Entry) SetMask(v int32) {
	old := e.mask
	if old == v {
		return
	}
	e.mask = v
	e.notify("mask", old, v)
}

// SetMatch updates the match strategy, emitting "strategy".
func (e *Entry) SetMatch(v strategy.MatchKind) {
	if v == "" || v == e.match {
		return
	}
	old := e.match
	e.match = v
	e.notify("strategy", old, v)
}

// SetGranting updates the grant/deny flag, emitting "granting".
func (e *Entry) SetGranting(v bool) {
	old := e.granting
	if old == v {
		return
	}
	e.granting = v
	e.notify("granting", old, v)
}

// SetAuditing updates both audit flags together, emitting "auditSuccess"
// and/or "auditFailure" for whichever actually changed.
func (e *Entry) SetAuditing(success, failure bool) {
	if old := e.auditSuccess; old != success {
		e.auditSuccess = success
		e.notify("auditSuccess", old, success)
	}
	if old := e.auditFailure; old != failure {
		e.auditFailure = failure
		e.notify("auditFailure", old, failure)
	}
}

// setOrder is invoked by the owning ACL whenever a list mutation shifts
// this entry's position; it emits "aceOrder" so the provider can issue a
// single-row order update during MutableAclProvider.UpdateAcl.
func (e *Entry) setOrder(v int) {
	old := e.order
	if old == v {
		return
	}
	e.order = v
	e.notify("aceOrder", old, v)
}

func (e *Entry) notify(name string, old, new interface{}) {
	if e.owner == nil || e.owner.listener == nil {
		return
	}
	e.owner.listener.PropertyChanged(e, name, old, new)
}
