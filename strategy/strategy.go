// Package strategy implements the permission-granting algorithm: given an
// ACL-shaped value, an ordered list of requested masks and presented
// SIDs, and an administrative-mode flag, decide grant or deny by walking
// object-scope ACEs, then class-scope ACEs, then (if unresolved) the
// parent ACL.
//
// The package depends only on sid.Sid and two small interfaces (Acl,
// Ace) that the acl package's concrete types satisfy structurally —
// mirroring how streamtune/acl's permission checker decouples from its
// concrete Acl/Ace implementations. This keeps strategy free of any
// import on the acl package, so acl can depend on strategy without a
// cycle.
package strategy

import (
	"errors"
	"fmt"

	"github.com/harperreed/aclgo/sid"
)

// MatchKind is the predicate used to compare a requested mask against an
// ACE's stored mask.
type MatchKind string

const (
	// MatchEqual requires the requested mask to equal the ACE mask
	// exactly.
	MatchEqual MatchKind = "equal"
	// MatchAll requires every bit of the requested mask to be present
	// in the ACE mask.
	MatchAll MatchKind = "all"
	// MatchAny requires at least one bit of the requested mask to be
	// present in the ACE mask.
	MatchAny MatchKind = "any"
)

// ErrNoApplicableACE is returned when no ACE anywhere in the ACL's own
// entries or its parent chain decides the request.
var ErrNoApplicableACE = errors.New("strategy: no applicable ACE found")

// Ace is the minimal view of an access control entry the strategy needs.
type Ace interface {
	Sid() sid.Sid
	Mask() int32
	Granting() bool
	Match() MatchKind
	AuditSuccess() bool
	AuditFailure() bool
}

// Acl is the minimal view of an ACL the strategy needs. Field is the
// field name being checked, or "" for an object/class-level check;
// wantField tells the strategy whether to consult the field-scoped or
// flat ACE lists.
type Acl interface {
	ObjectAces(field string, wantField bool) []Ace
	ClassAces(field string, wantField bool) []Ace
	IsEntriesInheriting() bool
	Parent() Acl
}

// AuditEvent is emitted by the strategy whenever a decision is reached
// outside administrative mode and the deciding ACE requested auditing.
type AuditEvent struct {
	Granting bool
	Ace      Ace
}

// Auditor receives audit events. A nil Auditor is treated as a no-op.
type Auditor interface {
	Audit(event AuditEvent)
}

// AuditorFunc adapts a function to an Auditor.
type AuditorFunc func(AuditEvent)

func (f AuditorFunc) Audit(e AuditEvent) { f(e) }

// Strategy implements the permission-granting algorithm of spec.md §4.4.
type Strategy struct {
	auditor Auditor
}

// New builds a Strategy. A nil auditor disables auditing side effects.
func New(auditor Auditor) *Strategy {
	return &Strategy{auditor: auditor}
}

// Decide evaluates masks against sids for the given field (wantField
// selects the field-scoped ACE lists) on acl, walking to the parent ACL
// when object- and class-scope entries on acl itself do not decide.
// administrativeMode suppresses auditing for this call and, per spec.md
// §4.4 step 3, for every parent frame of the recursion too.
func (s *Strategy) Decide(acl Acl, masks []int32, sids []sid.Sid, administrativeMode bool, field string, wantField bool) (bool, error) {
	if granted, ok, err := s.tryAces(acl.ObjectAces(field, wantField), masks, sids, administrativeMode); ok {
		return granted, err
	}

	// Class-scope entries are always consulted here, independent of
	// IsEntriesInheriting below: that flag gates only the walk to the
	// parent ACL, not whether this ACL's own class-scope list applies to
	// it. See DESIGN.md's "acl" entry for why this diverges from a literal
	// reading of spec.md §4.4 step 2.
	if granted, ok, err := s.tryAces(acl.ClassAces(field, wantField), masks, sids, administrativeMode); ok {
		return granted, err
	}

	if acl.IsEntriesInheriting() {
		if parent := acl.Parent(); parent != nil {
			granted, err := s.Decide(parent, masks, sids, administrativeMode, field, wantField)
			if err != nil {
				return false, err
			}
			return granted, nil
		}
	}

	return false, ErrNoApplicableACE
}

// tryAces scans aces for the first applicable entry across the
// mask-outer, sid-inner cross product. ok is false when no ACE in this
// list decided anything, signalling the caller to keep walking up the
// chain.
func (s *Strategy) tryAces(aces []Ace, masks []int32, sids []sid.Sid, administrativeMode bool) (granted bool, ok bool, err error) {
	for _, mask := range masks {
		for _, requester := range sids {
			for _, ace := range aces {
				if !IsApplicable(mask, ace.Mask(), ace.Match()) {
					continue
				}
				if !ace.Sid().Equals(requester) {
					continue
				}
				decision := ace.Granting()
				s.audit(administrativeMode, decision, ace)
				return decision, true, nil
			}
		}
	}
	return false, false, nil
}

func (s *Strategy) audit(administrativeMode, granting bool, ace Ace) {
	if administrativeMode || s.auditor == nil {
		return
	}
	if granting && !ace.AuditSuccess() {
		return
	}
	if !granting && !ace.AuditFailure() {
		return
	}
	s.auditor.Audit(AuditEvent{Granting: granting, Ace: ace})
}

// IsApplicable implements the isAceApplicable predicate of spec.md §4.4:
// given a requested mask R and an ACE mask A, applicability depends on
// the ACE's match strategy.
func IsApplicable(requested, aceMask int32, kind MatchKind) bool {
	switch kind {
	case MatchEqual:
		return requested == aceMask
	case MatchAll:
		return requested&aceMask == requested
	case MatchAny:
		return requested&aceMask != 0
	default:
		return false
	}
}

// ParseMatchKind converts a persisted strategy column value back into a
// MatchKind, defaulting to an error on anything unrecognized rather than
// silently falling back to a permissive match.
func ParseMatchKind(s string) (MatchKind, error) {
	switch MatchKind(s) {
	case MatchEqual, MatchAll, MatchAny:
		return MatchKind(s), nil
	default:
		return "", fmt.Errorf("strategy: unknown granting strategy %q", s)
	}
}
