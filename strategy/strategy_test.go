package strategy

import (
	"errors"
	"testing"

	"github.com/harperreed/aclgo/sid"
)

// fakeAce and fakeAcl let the strategy tests exercise Decide without
// depending on the acl package (which itself depends on strategy).

type fakeAce struct {
	sid          sid.Sid
	mask         int32
	granting     bool
	match        MatchKind
	auditSuccess bool
	auditFailure bool
}

func (a fakeAce) Sid() sid.Sid       { return a.sid }
func (a fakeAce) Mask() int32        { return a.mask }
func (a fakeAce) Granting() bool     { return a.granting }
func (a fakeAce) Match() MatchKind   { return a.match }
func (a fakeAce) AuditSuccess() bool { return a.auditSuccess }
func (a fakeAce) AuditFailure() bool { return a.auditFailure }

type fakeAcl struct {
	object      []Ace
	objectField map[string][]Ace
	class       []Ace
	classField  map[string][]Ace
	inheriting  bool
	parent      *fakeAcl
}

func (a *fakeAcl) ObjectAces(field string, wantField bool) []Ace {
	if wantField {
		return a.objectField[field]
	}
	return a.object
}

func (a *fakeAcl) ClassAces(field string, wantField bool) []Ace {
	if wantField {
		return a.classField[field]
	}
	return a.class
}

func (a *fakeAcl) IsEntriesInheriting() bool { return a.inheriting }

func (a *fakeAcl) Parent() Acl {
	if a.parent == nil {
		return nil
	}
	return a.parent
}

func TestS1BasicGrant(t *testing.T) {
	acl := &fakeAcl{
		inheriting: true,
		class: []Ace{
			fakeAce{sid: sid.NewRole("ROLE_USER"), mask: 1, granting: true, match: MatchAll},
		},
	}
	s := New(nil)

	granted, err := s.Decide(acl, []int32{1}, []sid.Sid{sid.NewRole("ROLE_USER")}, true, "", false)
	if err != nil || !granted {
		t.Fatalf("expected grant, got granted=%v err=%v", granted, err)
	}

	_, err = s.Decide(acl, []int32{2}, []sid.Sid{sid.NewRole("ROLE_USER")}, true, "", false)
	if !errors.Is(err, ErrNoApplicableACE) {
		t.Fatalf("expected ErrNoApplicableACE, got %v", err)
	}
}

func TestS2DenyFirst(t *testing.T) {
	acl := &fakeAcl{
		inheriting: true,
		object: []Ace{
			fakeAce{sid: sid.NewRole("ROLE_USER"), mask: 1, granting: false, match: MatchAll},
		},
		class: []Ace{
			fakeAce{sid: sid.NewRole("ROLE_USER"), mask: 1, granting: true, match: MatchAll},
		},
	}
	s := New(nil)

	granted, err := s.Decide(acl, []int32{1}, []sid.Sid{sid.NewRole("ROLE_USER")}, true, "", false)
	if err != nil || granted {
		t.Fatalf("expected deny, got granted=%v err=%v", granted, err)
	}
}

func TestS3MaskStrategies(t *testing.T) {
	anyAcl := &fakeAcl{class: []Ace{
		fakeAce{sid: sid.NewRole("R"), mask: 0b1100, granting: true, match: MatchAny},
	}}
	s := New(nil)

	if granted, err := s.Decide(anyAcl, []int32{0b0100}, []sid.Sid{sid.NewRole("R")}, true, "", false); err != nil || !granted {
		t.Fatalf("any: expected grant for overlapping bit, got %v %v", granted, err)
	}
	if _, err := s.Decide(anyAcl, []int32{0b0001}, []sid.Sid{sid.NewRole("R")}, true, "", false); !errors.Is(err, ErrNoApplicableACE) {
		t.Fatalf("any: expected no applicable ace, got %v", err)
	}

	allAcl := &fakeAcl{class: []Ace{
		fakeAce{sid: sid.NewRole("R"), mask: 0b1100, granting: true, match: MatchAll},
	}}
	if granted, err := s.Decide(allAcl, []int32{0b0100}, []sid.Sid{sid.NewRole("R")}, true, "", false); err != nil || !granted {
		t.Fatalf("all: expected grant, got %v %v", granted, err)
	}
	if _, err := s.Decide(allAcl, []int32{0b1110}, []sid.Sid{sid.NewRole("R")}, true, "", false); !errors.Is(err, ErrNoApplicableACE) {
		t.Fatalf("all: expected no applicable ace for a superset request, got %v", err)
	}
}

func TestS4Inheritance(t *testing.T) {
	parent := &fakeAcl{class: []Ace{
		fakeAce{sid: sid.NewRole("R"), mask: 1, granting: true, match: MatchAll},
	}}
	child := &fakeAcl{inheriting: true, parent: parent}
	s := New(nil)

	granted, err := s.Decide(child, []int32{1}, []sid.Sid{sid.NewRole("R")}, true, "", false)
	if err != nil || !granted {
		t.Fatalf("expected inherited grant, got %v %v", granted, err)
	}

	child.inheriting = false
	if _, err := s.Decide(child, []int32{1}, []sid.Sid{sid.NewRole("R")}, true, "", false); !errors.Is(err, ErrNoApplicableACE) {
		t.Fatalf("expected no applicable ace once inheritance is disabled, got %v", err)
	}
}

func TestAuditingSuppressedInAdministrativeMode(t *testing.T) {
	var events []AuditEvent
	s := New(AuditorFunc(func(e AuditEvent) { events = append(events, e) }))

	acl := &fakeAcl{class: []Ace{
		fakeAce{sid: sid.NewRole("R"), mask: 1, granting: true, match: MatchAll, auditSuccess: true},
	}}

	if _, err := s.Decide(acl, []int32{1}, []sid.Sid{sid.NewRole("R")}, true, "", false); err != nil {
		t.Fatal(err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no audit events in administrative mode, got %d", len(events))
	}

	if _, err := s.Decide(acl, []int32{1}, []sid.Sid{sid.NewRole("R")}, false, "", false); err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || !events[0].Granting {
		t.Fatalf("expected one grant audit event, got %v", events)
	}
}

func TestFieldVariantPropagatesToParent(t *testing.T) {
	parent := &fakeAcl{inheriting: true, classField: map[string][]Ace{
		"title": {fakeAce{sid: sid.NewRole("R"), mask: 1, granting: true, match: MatchAll}},
	}}
	child := &fakeAcl{inheriting: true, parent: parent}
	s := New(nil)

	granted, err := s.Decide(child, []int32{1}, []sid.Sid{sid.NewRole("R")}, true, "title", true)
	if err != nil || !granted {
		t.Fatalf("expected field grant to propagate to parent, got %v %v", granted, err)
	}
}
