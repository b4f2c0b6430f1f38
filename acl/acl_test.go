package acl

import (
	"errors"
	"testing"

	"github.com/harperreed/aclgo/oid"
	"github.com/harperreed/aclgo/sid"
	"github.com/harperreed/aclgo/strategy"
)

type recordingListener struct {
	events []change
}

type change struct {
	sender   interface{}
	name     string
	old, new interface{}
}

func (l *recordingListener) PropertyChanged(sender interface{}, name string, old, new interface{}) {
	l.events = append(l.events, change{sender, name, old, new})
}

func newTestAcl() *ACL {
	return &ACL{identity: oid.New("Document", "1")}
}

func TestInsertClassAceAppendsAndOrders(t *testing.T) {
	a := newTestAcl()
	l := &recordingListener{}
	a.SetChangeListener(l)

	e1 := NewEntry(sid.NewRole("ROLE_USER"), 1, true, strategy.MatchAll)
	e2 := NewEntry(sid.NewRole("ROLE_ADMIN"), 2, true, strategy.MatchAll)

	if err := a.InsertClassAce(e1, 0); err != nil {
		t.Fatal(err)
	}
	if err := a.InsertClassAce(e2, 1); err != nil {
		t.Fatal(err)
	}

	got := a.ClassAceList()
	if len(got) != 2 || got[0] != e1 || got[1] != e2 {
		t.Fatalf("unexpected list: %v", got)
	}
	if e1.Order() != 0 || e2.Order() != 1 {
		t.Fatalf("unexpected order: e1=%d e2=%d", e1.Order(), e2.Order())
	}
	if e1.Owner() != a || e2.Owner() != a {
		t.Fatal("expected entries to be owned by a")
	}

	found := false
	for _, ev := range l.events {
		if ev.name == "classAces" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a classAces change notification")
	}
}

func TestInsertAtFrontShiftsOrder(t *testing.T) {
	a := newTestAcl()
	e1 := NewEntry(sid.NewRole("R1"), 1, true, strategy.MatchAll)
	e2 := NewEntry(sid.NewRole("R2"), 1, true, strategy.MatchAll)
	e3 := NewEntry(sid.NewRole("R3"), 1, true, strategy.MatchAll)

	if err := a.InsertObjectAce(e1, 0); err != nil {
		t.Fatal(err)
	}
	if err := a.InsertObjectAce(e2, 1); err != nil {
		t.Fatal(err)
	}
	if err := a.InsertObjectAce(e3, 0); err != nil {
		t.Fatal(err)
	}

	got := a.ObjectAceList()
	if got[0] != e3 || got[1] != e1 || got[2] != e2 {
		t.Fatalf("unexpected ordering after front insert: %v", got)
	}
	if e3.Order() != 0 || e1.Order() != 1 || e2.Order() != 2 {
		t.Fatalf("unexpected order values: e3=%d e1=%d e2=%d", e3.Order(), e1.Order(), e2.Order())
	}
}

func TestInsertInvalidIndex(t *testing.T) {
	a := newTestAcl()
	e1 := NewEntry(sid.NewRole("R1"), 1, true, strategy.MatchAll)
	if err := a.InsertClassAce(e1, 5); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("expected ErrInvalidIndex, got %v", err)
	}
}

func TestDeleteClassAceShiftsOrder(t *testing.T) {
	a := newTestAcl()
	e1 := NewEntry(sid.NewRole("R1"), 1, true, strategy.MatchAll)
	e2 := NewEntry(sid.NewRole("R2"), 1, true, strategy.MatchAll)
	e3 := NewEntry(sid.NewRole("R3"), 1, true, strategy.MatchAll)
	_ = a.InsertClassAce(e1, 0)
	_ = a.InsertClassAce(e2, 1)
	_ = a.InsertClassAce(e3, 2)

	if err := a.DeleteClassAce(0); err != nil {
		t.Fatal(err)
	}

	got := a.ClassAceList()
	if len(got) != 2 || got[0] != e2 || got[1] != e3 {
		t.Fatalf("unexpected list after delete: %v", got)
	}
	if e2.Order() != 0 || e3.Order() != 1 {
		t.Fatalf("unexpected order after delete: e2=%d e3=%d", e2.Order(), e3.Order())
	}
}

func TestDeleteInvalidIndex(t *testing.T) {
	a := newTestAcl()
	if err := a.DeleteObjectAce(0); !errors.Is(err, ErrInvalidIndex) {
		t.Fatalf("expected ErrInvalidIndex, got %v", err)
	}
}

func TestFieldScopedListsAreIndependent(t *testing.T) {
	a := newTestAcl()
	flat := NewEntry(sid.NewRole("R"), 1, true, strategy.MatchAll)
	titleField := NewFieldEntry("title", sid.NewRole("R"), 1, true, strategy.MatchAll)

	_ = a.InsertClassAce(flat, 0)
	_ = a.InsertClassFieldAce("title", titleField, 0)

	if len(a.ClassAceList()) != 1 {
		t.Fatal("expected flat class list to have one entry")
	}
	if len(a.ClassFieldAceList("title")) != 1 {
		t.Fatal("expected title field list to have one entry")
	}
	if len(a.ClassFieldAceList("other")) != 0 {
		t.Fatal("expected unrelated field to have no entries")
	}
}

func TestUpdateClassAceMask(t *testing.T) {
	a := newTestAcl()
	e := NewEntry(sid.NewRole("R"), 1, true, strategy.MatchAll)
	_ = a.InsertClassAce(e, 0)

	newMask := int32(4)
	if err := a.UpdateClassAce(0, &newMask, strategy.MatchAny); err != nil {
		t.Fatal(err)
	}
	if e.Mask() != 4 || e.Match() != strategy.MatchAny {
		t.Fatalf("update did not apply: mask=%d match=%s", e.Mask(), e.Match())
	}
}

func TestUpdateAuditing(t *testing.T) {
	a := newTestAcl()
	e := NewEntry(sid.NewRole("R"), 1, true, strategy.MatchAll)
	_ = a.InsertObjectAce(e, 0)

	if err := a.UpdateObjectAceAuditing(0, true, true); err != nil {
		t.Fatal(err)
	}
	if !e.AuditSuccess() || !e.AuditFailure() {
		t.Fatal("expected both audit flags set")
	}
}

func TestSetParentAndEntriesInheritingEmitChanges(t *testing.T) {
	parent := newTestAcl()
	child := newTestAcl()
	l := &recordingListener{}
	child.SetChangeListener(l)

	child.SetParentAcl(parent)
	child.SetEntriesInheriting(true)

	if child.ParentAcl() != parent {
		t.Fatal("expected parent to be wired")
	}
	if !child.IsEntriesInheriting() {
		t.Fatal("expected inheriting to be true")
	}

	names := map[string]bool{}
	for _, ev := range l.events {
		names[ev.name] = true
	}
	if !names["parentAcl"] || !names["entriesInheriting"] {
		t.Fatalf("expected both property changes recorded, got %v", names)
	}
}

func TestACLSatisfiesStrategyAcl(t *testing.T) {
	var _ strategy.Acl = (*ACL)(nil)
}

func TestEntrySatisfiesStrategyAce(t *testing.T) {
	var _ strategy.Ace = (*Entry)(nil)
}

func TestIsGrantedDelegatesToStrategy(t *testing.T) {
	a := newTestAcl()
	a.SetEntriesInheriting(true)
	e := NewEntry(sid.NewRole("ROLE_USER"), 1, true, strategy.MatchAll)
	_ = a.InsertClassAce(e, 0)

	granted, err := a.IsGranted([]int32{1}, []sid.Sid{sid.NewRole("ROLE_USER")}, true)
	if err != nil || !granted {
		t.Fatalf("expected grant, got %v %v", granted, err)
	}
}

func TestIsFieldGrantedWalksToParent(t *testing.T) {
	parent := newTestAcl()
	pe := NewFieldEntry("title", sid.NewRole("R"), 1, true, strategy.MatchAll)
	_ = parent.InsertClassFieldAce("title", pe, 0)

	child := newTestAcl()
	child.SetEntriesInheriting(true)
	child.SetParentAcl(parent)

	granted, err := child.IsFieldGranted("title", []int32{1}, []sid.Sid{sid.NewRole("R")}, true)
	if err != nil || !granted {
		t.Fatalf("expected field grant via parent, got %v %v", granted, err)
	}
}
