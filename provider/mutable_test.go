package provider

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"github.com/harperreed/aclgo/acl"
	"github.com/harperreed/aclgo/oid"
	"github.com/harperreed/aclgo/sid"
	"github.com/harperreed/aclgo/strategy"
)

// ancestorIdentifiers returns, alphabetically, the object_identifier of
// every row the closure table records as an ancestor of (objType,
// objIdentifier) — including its own self row.
func ancestorIdentifiers(t *testing.T, database *sql.DB, objType, objIdentifier string) []string {
	t.Helper()
	rows, err := database.Query(`
		SELECT a.object_identifier
		FROM object_identity_ancestors oia
		JOIN object_identities self ON self.id = oia.object_identity_id
		JOIN classes c ON c.id = self.class_id
		JOIN object_identities a ON a.id = oia.ancestor_id
		WHERE c.class_type = ? AND self.object_identifier = ?
		ORDER BY a.object_identifier
	`, objType, objIdentifier)
	if err != nil {
		t.Fatalf("query ancestors: %v", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			t.Fatalf("scan ancestor row: %v", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate ancestors: %v", err)
	}
	return out
}

// Invariant 4: createAcl followed by findAcl yields a fresh, empty ACL.
func TestCreateAclInvariants(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	mp := newTestMutableProvider(database)

	o := oid.New("Widget", "1")
	a, err := mp.CreateAcl(ctx, o)
	if err != nil {
		t.Fatalf("CreateAcl: %v", err)
	}

	if !a.IsEntriesInheriting() {
		t.Fatal("expected entriesInheriting=true on a freshly created ACL")
	}
	if a.ParentAcl() != nil {
		t.Fatal("expected parentAcl=nil on a freshly created ACL")
	}
	if len(a.ClassAceList()) != 0 || len(a.ObjectAceList()) != 0 {
		t.Fatal("expected all ACE lists empty on a freshly created ACL")
	}

	if _, err := mp.CreateAcl(ctx, o); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on a duplicate CreateAcl, got %v", err)
	}
}

func TestDeleteAclCascadesToChildrenAndForgetsIdentity(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	mp := newTestMutableProvider(database)

	parent, err := mp.CreateAcl(ctx, oid.New("Widget", "1"))
	if err != nil {
		t.Fatalf("CreateAcl(parent): %v", err)
	}
	child, err := mp.CreateAcl(ctx, oid.New("Widget", "2"))
	if err != nil {
		t.Fatalf("CreateAcl(child): %v", err)
	}
	child.SetParentAcl(parent)
	if err := mp.UpdateAcl(ctx, child); err != nil {
		t.Fatalf("UpdateAcl(child): %v", err)
	}

	if err := mp.DeleteAcl(ctx, oid.New("Widget", "1")); err != nil {
		t.Fatalf("DeleteAcl: %v", err)
	}

	if _, err := mp.FindAcl(ctx, oid.New("Widget", "1"), nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected parent to be gone, got %v", err)
	}
	if _, err := mp.FindAcl(ctx, oid.New("Widget", "2"), nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected child to cascade-delete, got %v", err)
	}
}

func TestFieldScopedAceRoundTrip(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	mp := newTestMutableProvider(database)

	a, err := mp.CreateAcl(ctx, oid.New("Widget", "1"))
	if err != nil {
		t.Fatalf("CreateAcl: %v", err)
	}
	if err := a.InsertObjectFieldAce("price", acl.NewFieldEntry("price", sid.NewRole("R"), 1, true, strategy.MatchAll), 0); err != nil {
		t.Fatalf("InsertObjectFieldAce: %v", err)
	}
	if err := a.InsertClassFieldAce("name", acl.NewFieldEntry("name", sid.NewRole("R2"), 1, false, strategy.MatchAll), 0); err != nil {
		t.Fatalf("InsertClassFieldAce: %v", err)
	}
	if err := mp.UpdateAcl(ctx, a); err != nil {
		t.Fatalf("UpdateAcl: %v", err)
	}

	mp2 := newTestMutableProvider(database)
	reloaded, err := mp2.FindAcl(ctx, oid.New("Widget", "1"), nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	priceAces := reloaded.ObjectFieldAceList("price")
	if len(priceAces) != 1 || priceAces[0].Mask() != 1 || !priceAces[0].Granting() {
		t.Fatalf("unexpected reloaded price field aces: %v", priceAces)
	}

	nameAces := reloaded.ClassFieldAceList("name")
	if len(nameAces) != 1 || nameAces[0].Granting() {
		t.Fatalf("unexpected reloaded name field aces: %v", nameAces)
	}

	granted, err := reloaded.IsFieldGranted("price", []int32{1}, []sid.Sid{sid.NewRole("R")}, true)
	if err != nil || !granted {
		t.Fatalf("IsFieldGranted(price): granted=%v err=%v", granted, err)
	}
}

func TestDeleteClassAcePersists(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	mp := newTestMutableProvider(database)

	a, err := mp.CreateAcl(ctx, oid.New("Widget", "1"))
	if err != nil {
		t.Fatalf("CreateAcl: %v", err)
	}
	if err := a.InsertClassAce(acl.NewEntry(sid.NewRole("R1"), 1, true, strategy.MatchAll), 0); err != nil {
		t.Fatalf("InsertClassAce: %v", err)
	}
	if err := a.InsertClassAce(acl.NewEntry(sid.NewRole("R2"), 2, true, strategy.MatchAll), 1); err != nil {
		t.Fatalf("InsertClassAce: %v", err)
	}
	if err := mp.UpdateAcl(ctx, a); err != nil {
		t.Fatalf("UpdateAcl: %v", err)
	}

	if err := a.DeleteClassAce(0); err != nil {
		t.Fatalf("DeleteClassAce: %v", err)
	}
	if err := mp.UpdateAcl(ctx, a); err != nil {
		t.Fatalf("UpdateAcl(after delete): %v", err)
	}

	mp2 := newTestMutableProvider(database)
	reloaded, err := mp2.FindAcl(ctx, oid.New("Widget", "1"), nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	aces := reloaded.ClassAceList()
	if len(aces) != 1 || aces[0].Sid().Identifier() != "R2" {
		t.Fatalf("unexpected reloaded class aces after delete: %v", aces)
	}
}

func TestSecurityIdentityMaintenance(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	mp := newTestMutableProvider(database)

	a, err := mp.CreateAcl(ctx, oid.New("Widget", "1"))
	if err != nil {
		t.Fatalf("CreateAcl: %v", err)
	}
	if err := a.InsertObjectAce(acl.NewEntry(sid.NewUser("App", "alice"), 1, true, strategy.MatchAll), 0); err != nil {
		t.Fatalf("InsertObjectAce: %v", err)
	}
	if err := mp.UpdateAcl(ctx, a); err != nil {
		t.Fatalf("UpdateAcl: %v", err)
	}

	if err := mp.UpdateUserSecurityIdentity(ctx, sid.NewUser("App", "alice2"), "alice"); err != nil {
		t.Fatalf("UpdateUserSecurityIdentity: %v", err)
	}

	mp2 := newTestMutableProvider(database)
	reloaded, err := mp2.FindAcl(ctx, oid.New("Widget", "1"), nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	granted, err := reloaded.IsGranted([]int32{1}, []sid.Sid{sid.NewUser("App", "alice2")}, true)
	if err != nil || !granted {
		t.Fatalf("expected renamed identity to still be granted: granted=%v err=%v", granted, err)
	}

	if err := mp.DeleteSecurityIdentity(ctx, sid.NewUser("App", "alice2")); err != nil {
		t.Fatalf("DeleteSecurityIdentity: %v", err)
	}

	mp3 := newTestMutableProvider(database)
	reloaded2, err := mp3.FindAcl(ctx, oid.New("Widget", "1"), nil)
	if err != nil {
		t.Fatalf("reload after delete: %v", err)
	}
	if len(reloaded2.ObjectAceList()) != 0 {
		t.Fatal("expected the ACE to cascade-delete along with its security identity")
	}
}

func TestUpdateAclOnUntrackedAclFails(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	mp := newTestMutableProvider(database)

	other := newTestMutableProvider(database)
	a, err := other.CreateAcl(ctx, oid.New("Widget", "1"))
	if err != nil {
		t.Fatalf("CreateAcl: %v", err)
	}

	if err := mp.UpdateAcl(ctx, a); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for an ACL never returned by mp, got %v", err)
	}
}

// Reparenting an ACL must regenerate the closure rows of every
// transitive child, not just the reparented ACL itself: with A -> B ->
// C, reparenting B under D must leave C's ancestors as {C, B, D}, never
// stale rows still pointing at A.
func TestUpdateAclReparentRegeneratesTransitiveChildrenAncestors(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	mp := newTestMutableProvider(database)

	a, err := mp.CreateAcl(ctx, oid.New("Widget", "A"))
	if err != nil {
		t.Fatalf("CreateAcl(A): %v", err)
	}
	b, err := mp.CreateAcl(ctx, oid.New("Widget", "B"))
	if err != nil {
		t.Fatalf("CreateAcl(B): %v", err)
	}
	b.SetParentAcl(a)
	if err := mp.UpdateAcl(ctx, b); err != nil {
		t.Fatalf("UpdateAcl(B under A): %v", err)
	}
	c, err := mp.CreateAcl(ctx, oid.New("Widget", "C"))
	if err != nil {
		t.Fatalf("CreateAcl(C): %v", err)
	}
	c.SetParentAcl(b)
	if err := mp.UpdateAcl(ctx, c); err != nil {
		t.Fatalf("UpdateAcl(C under B): %v", err)
	}
	d, err := mp.CreateAcl(ctx, oid.New("Widget", "D"))
	if err != nil {
		t.Fatalf("CreateAcl(D): %v", err)
	}

	b.SetParentAcl(d)
	if err := mp.UpdateAcl(ctx, b); err != nil {
		t.Fatalf("UpdateAcl(B reparented under D): %v", err)
	}

	gotB := ancestorIdentifiers(t, database, "Widget", "B")
	if wantB := "B,D"; strings.Join(gotB, ",") != wantB {
		t.Fatalf("ancestors(B) = %v, want %s", gotB, wantB)
	}

	gotC := ancestorIdentifiers(t, database, "Widget", "C")
	if wantC := "B,C,D"; strings.Join(gotC, ",") != wantC {
		t.Fatalf("ancestors(C) = %v, want %s (C's closure must follow B's new parent, not stale A)", gotC, wantC)
	}

	gotA := ancestorIdentifiers(t, database, "Widget", "A")
	if wantA := "A"; strings.Join(gotA, ",") != wantA {
		t.Fatalf("ancestors(A) = %v, want %s (A's own closure is untouched by B's reparent)", gotA, wantA)
	}
}

// A class-scope ACE is the same *acl.Entry instance across every sibling
// ACL of the same type, and which sibling last hydrated it "owns" it
// until something claims it back. Mutating the entry through whichever
// sibling the caller actually holds must still dirty and persist through
// that sibling, regardless of which one happened to own it beforehand.
func TestUpdateClassAcePersistsThroughEitherSiblingRegardlessOfHydrationOwner(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	setup := newTestMutableProvider(database)

	s1, err := setup.CreateAcl(ctx, oid.New("Widget", "S1"))
	if err != nil {
		t.Fatalf("CreateAcl(S1): %v", err)
	}
	if _, err := setup.CreateAcl(ctx, oid.New("Widget", "S2")); err != nil {
		t.Fatalf("CreateAcl(S2): %v", err)
	}
	if err := s1.InsertClassAce(acl.NewEntry(sid.NewRole("R1"), 1, true, strategy.MatchAll), 0); err != nil {
		t.Fatalf("InsertClassAce: %v", err)
	}
	if err := setup.UpdateAcl(ctx, s1); err != nil {
		t.Fatalf("UpdateAcl(S1): %v", err)
	}

	// Fresh provider, fresh identity map: load S1 and S2 in the same
	// batch so the class ACE they share is hydrated once and the same
	// *acl.Entry is attached to both, with whichever one is processed
	// last in the hydration pass left as its owner.
	mp := newTestMutableProvider(database)
	oS1, oS2 := oid.New("Widget", "S1"), oid.New("Widget", "S2")
	loaded, err := mp.FindAcls(ctx, []*oid.ObjectIdentity{oS1, oS2}, nil)
	if err != nil {
		t.Fatalf("FindAcls: %v", err)
	}
	sib2 := loaded[oS2]

	newMask := int32(7)
	if err := sib2.UpdateClassAce(0, &newMask, strategy.MatchAny); err != nil {
		t.Fatalf("UpdateClassAce via sib2: %v", err)
	}
	if err := mp.UpdateAcl(ctx, sib2); err != nil {
		t.Fatalf("UpdateAcl(sib2): %v", err)
	}

	verify := newTestMutableProvider(database)
	reloaded, err := verify.FindAcl(ctx, oS1, nil)
	if err != nil {
		t.Fatalf("FindAcl(S1) after update: %v", err)
	}
	got := reloaded.ClassAceList()
	if len(got) != 1 {
		t.Fatalf("expected 1 class ACE, got %d", len(got))
	}
	if got[0].Mask() != newMask || got[0].Match() != strategy.MatchAny {
		t.Fatalf("class ACE = mask %d match %s, want mask %d match %s (update via sib2 must persist even if sib1 happened to own the entry)",
			got[0].Mask(), got[0].Match(), newMask, strategy.MatchAny)
	}
}

// Inserting at the front of an existing, persisted ACE list shifts every
// sibling's order up by one in a single batch. Applying those shifts in
// the wrong sequence collides with the UNIQUE(class_id,
// object_identity_id, field_name, ace_order) constraint mid-transaction,
// since a shift's target order is still held by the sibling ahead of it
// until that sibling writes too.
func TestInsertObjectAceBatchReorderPersists(t *testing.T) {
	ctx := context.Background()
	database := setupTestDB(t)
	mp := newTestMutableProvider(database)

	a, err := mp.CreateAcl(ctx, oid.New("Widget", "1"))
	if err != nil {
		t.Fatalf("CreateAcl: %v", err)
	}
	for i, name := range []string{"R1", "R2", "R3"} {
		if err := a.InsertObjectAce(acl.NewEntry(sid.NewRole(name), 1, true, strategy.MatchAll), i); err != nil {
			t.Fatalf("InsertObjectAce(%s): %v", name, err)
		}
	}
	if err := mp.UpdateAcl(ctx, a); err != nil {
		t.Fatalf("UpdateAcl: %v", err)
	}

	mp2 := newTestMutableProvider(database)
	reloaded, err := mp2.FindAcl(ctx, oid.New("Widget", "1"), nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := reloaded.InsertObjectAce(acl.NewEntry(sid.NewRole("R0"), 1, true, strategy.MatchAll), 0); err != nil {
		t.Fatalf("InsertObjectAce(R0): %v", err)
	}
	if err := mp2.UpdateAcl(ctx, reloaded); err != nil {
		t.Fatalf("UpdateAcl(after front insert): %v", err)
	}

	mp3 := newTestMutableProvider(database)
	final, err := mp3.FindAcl(ctx, oid.New("Widget", "1"), nil)
	if err != nil {
		t.Fatalf("final reload: %v", err)
	}
	aces := final.ObjectAceList()
	if len(aces) != 4 {
		t.Fatalf("expected 4 object aces, got %d", len(aces))
	}
	want := []string{"R0", "R1", "R2", "R3"}
	for i, name := range want {
		if aces[i].Sid().Identifier() != name || aces[i].Order() != i {
			t.Fatalf("object ace %d = %s@%d, want %s@%d", i, aces[i].Sid().Identifier(), aces[i].Order(), name, i)
		}
	}
}
