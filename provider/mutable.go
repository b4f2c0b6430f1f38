package provider

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/go-logr/logr"

	"github.com/harperreed/aclgo/acl"
	"github.com/harperreed/aclgo/cache"
	"github.com/harperreed/aclgo/oid"
	"github.com/harperreed/aclgo/sid"
	"github.com/harperreed/aclgo/strategy"
)

// changeRecord is one dirty property: its value before and after the
// first setter call this provider observed.
type changeRecord struct {
	old, new interface{}
}

// aclChanges is the per-ACL change log: one record per dirty ACL
// property, plus one record per dirty ACE property, keyed by the ACE
// instance so reassigning an ACE between lists is tracked by its own
// list-snapshot diff rather than by a per-setter event.
type aclChanges struct {
	props map[string]changeRecord
	aces  map[*acl.Entry]map[string]changeRecord
}

func newAclChanges() *aclChanges {
	return &aclChanges{
		props: make(map[string]changeRecord),
		aces:  make(map[*acl.Entry]map[string]changeRecord),
	}
}

func (c *aclChanges) dirty() bool { return len(c.props) > 0 || len(c.aces) > 0 }

// MutableAclProvider is the write path: it tracks every property change
// on ACLs and ACEs it hands out (by registering itself as their
// acl.ChangeListener) and persists accumulated changes transactionally.
type MutableAclProvider struct {
	*Provider
	changes map[*acl.ACL]*aclChanges
}

// NewMutable builds a MutableAclProvider. See New for the parameters.
func NewMutable(db *sql.DB, c cache.AclCache, opts Options, log logr.Logger) *MutableAclProvider {
	return &MutableAclProvider{
		Provider: New(db, c, opts, log),
		changes:  make(map[*acl.ACL]*aclChanges),
	}
}

// FindAcl resolves a single identity and starts tracking its ACL.
func (mp *MutableAclProvider) FindAcl(ctx context.Context, o *oid.ObjectIdentity, sids []sid.Sid) (*acl.ACL, error) {
	result, err := mp.FindAcls(ctx, []*oid.ObjectIdentity{o}, sids)
	if err != nil {
		return nil, err
	}
	return result[o], nil
}

// FindAcls delegates to Provider.FindAcls, then installs this provider
// as the change listener on every resolved ACL (including the partial
// result of a NotAllFoundError) and starts tracking it.
func (mp *MutableAclProvider) FindAcls(ctx context.Context, oids []*oid.ObjectIdentity, sids []sid.Sid) (map[*oid.ObjectIdentity]*acl.ACL, error) {
	result, err := mp.Provider.FindAcls(ctx, oids, sids)
	// Track every ACL now in the identity map, not just the ones in
	// result: a batch also hydrates ancestors and parents the caller
	// never asked for by OID, and those are reachable (and mutable) via
	// ParentAcl() chains from the result.
	for _, a := range mp.loadedAcls {
		mp.track(a)
	}
	return result, err
}

func (mp *MutableAclProvider) track(a *acl.ACL) {
	if _, ok := mp.changes[a]; ok {
		return
	}
	mp.changes[a] = newAclChanges()
	a.SetChangeListener(mp)
}

func (mp *MutableAclProvider) forgetAcl(o *oid.ObjectIdentity) {
	key := o.Key()
	a, ok := mp.loadedAcls[key]
	if !ok {
		return
	}
	delete(mp.loadedAcls, key)
	delete(mp.changes, a)
}

// PropertyChanged implements acl.ChangeListener. Unpersisted ACEs
// (no id yet) are ignored — they have no row to diff against. A sender
// this provider never handed out is ignored too; UpdateAcl on an
// untracked ACL fails explicitly instead.
func (mp *MutableAclProvider) PropertyChanged(sender interface{}, name string, old, new interface{}) {
	switch s := sender.(type) {
	case *acl.Entry:
		if _, hasID := s.ID(); !hasID {
			return
		}
		owner := s.Owner()
		rec, ok := mp.changes[owner]
		if !ok {
			return
		}
		sub, ok := rec.aces[s]
		if !ok {
			sub = make(map[string]changeRecord)
			rec.aces[s] = sub
		}
		recordChange(sub, name, old, new)
		if len(sub) == 0 {
			delete(rec.aces, s)
		}
	case *acl.ACL:
		rec, ok := mp.changes[s]
		if !ok {
			return
		}
		recordChange(rec.props, name, old, new)
	}
}

func recordChange(m map[string]changeRecord, name string, old, new interface{}) {
	if existing, ok := m[name]; ok {
		if valuesEqual(new, existing.old) {
			delete(m, name)
			return
		}
		existing.new = new
		m[name] = existing
		return
	}
	if valuesEqual(old, new) {
		return
	}
	m[name] = changeRecord{old: old, new: new}
}

// valuesEqual compares two property values for equality. []*acl.Entry
// (the payload of classAces/objectAces/*FieldAces notifications) is not
// a comparable type, so it is special-cased; everything else setters
// emit (bool, int32, int, strategy.MatchKind, *acl.ACL) is comparable
// with ==.
func valuesEqual(a, b interface{}) bool {
	sa, aIsSlice := a.([]*acl.Entry)
	sb, bIsSlice := b.([]*acl.Entry)
	if aIsSlice || bIsSlice {
		if len(sa) != len(sb) {
			return false
		}
		for i := range sa {
			if sa[i] != sb[i] {
				return false
			}
		}
		return true
	}
	return a == b
}

// parseAceListProp decodes an ACL property name into the scope
// ("class" or "object") and field it names, for every property that
// carries an ACE-list snapshot rather than a scalar. Field-scoped
// property names carry their field suffixed after a colon, since
// classFieldAces/objectFieldAces span many independent fields and a
// bare name would collide across them.
func parseAceListProp(name string) (scope, field string, isField, ok bool) {
	switch {
	case name == "classAces":
		return "class", "", false, true
	case name == "objectAces":
		return "object", "", false, true
	case strings.HasPrefix(name, "classFieldAces:"):
		return "class", strings.TrimPrefix(name, "classFieldAces:"), true, true
	case strings.HasPrefix(name, "objectFieldAces:"):
		return "object", strings.TrimPrefix(name, "objectFieldAces:"), true, true
	}
	return "", "", false, false
}

type aceListChange struct {
	scope   string
	field   string
	isField bool
	old     []*acl.Entry
	new     []*acl.Entry
}

// aceOrderRank buckets an ACE's pending column updates so a batch of
// reorders can be applied without tripping the per-list ace_order
// uniqueness constraint mid-transaction: an order-increasing move (the
// ACE is shifting to a higher slot, vacated by something moving out of
// its way) must run in descending-target order so each write lands in
// an already-vacated slot, while an order-decreasing move (or no order
// change at all) must run in ascending-target order for the same
// reason, just mirrored. See spec §4.7 step 4.
func aceOrderRank(sub map[string]changeRecord) (group int, key int) {
	ch, ok := sub["aceOrder"]
	if !ok {
		return 0, 0
	}
	oldV, _ := ch.old.(int)
	newV, _ := ch.new.(int)
	if newV > oldV {
		return 1, -newV
	}
	return 0, newV
}

// CreateAcl fails with ErrAlreadyExists if o already has a row.
// Otherwise, in one transaction: upserts the class row, inserts the
// object-identity row with entriesInheriting=true, and inserts the
// self-ancestor row. It returns the freshly hydrated, tracked ACL.
func (mp *MutableAclProvider) CreateAcl(ctx context.Context, o *oid.ObjectIdentity) (*acl.ACL, error) {
	tbl := mp.opts.Tables

	tx, err := mp.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var existingPk int64
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT self.id FROM %s self
		JOIN %s c ON c.id = self.class_id
		WHERE c.class_type = ? AND self.object_identifier = ?
	`, tbl.ObjectIdentities, tbl.Classes), o.Type(), o.Identifier()).Scan(&existingPk)
	if err == nil {
		return nil, ErrAlreadyExists
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	classID, err := mp.resolveOrCreateClassTx(ctx, tx, o.Type())
	if err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (class_id, object_identifier, entries_inheriting) VALUES (?, ?, 1)
	`, tbl.ObjectIdentities), classID, o.Identifier())
	if err != nil {
		return nil, err
	}
	pk, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (object_identity_id, ancestor_id) VALUES (?, ?)
	`, tbl.Ancestors), pk, pk); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return mp.FindAcl(ctx, o, nil)
}

func (mp *MutableAclProvider) resolveOrCreateClassTx(ctx context.Context, tx *sql.Tx, classType string) (int64, error) {
	tbl := mp.opts.Tables
	var classID int64
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT id FROM %s WHERE class_type = ?`, tbl.Classes), classType).Scan(&classID)
	if err == nil {
		return classID, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (class_type) VALUES (?)`, tbl.Classes), classType)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (mp *MutableAclProvider) resolveOrCreateSidTx(ctx context.Context, tx *sql.Tx, s sid.Sid) (int64, error) {
	tbl := mp.opts.Tables
	identifier := s.Identifier()
	usernameFlag := s.IsPrincipal()

	var sidID int64
	err := tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT id FROM %s WHERE identifier = ? AND username = ?
	`, tbl.SecurityIdents), identifier, usernameFlag).Scan(&sidID)
	if err == nil {
		return sidID, nil
	}
	if err != sql.ErrNoRows {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (identifier, username) VALUES (?, ?)
	`, tbl.SecurityIdents), identifier, usernameFlag)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (mp *MutableAclProvider) resolvePkTx(ctx context.Context, tx *sql.Tx, o *oid.ObjectIdentity) (int64, error) {
	tbl := mp.opts.Tables
	query := fmt.Sprintf(`
		SELECT self.id FROM %s self
		JOIN %s c ON c.id = self.class_id
		WHERE c.class_type = ? AND self.object_identifier = ?
	`, tbl.ObjectIdentities, tbl.Classes)

	var pk int64
	err := tx.QueryRowContext(ctx, query, o.Type(), o.Identifier()).Scan(&pk)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return pk, nil
}

func (mp *MutableAclProvider) findDirectChildrenTx(ctx context.Context, tx *sql.Tx, pk int64) ([]*oid.ObjectIdentity, error) {
	tbl := mp.opts.Tables
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT self.object_identifier, c.class_type
		FROM %s self
		JOIN %s c ON c.id = self.class_id
		WHERE self.parent_object_identity_id = ?
	`, tbl.ObjectIdentities, tbl.Classes), pk)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*oid.ObjectIdentity
	for rows.Next() {
		var identifier, classType string
		if err := rows.Scan(&identifier, &classType); err != nil {
			return nil, err
		}
		out = append(out, oid.New(normalizeClassType(classType), identifier))
	}
	return out, rows.Err()
}

// DeleteAcl recursively deletes o's direct children, then o's ACEs,
// ancestor-closure rows and object-identity row, all in one
// transaction. After commit it drops every deleted OID from the
// identity map, the change log, and the external cache.
func (mp *MutableAclProvider) DeleteAcl(ctx context.Context, o *oid.ObjectIdentity) error {
	tx, err := mp.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	deleted, err := mp.deleteAclTx(ctx, tx, o)
	if err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for _, d := range deleted {
		mp.forgetAcl(d)
		if mp.cache != nil {
			mp.cache.EvictFromCacheByIdentity(d)
		}
	}
	return nil
}

func (mp *MutableAclProvider) deleteAclTx(ctx context.Context, tx *sql.Tx, o *oid.ObjectIdentity) ([]*oid.ObjectIdentity, error) {
	tbl := mp.opts.Tables
	pk, err := mp.resolvePkTx(ctx, tx, o)
	if err != nil {
		return nil, err
	}

	children, err := mp.findDirectChildrenTx(ctx, tx, pk)
	if err != nil {
		return nil, err
	}

	var deleted []*oid.ObjectIdentity
	for _, child := range children {
		sub, err := mp.deleteAclTx(ctx, tx, child)
		if err != nil {
			return nil, err
		}
		deleted = append(deleted, sub...)
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE object_identity_id = ?`, tbl.Entries), pk); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE object_identity_id = ?`, tbl.Ancestors), pk); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, tbl.ObjectIdentities), pk); err != nil {
		return nil, err
	}

	return append(deleted, o), nil
}

// UpdateAcl persists every accumulated change on a, in the order fixed
// by spec: scalar columns are scheduled, ancestor-closure rows are
// regenerated on reparenting, vanished ACEs are deleted, dirty ACE
// columns are updated (order-increasing updates last), new ACEs are
// inserted, class-scope siblings are synchronized (or the whole
// transaction fails with ErrConcurrentModification), and finally the
// scheduled scalar UPDATE is issued. All of it runs in one transaction;
// sibling synchronization and cache invalidation happen after commit.
func (mp *MutableAclProvider) UpdateAcl(ctx context.Context, a *acl.ACL) error {
	rec, ok := mp.changes[a]
	if !ok {
		return ErrInvalidArgument
	}
	if !rec.dirty() {
		return nil
	}
	pk, hasID := a.ID()
	if !hasID {
		return ErrInvalidArgument
	}

	tbl := mp.opts.Tables

	tx, err := mp.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var scalarSets []string
	var scalarArgs []interface{}

	if ch, ok := rec.props["entriesInheriting"]; ok {
		scalarSets = append(scalarSets, "entries_inheriting = ?")
		scalarArgs = append(scalarArgs, ch.new)
	}

	var newParent *acl.ACL
	if ch, ok := rec.props["parentAcl"]; ok {
		if p, ok := ch.new.(*acl.ACL); ok {
			newParent = p
		}
		var parentID sql.NullInt64
		if newParent != nil {
			parentPk, hasID := newParent.ID()
			if !hasID {
				return ErrInvalidArgument
			}
			parentID = sql.NullInt64{Int64: parentPk, Valid: true}
		}
		scalarSets = append(scalarSets, "parent_object_identity_id = ?")
		scalarArgs = append(scalarArgs, parentID)

		if err := mp.regenerateAncestorsTx(ctx, tx, pk, newParent); err != nil {
			return err
		}
	}

	var listChanges []aceListChange
	classShared := false
	for name, ch := range rec.props {
		scope, field, isField, ok := parseAceListProp(name)
		if !ok {
			continue
		}
		oldList, _ := ch.old.([]*acl.Entry)
		newList, _ := ch.new.([]*acl.Entry)
		listChanges = append(listChanges, aceListChange{scope: scope, field: field, isField: isField, old: oldList, new: newList})
		if scope == "class" {
			classShared = true
		}
	}

	// Step 3: delete ACEs present in an old snapshot but absent from its
	// new snapshot, before any insert can reuse their (list, order) slot.
	for _, lc := range listChanges {
		stillPresent := make(map[int64]bool, len(lc.new))
		for _, e := range lc.new {
			if id, has := e.ID(); has {
				stillPresent[id] = true
			}
		}
		for _, e := range lc.old {
			id, has := e.ID()
			if !has || stillPresent[id] {
				continue
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, tbl.Entries), id); err != nil {
				return err
			}
		}
	}

	// Step 4: per-ACE column updates, ordered so a batch of reorders
	// never writes into a slot an unmoved sibling still occupies.
	type aceUpdate struct {
		entry   *acl.Entry
		changes map[string]changeRecord
	}
	var aceUpdates []aceUpdate
	for e, sub := range rec.aces {
		if _, hasID := e.ID(); !hasID {
			continue
		}
		aceUpdates = append(aceUpdates, aceUpdate{entry: e, changes: sub})
	}
	sort.SliceStable(aceUpdates, func(i, j int) bool {
		gi, ki := aceOrderRank(aceUpdates[i].changes)
		gj, kj := aceOrderRank(aceUpdates[j].changes)
		if gi != gj {
			return gi < gj
		}
		return ki < kj
	})
	for _, u := range aceUpdates {
		var sets []string
		var args []interface{}
		if ch, ok := u.changes["mask"]; ok {
			sets = append(sets, "mask = ?")
			args = append(args, ch.new)
		}
		if ch, ok := u.changes["granting"]; ok {
			sets = append(sets, "granting = ?")
			args = append(args, ch.new)
		}
		if ch, ok := u.changes["strategy"]; ok {
			kind, _ := ch.new.(strategy.MatchKind)
			sets = append(sets, "granting_strategy = ?")
			args = append(args, string(kind))
		}
		if ch, ok := u.changes["aceOrder"]; ok {
			sets = append(sets, "ace_order = ?")
			args = append(args, ch.new)
		}
		if ch, ok := u.changes["auditSuccess"]; ok {
			sets = append(sets, "audit_success = ?")
			args = append(args, ch.new)
		}
		if ch, ok := u.changes["auditFailure"]; ok {
			sets = append(sets, "audit_failure = ?")
			args = append(args, ch.new)
		}
		if len(sets) == 0 {
			continue
		}
		id, _ := u.entry.ID()
		args = append(args, id)
		q := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, tbl.Entries, strings.Join(sets, ", "))
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return err
		}
	}

	// Step 5: insert new ACEs (no id yet), order matching their list index.
	classID, err := mp.resolveOrCreateClassTx(ctx, tx, a.ObjectIdentity().Type())
	if err != nil {
		return err
	}
	for _, lc := range listChanges {
		for _, e := range lc.new {
			if _, hasID := e.ID(); hasID {
				continue
			}
			sidID, err := mp.resolveOrCreateSidTx(ctx, tx, e.Sid())
			if err != nil {
				return err
			}
			var objectIdentityID sql.NullInt64
			if lc.scope == "object" {
				objectIdentityID = sql.NullInt64{Int64: pk, Valid: true}
			}
			var fieldName sql.NullString
			if lc.isField {
				fieldName = sql.NullString{String: lc.field, Valid: true}
			}
			res, err := tx.ExecContext(ctx, fmt.Sprintf(`
				INSERT INTO %s (class_id, object_identity_id, security_identity_id, field_name, ace_order, mask, granting, granting_strategy, audit_success, audit_failure)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, tbl.Entries), classID, objectIdentityID, sidID, fieldName, e.Order(), e.Mask(), e.Granting(), string(e.Match()), e.AuditSuccess(), e.AuditFailure())
			if err != nil {
				return err
			}
			newID, err := res.LastInsertId()
			if err != nil {
				return err
			}
			e.SetID(newID)
			mp.loadedAces[newID] = e
		}
	}

	// Step 6 (check): a sibling ACL of the same type whose current
	// class-scope list has already diverged from this change's recorded
	// "old" snapshot means another writer committed first.
	if classShared {
		for _, sibling := range mp.loadedAcls {
			if sibling == a || sibling.ObjectIdentity().Type() != a.ObjectIdentity().Type() {
				continue
			}
			for _, lc := range listChanges {
				if lc.scope != "class" {
					continue
				}
				var current []*acl.Entry
				if lc.isField {
					current = sibling.ClassFieldAceList(lc.field)
				} else {
					current = sibling.ClassAceList()
				}
				if !valuesEqual(current, lc.old) {
					return ErrConcurrentModification
				}
			}
		}
	}

	// Step 7: the single scalar-column UPDATE, if anything scheduled one.
	if len(scalarSets) > 0 {
		scalarArgs = append(scalarArgs, pk)
		q := fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, tbl.ObjectIdentities, strings.Join(scalarSets, ", "))
		if _, err := tx.ExecContext(ctx, q, scalarArgs...); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	// Post-commit: propagate the class-scope change to every other
	// in-memory ACL of this type, and invalidate the external cache.
	if classShared {
		for _, sibling := range mp.loadedAcls {
			if sibling == a || sibling.ObjectIdentity().Type() != a.ObjectIdentity().Type() {
				continue
			}
			for _, lc := range listChanges {
				if lc.scope != "class" {
					continue
				}
				if lc.isField {
					sibling.SyncClassFieldAceList(lc.field, lc.new)
				} else {
					sibling.SyncClassAceList(lc.new)
				}
			}
		}
		if mp.cache != nil {
			mp.cache.ClearCache()
		}
	} else if mp.cache != nil {
		mp.cache.EvictFromCacheByIdentity(a.ObjectIdentity())
		if children, err := mp.FindChildren(ctx, a.ObjectIdentity(), false); err == nil {
			for _, c := range children {
				mp.cache.EvictFromCacheByIdentity(c)
			}
		}
	}

	mp.changes[a] = newAclChanges()
	return nil
}

// regenerateAncestorsTx implements spec §4.7.1 for pk and, per §4.7
// step 2, every transitive child of pk: a reparent changes pk's whole
// ancestor chain, and every descendant's closure rows pass through pk,
// so they are all stale too. Descendants are walked breadth-first via
// the object_identities table's own parent_object_identity_id column
// (not the closure table, which is exactly what's being rebuilt) so
// each child is regenerated only after its own parent's closure rows
// are already current.
func (mp *MutableAclProvider) regenerateAncestorsTx(ctx context.Context, tx *sql.Tx, pk int64, parent *acl.ACL) error {
	var parentPk sql.NullInt64
	if parent != nil {
		id, hasID := parent.ID()
		if !hasID {
			return ErrInvalidArgument
		}
		parentPk = sql.NullInt64{Int64: id, Valid: true}
	}

	if err := mp.regenerateOneAncestorsTx(ctx, tx, pk, parentPk); err != nil {
		return err
	}

	queue := []int64{pk}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		children, err := mp.directChildrenPksTx(ctx, tx, cur)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := mp.regenerateOneAncestorsTx(ctx, tx, child, sql.NullInt64{Int64: cur, Valid: true}); err != nil {
				return err
			}
			queue = append(queue, child)
		}
	}
	return nil
}

// directChildrenPksTx returns the primary keys of pk's immediate children.
func (mp *MutableAclProvider) directChildrenPksTx(ctx context.Context, tx *sql.Tx, pk int64) ([]int64, error) {
	tbl := mp.opts.Tables
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT id FROM %s WHERE parent_object_identity_id = ?
	`, tbl.ObjectIdentities), pk)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// regenerateOneAncestorsTx deletes pk's own closure rows, reinserts its
// self row, then copies parentPk's own closure (already parentPk's
// full, current ancestor chain) as pk's ancestors.
func (mp *MutableAclProvider) regenerateOneAncestorsTx(ctx context.Context, tx *sql.Tx, pk int64, parentPk sql.NullInt64) error {
	tbl := mp.opts.Tables

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE object_identity_id = ?`, tbl.Ancestors), pk); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (object_identity_id, ancestor_id) VALUES (?, ?)
	`, tbl.Ancestors), pk, pk); err != nil {
		return err
	}
	if !parentPk.Valid {
		return nil
	}

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT ancestor_id FROM %s WHERE object_identity_id = ?
	`, tbl.Ancestors), parentPk.Int64)
	if err != nil {
		return err
	}
	defer rows.Close()

	var ancestorIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return err
		}
		ancestorIDs = append(ancestorIDs, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, aid := range ancestorIDs {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (object_identity_id, ancestor_id) VALUES (?, ?)
		`, tbl.Ancestors), pk, aid); err != nil {
			return err
		}
	}
	return nil
}

// DeleteSecurityIdentity removes s's row; ACE deletion cascades via the
// entries table's foreign key.
func (mp *MutableAclProvider) DeleteSecurityIdentity(ctx context.Context, s sid.Sid) error {
	tbl := mp.opts.Tables
	_, err := mp.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE identifier = ? AND username = ?
	`, tbl.SecurityIdents), s.Identifier(), s.IsPrincipal())
	return err
}

// UpdateUserSecurityIdentity rewrites a User SID's identifier from
// oldUsername to s.Username, rejecting a no-op rename.
func (mp *MutableAclProvider) UpdateUserSecurityIdentity(ctx context.Context, s sid.User, oldUsername string) error {
	if s.Username == oldUsername {
		return ErrInvalidArgument
	}
	tbl := mp.opts.Tables
	oldIdentifier := s.Class + "-" + oldUsername
	_, err := mp.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET identifier = ? WHERE identifier = ? AND username = 1
	`, tbl.SecurityIdents), s.Identifier(), oldIdentifier)
	return err
}
