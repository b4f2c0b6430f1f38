// Package provider implements the ACL provider: the read path
// (Provider) that batch-hydrates ACL trees from the relational schema,
// and the write path (MutableAclProvider, in mutable.go) that tracks
// property changes and persists them transactionally.
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

// Provider is the read-path ACL provider: FindAcl, FindAcls and
// FindChildren. A Provider is single-owner — it must not be shared by
// concurrent callers — matching the scheduling model of spec.md §5.
type Provider struct {
	db      *sql.DB
	opts    Options
	cache   cache.AclCache
	log     logr.Logger
	auditor strategy.Auditor

	loadedAcls map[oid.Key]*acl.ACL
	loadedAces map[int64]*acl.Entry
}

// New builds a Provider. cache may be nil to disable the external
// cache tier; a nil logr.Logger is replaced with logr.Discard().
func New(db *sql.DB, c cache.AclCache, opts Options, log logr.Logger) *Provider {
	p := &Provider{
		db:         db,
		opts:       opts.withDefaults(),
		cache:      c,
		log:        log,
		loadedAcls: make(map[oid.Key]*acl.ACL),
		loadedAces: make(map[int64]*acl.Entry),
	}
	p.auditor = NewAuditor(p.log, opts.AuditSink)
	return p
}

// FindAcl resolves a single object identity to its ACL, with sids as
// the set of security identities the caller intends to test — used
// only to validate that an identity-map or cache hit already carries
// every SID the caller needs (see aclHasAllSids).
func (p *Provider) FindAcl(ctx context.Context, o *oid.ObjectIdentity, sids []sid.Sid) (*acl.ACL, error) {
	result, err := p.FindAcls(ctx, []*oid.ObjectIdentity{o}, sids)
	if err != nil {
		return nil, err
	}
	return result[o], nil
}

// FindAcls resolves oids to their ACLs, preserving referential
// identity of every instance returned from a prior call on this
// Provider. The returned map is keyed by the exact *oid.ObjectIdentity
// pointers in oids, per spec.md §8 invariant 1.
func (p *Provider) FindAcls(ctx context.Context, oids []*oid.ObjectIdentity, sids []sid.Sid) (map[*oid.ObjectIdentity]*acl.ACL, error) {
	result := make(map[*oid.ObjectIdentity]*acl.ACL, len(oids))
	var batch []*oid.ObjectIdentity

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := p.hydrateBatch(ctx, batch, result); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for _, o := range oids {
		if _, ok := result[o]; ok {
			continue
		}
		key := o.Key()

		if a, ok := p.loadedAcls[key]; ok {
			if !aclHasAllSids(a, sids) {
				return nil, ErrNotImplemented
			}
			result[o] = a
			continue
		}

		if p.cache != nil {
			if a, ok := p.cache.GetFromCacheByIdentity(o); ok {
				if aclHasAllSids(a, sids) {
					p.adoptFromCache(a)
					result[o] = p.loadedAcls[key]
					continue
				}
				p.evictCacheSubtree(ctx, o)
			}
		}

		batch = append(batch, o)
		if len(batch) >= p.opts.MaxBatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	var missing []*oid.ObjectIdentity
	for _, o := range oids {
		if _, ok := result[o]; !ok {
			missing = append(missing, o)
		}
	}
	if len(missing) > 0 {
		if len(oids) == 1 {
			return nil, ErrNotFound
		}
		return result, &NotAllFoundError{Missing: missing, Found: len(result)}
	}
	return result, nil
}

// aclHasAllSids reports whether a was loaded with every sid in sids
// already present. The default provider never filters by SID during
// load (spec.md §1 Non-goals), so every loaded ACL always carries every
// SID — this hook exists only so a future per-SID-load extension (see
// SPEC_FULL.md §3 / spec.md §9 open questions) has a seam to plug into
// without touching FindAcls' control flow.
func aclHasAllSids(a *acl.ACL, sids []sid.Sid) bool {
	_ = a
	_ = sids
	return true
}

// adoptFromCache installs a, and its whole cached parent chain, into
// the identity map (spec.md §4.6 step 3), interning every ACE already
// attached to each ACL so a later DB hydration that shares one of these
// class-scope ACEs by id reuses the same instance instead of building
// a second one for the same row.
func (p *Provider) adoptFromCache(a *acl.ACL) {
	for cur := a; cur != nil; cur = cur.ParentAcl() {
		key := cur.ObjectIdentity().Key()
		if _, ok := p.loadedAcls[key]; ok {
			continue
		}
		cur.SetStrategy(strategy.New(p.auditor))
		p.loadedAcls[key] = cur
		p.internCachedAces(cur)
	}
}

func (p *Provider) internCachedAces(a *acl.ACL) {
	intern := func(entries []*acl.Entry) {
		for _, e := range entries {
			if id, hasID := e.ID(); hasID {
				if _, ok := p.loadedAces[id]; !ok {
					p.loadedAces[id] = e
				}
			}
		}
	}
	intern(a.ClassAceList())
	intern(a.ObjectAceList())
	for _, field := range a.ClassFieldNames() {
		intern(a.ClassFieldAceList(field))
	}
	for _, field := range a.ObjectFieldNames() {
		intern(a.ObjectFieldAceList(field))
	}
}

func (p *Provider) evictCacheSubtree(ctx context.Context, o *oid.ObjectIdentity) {
	p.cache.EvictFromCacheByIdentity(o)
	children, err := p.FindChildren(ctx, o, false)
	if err != nil {
		return
	}
	for _, c := range children {
		p.cache.EvictFromCacheByIdentity(c)
	}
}

func (p *Provider) hydrateBatch(ctx context.Context, batch []*oid.ObjectIdentity, result map[*oid.ObjectIdentity]*acl.ACL) error {
	pkByKey, ancestorsByPk, err := p.queryAncestors(ctx, batch)
	if err != nil {
		return err
	}

	ids := make(map[int64]struct{})
	for pk, ancestors := range ancestorsByPk {
		ids[pk] = struct{}{}
		for _, a := range ancestors {
			ids[a] = struct{}{}
		}
	}
	if len(ids) == 0 {
		return nil
	}

	acls, err := p.hydrateRows(ctx, ids)
	if err != nil {
		return err
	}

	if p.cache != nil {
		for _, a := range acls {
			p.cache.PutInCache(a)
		}
	}

	for _, o := range batch {
		pk, ok := pkByKey[o.Key()]
		if !ok {
			continue
		}
		if a, ok := acls[pk]; ok {
			result[o] = a
		}
	}
	return nil
}

// queryAncestors issues the single ancestor-closure query for batch,
// per spec.md §4.6.1: one IN (...) list when every OID shares a type,
// otherwise OR'd (type, identifier) pairs.
func (p *Provider) queryAncestors(ctx context.Context, batch []*oid.ObjectIdentity) (map[oid.Key]int64, map[int64][]int64, error) {
	tbl := p.opts.Tables
	sameType := true
	t0 := batch[0].Type()
	for _, o := range batch[1:] {
		if o.Type() != t0 {
			sameType = false
			break
		}
	}

	var where string
	var args []interface{}
	if sameType {
		placeholders := make([]string, len(batch))
		for i, o := range batch {
			placeholders[i] = "?"
			args = append(args, o.Identifier())
		}
		where = fmt.Sprintf("c.class_type = ? AND self.object_identifier IN (%s)", strings.Join(placeholders, ","))
		args = append([]interface{}{t0}, args...)
	} else {
		parts := make([]string, len(batch))
		for i, o := range batch {
			parts[i] = "(c.class_type = ? AND self.object_identifier = ?)"
			args = append(args, o.Type(), o.Identifier())
		}
		where = strings.Join(parts, " OR ")
	}

	query := fmt.Sprintf(`
		SELECT self.id, c.class_type, self.object_identifier, oia.ancestor_id
		FROM %s oia
		JOIN %s self ON self.id = oia.object_identity_id
		JOIN %s c ON c.id = self.class_id
		WHERE %s
	`, tbl.Ancestors, tbl.ObjectIdentities, tbl.Classes, where)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("provider: ancestor query: %w", err)
	}
	defer rows.Close()

	pkByKey := make(map[oid.Key]int64)
	ancestorsByPk := make(map[int64][]int64)
	for rows.Next() {
		var pk, ancestorID int64
		var classType, identifier string
		if err := rows.Scan(&pk, &classType, &identifier, &ancestorID); err != nil {
			return nil, nil, fmt.Errorf("provider: scan ancestor row: %w", err)
		}
		key := oid.Key{Type: normalizeClassType(classType), Identifier: identifier}
		pkByKey[key] = pk
		ancestorsByPk[pk] = append(ancestorsByPk[pk], ancestorID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return pkByKey, ancestorsByPk, nil
}

// normalizeClassType strips the doubled-backslash artifact of legacy
// escaping. New deployments should never produce it; this is preserved
// only for compatibility, per spec.md §9.
func normalizeClassType(classType string) string {
	return strings.ReplaceAll(classType, `\\`, `\`)
}

type orderedEntry struct {
	entry *acl.Entry
	order int
}

type hydratingAcl struct {
	pk                int64
	objectIdentifier  string
	classType         string
	parentPk          sql.NullInt64
	entriesInheriting bool
	classAces         []orderedEntry
	classFieldAces    map[string][]orderedEntry
	objectAces        []orderedEntry
	objectFieldAces   map[string][]orderedEntry
}

// hydrateRows issues the single hydration query of spec.md §4.6.2 over
// ids and returns every resolved ACL keyed by its object_identities pk,
// reusing already-loaded ACLs and ACEs from the identity map instead of
// rebuilding them.
func (p *Provider) hydrateRows(ctx context.Context, ids map[int64]struct{}) (map[int64]*acl.ACL, error) {
	tbl := p.opts.Tables
	placeholders := make([]string, 0, len(ids))
	args := make([]interface{}, 0, len(ids))
	for id := range ids {
		placeholders = append(placeholders, "?")
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		SELECT
			oi.id, oi.object_identifier, oi.parent_object_identity_id, oi.entries_inheriting, c.class_type,
			e.id, e.object_identity_id, e.field_name, e.ace_order, e.mask, e.granting, e.granting_strategy,
			e.audit_success, e.audit_failure, si.username, si.identifier
		FROM %s oi
		JOIN %s c ON c.id = oi.class_id
		LEFT JOIN %s e ON e.class_id = oi.class_id AND (e.object_identity_id IS NULL OR e.object_identity_id = oi.id)
		LEFT JOIN %s si ON si.id = e.security_identity_id
		WHERE oi.id IN (%s)
		ORDER BY oi.id, e.object_identity_id, e.field_name, e.ace_order
	`, tbl.ObjectIdentities, tbl.Classes, tbl.Entries, tbl.SecurityIdents, strings.Join(placeholders, ","))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("provider: hydration query: %w", err)
	}
	defer rows.Close()

	building := make(map[int64]*hydratingAcl)
	already := make(map[int64]*acl.ACL)

	for rows.Next() {
		var aclID int64
		var objectIdentifier, classType string
		var parentPk sql.NullInt64
		var entriesInheriting bool
		var aceID sql.NullInt64
		var entryObjectID sql.NullInt64
		var fieldName sql.NullString
		var aceOrder, mask sql.NullInt64
		var granting sql.NullBool
		var grantingStrategy sql.NullString
		var auditSuccess, auditFailure sql.NullBool
		var usernameFlag sql.NullBool
		var securityIdentifier sql.NullString

		if err := rows.Scan(
			&aclID, &objectIdentifier, &parentPk, &entriesInheriting, &classType,
			&aceID, &entryObjectID, &fieldName, &aceOrder, &mask, &granting, &grantingStrategy,
			&auditSuccess, &auditFailure, &usernameFlag, &securityIdentifier,
		); err != nil {
			return nil, fmt.Errorf("provider: scan hydration row: %w", err)
		}
		classType = normalizeClassType(classType)

		if existing, ok := p.loadedAcls[oid.Key{Type: classType, Identifier: objectIdentifier}]; ok {
			already[aclID] = existing
		} else if _, ok := building[aclID]; !ok {
			building[aclID] = &hydratingAcl{
				pk:                aclID,
				objectIdentifier:  objectIdentifier,
				classType:         classType,
				parentPk:          parentPk,
				entriesInheriting: entriesInheriting,
				classFieldAces:    make(map[string][]orderedEntry),
				objectFieldAces:   make(map[string][]orderedEntry),
			}
		}

		if !aceID.Valid {
			continue
		}
		if _, done := already[aclID]; done {
			continue
		}

		entry, ok := p.loadedAces[aceID.Int64]
		if !ok {
			principal, err := sid.FromRow(securityIdentifier.String, usernameFlag.Bool)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
			}
			kind, err := strategy.ParseMatchKind(grantingStrategy.String)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
			}
			if fieldName.Valid {
				entry = acl.NewFieldEntry(fieldName.String, principal, int32(mask.Int64), granting.Bool, kind)
			} else {
				entry = acl.NewEntry(principal, int32(mask.Int64), granting.Bool, kind)
			}
			entry.SetID(aceID.Int64)
			entry.SetAuditing(auditSuccess.Bool, auditFailure.Bool)
			p.loadedAces[aceID.Int64] = entry
		}

		oe := orderedEntry{entry: entry, order: int(aceOrder.Int64)}
		b := building[aclID]
		switch {
		case !entryObjectID.Valid && !fieldName.Valid:
			b.classAces = append(b.classAces, oe)
		case !entryObjectID.Valid && fieldName.Valid:
			b.classFieldAces[fieldName.String] = append(b.classFieldAces[fieldName.String], oe)
		case entryObjectID.Valid && !fieldName.Valid:
			b.objectAces = append(b.objectAces, oe)
		default:
			b.objectFieldAces[fieldName.String] = append(b.objectFieldAces[fieldName.String], oe)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	built := make(map[int64]*acl.ACL, len(building))
	hydrators := make(map[int64]*acl.Hydrator, len(building))
	for pk, b := range building {
		sortByOrder(b.classAces)
		sortByOrder(b.objectAces)
		for _, l := range b.classFieldAces {
			sortByOrder(l)
		}
		for _, l := range b.objectFieldAces {
			sortByOrder(l)
		}

		h := acl.NewHydrator(oid.New(b.classType, b.objectIdentifier), pk, true)
		h.SetEntriesInheriting(b.entriesInheriting)
		h.SetStrategy(strategy.New(p.auditor))
		for _, oe := range b.classAces {
			h.AddClassAce(oe.entry, oe.order)
		}
		for field, l := range b.classFieldAces {
			for _, oe := range l {
				h.AddClassFieldAce(field, oe.entry, oe.order)
			}
		}
		for _, oe := range b.objectAces {
			h.AddObjectAce(oe.entry, oe.order)
		}
		for field, l := range b.objectFieldAces {
			for _, oe := range l {
				h.AddObjectFieldAce(field, oe.entry, oe.order)
			}
		}
		a := h.Build(nil)
		built[pk] = a
		hydrators[pk] = h
	}

	for pk, b := range building {
		if !b.parentPk.Valid {
			continue
		}
		parentPk := b.parentPk.Int64
		parent, ok := built[parentPk]
		if !ok {
			parent, ok = already[parentPk]
		}
		if !ok {
			p.log.Error(ErrIntegrityViolation, "unresolved parent after hydration sweep", "aclId", pk, "parentId", parentPk)
			return nil, fmt.Errorf("%w: acl %d references unresolved parent %d", ErrIntegrityViolation, pk, parentPk)
		}
		hydrators[pk].SetParent(parent)
	}

	result := make(map[int64]*acl.ACL, len(building)+len(already))
	for pk, a := range built {
		p.loadedAcls[a.ObjectIdentity().Key()] = a
		result[pk] = a
	}
	for pk, a := range already {
		result[pk] = a
	}
	return result, nil
}

func sortByOrder(entries []orderedEntry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].order < entries[j].order })
}

// FindChildren returns the child object identities of o. directOnly
// restricts to immediate children; otherwise every transitive
// descendant is returned via the ancestor-closure table.
func (p *Provider) FindChildren(ctx context.Context, o *oid.ObjectIdentity, directOnly bool) ([]*oid.ObjectIdentity, error) {
	tbl := p.opts.Tables
	pk, err := p.resolvePk(ctx, o)
	if err != nil {
		return nil, err
	}

	var query string
	if directOnly {
		query = fmt.Sprintf(`
			SELECT self.object_identifier, c.class_type
			FROM %s self
			JOIN %s c ON c.id = self.class_id
			WHERE self.parent_object_identity_id = ?
		`, tbl.ObjectIdentities, tbl.Classes)
	} else {
		query = fmt.Sprintf(`
			SELECT self.object_identifier, c.class_type
			FROM %s oia
			JOIN %s self ON self.id = oia.object_identity_id
			JOIN %s c ON c.id = self.class_id
			WHERE oia.ancestor_id = ? AND oia.object_identity_id != oia.ancestor_id
		`, tbl.Ancestors, tbl.ObjectIdentities, tbl.Classes)
	}

	rows, err := p.db.QueryContext(ctx, query, pk)
	if err != nil {
		return nil, fmt.Errorf("provider: find children: %w", err)
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

func (p *Provider) resolvePk(ctx context.Context, o *oid.ObjectIdentity) (int64, error) {
	tbl := p.opts.Tables
	query := fmt.Sprintf(`
		SELECT self.id FROM %s self
		JOIN %s c ON c.id = self.class_id
		WHERE c.class_type = ? AND self.object_identifier = ?
	`, tbl.ObjectIdentities, tbl.Classes)

	var pk int64
	err := p.db.QueryRowContext(ctx, query, o.Type(), o.Identifier()).Scan(&pk)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return pk, nil
}
