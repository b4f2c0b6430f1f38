// ABOUTME: Database schema definitions and migrations
// ABOUTME: Handles SQLite table creation and initialization
package db

import (
	"database/sql"
	"fmt"
)

// TableNames configures the five physical table names the schema and
// every generated query target. Zero-value fields fall back to the
// defaults in DefaultTableNames.
type TableNames struct {
	Classes          string
	ObjectIdentities string
	Ancestors        string
	SecurityIdents   string
	Entries          string
}

// DefaultTableNames matches the column layout fixed by the schema
// contract, under names a fresh deployment can use as-is.
func DefaultTableNames() TableNames {
	return TableNames{
		Classes:          "classes",
		ObjectIdentities: "object_identities",
		Ancestors:        "object_identity_ancestors",
		SecurityIdents:   "security_identities",
		Entries:          "entries",
	}
}

// WithDefaults fills any zero-valued field with its DefaultTableNames
// counterpart.
func (t TableNames) WithDefaults() TableNames {
	return t.withDefaults()
}

func (t TableNames) withDefaults() TableNames {
	d := DefaultTableNames()
	if t.Classes == "" {
		t.Classes = d.Classes
	}
	if t.ObjectIdentities == "" {
		t.ObjectIdentities = d.ObjectIdentities
	}
	if t.Ancestors == "" {
		t.Ancestors = d.Ancestors
	}
	if t.SecurityIdents == "" {
		t.SecurityIdents = d.SecurityIdents
	}
	if t.Entries == "" {
		t.Entries = d.Entries
	}
	return t
}

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS %[1]s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	class_type TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS %[2]s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	class_id INTEGER NOT NULL REFERENCES %[1]s(id),
	object_identifier TEXT NOT NULL,
	parent_object_identity_id INTEGER REFERENCES %[2]s(id),
	entries_inheriting INTEGER NOT NULL DEFAULT 1,
	UNIQUE(class_id, object_identifier)
);

CREATE INDEX IF NOT EXISTS idx_%[2]s_parent ON %[2]s(parent_object_identity_id);

CREATE TABLE IF NOT EXISTS %[3]s (
	object_identity_id INTEGER NOT NULL REFERENCES %[2]s(id),
	ancestor_id INTEGER NOT NULL REFERENCES %[2]s(id),
	PRIMARY KEY (object_identity_id, ancestor_id)
);

CREATE INDEX IF NOT EXISTS idx_%[3]s_ancestor ON %[3]s(ancestor_id);

CREATE TABLE IF NOT EXISTS %[4]s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	identifier TEXT NOT NULL,
	username INTEGER NOT NULL,
	UNIQUE(identifier, username)
);

CREATE TABLE IF NOT EXISTS %[5]s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	class_id INTEGER NOT NULL REFERENCES %[1]s(id),
	object_identity_id INTEGER REFERENCES %[2]s(id),
	security_identity_id INTEGER NOT NULL REFERENCES %[4]s(id) ON DELETE CASCADE,
	field_name TEXT,
	ace_order INTEGER NOT NULL,
	mask INTEGER NOT NULL,
	granting INTEGER NOT NULL,
	granting_strategy TEXT NOT NULL,
	audit_success INTEGER NOT NULL DEFAULT 0,
	audit_failure INTEGER NOT NULL DEFAULT 0,
	UNIQUE(class_id, object_identity_id, field_name, ace_order)
);

CREATE INDEX IF NOT EXISTS idx_%[5]s_object ON %[5]s(object_identity_id);
CREATE INDEX IF NOT EXISTS idx_%[5]s_sid ON %[5]s(security_identity_id);
`

// InitSchema creates the five ACL tables under names, leaving any table
// that already exists untouched.
func InitSchema(db *sql.DB, names TableNames) error {
	names = names.withDefaults()
	stmt := fmt.Sprintf(schemaTemplate,
		names.Classes,
		names.ObjectIdentities,
		names.Ancestors,
		names.SecurityIdents,
		names.Entries,
	)
	_, err := db.Exec(stmt)
	return err
}
