package provider

import (
	"errors"
	"fmt"

	"github.com/harperreed/aclgo/oid"
)

var (
	// ErrNotFound is raised when no ACL row exists for a single requested OID.
	ErrNotFound = errors.New("provider: acl not found")
	// ErrAlreadyExists is raised by CreateAcl for an OID that already has a row.
	ErrAlreadyExists = errors.New("provider: acl already exists")
	// ErrConcurrentModification is raised when a shared class-scope
	// property has diverged in memory from its recorded snapshot.
	ErrConcurrentModification = errors.New("provider: concurrent modification of a shared class-scope property")
	// ErrInvalidArgument covers unknown SID variants, untracked ACLs
	// passed to UpdateAcl and no-op update specs. Out-of-range list
	// indices are reported by acl.ErrInvalidIndex instead.
	ErrInvalidArgument = errors.New("provider: invalid argument")
	// ErrIntegrityViolation is raised when hydration cannot resolve a
	// parent reference after a full pass over the batch.
	ErrIntegrityViolation = errors.New("provider: integrity violation")
	// ErrNotImplemented is raised on an identity-map hit whose ACL does
	// not carry all of the requested SIDs; the default provider does not
	// support a partial-SID reload.
	ErrNotImplemented = errors.New("provider: partial-SID reload is not implemented")
)

// NotAllFoundError is raised by FindAcls when some, but not all,
// requested object identities resolved to an ACL. Missing lists the OIDs
// that did not resolve and Found counts those that did; the resolved
// ACLs themselves are in the map FindAcls returns alongside this error.
type NotAllFoundError struct {
	Missing []*oid.ObjectIdentity
	Found   int
}

func (e *NotAllFoundError) Error() string {
	return fmt.Sprintf("provider: %d of %d requested object identities have no ACL", len(e.Missing), len(e.Missing)+e.Found)
}

func (e *NotAllFoundError) Is(target error) bool {
	_, ok := target.(*NotAllFoundError)
	return ok
}
