// Package oid defines the object identity — the stable (type, identifier)
// pair that names a domain object throughout the ACL subsystem.
package oid

import "fmt"

// ObjectIdentity names a domain object by its class-name token and the
// stringified primary key of the underlying record. Two identities are
// equal iff both fields are equal; callers should treat values returned
// by the provider as the canonical instance (see Equals and the
// provider's identity map).
type ObjectIdentity struct {
	objType    string
	identifier string
}

// New builds an ObjectIdentity from a type token and an identifier. Both
// are opaque from this package's point of view.
func New(objType, identifier string) *ObjectIdentity {
	return &ObjectIdentity{objType: objType, identifier: identifier}
}

// Type returns the class-name token, e.g. "BlogPost".
func (o *ObjectIdentity) Type() string {
	if o == nil {
		return ""
	}
	return o.objType
}

// Identifier returns the stringified primary key of the domain object.
func (o *ObjectIdentity) Identifier() string {
	if o == nil {
		return ""
	}
	return o.identifier
}

// Equals reports structural equality: same type and same identifier.
func (o *ObjectIdentity) Equals(other *ObjectIdentity) bool {
	if o == nil || other == nil {
		return o == other
	}
	return o.objType == other.objType && o.identifier == other.identifier
}

// Key returns a value suitable for use as a map key, since
// *ObjectIdentity itself is not comparable across distinct instances
// with the same logical identity.
func (o *ObjectIdentity) Key() Key {
	if o == nil {
		return Key{}
	}
	return Key{Type: o.objType, Identifier: o.identifier}
}

func (o *ObjectIdentity) String() string {
	if o == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s[%s]", o.objType, o.identifier)
}

// Key is the comparable projection of an ObjectIdentity, used as the key
// type for the provider's identity map.
type Key struct {
	Type       string
	Identifier string
}

func KeyOf(o *ObjectIdentity) Key { return o.Key() }
