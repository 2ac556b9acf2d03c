// Package user defines the persisted per-user permission record and its
// store interface.
package user

import (
	"slices"

	"github.com/jmurth1234/bPermissions-sub000/node"
)

// Record is the persisted state of one user within a world.
type Record struct {
	// ID is the stable, opaque user identifier (a UUID in practice).
	ID string `json:"id" bson:"id" yaml:"id"`

	// Name is the last known display name. Optional.
	Name string `json:"name,omitempty" bson:"name,omitempty" yaml:"name,omitempty"`

	// Permissions holds plain and negated ("^") permission nodes.
	Permissions []string `json:"permissions" bson:"permissions" yaml:"permissions"`

	// Groups holds the names of the groups the user belongs to.
	Groups []string `json:"groups" bson:"groups" yaml:"groups"`

	Metadata map[string]string `json:"metadata" bson:"metadata" yaml:"metadata"`

	// LastModified is stamped by the backend on every save (epoch ms).
	LastModified int64 `json:"last_modified" bson:"last_modified" yaml:"last_modified"`
}

// New returns an empty record for the given user ID.
func New(id string) *Record {
	return &Record{
		ID:          id,
		Permissions: []string{},
		Groups:      []string{},
		Metadata:    map[string]string{},
	}
}

// Normalize brings the permission and group sets into canonical form.
func (r *Record) Normalize() {
	r.Permissions = node.NormalizeSet(r.Permissions)
	r.Groups = node.NormalizeSet(r.Groups)
	if r.Metadata == nil {
		r.Metadata = map[string]string{}
	}
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Permissions = slices.Clone(r.Permissions)
	cp.Groups = slices.Clone(r.Groups)
	cp.Metadata = node.CloneMap(r.Metadata)
	if cp.Permissions == nil {
		cp.Permissions = []string{}
	}
	if cp.Groups == nil {
		cp.Groups = []string{}
	}
	return &cp
}

// IsDefault reports whether the record carries nothing beyond what a fresh
// user in a world with the given default group would have: no permissions,
// no metadata, and either no groups or only the default group. Such records
// are reconstructible on demand and need not be persisted.
func (r *Record) IsDefault(defaultGroup string) bool {
	if len(r.Permissions) > 0 || len(r.Metadata) > 0 {
		return false
	}
	groups := node.NormalizeSet(r.Groups)
	switch len(groups) {
	case 0:
		return true
	case 1:
		return groups[0] == node.Normalize(defaultGroup)
	default:
		return false
	}
}
