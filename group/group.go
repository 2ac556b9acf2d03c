// Package group defines the persisted permission group record and its store
// interface.
package group

import (
	"slices"

	"github.com/jmurth1234/bPermissions-sub000/node"
)

// Record is the persisted state of one group within a world.
type Record struct {
	// Name is unique within a world and stored lower-cased.
	Name string `json:"name" bson:"name" yaml:"name"`

	Permissions []string `json:"permissions" bson:"permissions" yaml:"permissions"`

	// Inherits names the groups this group inherits permissions from.
	Inherits []string `json:"inherits" bson:"inherits" yaml:"inherits"`

	Metadata map[string]string `json:"metadata" bson:"metadata" yaml:"metadata"`

	// LastModified is stamped by the backend on every save (epoch ms).
	LastModified int64 `json:"last_modified" bson:"last_modified" yaml:"last_modified"`
}

// New returns an empty group with the given name.
func New(name string) *Record {
	return &Record{
		Name:        node.Normalize(name),
		Permissions: []string{},
		Inherits:    []string{},
		Metadata:    map[string]string{},
	}
}

// Normalize brings the name, permission and inheritance sets into canonical
// form.
func (r *Record) Normalize() {
	r.Name = node.Normalize(r.Name)
	r.Permissions = node.NormalizeSet(r.Permissions)
	r.Inherits = node.NormalizeSet(r.Inherits)
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
	cp.Inherits = slices.Clone(r.Inherits)
	cp.Metadata = node.CloneMap(r.Metadata)
	if cp.Permissions == nil {
		cp.Permissions = []string{}
	}
	if cp.Inherits == nil {
		cp.Inherits = []string{}
	}
	return &cp
}
