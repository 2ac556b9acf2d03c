// Package world defines per-world ("namespace") metadata and its store
// interface. World metadata is not synchronized between servers.
package world

import (
	"context"

	"github.com/jmurth1234/bPermissions-sub000/node"
)

// Metadata is the persisted settings of one world.
type Metadata struct {
	World        string            `json:"world" bson:"world" yaml:"world"`
	DefaultGroup string            `json:"default_group" bson:"default_group" yaml:"default_group"`
	Settings     map[string]string `json:"settings" bson:"settings" yaml:"settings"`
	LastModified int64             `json:"last_modified" bson:"last_modified" yaml:"last_modified"`
}

// New returns metadata for a world using the given default group.
func New(world, defaultGroup string) *Metadata {
	return &Metadata{
		World:        world,
		DefaultGroup: node.Normalize(defaultGroup),
		Settings:     map[string]string{},
	}
}

// Clone returns a deep copy of m.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Settings = node.CloneMap(m.Settings)
	return &cp
}

// Store defines persistence operations for world metadata.
type Store interface {
	// LoadWorld returns the metadata of a world, creating it with the
	// backend's configured default group when absent.
	LoadWorld(ctx context.Context, world string) (*Metadata, error)

	// SaveWorld inserts or updates world metadata. It does not write a
	// change-log entry.
	SaveWorld(ctx context.Context, m *Metadata) error
}
