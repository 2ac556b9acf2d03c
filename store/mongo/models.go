package mongo

import (
	"fmt"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/group"
	"github.com/jmurth1234/bPermissions-sub000/id"
	"github.com/jmurth1234/bPermissions-sub000/node"
	"github.com/jmurth1234/bPermissions-sub000/user"
	"github.com/jmurth1234/bPermissions-sub000/world"
)

// docKey is the _id of user and group documents.
func docKey(w, key string) string { return w + "/" + key }

// ──────────────────────────────────────────────────
// User model
// ──────────────────────────────────────────────────

type userModel struct {
	Key          string            `bson:"_id"`
	World        string            `bson:"world"`
	ID           string            `bson:"id"`
	Name         string            `bson:"name"`
	Permissions  []string          `bson:"permissions"`
	MemberOf     []string          `bson:"member_of"`
	Metadata     map[string]string `bson:"metadata"`
	LastModified int64             `bson:"last_modified"`
}

func userToModel(w string, r *user.Record) *userModel {
	return &userModel{
		Key:          docKey(w, r.ID),
		World:        w,
		ID:           r.ID,
		Name:         r.Name,
		Permissions:  r.Permissions,
		MemberOf:     r.Groups,
		Metadata:     r.Metadata,
		LastModified: r.LastModified,
	}
}

func userFromModel(m *userModel) *user.Record {
	r := user.New(m.ID)
	r.Name = m.Name
	r.LastModified = m.LastModified
	if m.Permissions != nil {
		r.Permissions = m.Permissions
	}
	if m.MemberOf != nil {
		r.Groups = m.MemberOf
	}
	if m.Metadata != nil {
		r.Metadata = m.Metadata
	}
	return r
}

// ──────────────────────────────────────────────────
// Group model
// ──────────────────────────────────────────────────

type groupModel struct {
	Key          string            `bson:"_id"`
	World        string            `bson:"world"`
	Name         string            `bson:"name"`
	Permissions  []string          `bson:"permissions"`
	Inherits     []string          `bson:"inherits"`
	Metadata     map[string]string `bson:"metadata"`
	LastModified int64             `bson:"last_modified"`
}

func groupToModel(w string, r *group.Record) *groupModel {
	return &groupModel{
		Key:          docKey(w, r.Name),
		World:        w,
		Name:         r.Name,
		Permissions:  r.Permissions,
		Inherits:     r.Inherits,
		Metadata:     r.Metadata,
		LastModified: r.LastModified,
	}
}

func groupFromModel(m *groupModel) *group.Record {
	r := group.New(m.Name)
	r.LastModified = m.LastModified
	if m.Permissions != nil {
		r.Permissions = m.Permissions
	}
	if m.Inherits != nil {
		r.Inherits = m.Inherits
	}
	if m.Metadata != nil {
		r.Metadata = m.Metadata
	}
	return r
}

// ──────────────────────────────────────────────────
// World model
// ──────────────────────────────────────────────────

type worldModel struct {
	World        string            `bson:"_id"`
	DefaultGroup string            `bson:"default_group"`
	Settings     map[string]string `bson:"settings"`
	LastModified int64             `bson:"last_modified"`
}

func worldToModel(m *world.Metadata) *worldModel {
	return &worldModel{
		World:        m.World,
		DefaultGroup: m.DefaultGroup,
		Settings:     node.CloneMap(m.Settings),
		LastModified: m.LastModified,
	}
}

func worldFromModel(m *worldModel) *world.Metadata {
	w := world.New(m.World, m.DefaultGroup)
	w.LastModified = m.LastModified
	if m.Settings != nil {
		w.Settings = m.Settings
	}
	return w
}

// ──────────────────────────────────────────────────
// Change-log model
// ──────────────────────────────────────────────────

type changeModel struct {
	ID          string `bson:"_id"`
	World       string `bson:"world"`
	SubjectKind string `bson:"subject_kind"`
	SubjectID   string `bson:"subject_id"`
	ChangeKind  string `bson:"change_kind"`
	Timestamp   int64  `bson:"ts"`
	ServerID    string `bson:"server_id"`
}

func changeToModel(e *changelog.Entry) *changeModel {
	return &changeModel{
		ID:          e.ID.String(),
		World:       e.World,
		SubjectKind: string(e.Subject),
		SubjectID:   e.SubjectID,
		ChangeKind:  string(e.Change),
		Timestamp:   e.Timestamp,
		ServerID:    e.ServerID,
	}
}

func changeFromModel(m *changeModel) (*changelog.Entry, error) {
	changeID, err := id.ParseChangeID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("change %q: %w", m.ID, err)
	}
	subject, err := changelog.ParseSubjectKind(m.SubjectKind)
	if err != nil {
		return nil, fmt.Errorf("change %s: %w", m.ID, err)
	}
	change, err := changelog.ParseChangeKind(m.ChangeKind)
	if err != nil {
		return nil, fmt.Errorf("change %s: %w", m.ID, err)
	}
	return &changelog.Entry{
		ID:        changeID,
		World:     m.World,
		Subject:   subject,
		SubjectID: m.SubjectID,
		Change:    change,
		Timestamp: m.Timestamp,
		ServerID:  m.ServerID,
	}, nil
}
