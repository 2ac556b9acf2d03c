package sqlstore

import (
	"encoding/json"
	"fmt"

	"github.com/xraph/grove"

	"github.com/jmurth1234/bPermissions-sub000/changelog"
	"github.com/jmurth1234/bPermissions-sub000/group"
	"github.com/jmurth1234/bPermissions-sub000/id"
	"github.com/jmurth1234/bPermissions-sub000/node"
	"github.com/jmurth1234/bPermissions-sub000/user"
	"github.com/jmurth1234/bPermissions-sub000/world"
)

// Collections are stored as JSON text. Decode failures surface as
// data-corrupted errors.

// ──────────────────────────────────────────────────
// User model
// ──────────────────────────────────────────────────

type userModel struct {
	grove.BaseModel `grove:"table:bperms_user_data"`
	World           string `grove:"world,pk"`
	ID              string `grove:"id,pk"`
	Name            string `grove:"name,notnull"`
	Permissions     string `grove:"permissions,notnull"` // JSON text
	MemberOf        string `grove:"member_of,notnull"`   // JSON text
	Metadata        string `grove:"metadata,notnull"`    // JSON text
	LastModified    int64  `grove:"last_modified,notnull"`
}

const userConflict = `(world, id) DO UPDATE SET
    name = EXCLUDED.name,
    permissions = EXCLUDED.permissions,
    member_of = EXCLUDED.member_of,
    metadata = EXCLUDED.metadata,
    last_modified = EXCLUDED.last_modified`

func userToModel(w string, r *user.Record) (*userModel, error) {
	perms, err := json.Marshal(r.Permissions)
	if err != nil {
		return nil, fmt.Errorf("marshal user permissions: %w", err)
	}
	groups, err := json.Marshal(r.Groups)
	if err != nil {
		return nil, fmt.Errorf("marshal user groups: %w", err)
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal user metadata: %w", err)
	}
	return &userModel{
		World:        w,
		ID:           r.ID,
		Name:         r.Name,
		Permissions:  string(perms),
		MemberOf:     string(groups),
		Metadata:     string(meta),
		LastModified: r.LastModified,
	}, nil
}

func userFromModel(m *userModel) (*user.Record, error) {
	r := user.New(m.ID)
	r.Name = m.Name
	r.LastModified = m.LastModified
	if err := decodeList(m.Permissions, &r.Permissions); err != nil {
		return nil, fmt.Errorf("user %s permissions: %w", m.ID, err)
	}
	if err := decodeList(m.MemberOf, &r.Groups); err != nil {
		return nil, fmt.Errorf("user %s groups: %w", m.ID, err)
	}
	if err := decodeMap(m.Metadata, &r.Metadata); err != nil {
		return nil, fmt.Errorf("user %s metadata: %w", m.ID, err)
	}
	return r, nil
}

// ──────────────────────────────────────────────────
// Group model
// ──────────────────────────────────────────────────

type groupModel struct {
	grove.BaseModel `grove:"table:bperms_group_data"`
	World           string `grove:"world,pk"`
	Name            string `grove:"name,pk"`
	Permissions     string `grove:"permissions,notnull"` // JSON text
	Inherits        string `grove:"inherits,notnull"`    // JSON text
	Metadata        string `grove:"metadata,notnull"`    // JSON text
	LastModified    int64  `grove:"last_modified,notnull"`
}

const groupConflict = `(world, name) DO UPDATE SET
    permissions = EXCLUDED.permissions,
    inherits = EXCLUDED.inherits,
    metadata = EXCLUDED.metadata,
    last_modified = EXCLUDED.last_modified`

func groupToModel(w string, r *group.Record) (*groupModel, error) {
	perms, err := json.Marshal(r.Permissions)
	if err != nil {
		return nil, fmt.Errorf("marshal group permissions: %w", err)
	}
	inherits, err := json.Marshal(r.Inherits)
	if err != nil {
		return nil, fmt.Errorf("marshal group inherits: %w", err)
	}
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal group metadata: %w", err)
	}
	return &groupModel{
		World:        w,
		Name:         r.Name,
		Permissions:  string(perms),
		Inherits:     string(inherits),
		Metadata:     string(meta),
		LastModified: r.LastModified,
	}, nil
}

func groupFromModel(m *groupModel) (*group.Record, error) {
	r := group.New(m.Name)
	r.LastModified = m.LastModified
	if err := decodeList(m.Permissions, &r.Permissions); err != nil {
		return nil, fmt.Errorf("group %s permissions: %w", m.Name, err)
	}
	if err := decodeList(m.Inherits, &r.Inherits); err != nil {
		return nil, fmt.Errorf("group %s inherits: %w", m.Name, err)
	}
	if err := decodeMap(m.Metadata, &r.Metadata); err != nil {
		return nil, fmt.Errorf("group %s metadata: %w", m.Name, err)
	}
	return r, nil
}

// ──────────────────────────────────────────────────
// World model
// ──────────────────────────────────────────────────

type worldModel struct {
	grove.BaseModel `grove:"table:bperms_world_data"`
	World           string `grove:"world,pk"`
	DefaultGroup    string `grove:"default_group,notnull"`
	Settings        string `grove:"settings,notnull"` // JSON text
	LastModified    int64  `grove:"last_modified,notnull"`
}

const worldConflict = `(world) DO UPDATE SET
    default_group = EXCLUDED.default_group,
    settings = EXCLUDED.settings,
    last_modified = EXCLUDED.last_modified`

func worldToModel(m *world.Metadata) (*worldModel, error) {
	settings, err := json.Marshal(node.CloneMap(m.Settings))
	if err != nil {
		return nil, fmt.Errorf("marshal world settings: %w", err)
	}
	return &worldModel{
		World:        m.World,
		DefaultGroup: m.DefaultGroup,
		Settings:     string(settings),
		LastModified: m.LastModified,
	}, nil
}

func worldFromModel(m *worldModel) (*world.Metadata, error) {
	w := world.New(m.World, m.DefaultGroup)
	w.LastModified = m.LastModified
	if err := decodeMap(m.Settings, &w.Settings); err != nil {
		return nil, fmt.Errorf("world %s settings: %w", m.World, err)
	}
	return w, nil
}

// ──────────────────────────────────────────────────
// Change-log model
// ──────────────────────────────────────────────────

type changeModel struct {
	grove.BaseModel `grove:"table:bperms_changelog"`
	ID              string `grove:"id,pk"`
	World           string `grove:"world,notnull"`
	SubjectKind     string `grove:"subject_kind,notnull"`
	SubjectID       string `grove:"subject_id,notnull"`
	ChangeKind      string `grove:"change_kind,notnull"`
	ChangedAt       int64  `grove:"changed_at,notnull"`
	ServerID        string `grove:"server_id,notnull"`
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
		Timestamp: m.ChangedAt,
		ServerID:  m.ServerID,
	}, nil
}

// ──────────────────────────────────────────────────
// Decoding
// ──────────────────────────────────────────────────

func decodeList(s string, dst *[]string) error {
	if s == "" {
		return nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return err
	}
	if v != nil {
		*dst = v
	}
	return nil
}

func decodeMap(s string, dst *map[string]string) error {
	if s == "" {
		return nil
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return err
	}
	if v != nil {
		*dst = v
	}
	return nil
}
