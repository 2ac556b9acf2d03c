// Package changelog defines the append-only change-log Entry used to keep
// servers sharing one backend in sync.
package changelog

import (
	"fmt"

	"github.com/jmurth1234/bPermissions-sub000/id"
)

// SubjectKind names the kind of record a change applies to.
type SubjectKind string

// Subject kinds.
const (
	SubjectUser  SubjectKind = "USER"
	SubjectGroup SubjectKind = "GROUP"
)

// ChangeKind names the kind of mutation recorded.
type ChangeKind string

// Change kinds. Saves are recorded as UPDATE since every save is an upsert;
// INSERT is accepted on read for entries written by other tools.
const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

// Entry is a single change-log record. Entries are never mutated after
// creation.
type Entry struct {
	ID        id.ID       `json:"id"`
	World     string      `json:"world"`
	Subject   SubjectKind `json:"subject_kind"`
	SubjectID string      `json:"subject_id"`
	Change    ChangeKind  `json:"change_kind"`
	Timestamp int64       `json:"timestamp"`
	ServerID  string      `json:"server_id"`
}

// String renders the entry for log output.
func (e *Entry) String() string {
	return fmt.Sprintf("%s %s %s/%s@%d by %s", e.Change, e.Subject, e.World, e.SubjectID, e.Timestamp, e.ServerID)
}

// ParseSubjectKind validates a persisted subject kind.
func ParseSubjectKind(s string) (SubjectKind, error) {
	switch k := SubjectKind(s); k {
	case SubjectUser, SubjectGroup:
		return k, nil
	default:
		return "", fmt.Errorf("changelog: unknown subject kind %q", s)
	}
}

// ParseChangeKind validates a persisted change kind.
func ParseChangeKind(s string) (ChangeKind, error) {
	switch k := ChangeKind(s); k {
	case ChangeInsert, ChangeUpdate, ChangeDelete:
		return k, nil
	default:
		return "", fmt.Errorf("changelog: unknown change kind %q", s)
	}
}
