package user

import (
	"slices"
	"testing"
)

func TestNormalize(t *testing.T) {
	r := &Record{
		ID:          "u1",
		Permissions: []string{"A.B", "^a.c", "a.b"},
		Groups:      []string{"Admin", "admin", "builder"},
	}
	r.Normalize()

	if !slices.Equal(r.Permissions, []string{"^a.c", "a.b"}) {
		t.Fatalf("unexpected permissions %v", r.Permissions)
	}
	if !slices.Equal(r.Groups, []string{"admin", "builder"}) {
		t.Fatalf("unexpected groups %v", r.Groups)
	}
	if r.Metadata == nil {
		t.Fatal("expected metadata map to be initialised")
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	r := New("u1")
	r.Permissions = append(r.Permissions, "a.b")
	r.Metadata["prefix"] = "[X]"

	cp := r.Clone()
	cp.Permissions[0] = "changed"
	cp.Metadata["prefix"] = "[Y]"

	if r.Permissions[0] != "a.b" {
		t.Fatal("clone aliased permissions")
	}
	if r.Metadata["prefix"] != "[X]" {
		t.Fatal("clone aliased metadata")
	}
	if (*Record)(nil).Clone() != nil {
		t.Fatal("clone of nil should be nil")
	}
}

func TestIsDefault(t *testing.T) {
	tests := []struct {
		name string
		r    *Record
		want bool
	}{
		{"empty", New("u1"), true},
		{"default group only", &Record{Groups: []string{"Default"}}, true},
		{"other group", &Record{Groups: []string{"admin"}}, false},
		{"two groups", &Record{Groups: []string{"default", "admin"}}, false},
		{"permission", &Record{Permissions: []string{"a.b"}}, false},
		{"metadata", &Record{Metadata: map[string]string{"prefix": "[X]"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.IsDefault("default"); got != tt.want {
				t.Fatalf("IsDefault = %v, want %v", got, tt.want)
			}
		})
	}
}
