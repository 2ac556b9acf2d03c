package id_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/jmurth1234/bPermissions-sub000/id"
)

func TestConstructors(t *testing.T) {
	if got := id.NewChangeID().String(); !strings.HasPrefix(got, "chg_") {
		t.Errorf("expected chg_ prefix, got %q", got)
	}
	if got := id.NewServerID().String(); !strings.HasPrefix(got, "srv_") {
		t.Errorf("expected srv_ prefix, got %q", got)
	}
}

func TestParseChangeID(t *testing.T) {
	original := id.NewChangeID()
	parsed, err := id.ParseChangeID(original.String())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.String() != original.String() {
		t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
	}
	if _, err := id.ParseChangeID(id.NewServerID().String()); err == nil {
		t.Error("ParseChangeID accepted a server id")
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{"", "chg_", "not an id", "server-1"} {
		if _, err := id.Parse(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" || i.Prefix() != "" {
		t.Errorf("expected empty string and prefix, got %q / %q", i.String(), i.Prefix())
	}
}

func TestJSON(t *testing.T) {
	original := id.NewChangeID()
	data, err := json.Marshal(struct {
		ID id.ID `json:"id"`
	}{original})
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"id":"` + original.String() + `"}`; string(data) != want {
		t.Fatalf("expected %s, got %s", want, data)
	}

	var back struct {
		ID id.ID `json:"id"`
	}
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.ID.String() != original.String() {
		t.Errorf("json mismatch: %q != %q", back.ID.String(), original.String())
	}
	if err := json.Unmarshal([]byte(`{"id":"bogus"}`), &back); err == nil {
		t.Error("expected an error for an invalid id")
	}
}

func TestUniqueness(t *testing.T) {
	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		s := id.NewChangeID().String()
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate change id %q", s)
		}
		seen[s] = struct{}{}
	}
}
