package idgen

import (
	"strings"
	"testing"
)

func TestNew_Format(t *testing.T) {
	id := New()
	if len(id) != 36 || strings.Count(id, "-") != 4 {
		t.Fatalf("unexpected id format %q", id)
	}
}

func TestWithPrefix(t *testing.T) {
	tests := []string{Session, Payment, Escrow, Milestone, Gap}
	for _, prefix := range tests {
		id := WithPrefix(prefix)
		if !strings.HasPrefix(id, prefix) {
			t.Errorf("id %q missing prefix %q", id, prefix)
		}
		if !HasPrefix(id, prefix) {
			t.Errorf("HasPrefix(%q, %q) = false", id, prefix)
		}
	}
}

func TestWithPrefix_Unique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := WithPrefix(Session)
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
	}
}

func TestHasPrefix_Rejects(t *testing.T) {
	cases := []string{"", "sess_", "sess_xyz", "pay_" + Hex(), Hex()}
	for _, id := range cases {
		if HasPrefix(id, Session) {
			t.Errorf("HasPrefix(%q, sess_) = true", id)
		}
	}
}
