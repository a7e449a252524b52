package jobs

import (
	"strings"
	"testing"
)

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == b {
		t.Error("expected unique run IDs")
	}
	if !strings.HasPrefix(a, RunPrefix) {
		t.Errorf("expected %s prefix, got %s", RunPrefix, a)
	}
}

func TestNormalizeRunID(t *testing.T) {
	id := NewRunID()
	bare := strings.TrimPrefix(id, RunPrefix)

	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{id, id, true},
		{bare, id, true},
		{"  " + id + " ", id, true},
		{"run-nope", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeRunID(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("NormalizeRunID(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
