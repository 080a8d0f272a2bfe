package schema

import (
	"strings"
	"testing"
)

func TestNewIDs_Prefixes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"triage", NewTriageID, TriageIDPrefix},
		{"correlation", NewCorrelationID, CorrelationIDPrefix},
		{"case", NewCaseID, CaseIDPrefix},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			id := tt.gen()
			if !strings.HasPrefix(id, tt.prefix) {
				t.Errorf("id %q missing prefix %q", id, tt.prefix)
			}
			// prefix + 26-char ULID
			if len(id) != len(tt.prefix)+26 {
				t.Errorf("id %q length = %d, want %d", id, len(id), len(tt.prefix)+26)
			}
		})
	}
}

func TestNewIDs_Unique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewTriageID()
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}

func TestIsID(t *testing.T) {
	t.Parallel()

	tri := NewTriageID()
	cor := NewCorrelationID()
	cas := NewCaseID()

	tests := []struct {
		name string
		fn   func(string) bool
		id   string
		want bool
	}{
		{"triage id matches", IsTriageID, tri, true},
		{"correlation id is not a triage id", IsTriageID, cor, false},
		{"correlation id matches", IsCorrelationID, cor, true},
		{"case id matches", IsCaseID, cas, true},
		{"triage id is not a case id", IsCaseID, tri, false},
		{"bare prefix", IsTriageID, TriageIDPrefix, false},
		{"prefix with junk payload", IsTriageID, "tri-not-a-ulid", false},
		{"empty", IsTriageID, "", false},
		{"payload without prefix", IsTriageID, strings.TrimPrefix(tri, TriageIDPrefix), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.fn(tt.id); got != tt.want {
				t.Errorf("got %v for %q, want %v", got, tt.id, tt.want)
			}
		})
	}
}
