package schema

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// Record id prefixes. The ULID payload keeps ids sortable by creation time.
const (
	TriageIDPrefix      = "tri-"
	CorrelationIDPrefix = "cor-"
	CaseIDPrefix        = "case-"
)

// NewTriageID returns a fresh triage record id.
func NewTriageID() string {
	return TriageIDPrefix + ulid.Make().String()
}

// NewCorrelationID returns a fresh correlation record id.
func NewCorrelationID() string {
	return CorrelationIDPrefix + ulid.Make().String()
}

// NewCaseID returns a fresh case record id.
func NewCaseID() string {
	return CaseIDPrefix + ulid.Make().String()
}

// IsTriageID reports whether id matches the triage id naming pattern.
func IsTriageID(id string) bool {
	return hasULIDPayload(id, TriageIDPrefix)
}

// IsCorrelationID reports whether id matches the correlation id naming pattern.
func IsCorrelationID(id string) bool {
	return hasULIDPayload(id, CorrelationIDPrefix)
}

// IsCaseID reports whether id matches the case id naming pattern.
func IsCaseID(id string) bool {
	return hasULIDPayload(id, CaseIDPrefix)
}

func hasULIDPayload(id, prefix string) bool {
	if !strings.HasPrefix(id, prefix) {
		return false
	}
	_, err := ulid.ParseStrict(strings.TrimPrefix(id, prefix))
	return err == nil
}
