package pipeline

import (
	"context"
	"time"

	"github.com/linnemanlabs/sentinel/internal/schema"
)

// TriageFilter selects triages for the paginated list endpoint.
// Zero-valued fields match everything.
type TriageFilter struct {
	Limit    int
	Offset   int
	Severity schema.Severity
	Route    schema.Route
	Status   schema.Status
}

// List pagination bounds.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Normalize clamps the filter's pagination to the allowed bounds.
func (f TriageFilter) Normalize() TriageFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Store is the persistence adapter for all three record types. It is the
// single writer of record state; dashboards and other consumers only read.
// Puts are upserts keyed by record id, so at-least-once stage retries never
// create duplicate records.
type Store interface {
	PutTriage(ctx context.Context, t *schema.TriageObject) error
	GetTriage(ctx context.Context, id string) (*schema.TriageObject, bool, error)
	GetTriageByAlertID(ctx context.Context, alertID string) (*schema.TriageObject, bool, error)
	ListTriages(ctx context.Context, f TriageFilter) ([]*schema.TriageObject, error)

	// RecentTriages returns completed triages created at or after since,
	// newest first, bounded by limit. This is the dedup window and the
	// correlation evidence source; callers never scan full history.
	RecentTriages(ctx context.Context, since time.Time, limit int) ([]*schema.TriageObject, error)

	// SetTriageCaseLink attaches the forward case reference to a completed
	// triage. The only permitted mutation after completion.
	SetTriageCaseLink(ctx context.Context, triageID, caseID string) error

	PutCorrelation(ctx context.Context, b *schema.CorrelationBundle) error
	GetCorrelation(ctx context.Context, id string) (*schema.CorrelationBundle, bool, error)

	PutCase(ctx context.Context, c *schema.LivingCaseObject) error
	GetCase(ctx context.Context, id string) (*schema.LivingCaseObject, bool, error)

	// OpenCases returns cases not yet in a terminal status, for entity-based
	// case attachment.
	OpenCases(ctx context.Context) ([]*schema.LivingCaseObject, error)
}
