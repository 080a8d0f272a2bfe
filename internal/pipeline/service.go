package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sentinel/internal/dedup"
	"github.com/linnemanlabs/sentinel/internal/schema"
)

// EntityWriter pushes extracted entities to the knowledge graph. Writes are
// best-effort: a failed write is logged but never blocks triage.
type EntityWriter interface {
	WriteEntities(ctx context.Context, triageID string, entities []schema.Entity) error
}

// Notifier delivers analyst-facing notifications for noteworthy pipeline outcomes.
type Notifier interface {
	NotifyTriage(ctx context.Context, t *schema.TriageObject) error
	NotifyCaseEscalated(ctx context.Context, c *schema.LivingCaseObject, b *schema.CorrelationBundle) error
}

// Options tunes pipeline behavior. Zero values fall back to defaults.
type Options struct {
	// DedupWindow and DedupRecentLimit bound the recent window scored by the
	// dedup engine.
	DedupWindow      time.Duration
	DedupRecentLimit int

	// CorrelationWindow and EvidenceLimit bound the correlation evidence pack.
	CorrelationWindow time.Duration
	EvidenceLimit     int

	// Workers caps concurrent pipeline continuations across alerts.
	Workers int

	// TriagedBy is recorded on every TriageObject, typically the model name.
	TriagedBy string
}

func (o Options) withDefaults() Options {
	if o.DedupWindow <= 0 {
		o.DedupWindow = 30 * time.Minute
	}
	if o.DedupRecentLimit <= 0 {
		o.DedupRecentLimit = 100
	}
	if o.CorrelationWindow <= 0 {
		o.CorrelationWindow = 24 * time.Hour
	}
	if o.EvidenceLimit <= 0 {
		o.EvidenceLimit = 25
	}
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.TriagedBy == "" {
		o.TriagedBy = "sentinel"
	}
	return o
}

// Service is the pipeline orchestrator. Stages for different alerts run
// concurrently; a single alert's stages are strictly sequential via id
// handoff, and every stage's record is persisted whether or not downstream
// stages run.
type Service struct {
	store    Store
	provider Provider
	dedup    *dedup.Engine
	opts     Options
	logger   log.Logger
	metrics  *Metrics
	graph    EntityWriter
	notifier Notifier

	workers *errgroup.Group
}

// NewService creates the pipeline service. graph and notifier may be nil.
func NewService(store Store, provider Provider, ded *dedup.Engine, opts Options, logger log.Logger, metrics *Metrics, graph EntityWriter, notifier Notifier) *Service {
	if logger == nil {
		logger = log.Nop()
	}
	if ded == nil {
		ded = dedup.New(dedup.DefaultThreshold)
	}
	opts = opts.withDefaults()

	workers := &errgroup.Group{}
	workers.SetLimit(opts.Workers)

	return &Service{
		store:    store,
		provider: provider,
		dedup:    ded,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		graph:    graph,
		notifier: notifier,
		workers:  workers,
	}
}

// PipelineResult reports how far one alert advanced through the pipeline.
type PipelineResult struct {
	Triage      *schema.TriageObject
	Correlation *schema.CorrelationBundle
	Case        *schema.LivingCaseObject
}

// ProcessAlert runs triage synchronously and, when the route warrants
// escalation, continues correlation and hypothesis on the worker pool. The
// continuation is detached from the caller's cancellation so an HTTP client
// going away does not abandon a half-finished investigation.
func (s *Service) ProcessAlert(ctx context.Context, rawAlert json.RawMessage, queueItemID int64) (*schema.TriageObject, error) {
	t, err := s.TriageAlert(ctx, rawAlert, queueItemID)
	if err != nil {
		s.metrics.incSubmit("error")
		return nil, err
	}

	if t.Status == schema.StatusCompleted && t.Route.Advances() {
		s.metrics.incSubmit("escalated")
		bg := context.WithoutCancel(ctx)
		s.workers.Go(func() error {
			s.advance(bg, t.TriageID)
			return nil
		})
	} else {
		s.metrics.incSubmit("triaged")
	}

	return t, nil
}

// RunPipeline runs all stages synchronously for one alert. Used for batch
// reprocessing and tests; the HTTP surface uses ProcessAlert.
func (s *Service) RunPipeline(ctx context.Context, rawAlert json.RawMessage, queueItemID int64) (*PipelineResult, error) {
	t, err := s.TriageAlert(ctx, rawAlert, queueItemID)
	if err != nil {
		return nil, err
	}
	res := &PipelineResult{Triage: t}

	if t.Status != schema.StatusCompleted || !t.Route.Advances() {
		return res, nil
	}

	b, err := s.Correlate(ctx, t.TriageID)
	if err != nil {
		return res, fmt.Errorf("correlate %s: %w", t.TriageID, err)
	}
	res.Correlation = b
	if b.Status != schema.StatusCompleted {
		return res, nil
	}

	c, err := s.Hypothesize(ctx, b.CorrelationID)
	if err != nil {
		return res, fmt.Errorf("hypothesize %s: %w", b.CorrelationID, err)
	}
	res.Case = c
	return res, nil
}

// advance runs the correlation and hypothesis stages for a completed triage.
// A failed stage is terminal for this alert's progression but never affects
// other alerts.
func (s *Service) advance(ctx context.Context, triageID string) {
	L := s.logger.With("triage_id", triageID)

	b, err := s.Correlate(ctx, triageID)
	if err != nil {
		L.Error(ctx, err, "correlation stage failed")
		return
	}
	if b.Status != schema.StatusCompleted {
		L.Warn(ctx, "correlation did not complete, stopping pipeline",
			"correlation_id", b.CorrelationID, "status", string(b.Status))
		return
	}

	c, err := s.Hypothesize(ctx, b.CorrelationID)
	if err != nil {
		L.Error(ctx, err, "hypothesis stage failed", "correlation_id", b.CorrelationID)
		return
	}

	L.Info(ctx, "pipeline complete",
		"correlation_id", b.CorrelationID,
		"risk_score", b.RiskScore,
		"case_id", c.CaseID,
		"case_status", string(c.Status),
	)
}

// Shutdown waits for in-flight pipeline continuations to finish or ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline shutdown: %w", ctx.Err())
	}
}

// GetTriage retrieves a triage record by id.
func (s *Service) GetTriage(ctx context.Context, id string) (*schema.TriageObject, bool, error) {
	return s.store.GetTriage(ctx, id)
}

// ListTriages returns triages matching the filter, newest first.
func (s *Service) ListTriages(ctx context.Context, f TriageFilter) ([]*schema.TriageObject, error) {
	return s.store.ListTriages(ctx, f.Normalize())
}

// GetCorrelation retrieves a correlation bundle by id.
func (s *Service) GetCorrelation(ctx context.Context, id string) (*schema.CorrelationBundle, bool, error) {
	return s.store.GetCorrelation(ctx, id)
}

// GetCase retrieves a living case by id.
func (s *Service) GetCase(ctx context.Context, id string) (*schema.LivingCaseObject, bool, error) {
	return s.store.GetCase(ctx, id)
}

// ListOpenCases returns cases that have not reached a terminal status,
// oldest first.
func (s *Service) ListOpenCases(ctx context.Context) ([]*schema.LivingCaseObject, error) {
	return s.store.OpenCases(ctx)
}

// OverrideCase applies an explicit analyst status override, the only path
// that may move a case backward or into a terminal status from outside the
// pipeline. A terminal target requires a verdict; an empty one records
// inconclusive.
func (s *Service) OverrideCase(ctx context.Context, caseID string, target schema.CaseStatus, verdict schema.Verdict, note string) (*schema.LivingCaseObject, error) {
	c, ok, err := s.store.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCaseNotFound
	}

	next, err := schema.OverrideCaseStatus(c.Status, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCaseTransition, err)
	}

	prev := c.Status
	c.Status = next
	if schema.IsTerminalCaseStatus(next) {
		if verdict == "" {
			verdict = schema.VerdictInconclusive
		}
		c.Verdict = verdict
	}
	c.History = append(c.History, schema.CaseHistoryEntry{
		At:   time.Now().UTC(),
		Kind: "analyst_override",
		Note: fmt.Sprintf("%s -> %s: %s", prev, next, note),
	})
	c.UpdatedAt = time.Now().UTC()

	if err := s.store.PutCase(ctx, c); err != nil {
		return nil, fmt.Errorf("persist case override: %w", err)
	}
	s.metrics.incCaseTransition(string(prev), string(next))

	s.logger.Info(ctx, "case status overridden",
		"case_id", c.CaseID, "from", string(prev), "to", string(next))
	return c, nil
}
