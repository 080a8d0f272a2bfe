// Package memstore provides an in-memory implementation of pipeline.Store.
// Suitable for dev/testing; the recent-triage dedup window is a TTL-bounded
// LRU so it stays bounded without a background sweeper.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/linnemanlabs/sentinel/internal/pipeline"
	"github.com/linnemanlabs/sentinel/internal/schema"
)

const (
	defaultRecentSize = 512
	defaultRecentTTL  = 24 * time.Hour
)

// Store holds pipeline records in memory.
type Store struct {
	mu           sync.RWMutex
	triages      map[string]*schema.TriageObject
	byAlert      map[string]string // alertId -> triageId (idempotency)
	correlations map[string]*schema.CorrelationBundle
	cases        map[string]*schema.LivingCaseObject

	recent *expirable.LRU[string, *schema.TriageObject]
}

// New initializes an in-memory Store with default recent-window bounds.
func New() *Store {
	return NewWithWindow(defaultRecentSize, defaultRecentTTL)
}

// NewWithWindow initializes a Store whose recent-triage window holds at most
// size entries for at most ttl.
func NewWithWindow(size int, ttl time.Duration) *Store {
	return &Store{
		triages:      make(map[string]*schema.TriageObject),
		byAlert:      make(map[string]string),
		correlations: make(map[string]*schema.CorrelationBundle),
		cases:        make(map[string]*schema.LivingCaseObject),
		recent:       expirable.NewLRU[string, *schema.TriageObject](size, nil, ttl),
	}
}

// PutTriage upserts a triage record. Completed triages enter the recent window.
func (s *Store) PutTriage(_ context.Context, t *schema.TriageObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.triages[t.TriageID] = &cp
	if t.AlertID != "" {
		s.byAlert[t.AlertID] = t.TriageID
	}
	if t.Status == schema.StatusCompleted {
		s.recent.Add(t.TriageID, &cp)
	}
	return nil
}

// GetTriage retrieves a triage by id. Returns a copy.
func (s *Store) GetTriage(_ context.Context, id string) (*schema.TriageObject, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triages[id]
	if !ok {
		return nil, false, nil
	}
	cp := *t
	return &cp, true, nil
}

// GetTriageByAlertID retrieves the triage created for an alert id. Returns a copy.
func (s *Store) GetTriageByAlertID(_ context.Context, alertID string) (*schema.TriageObject, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byAlert[alertID]
	if !ok {
		return nil, false, nil
	}
	t, ok := s.triages[id]
	if !ok {
		return nil, false, nil
	}
	cp := *t
	return &cp, true, nil
}

// ListTriages returns triages matching the filter, newest first.
func (s *Store) ListTriages(_ context.Context, f pipeline.TriageFilter) ([]*schema.TriageObject, error) {
	f = f.Normalize()

	s.mu.RLock()
	all := make([]*schema.TriageObject, 0, len(s.triages))
	for _, t := range s.triages {
		if f.Severity != "" && t.Severity != f.Severity {
			continue
		}
		if f.Route != "" && t.Route != f.Route {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		cp := *t
		all = append(all, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].TriagedAt.After(all[j].TriagedAt) })

	if f.Offset >= len(all) {
		return []*schema.TriageObject{}, nil
	}
	all = all[f.Offset:]
	if len(all) > f.Limit {
		all = all[:f.Limit]
	}
	return all, nil
}

// RecentTriages returns completed triages created at or after since, newest
// first. Reads only the bounded window, never the full history.
func (s *Store) RecentTriages(_ context.Context, since time.Time, limit int) ([]*schema.TriageObject, error) {
	// Window entries alias the records mutated by SetTriageCaseLink, so the
	// copies must happen under the same lock as that write.
	s.mu.RLock()
	values := s.recent.Values()
	out := make([]*schema.TriageObject, 0, len(values))
	for _, t := range values {
		if t.TriagedAt.Before(since) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TriagedAt.After(out[j].TriagedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetTriageCaseLink attaches the forward case reference to a stored triage.
func (s *Store) SetTriageCaseLink(_ context.Context, triageID, caseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triages[triageID]
	if !ok {
		return pipeline.ErrTriageNotFound
	}
	t.CaseLink = caseID
	return nil
}

// PutCorrelation upserts a correlation bundle.
func (s *Store) PutCorrelation(_ context.Context, b *schema.CorrelationBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *b
	s.correlations[b.CorrelationID] = &cp
	return nil
}

// GetCorrelation retrieves a correlation bundle by id. Returns a copy.
func (s *Store) GetCorrelation(_ context.Context, id string) (*schema.CorrelationBundle, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.correlations[id]
	if !ok {
		return nil, false, nil
	}
	cp := *b
	return &cp, true, nil
}

// PutCase upserts a living case.
func (s *Store) PutCase(_ context.Context, c *schema.LivingCaseObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.cases[c.CaseID] = &cp
	return nil
}

// GetCase retrieves a case by id. Returns a copy.
func (s *Store) GetCase(_ context.Context, id string) (*schema.LivingCaseObject, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

// OpenCases returns cases not yet in a terminal status, oldest first.
func (s *Store) OpenCases(_ context.Context) ([]*schema.LivingCaseObject, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*schema.LivingCaseObject{}
	for _, c := range s.cases {
		if schema.IsTerminalCaseStatus(c.Status) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}
