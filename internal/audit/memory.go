package audit

import (
	"context"
	"sync"
	"time"

	"github.com/promora/proctor/internal/sanity"
	"github.com/promora/proctor/internal/watcher"
)

// MemoryStore is an in-memory audit trail for demo/test use.
type MemoryStore struct {
	mu          sync.RWMutex
	violations  map[string][]watcher.Violation
	assessments map[string][]*sanity.RiskAssessment
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory audit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		violations:  make(map[string][]watcher.Violation),
		assessments: make(map[string][]*sanity.RiskAssessment),
	}
}

func (s *MemoryStore) RecordViolation(_ context.Context, v watcher.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.violations[v.SessionID] = append(s.violations[v.SessionID], v)
	return nil
}

func (s *MemoryStore) RecordAssessment(_ context.Context, a *sanity.RiskAssessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assessments[a.SessionID] = append(s.assessments[a.SessionID], copyAssessment(a))
	return nil
}

func (s *MemoryStore) ListViolations(_ context.Context, sessionID string, limit int) ([]watcher.Violation, error) {
	limit = normalizeLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.violations[sessionID]
	if len(all) == 0 {
		return nil, nil
	}

	start := len(all) - limit
	if start < 0 {
		start = 0
	}
	result := make([]watcher.Violation, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, all[i])
	}
	return result, nil
}

func (s *MemoryStore) ListAssessments(_ context.Context, sessionID string, limit int) ([]*sanity.RiskAssessment, error) {
	limit = normalizeLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.assessments[sessionID]
	if len(all) == 0 {
		return nil, nil
	}

	start := len(all) - limit
	if start < 0 {
		start = 0
	}
	result := make([]*sanity.RiskAssessment, 0, len(all)-start)
	for i := len(all) - 1; i >= start; i-- {
		result = append(result, copyAssessment(all[i]))
	}
	return result, nil
}

func (s *MemoryStore) ViolationKindCounts(_ context.Context, since time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, vios := range s.violations {
		for _, v := range vios {
			if v.DetectedAt.After(since) {
				counts[v.Kind]++
			}
		}
	}
	return counts, nil
}

// copyAssessment detaches the stored record from the caller's slices.
func copyAssessment(a *sanity.RiskAssessment) *sanity.RiskAssessment {
	cp := *a
	cp.ContributingViolations = append([]watcher.Violation(nil), a.ContributingViolations...)
	cp.RedFlags = append([]string(nil), a.RedFlags...)
	cp.AnomalyNotes = append([]sanity.AnomalyNote(nil), a.AnomalyNotes...)
	cp.Checks = append([]sanity.Check(nil), a.Checks...)
	return &cp
}
