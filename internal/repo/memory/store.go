// Package memory keeps RunState in process memory for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/charity-dao/provisioner/internal/domain"
	"github.com/charity-dao/provisioner/internal/repo"
)

type attemptKey struct {
	runID   string
	stepID  string
	attempt int
}

type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	runs     map[string]repo.RunRecord
	runOrder []string
	attempts map[attemptKey]repo.StepAttemptRecord
	order    []attemptKey
}

func New() *Store {
	return &Store{
		now:      time.Now,
		runs:     make(map[string]repo.RunRecord),
		attempts: make(map[attemptKey]repo.StepAttemptRecord),
	}
}

func (s *Store) CreateRun(ctx context.Context, run repo.RunRecord) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	run.ID = strings.TrimSpace(run.ID)
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("insert run %s: %w", run.ID, repo.ErrAlreadyExists)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = s.now().UTC()
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	run.Status = domain.NormalizeRunStatus(string(run.Status))
	run.Plan = append([]byte(nil), run.Plan...)
	s.runs[run.ID] = run
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (repo.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return repo.RunRecord{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *Store) LatestRun(ctx context.Context) (repo.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runOrder) == 0 {
		return repo.RunRecord{}, repo.ErrNotFound
	}
	return s.runs[s.runOrder[len(s.runOrder)-1]], nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, id string, status domain.RunStatus, reason string) error {
	normalized := domain.NormalizeRunStatus(string(status))
	if normalized == "" {
		return fmt.Errorf("invalid run status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return repo.ErrNotFound
	}
	run.Status = normalized
	run.Reason = strings.TrimSpace(reason)
	run.UpdatedAt = s.now().UTC()
	s.runs[run.ID] = run
	return nil
}

func (s *Store) BeginAttempt(ctx context.Context, record repo.StepAttemptRecord) (repo.StepAttemptRecord, bool, error) {
	if err := record.Validate(); err != nil {
		return repo.StepAttemptRecord{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := attemptKey{runID: strings.TrimSpace(record.RunID), stepID: strings.TrimSpace(record.StepID), attempt: record.Attempt}
	if existing, ok := s.attempts[key]; ok {
		return existing, false, nil
	}
	record.RunID, record.StepID = key.runID, key.stepID
	if strings.TrimSpace(record.ID) == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = s.now().UTC()
	}
	s.attempts[key] = record
	s.order = append(s.order, key)
	return record, true, nil
}

func (s *Store) FinishAttempt(ctx context.Context, outcome repo.AttemptOutcome) error {
	if err := outcome.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := attemptKey{runID: strings.TrimSpace(outcome.RunID), stepID: strings.TrimSpace(outcome.StepID), attempt: outcome.Attempt}
	record, ok := s.attempts[key]
	if !ok || record.FinishedAt != nil {
		return repo.ErrNotFound
	}
	finishedAt := outcome.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = s.now()
	}
	finishedAt = finishedAt.UTC()
	record.Status = outcome.Status
	record.Output = outcome.Output
	record.ErrorKind = outcome.ErrorKind
	record.ErrorMessage = outcome.ErrorMessage
	record.FinishedAt = &finishedAt
	s.attempts[key] = record
	return nil
}

func (s *Store) ListByRun(ctx context.Context, runID string) ([]repo.StepAttemptRecord, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]repo.StepAttemptRecord, 0)
	for _, key := range s.order {
		if key.runID == runID {
			out = append(out, s.attempts[key])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}
