// Package memory is an in-memory evaluation store with the same conditional
// transition semantics as the Postgres repo. It backs tests and DB-less
// development runs; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/evalmesh/evalmesh/internal/domain"
)

// Store implements domain.EvaluationStore.
type Store struct {
	mu    sync.RWMutex
	evals map[string]domain.Evaluation
}

// New constructs an empty Store.
func New() *Store {
	return &Store{evals: make(map[string]domain.Evaluation)}
}

// Create inserts the record; a duplicate id returns the stored record.
func (s *Store) Create(_ context.Context, e domain.Evaluation) (domain.Evaluation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.evals[e.ID]; ok {
		return cur, nil
	}
	now := time.Now().UTC()
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = now
	}
	e.UpdatedAt = now
	s.evals[e.ID] = e
	return e, nil
}

// Transition applies patch under the same guards as the SQL store.
func (s *Store) Transition(_ context.Context, id string, from []domain.Status, to domain.Status, patch domain.TransitionPatch, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.evals[id]
	if !ok {
		return fmt.Errorf("op=memstore.transition: %w", domain.ErrNotFound)
	}
	if cur.LastSeq >= seq {
		return fmt.Errorf("op=memstore.transition: %w", domain.ErrStaleEvent)
	}
	legal := false
	for _, f := range from {
		if cur.Status == f {
			legal = true
			break
		}
	}
	if !legal {
		return fmt.Errorf("op=memstore.transition: %s -> %s: %w", cur.Status, to, domain.ErrIllegalTransition)
	}

	cur.Status = to
	cur.LastSeq = seq
	cur.UpdatedAt = time.Now().UTC()
	if patch.WorkerID != nil {
		cur.WorkerID = *patch.WorkerID
	}
	if patch.ExitCode != nil {
		cur.ExitCode = patch.ExitCode
	}
	if patch.Stdout != nil {
		cur.Stdout = *patch.Stdout
	}
	if patch.Stderr != nil {
		cur.Stderr = *patch.Stderr
	}
	if patch.StdoutTruncated != nil {
		cur.StdoutTruncated = *patch.StdoutTruncated
	}
	if patch.StderrTruncated != nil {
		cur.StderrTruncated = *patch.StderrTruncated
	}
	if patch.ErrorKind != nil {
		cur.ErrorKind = *patch.ErrorKind
	}
	if patch.RetryCount != nil {
		cur.RetryCount = *patch.RetryCount
	}
	s.evals[id] = cur
	return nil
}

// Get loads one record.
func (s *Store) Get(_ context.Context, id string) (domain.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.evals[id]
	if !ok {
		return domain.Evaluation{}, fmt.Errorf("op=memstore.get: %w", domain.ErrNotFound)
	}
	return e, nil
}

// FindByIdempotencyKey scans for a record with the key.
func (s *Store) FindByIdempotencyKey(_ context.Context, key string) (domain.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.evals {
		if e.IdemKey != nil && *e.IdemKey == key {
			return e, nil
		}
	}
	return domain.Evaluation{}, fmt.Errorf("op=memstore.find_idem: %w", domain.ErrNotFound)
}

// List pages by submission time descending with an opaque cursor.
func (s *Store) List(_ context.Context, f domain.ListFilter) ([]domain.Evaluation, string, error) {
	s.mu.RLock()
	all := make([]domain.Evaluation, 0, len(s.evals))
	for _, e := range s.evals {
		if f.Status != nil && e.Status != *f.Status {
			continue
		}
		all = append(all, e)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].SubmittedAt.Equal(all[j].SubmittedAt) {
			return all[i].SubmittedAt.After(all[j].SubmittedAt)
		}
		return all[i].ID > all[j].ID
	})

	start := 0
	if f.Cursor != "" {
		for i, e := range all {
			if e.ID == f.Cursor {
				start = i + 1
				break
			}
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]
	next := ""
	if end < len(all) && len(page) > 0 {
		next = page[len(page)-1].ID
	}
	return page, next, nil
}

// ListStale returns non-terminal records untouched since olderThan.
func (s *Store) ListStale(_ context.Context, olderThan time.Time, limit int) ([]domain.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Evaluation
	for _, e := range s.evals {
		if !e.Status.Terminal() && e.UpdatedAt.Before(olderThan) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
