package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/evalmesh/evalmesh/internal/domain"
)

// StatusService provides read access to evaluation records, including ETag
// computation for conditional responses.
type StatusService struct {
	Store domain.EvaluationStore
}

// NewStatusService constructs a StatusService.
func NewStatusService(store domain.EvaluationStore) StatusService {
	return StatusService{Store: store}
}

// EvaluationView is the API shape of one evaluation record.
type EvaluationView struct {
	EvalID          string           `json:"eval_id"`
	Code            string           `json:"code,omitempty"`
	Language        string           `json:"language"`
	Priority        domain.Priority  `json:"priority"`
	TimeoutMS       int64            `json:"timeout_ms"`
	Status          domain.Status    `json:"status"`
	WorkerID        string           `json:"worker_id,omitempty"`
	ExitCode        *int             `json:"exit_code,omitempty"`
	Stdout          string           `json:"stdout,omitempty"`
	Stderr          string           `json:"stderr,omitempty"`
	StdoutTruncated bool             `json:"stdout_truncated,omitempty"`
	StderrTruncated bool             `json:"stderr_truncated,omitempty"`
	ErrorKind       domain.ErrorKind `json:"error_kind,omitempty"`
	RetryCount      int              `json:"retry_count,omitempty"`
	SubmittedAt     time.Time        `json:"submitted_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

func viewOf(e domain.Evaluation, includeCode bool) EvaluationView {
	v := EvaluationView{
		EvalID:          e.ID,
		Language:        e.Language,
		Priority:        e.Priority,
		TimeoutMS:       e.TimeoutMS,
		Status:          e.Status,
		WorkerID:        e.WorkerID,
		ExitCode:        e.ExitCode,
		Stdout:          e.Stdout,
		Stderr:          e.Stderr,
		StdoutTruncated: e.StdoutTruncated,
		StderrTruncated: e.StderrTruncated,
		ErrorKind:       e.ErrorKind,
		RetryCount:      e.RetryCount,
		SubmittedAt:     e.SubmittedAt,
		UpdatedAt:       e.UpdatedAt,
	}
	if includeCode {
		v.Code = e.Code
	}
	return v
}

// Fetch returns the record view and its ETag. notModified is true when the
// caller's If-None-Match value still matches the current state.
func (s StatusService) Fetch(ctx context.Context, id, ifNoneMatch string) (EvaluationView, string, bool, error) {
	e, err := s.Store.Get(ctx, id)
	if err != nil {
		return EvaluationView{}, "", false, fmt.Errorf("op=status.fetch: %w", err)
	}
	v := viewOf(e, true)
	etag := makeETag(v)
	if ifNoneMatch != "" && ifNoneMatch == etag {
		return EvaluationView{}, etag, true, nil
	}
	return v, etag, false, nil
}

// ListPage is one page of evaluation views plus the cursor for the next page.
type ListPage struct {
	Items      []EvaluationView `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// List returns a page ordered by submission time descending. Listing elides
// the submitted code; Fetch returns it.
func (s StatusService) List(ctx context.Context, f domain.ListFilter) (ListPage, error) {
	records, next, err := s.Store.List(ctx, f)
	if err != nil {
		return ListPage{}, fmt.Errorf("op=status.list: %w", err)
	}
	page := ListPage{Items: make([]EvaluationView, 0, len(records)), NextCursor: next}
	for _, e := range records {
		page.Items = append(page.Items, viewOf(e, false))
	}
	return page, nil
}

func makeETag(v any) string {
	b, _ := json.Marshal(v)
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}
