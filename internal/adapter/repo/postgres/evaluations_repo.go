package postgres

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/evalmesh/evalmesh/internal/domain"
)

// EvaluationRepo persists and loads evaluation records. It implements
// domain.EvaluationStore; Transition is the only status-mutating path and is
// conditional on both the current status and the stored sequence number, so
// duplicate and out-of-order events apply cleanly.
type EvaluationRepo struct{ Pool PgxPool }

// NewEvaluationRepo constructs an EvaluationRepo with the given pool.
func NewEvaluationRepo(p PgxPool) *EvaluationRepo { return &EvaluationRepo{Pool: p} }

const evalColumns = `id, code, language, priority, timeout_ms, status, worker_id, exit_code,
	stdout, stderr, stdout_truncated, stderr_truncated, error_kind, retry_count,
	last_seq, idempotency_key, submitted_at, updated_at`

// Create inserts the initial record. A duplicate id is a no-op that returns
// the stored record, so both the gateway and the storage worker can create
// without coordinating.
func (r *EvaluationRepo) Create(ctx context.Context, e domain.Evaluation) (domain.Evaluation, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Create")
	defer span.End()

	now := time.Now().UTC()
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = now
	}
	e.UpdatedAt = now
	q := `INSERT INTO evaluations (` + evalColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT (id) DO NOTHING`
	_, err := r.Pool.Exec(ctx, q,
		e.ID, e.Code, e.Language, e.Priority, e.TimeoutMS, e.Status, e.WorkerID, e.ExitCode,
		e.Stdout, e.Stderr, e.StdoutTruncated, e.StderrTruncated, e.ErrorKind, e.RetryCount,
		e.LastSeq, e.IdemKey, e.SubmittedAt, e.UpdatedAt,
	)
	if err != nil {
		return domain.Evaluation{}, fmt.Errorf("op=eval.create: %w", err)
	}
	return r.Get(ctx, e.ID)
}

// Transition applies patch and moves status to `to` only when the current
// status is in `from` and the stored sequence is below seq. A rejected write
// is diagnosed into ErrNotFound, ErrStaleEvent, or ErrIllegalTransition so
// the storage worker can decide whether to drop or alert.
func (r *EvaluationRepo) Transition(ctx context.Context, id string, from []domain.Status, to domain.Status, patch domain.TransitionPatch, seq int64) error {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Transition")
	defer span.End()

	fromTags := make([]string, 0, len(from))
	for _, s := range from {
		fromTags = append(fromTags, string(s))
	}
	var errorKind *string
	if patch.ErrorKind != nil {
		k := string(*patch.ErrorKind)
		errorKind = &k
	}

	q := `UPDATE evaluations SET
			status=$2, last_seq=$3, updated_at=$4,
			worker_id=COALESCE($5, worker_id),
			exit_code=COALESCE($6, exit_code),
			stdout=COALESCE($7, stdout),
			stderr=COALESCE($8, stderr),
			stdout_truncated=COALESCE($9, stdout_truncated),
			stderr_truncated=COALESCE($10, stderr_truncated),
			error_kind=COALESCE($11, error_kind),
			retry_count=COALESCE($12, retry_count)
		WHERE id=$1 AND status = ANY($13) AND last_seq < $3`
	tag, err := r.Pool.Exec(ctx, q,
		id, to, seq, time.Now().UTC(),
		patch.WorkerID, patch.ExitCode, patch.Stdout, patch.Stderr,
		patch.StdoutTruncated, patch.StderrTruncated, errorKind, patch.RetryCount,
		fromTags,
	)
	if err != nil {
		return fmt.Errorf("op=eval.transition: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	cur, err := r.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("op=eval.transition: %w", err)
	}
	if cur.LastSeq >= seq {
		return fmt.Errorf("op=eval.transition: seq %d already applied at %d: %w", seq, cur.LastSeq, domain.ErrStaleEvent)
	}
	return fmt.Errorf("op=eval.transition: %s -> %s: %w", cur.Status, to, domain.ErrIllegalTransition)
}

// Get loads one record by id.
func (r *EvaluationRepo) Get(ctx context.Context, id string) (domain.Evaluation, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+evalColumns+` FROM evaluations WHERE id=$1`, id)
	e, err := scanEvaluation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Evaluation{}, fmt.Errorf("op=eval.get: %w", domain.ErrNotFound)
		}
		return domain.Evaluation{}, fmt.Errorf("op=eval.get: %w", err)
	}
	return e, nil
}

// FindByIdempotencyKey loads a record by idempotency key.
func (r *EvaluationRepo) FindByIdempotencyKey(ctx context.Context, key string) (domain.Evaluation, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.FindByIdempotencyKey")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+evalColumns+` FROM evaluations WHERE idempotency_key=$1 LIMIT 1`, key)
	e, err := scanEvaluation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Evaluation{}, fmt.Errorf("op=eval.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Evaluation{}, fmt.Errorf("op=eval.find_idem: %w", err)
	}
	return e, nil
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// List returns a page ordered by submission time descending plus a cursor
// for the next page (empty on the last page). Keyset pagination on
// (submitted_at, id) keeps pages stable while new submissions arrive.
func (r *EvaluationRepo) List(ctx context.Context, f domain.ListFilter) ([]domain.Evaluation, string, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.List")
	defer span.End()

	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var (
		conds []string
		args  []any
	)
	if f.Status != nil {
		args = append(args, *f.Status)
		conds = append(conds, fmt.Sprintf("status=$%d", len(args)))
	}
	if f.Cursor != "" {
		ts, id, err := decodeCursor(f.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("op=eval.list: cursor: %w", domain.ErrInvalidArgument)
		}
		args = append(args, ts, id)
		conds = append(conds, fmt.Sprintf("(submitted_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}
	q := `SELECT ` + evalColumns + ` FROM evaluations`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY submitted_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, "", fmt.Errorf("op=eval.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, "", fmt.Errorf("op=eval.list_scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("op=eval.list_rows: %w", err)
	}

	next := ""
	if len(out) == limit {
		last := out[len(out)-1]
		next = encodeCursor(last.SubmittedAt, last.ID)
	}
	return out, next, nil
}

// ListStale returns non-terminal records untouched since olderThan, oldest
// first. The stuck-eval sweeper fails these with error kind substrate_lost.
func (r *EvaluationRepo) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.Evaluation, error) {
	tracer := otel.Tracer("repo.evaluations")
	ctx, span := tracer.Start(ctx, "evaluations.ListStale")
	defer span.End()

	if limit <= 0 {
		limit = defaultPageSize
	}
	rows, err := r.Pool.Query(ctx, `SELECT `+evalColumns+` FROM evaluations
		WHERE status IN ('queued','provisioning','running') AND updated_at < $1
		ORDER BY updated_at ASC LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("op=eval.list_stale: %w", err)
	}
	defer rows.Close()

	var out []domain.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("op=eval.list_stale_scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=eval.list_stale_rows: %w", err)
	}
	return out, nil
}

func scanEvaluation(row pgx.Row) (domain.Evaluation, error) {
	var e domain.Evaluation
	err := row.Scan(
		&e.ID, &e.Code, &e.Language, &e.Priority, &e.TimeoutMS, &e.Status, &e.WorkerID, &e.ExitCode,
		&e.Stdout, &e.Stderr, &e.StdoutTruncated, &e.StderrTruncated, &e.ErrorKind, &e.RetryCount,
		&e.LastSeq, &e.IdemKey, &e.SubmittedAt, &e.UpdatedAt,
	)
	return e, err
}

func encodeCursor(ts time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(ts.UTC().Format(time.RFC3339Nano) + "|" + id))
}

func decodeCursor(c string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	return ts, parts[1], nil
}
