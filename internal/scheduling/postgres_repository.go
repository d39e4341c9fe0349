package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

const transferColumns = `id::text, sender_id, receiver_id, amount::text, description, scheduled_at, status,
	processed, processed_at, executed_at, retry_count, last_retry_at, failure_reason, recurrence,
	recurrence_end, total_occurrences, current_occurrence, COALESCE(parent_id::text, ''), created_at, updated_at`

// PostgresRepository stores scheduled transfers in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a row. A second row for the same chain occurrence is
// rejected with ErrDuplicateOccurrence.
func (r *PostgresRepository) Create(ctx context.Context, t Transfer) error {
	id, err := uuid.Parse(t.ID)
	if err != nil {
		return fmt.Errorf("scheduled transfer id: %w", err)
	}
	var parent any
	if t.ParentID != "" {
		parentID, err := uuid.Parse(t.ParentID)
		if err != nil {
			return fmt.Errorf("parent id: %w", err)
		}
		parent = parentID
	}
	_, err = r.db.Exec(ctx, `INSERT INTO scheduled_transfers (id, sender_id, receiver_id, amount, description,
		scheduled_at, status, processed, processed_at, executed_at, retry_count, last_retry_at, failure_reason,
		recurrence, recurrence_end, total_occurrences, current_occurrence, parent_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		id, t.SenderID, t.ReceiverID, t.Amount.StringFixed(2), t.Description,
		t.ScheduledAt.UTC(), t.Status, t.Processed, utcPtr(t.ProcessedAt), utcPtr(t.ExecutedAt), t.RetryCount,
		utcPtr(t.LastRetryAt), t.FailureReason, t.Recurrence, utcPtr(t.RecurrenceEnd), t.TotalOccurrences,
		t.CurrentOccurrence, parent, t.CreatedAt.UTC(), t.UpdatedAt.UTC())
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateOccurrence
	}
	return err
}

// Get fetches a row by id.
func (r *PostgresRepository) Get(ctx context.Context, id string) (Transfer, error) {
	rowID, err := uuid.Parse(id)
	if err != nil {
		return Transfer{}, ErrNotFound
	}
	return scanTransfer(r.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM scheduled_transfers WHERE id = $1`, rowID))
}

// Claim is a single conditioned UPDATE; exactly one concurrent caller wins.
func (r *PostgresRepository) Claim(ctx context.Context, id string, from []Status, at time.Time) (Transfer, error) {
	rowID, err := uuid.Parse(id)
	if err != nil {
		return Transfer{}, ErrNotFound
	}
	states := make([]string, len(from))
	for i, s := range from {
		states[i] = string(s)
	}
	t, err := scanTransfer(r.db.QueryRow(ctx, `UPDATE scheduled_transfers
		SET status = 'PROCESSING', updated_at = $2
		WHERE id = $1 AND processed = FALSE AND status = ANY($3::text[])
		RETURNING `+transferColumns, rowID, at.UTC(), states))
	if errors.Is(err, ErrNotFound) {
		return Transfer{}, r.missOr(ctx, rowID, ErrNotClaimable)
	}
	return t, err
}

// Finish records an outcome, conditioned on the row still being PROCESSING.
func (r *PostgresRepository) Finish(ctx context.Context, id string, out Outcome) (Transfer, error) {
	rowID, err := uuid.Parse(id)
	if err != nil {
		return Transfer{}, ErrNotFound
	}
	at := out.At.UTC()
	t, err := scanTransfer(r.db.QueryRow(ctx, `UPDATE scheduled_transfers
		SET status = $2,
			processed = $3,
			processed_at = CASE WHEN $3 THEN $4 ELSE processed_at END,
			retry_count = $5,
			last_retry_at = COALESCE($6, last_retry_at),
			executed_at = COALESCE($7, executed_at),
			failure_reason = $8,
			updated_at = $4
		WHERE id = $1 AND status = 'PROCESSING'
		RETURNING `+transferColumns,
		rowID, out.Status, out.Processed, at, out.RetryCount, utcPtr(out.LastRetryAt), utcPtr(out.ExecutedAt), out.FailureReason))
	if errors.Is(err, ErrNotFound) {
		return Transfer{}, r.missOr(ctx, rowID, ErrNotProcessing)
	}
	return t, err
}

// Cancel moves a PENDING row to CANCELLED.
func (r *PostgresRepository) Cancel(ctx context.Context, id string, at time.Time) (Transfer, error) {
	rowID, err := uuid.Parse(id)
	if err != nil {
		return Transfer{}, ErrNotFound
	}
	t, err := scanTransfer(r.db.QueryRow(ctx, `UPDATE scheduled_transfers
		SET status = 'CANCELLED', processed = TRUE, processed_at = $2, updated_at = $2
		WHERE id = $1 AND status = 'PENDING' AND processed = FALSE
		RETURNING `+transferColumns, rowID, at.UTC()))
	if errors.Is(err, ErrNotFound) {
		return Transfer{}, r.missOr(ctx, rowID, ErrAlreadyProcessing)
	}
	return t, err
}

// FindDue lists PENDING rows scheduled inside [from, to].
func (r *PostgresRepository) FindDue(ctx context.Context, from, to time.Time) ([]Transfer, error) {
	return r.query(ctx, `SELECT `+transferColumns+` FROM scheduled_transfers
		WHERE status = 'PENDING' AND processed = FALSE AND scheduled_at BETWEEN $1 AND $2
		ORDER BY scheduled_at, id`, from.UTC(), to.UTC())
}

// FindRetryable lists technically failed rows whose last attempt is old enough.
func (r *PostgresRepository) FindRetryable(ctx context.Context, maxRetry int, before time.Time) ([]Transfer, error) {
	return r.query(ctx, `SELECT `+transferColumns+` FROM scheduled_transfers
		WHERE status = 'FAILED' AND processed = FALSE AND retry_count < $1
			AND (last_retry_at IS NULL OR last_retry_at <= $2)
		ORDER BY scheduled_at, id`, maxRetry, before.UTC())
}

// FindOverdue pages overdue PENDING rows by id.
func (r *PostgresRepository) FindOverdue(ctx context.Context, before time.Time, afterID string, limit int) ([]Transfer, error) {
	after := uuid.Nil
	if afterID != "" {
		parsed, err := uuid.Parse(afterID)
		if err != nil {
			return nil, fmt.Errorf("page cursor: %w", err)
		}
		after = parsed
	}
	return r.query(ctx, `SELECT `+transferColumns+` FROM scheduled_transfers
		WHERE status = 'PENDING' AND processed = FALSE AND scheduled_at < $1 AND id > $2
		ORDER BY id LIMIT $3`, before.UTC(), after, limit)
}

// ListBySender returns the sender's rows, latest schedule first.
func (r *PostgresRepository) ListBySender(ctx context.Context, senderID string, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, `SELECT `+transferColumns+` FROM scheduled_transfers
		WHERE sender_id = $1 ORDER BY scheduled_at DESC LIMIT $2`,
		strings.ToLower(strings.TrimSpace(senderID)), limit)
}

func (r *PostgresRepository) missOr(ctx context.Context, id uuid.UUID, conflict error) error {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM scheduled_transfers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return conflict
}

func (r *PostgresRepository) query(ctx context.Context, sql string, args ...any) ([]Transfer, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransfer(row pgx.Row) (Transfer, error) {
	var (
		t          Transfer
		amount     string
		status     string
		recurrence string
	)
	err := row.Scan(&t.ID, &t.SenderID, &t.ReceiverID, &amount, &t.Description, &t.ScheduledAt, &status,
		&t.Processed, &t.ProcessedAt, &t.ExecutedAt, &t.RetryCount, &t.LastRetryAt, &t.FailureReason, &recurrence,
		&t.RecurrenceEnd, &t.TotalOccurrences, &t.CurrentOccurrence, &t.ParentID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Transfer{}, ErrNotFound
	}
	if err != nil {
		return Transfer{}, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return Transfer{}, fmt.Errorf("decode amount: %w", err)
	}
	t.Status = Status(status)
	t.Recurrence = Recurrence(recurrence)
	return t, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
