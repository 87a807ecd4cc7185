// Package store is the sqlite-backed ledger: per-request usage rows for
// /v1/status aggregates, and batch jobs with their items so batches survive
// a restart.
package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// Batch job statuses.
const (
	BatchInProgress = "in_progress"
	BatchEnded      = "ended"
	BatchFailed     = "failed"
)

// Batch item statuses.
const (
	ItemPending   = "pending"
	ItemSucceeded = "succeeded"
	ItemErrored   = "errored"
	ItemCanceled  = "canceled"
)

// ErrNotFound reports a missing batch id.
var ErrNotFound = errors.New("not found")

// Store wraps the sqlite handle. Safe for concurrent use.
type Store struct {
	db *sqlx.DB
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the handle is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UsageEntry is one completed request.
type UsageEntry struct {
	ID            int64     `db:"id"`
	RequestID     string    `db:"request_id"`
	Backend       string    `db:"backend"`
	Model         string    `db:"model"`
	OriginalModel string    `db:"original_model"`
	Stream        bool      `db:"stream"`
	Status        int       `db:"status"`
	InputTokens   int       `db:"input_tokens"`
	OutputTokens  int       `db:"output_tokens"`
	ToolRounds    int       `db:"tool_rounds"`
	DurationMS    int64     `db:"duration_ms"`
	CreatedAt     time.Time `db:"created_at"`
}

// Totals aggregates the usage ledger for /v1/status.
type Totals struct {
	Requests     int64 `db:"requests"`
	InputTokens  int64 `db:"input_tokens"`
	OutputTokens int64 `db:"output_tokens"`
}

// RecordUsage appends one ledger row.
func (s *Store) RecordUsage(ctx context.Context, entry *UsageEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.NamedExecContext(ctx, `
        INSERT INTO usage_log(request_id, backend, model, original_model, stream, status,
                              input_tokens, output_tokens, tool_rounds, duration_ms, created_at)
        VALUES(:request_id, :backend, :model, :original_model, :stream, :status,
               :input_tokens, :output_tokens, :tool_rounds, :duration_ms, :created_at)
    `, entry)
	return err
}

// UsageTotals sums the ledger.
func (s *Store) UsageTotals(ctx context.Context) (Totals, error) {
	var totals Totals
	err := s.db.GetContext(ctx, &totals, `
        SELECT COUNT(*)                      AS requests,
               COALESCE(SUM(input_tokens),0)  AS input_tokens,
               COALESCE(SUM(output_tokens),0) AS output_tokens
        FROM usage_log
    `)
	return totals, err
}

// ModelUsage aggregates the ledger for one resolved model name.
type ModelUsage struct {
	Model        string `db:"model"`
	Requests     int64  `db:"requests"`
	InputTokens  int64  `db:"input_tokens"`
	OutputTokens int64  `db:"output_tokens"`
}

// UsageByModel breaks the ledger down per model, busiest first.
func (s *Store) UsageByModel(ctx context.Context) ([]ModelUsage, error) {
	var rows []ModelUsage
	err := s.db.SelectContext(ctx, &rows, `
        SELECT model,
               COUNT(*)                      AS requests,
               COALESCE(SUM(input_tokens),0)  AS input_tokens,
               COALESCE(SUM(output_tokens),0) AS output_tokens
        FROM usage_log
        GROUP BY model
        ORDER BY requests DESC, model ASC
    `)
	return rows, err
}

// BatchRecord is one batch job.
type BatchRecord struct {
	ID        string     `db:"id"`
	Status    string     `db:"status"`
	Total     int        `db:"total"`
	CreatedAt time.Time  `db:"created_at"`
	EndedAt   *time.Time `db:"ended_at"`
}

// BatchItem is one request inside a batch. Params holds the MessagesRequest
// JSON as submitted; Result holds the response or error envelope JSON once
// the item is terminal.
type BatchItem struct {
	ID        int64     `db:"id"`
	BatchID   string    `db:"batch_id"`
	CustomID  string    `db:"custom_id"`
	Seq       int       `db:"seq"`
	Params    []byte    `db:"params"`
	Status    string    `db:"status"`
	Result    []byte    `db:"result"`
	UpdatedAt time.Time `db:"updated_at"`
}

// CreateBatch persists a job and its items in one transaction and returns
// the items with their assigned ids, in seq order.
func (s *Store) CreateBatch(ctx context.Context, rec *BatchRecord, items []BatchItem) ([]BatchItem, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = BatchInProgress
	}
	rec.Total = len(items)

	if _, err := tx.NamedExecContext(ctx, `
        INSERT INTO batches(id, status, total, created_at)
        VALUES(:id, :status, :total, :created_at)
    `, rec); err != nil {
		return nil, err
	}

	stored := make([]BatchItem, 0, len(items))
	for i, item := range items {
		item.BatchID = rec.ID
		item.Seq = i
		if item.Status == "" {
			item.Status = ItemPending
		}
		item.UpdatedAt = rec.CreatedAt
		res, err := tx.NamedExecContext(ctx, `
            INSERT INTO batch_items(batch_id, custom_id, seq, params, status, result, updated_at)
            VALUES(:batch_id, :custom_id, :seq, :params, :status, :result, :updated_at)
        `, item)
		if err != nil {
			return nil, err
		}
		item.ID, err = res.LastInsertId()
		if err != nil {
			return nil, err
		}
		stored = append(stored, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return stored, nil
}

// GetBatch loads one job.
func (s *Store) GetBatch(ctx context.Context, id string) (*BatchRecord, error) {
	var rec BatchRecord
	err := s.db.GetContext(ctx, &rec, `SELECT id, status, total, created_at, ended_at FROM batches WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListItems returns a job's items in seq order.
func (s *Store) ListItems(ctx context.Context, batchID string) ([]BatchItem, error) {
	var items []BatchItem
	err := s.db.SelectContext(ctx, &items, `
        SELECT id, batch_id, custom_id, seq, params, status, result, updated_at
        FROM batch_items WHERE batch_id = ? ORDER BY seq ASC
    `, batchID)
	return items, err
}

// UpdateItem records an item's terminal status and result payload.
func (s *Store) UpdateItem(ctx context.Context, itemID int64, status string, result []byte) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE batch_items SET status = ?, result = ?, updated_at = ? WHERE id = ?
    `, status, result, time.Now().UTC(), itemID)
	return err
}

// EndBatch marks a job terminal.
func (s *Store) EndBatch(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE batches SET status = ?, ended_at = ? WHERE id = ?
    `, status, time.Now().UTC(), id)
	return err
}

// RecoverStalled marks jobs still in_progress from a previous process as
// failed and their unfinished items as errored. Returns the number of jobs
// touched.
func (s *Store) RecoverStalled(ctx context.Context, itemResult []byte) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
        UPDATE batch_items SET status = ?, result = ?, updated_at = ?
        WHERE status = ? AND batch_id IN (SELECT id FROM batches WHERE status = ?)
    `, ItemErrored, itemResult, now, ItemPending, BatchInProgress); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, `
        UPDATE batches SET status = ?, ended_at = ? WHERE status = ?
    `, BatchFailed, now, BatchInProgress)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), tx.Commit()
}

// Recorder serializes usage writes off the request path. Record never
// blocks; when the buffer is full the entry is dropped and logged.
type Recorder struct {
	store  *Store
	logger *zap.Logger
	ch     chan UsageEntry
	done   chan struct{}
}

// NewRecorder starts the single writer goroutine.
func NewRecorder(store *Store, logger *zap.Logger) *Recorder {
	r := &Recorder{
		store:  store,
		logger: logger,
		ch:     make(chan UsageEntry, 256),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues one entry, best effort.
func (r *Recorder) Record(entry UsageEntry) {
	select {
	case r.ch <- entry:
	default:
		r.logger.Warn("usage ledger buffer full, entry dropped",
			zap.String("request_id", entry.RequestID))
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for entry := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.store.RecordUsage(ctx, &entry); err != nil {
			r.logger.Warn("usage ledger write failed",
				zap.String("request_id", entry.RequestID),
				zap.Error(err))
		}
		cancel()
	}
}

// Close flushes buffered entries and stops the writer.
func (r *Recorder) Close() {
	close(r.ch)
	<-r.done
}
