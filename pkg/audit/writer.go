package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/tenantry/pkg/observability"
	"github.com/platinummonkey/tenantry/pkg/storage/postgres"
)

const tracerName = "github.com/platinummonkey/tenantry/pkg/audit"

// ErrBatchWrite matches every BatchWriteError
var ErrBatchWrite = errors.New("history batch write failed")

// BatchWriteError reports a batch that was rolled back. Index is the position
// of the entry that failed, or -1 when the commit itself failed.
type BatchWriteError struct {
	Index int
	Size  int
	// Code is the Postgres condition name when the driver reported one
	Code string
	Err  error
}

func (e *BatchWriteError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: commit of %d entries: %v", ErrBatchWrite, e.Size, e.Err)
	}
	return fmt.Sprintf("%s: entry %d of %d: %v", ErrBatchWrite, e.Index, e.Size, e.Err)
}

func (e *BatchWriteError) Unwrap() error { return e.Err }

// Is matches ErrBatchWrite
func (e *BatchWriteError) Is(target error) bool {
	return target == ErrBatchWrite
}

// Writer persists drafts
type Writer interface {
	// Commit writes every draft in one transaction: either all are stored or none
	Commit(ctx context.Context, drafts []HistoryEntry) ([]HistoryEntry, error)
	// Create writes a single draft
	Create(ctx context.Context, draft HistoryEntry) (HistoryEntry, error)
}

// BatchObserver is told about every Commit that reached the database
type BatchObserver func(size int, duration time.Duration, err error)

// DBWriter writes history entries to the history_entries table
type DBWriter struct {
	db       *sql.DB
	now      func() time.Time
	newID    func() (string, error)
	tracer   trace.Tracer
	observer BatchObserver
}

var _ Writer = (*DBWriter)(nil)

// WriterOption configures a DBWriter
type WriterOption func(*DBWriter)

// WithBatchObserver registers a callback run after each Commit
func WithBatchObserver(observer BatchObserver) WriterOption {
	return func(w *DBWriter) {
		w.observer = observer
	}
}

// NewDBWriter creates a writer over db
func NewDBWriter(db *sql.DB, opts ...WriterOption) *DBWriter {
	w := &DBWriter{
		db:     db,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  newEntryID,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func newEntryID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Migrate creates the history_entries schema
func (w *DBWriter) Migrate(ctx context.Context) error {
	return postgres.RunMigrations(ctx, w.db, "history_migrations", Migrations())
}

const insertEntrySQL = `
	INSERT INTO history_entries (
		id, table_name, record_id, field_name, action, trigger_type,
		user_id, user_email, user_name,
		organisation_id, agent_id, lead_id, call_id, chat_id,
		old_value, new_value, reason, description,
		request_id, session_id, ip_address, user_agent, api_endpoint, http_method,
		is_error, error_message, error_stack, created_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9,
		$10, $11, $12, $13, $14,
		$15, $16, $17, $18,
		$19, $20, $21, $22, $23, $24,
		$25, $26, $27, $28
	)`

// Commit validates every draft, then inserts them in one transaction. All
// entries of a batch share one timestamp. On any failure the transaction is
// rolled back and a *BatchWriteError is returned.
func (w *DBWriter) Commit(ctx context.Context, drafts []HistoryEntry) ([]HistoryEntry, error) {
	if len(drafts) == 0 {
		return []HistoryEntry{}, nil
	}

	ctx, span := w.tracer.Start(ctx, "audit.Commit", trace.WithAttributes(
		attribute.Int("audit.batch_size", len(drafts)),
	))
	defer span.End()

	for i := range drafts {
		if err := drafts[i].Validate(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, &BatchWriteError{Index: i, Size: len(drafts), Err: err}
		}
	}

	start := time.Now()
	entries, err := w.commit(ctx, drafts)
	if w.observer != nil {
		w.observer(len(drafts), time.Since(start), err)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		observability.FromContext(ctx).WithError(err).WithField("batch_size", len(drafts)).Error("history batch rolled back")
		return nil, err
	}
	return entries, nil
}

func (w *DBWriter) commit(ctx context.Context, drafts []HistoryEntry) ([]HistoryEntry, error) {
	fail := func(index int, err error) error {
		return &BatchWriteError{Index: index, Size: len(drafts), Code: pgCode(err), Err: err}
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fail(-1, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	createdAt := w.now()
	entries := make([]HistoryEntry, 0, len(drafts))
	for i, draft := range drafts {
		entry, err := w.prepare(draft, createdAt)
		if err != nil {
			return nil, fail(i, err)
		}
		if err := insertEntry(ctx, tx, entry); err != nil {
			return nil, fail(i, err)
		}
		entries = append(entries, entry)
	}

	if err := tx.Commit(); err != nil {
		return nil, fail(-1, fmt.Errorf("failed to commit: %w", err))
	}
	return entries, nil
}

// Create writes one draft in its own transaction
func (w *DBWriter) Create(ctx context.Context, draft HistoryEntry) (HistoryEntry, error) {
	entries, err := w.Commit(ctx, []HistoryEntry{draft})
	if err != nil {
		return HistoryEntry{}, err
	}
	return entries[0], nil
}

func (w *DBWriter) prepare(draft HistoryEntry, createdAt time.Time) (HistoryEntry, error) {
	id, err := w.newID()
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("failed to generate id: %w", err)
	}
	draft.ID = id
	draft.CreatedAt = createdAt
	return draft, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertEntry(ctx context.Context, db execer, e HistoryEntry) error {
	oldValue, err := encodeValue(e.OldValue)
	if err != nil {
		return fmt.Errorf("field %s: old value: %w", e.FieldName, err)
	}
	newValue, err := encodeValue(e.NewValue)
	if err != nil {
		return fmt.Errorf("field %s: new value: %w", e.FieldName, err)
	}

	_, err = db.ExecContext(ctx, insertEntrySQL,
		e.ID, e.TableName, e.RecordID, e.FieldName, string(e.Action), string(e.Trigger),
		e.UserID, e.UserEmail, e.UserName,
		e.OrganisationID, e.AgentID, e.LeadID, e.CallID, e.ChatID,
		oldValue, newValue, e.Reason, e.Description,
		e.RequestID, e.SessionID, e.IPAddress, e.UserAgent, e.APIEndpoint, e.HTTPMethod,
		e.IsError, e.ErrorMessage, e.ErrorStack, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert history entry: %w", err)
	}
	return nil
}

// encodeValue stores a field value as JSON text, or NULL when absent
func encodeValue(v interface{}) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// decodeValue is the inverse of encodeValue
func decodeValue(s sql.NullString) (interface{}, error) {
	if !s.Valid {
		return nil, nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(s.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func pgCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code.Name())
	}
	return ""
}
