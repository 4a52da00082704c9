package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, NewDBWriter(db).Migrate(context.Background()))
	return db
}

func countEntries(t *testing.T, db *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM history_entries`).Scan(&n))
	return n
}

func draft(recordID, field string) HistoryEntry {
	return HistoryEntry{
		TableName: "leads",
		RecordID:  recordID,
		FieldName: field,
		Action:    ActionUpdate,
		Trigger:   TriggerUserAction,
		NewValue:  "v",
	}
}

func TestDBWriter_Commit(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewDBWriter(db)
	w.now = func() time.Time { return fixed }

	drafts := TrackCreate(TrackContext{
		TableName: "leads",
		RecordID:  "l1",
		Actor:     Actor{UserID: optional("u1"), UserEmail: optional("u1@example.com")},
		Tenancy:   TenancyContext{OrganisationID: optional("org1"), LeadID: optional("l1")},
		Request:   RequestMetadata{RequestID: optional("req-1"), HTTPMethod: optional("POST")},
	}, mustSnapshot(t, `{"id":"l1","score":7,"tags":["hot"],"owner":null}`))

	entries, err := w.Commit(ctx, drafts)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, 4, countEntries(t, db))

	ids := map[string]bool{}
	for _, e := range entries {
		assert.NotEmpty(t, e.ID)
		assert.True(t, e.CreatedAt.Equal(fixed), "one timestamp per batch")
		ids[e.ID] = true
	}
	assert.Len(t, ids, 4)

	stored, err := NewDBStore(db).FindByRecord(ctx, "leads", "l1", nil)
	require.NoError(t, err)
	require.Len(t, stored, 4)

	byField := map[string]HistoryEntry{}
	for _, e := range stored {
		byField[e.FieldName] = e
	}
	assert.Equal(t, "l1", byField["id"].NewValue)
	assert.Equal(t, float64(7), byField["score"].NewValue)
	assert.Equal(t, []interface{}{"hot"}, byField["tags"].NewValue)
	assert.Nil(t, byField["owner"].NewValue)
	assert.Nil(t, byField["id"].OldValue)

	// a JSON null is stored like an absent value
	var ownerValue sql.NullString
	require.NoError(t, db.QueryRow(`SELECT new_value FROM history_entries WHERE field_name = 'owner'`).Scan(&ownerValue))
	assert.False(t, ownerValue.Valid)

	e := byField["id"]
	assert.Equal(t, "u1@example.com", deref(e.UserEmail))
	assert.Nil(t, e.UserName)
	assert.Equal(t, "org1", deref(e.OrganisationID))
	assert.Equal(t, "l1", deref(e.LeadID))
	assert.Nil(t, e.AgentID)
	assert.Equal(t, "req-1", deref(e.RequestID))
	assert.Equal(t, "POST", deref(e.HTTPMethod))
	assert.False(t, e.IsError)
	assert.True(t, e.CreatedAt.Equal(fixed))
}

func TestDBWriter_CommitRollsBackWholeBatch(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	_, err := db.Exec(`
		CREATE TRIGGER reject_e2 BEFORE INSERT ON history_entries
		WHEN NEW.record_id = 'e2'
		BEGIN
			SELECT RAISE(ABORT, 'rejected');
		END;`)
	require.NoError(t, err)

	var (
		sizes    []int
		observed []error
	)
	w := NewDBWriter(db, WithBatchObserver(func(size int, _ time.Duration, err error) {
		sizes = append(sizes, size)
		observed = append(observed, err)
	}))

	entries, err := w.Commit(ctx, []HistoryEntry{draft("e1", "name"), draft("e2", "name")})
	assert.Nil(t, entries)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBatchWrite)

	var batchErr *BatchWriteError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 1, batchErr.Index)
	assert.Equal(t, 2, batchErr.Size)
	assert.Contains(t, batchErr.Error(), "rejected")

	assert.Equal(t, 0, countEntries(t, db), "neither e1 nor e2 may be stored")
	require.Len(t, observed, 1)
	assert.Error(t, observed[0])
	assert.Equal(t, []int{2}, sizes)

	_, err = w.Commit(ctx, []HistoryEntry{draft("e1", "name")})
	require.NoError(t, err)
	assert.Equal(t, 1, countEntries(t, db))
	assert.Equal(t, []int{2, 1}, sizes)
	require.Len(t, observed, 2)
	assert.NoError(t, observed[1])
}

func TestDBWriter_CommitValidatesFirst(t *testing.T) {
	db := setupTestDB(t)
	w := NewDBWriter(db)

	bad := draft("e2", "")
	_, err := w.Commit(context.Background(), []HistoryEntry{draft("e1", "name"), bad})

	var batchErr *BatchWriteError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 1, batchErr.Index)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Equal(t, 0, countEntries(t, db))
}

func TestDBWriter_EmptyBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	entries, err := NewDBWriter(db).Commit(context.Background(), nil)
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
	require.NoError(t, mock.ExpectationsWereMet(), "an empty batch opens no transaction")
}

func TestDBWriter_Create(t *testing.T) {
	db := setupTestDB(t)
	w := NewDBWriter(db)

	e, err := w.Create(context.Background(), draft("l1", "status"))
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.CreatedAt.IsZero())
	assert.Equal(t, 1, countEntries(t, db))

	_, err = w.Create(context.Background(), HistoryEntry{})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDBWriter_TransactionFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("begin", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin().WillReturnError(errors.New("pool exhausted"))

		_, err = NewDBWriter(db).Commit(ctx, []HistoryEntry{draft("e1", "a")})
		var batchErr *BatchWriteError
		require.ErrorAs(t, err, &batchErr)
		assert.Equal(t, -1, batchErr.Index)
		assert.Contains(t, err.Error(), "pool exhausted")
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO history_entries`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(`INSERT INTO history_entries`).
			WillReturnError(&pq.Error{Code: "23514", Message: "check constraint"})
		mock.ExpectRollback()

		_, err = NewDBWriter(db).Commit(ctx, []HistoryEntry{draft("e1", "a"), draft("e2", "a"), draft("e3", "a")})
		var batchErr *BatchWriteError
		require.ErrorAs(t, err, &batchErr)
		assert.Equal(t, 1, batchErr.Index)
		assert.Equal(t, 3, batchErr.Size)
		assert.Equal(t, "check_violation", batchErr.Code)

		var pqErr *pq.Error
		assert.ErrorAs(t, err, &pqErr)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("commit", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO history_entries`).WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

		_, err = NewDBWriter(db).Commit(ctx, []HistoryEntry{draft("e1", "a")})
		var batchErr *BatchWriteError
		require.ErrorAs(t, err, &batchErr)
		assert.Equal(t, -1, batchErr.Index)
		assert.Contains(t, err.Error(), "commit of 1 entries")
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDBWriter_UnencodableValue(t *testing.T) {
	db := setupTestDB(t)

	d := draft("e1", "callback")
	d.NewValue = func() {}
	_, err := NewDBWriter(db).Commit(context.Background(), []HistoryEntry{draft("e0", "a"), d})

	var batchErr *BatchWriteError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 1, batchErr.Index)
	assert.Equal(t, 0, countEntries(t, db))
}
