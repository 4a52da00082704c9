package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const (
	// DefaultLimit is used when a filter does not set one
	DefaultLimit = 50
	// MaxLimit is the largest page a filter may request
	MaxLimit = 1000
)

// SortOrder orders results by creation time
type SortOrder string

const (
	SortDesc SortOrder = "desc"
	SortAsc  SortOrder = "asc"
)

// Filter selects history entries. Empty fields do not constrain the result.
type Filter struct {
	TableName      string
	RecordID       string
	FieldName      string
	Action         Action
	Trigger        Trigger
	UserID         string
	OrganisationID string
	AgentID        string
	LeadID         string
	CallID         string
	ChatID         string
	RequestID      string
	CreatedAfter   *time.Time
	CreatedBefore  *time.Time

	Limit     int
	Offset    int
	SortOrder SortOrder
}

// Normalize fills defaults and rejects out of range values
func (f *Filter) Normalize() error {
	if f.Limit == 0 {
		f.Limit = DefaultLimit
	}
	if f.Limit < 0 || f.Limit > MaxLimit {
		return &ValidationError{Field: "limit", Message: fmt.Sprintf("must be between 1 and %d", MaxLimit)}
	}
	if f.Offset < 0 {
		return &ValidationError{Field: "offset", Message: "must not be negative"}
	}
	switch f.SortOrder {
	case "":
		f.SortOrder = SortDesc
	case SortAsc, SortDesc:
	default:
		return &ValidationError{Field: "sortOrder", Message: fmt.Sprintf("unknown sort order %q", f.SortOrder)}
	}
	if f.Action != "" && !f.Action.Valid() {
		return &ValidationError{Field: "action", Message: fmt.Sprintf("unknown action %q", f.Action)}
	}
	if f.Trigger != "" && !f.Trigger.Valid() {
		return &ValidationError{Field: "trigger", Message: fmt.Sprintf("unknown trigger %q", f.Trigger)}
	}
	if f.CreatedAfter != nil && f.CreatedBefore != nil && f.CreatedAfter.After(*f.CreatedBefore) {
		return &ValidationError{Field: "createdAt", Message: "lower bound is after upper bound"}
	}
	return nil
}

// Scope limits what a caller may read. A nil scope reads everything.
// Otherwise an entry is visible when it belongs to one of OrganisationIDs or
// was authored by UserID.
type Scope struct {
	UserID          string
	OrganisationIDs []string
}

// Store reads history entries
type Store interface {
	Search(ctx context.Context, filter Filter, scope *Scope) ([]HistoryEntry, error)
	Count(ctx context.Context, filter Filter, scope *Scope) (int, error)
	FindByRecord(ctx context.Context, tableName, recordID string, scope *Scope) ([]HistoryEntry, error)
}

// DBStore reads the history_entries table
type DBStore struct {
	db *sql.DB
}

var _ Store = (*DBStore)(nil)

// NewDBStore creates a store over db
func NewDBStore(db *sql.DB) *DBStore {
	return &DBStore{db: db}
}

const entryColumns = `
	id, table_name, record_id, field_name, action, trigger_type,
	user_id, user_email, user_name,
	organisation_id, agent_id, lead_id, call_id, chat_id,
	old_value, new_value, reason, description,
	request_id, session_id, ip_address, user_agent, api_endpoint, http_method,
	is_error, error_message, error_stack, created_at`

// queryBuilder accumulates WHERE conditions with numbered placeholders
type queryBuilder struct {
	conditions []string
	args       []interface{}
}

func (b *queryBuilder) placeholder(v interface{}) string {
	b.args = append(b.args, v)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *queryBuilder) eq(column, value string) {
	if value == "" {
		return
	}
	b.conditions = append(b.conditions, column+" = "+b.placeholder(value))
}

func (b *queryBuilder) where() string {
	if len(b.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.conditions, " AND ")
}

func buildWhere(filter Filter, scope *Scope) *queryBuilder {
	b := &queryBuilder{}
	b.eq("table_name", filter.TableName)
	b.eq("record_id", filter.RecordID)
	b.eq("field_name", filter.FieldName)
	b.eq("action", string(filter.Action))
	b.eq("trigger_type", string(filter.Trigger))
	b.eq("user_id", filter.UserID)
	b.eq("organisation_id", filter.OrganisationID)
	b.eq("agent_id", filter.AgentID)
	b.eq("lead_id", filter.LeadID)
	b.eq("call_id", filter.CallID)
	b.eq("chat_id", filter.ChatID)
	b.eq("request_id", filter.RequestID)
	if filter.CreatedAfter != nil {
		b.conditions = append(b.conditions, "created_at >= "+b.placeholder(filter.CreatedAfter.UTC()))
	}
	if filter.CreatedBefore != nil {
		b.conditions = append(b.conditions, "created_at <= "+b.placeholder(filter.CreatedBefore.UTC()))
	}

	// placeholders are numbered in the order they appear in the SQL text
	if scope != nil {
		if len(scope.OrganisationIDs) == 0 {
			b.conditions = append(b.conditions, "user_id = "+b.placeholder(scope.UserID))
		} else {
			orgs := make([]string, len(scope.OrganisationIDs))
			for i, id := range scope.OrganisationIDs {
				orgs[i] = b.placeholder(id)
			}
			b.conditions = append(b.conditions, fmt.Sprintf("(organisation_id IN (%s) OR user_id = %s)",
				strings.Join(orgs, ", "), b.placeholder(scope.UserID)))
		}
	}
	return b
}

// Search returns one page of matching entries, newest first unless the filter
// asks otherwise. The id breaks ties between entries of the same batch.
func (s *DBStore) Search(ctx context.Context, filter Filter, scope *Scope) ([]HistoryEntry, error) {
	if err := filter.Normalize(); err != nil {
		return nil, err
	}

	b := buildWhere(filter, scope)
	direction := "DESC"
	if filter.SortOrder == SortAsc {
		direction = "ASC"
	}
	query := fmt.Sprintf("SELECT %s FROM history_entries%s ORDER BY created_at %s, id %s LIMIT %s OFFSET %s",
		entryColumns, b.where(), direction, direction,
		b.placeholder(filter.Limit), b.placeholder(filter.Offset))
	return s.selectEntries(ctx, query, b.args)
}

// FindByRecord returns the whole visible history of one record, newest first
func (s *DBStore) FindByRecord(ctx context.Context, tableName, recordID string, scope *Scope) ([]HistoryEntry, error) {
	b := buildWhere(Filter{TableName: tableName, RecordID: recordID}, scope)
	query := fmt.Sprintf("SELECT %s FROM history_entries%s ORDER BY created_at DESC, id DESC", entryColumns, b.where())
	return s.selectEntries(ctx, query, b.args)
}

func (s *DBStore) selectEntries(ctx context.Context, query string, args []interface{}) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search history: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history rows: %w", err)
	}
	return entries, nil
}

// Count returns the number of matching entries, ignoring limit and offset
func (s *DBStore) Count(ctx context.Context, filter Filter, scope *Scope) (int, error) {
	if err := filter.Normalize(); err != nil {
		return 0, err
	}

	b := buildWhere(filter, scope)
	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM history_entries"+b.where(), b.args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return total, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (HistoryEntry, error) {
	var (
		e                  HistoryEntry
		action, trigger    string
		oldValue, newValue sql.NullString
		nullable           [18]sql.NullString
	)

	err := row.Scan(
		&e.ID, &e.TableName, &e.RecordID, &e.FieldName, &action, &trigger,
		&nullable[0], &nullable[1], &nullable[2],
		&nullable[3], &nullable[4], &nullable[5], &nullable[6], &nullable[7],
		&oldValue, &newValue, &nullable[8], &nullable[9],
		&nullable[10], &nullable[11], &nullable[12], &nullable[13], &nullable[14], &nullable[15],
		&e.IsError, &nullable[16], &nullable[17], &e.CreatedAt,
	)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("failed to scan history entry: %w", err)
	}

	e.Action = Action(action)
	e.Trigger = Trigger(trigger)
	e.CreatedAt = e.CreatedAt.UTC()

	targets := []**string{
		&e.UserID, &e.UserEmail, &e.UserName,
		&e.OrganisationID, &e.AgentID, &e.LeadID, &e.CallID, &e.ChatID,
		&e.Reason, &e.Description,
		&e.RequestID, &e.SessionID, &e.IPAddress, &e.UserAgent, &e.APIEndpoint, &e.HTTPMethod,
		&e.ErrorMessage, &e.ErrorStack,
	}
	for i, target := range targets {
		if nullable[i].Valid {
			v := nullable[i].String
			*target = &v
		}
	}

	if e.OldValue, err = decodeValue(oldValue); err != nil {
		return HistoryEntry{}, fmt.Errorf("history entry %s: old value: %w", e.ID, err)
	}
	if e.NewValue, err = decodeValue(newValue); err != nil {
		return HistoryEntry{}, fmt.Errorf("history entry %s: new value: %w", e.ID, err)
	}
	return e, nil
}
