package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/tenantry/pkg/rbac"
	"github.com/platinummonkey/tenantry/pkg/storage/postgres"
)

var (
	// ErrAlreadyMember is returned when the user already holds an active role in the organisation
	ErrAlreadyMember = errors.New("user already has an active role in this organisation")
	// ErrMembershipNotFound is returned when no active assignment matches
	ErrMembershipNotFound = errors.New("membership not found")
)

const uniqueViolation = "unique_violation"

const assignmentColumns = `id, user_id, organisation_id, role, created_at, deleted_at`

// PostgresMembershipStore persists role assignments in the role_assignments table.
// Removal is a soft delete: deleted_at is set and the row is kept.
type PostgresMembershipStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ rbac.MembershipRepository = (*PostgresMembershipStore)(nil)

// NewPostgresMembershipStore creates a store over db
func NewPostgresMembershipStore(db *sql.DB) *PostgresMembershipStore {
	return &PostgresMembershipStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Migrate creates the role_assignments schema
func (s *PostgresMembershipStore) Migrate(ctx context.Context) error {
	return postgres.RunMigrations(ctx, s.db, "membership_migrations", Migrations())
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAssignment(row rowScanner) (*rbac.RoleAssignment, error) {
	var (
		a         rbac.RoleAssignment
		role      string
		deletedAt sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.UserID, &a.OrganisationID, &role, &a.CreatedAt, &deletedAt); err != nil {
		return nil, err
	}

	parsed, err := rbac.ParseRole(role)
	if err != nil {
		return nil, fmt.Errorf("role assignment %s: %w", a.ID, err)
	}
	a.Role = parsed

	a.State = rbac.MembershipActive
	if deletedAt.Valid {
		t := deletedAt.Time
		a.DeletedAt = &t
		a.State = rbac.MembershipDeleted
	}
	return &a, nil
}

// GetActiveAssignment returns the active assignment, or nil when there is none
func (s *PostgresMembershipStore) GetActiveAssignment(ctx context.Context, userID, organisationID string) (*rbac.RoleAssignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM role_assignments
		WHERE user_id = $1 AND organisation_id = $2 AND deleted_at IS NULL
	`
	a, err := scanAssignment(s.db.QueryRowContext(ctx, query, userID, organisationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get role assignment: %w", err)
	}
	return a, nil
}

// ListActiveOrganisationIDs returns the organisations the user actively belongs to, sorted
func (s *PostgresMembershipStore) ListActiveOrganisationIDs(ctx context.Context, userID string) ([]string, error) {
	query := `
		SELECT DISTINCT organisation_id
		FROM role_assignments
		WHERE user_id = $1 AND deleted_at IS NULL
		ORDER BY organisation_id
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list organisations: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan organisation id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list organisations: %w", err)
	}
	return ids, nil
}

// ListMembers returns the active assignments of an organisation, oldest first
func (s *PostgresMembershipStore) ListMembers(ctx context.Context, organisationID string) ([]*rbac.RoleAssignment, error) {
	query := `
		SELECT ` + assignmentColumns + `
		FROM role_assignments
		WHERE organisation_id = $1 AND deleted_at IS NULL
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, organisationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	members := make([]*rbac.RoleAssignment, 0)
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	return members, nil
}

// Assign gives the user a role in the organisation. A user holds at most one
// active assignment per organisation; a second one fails with ErrAlreadyMember.
func (s *PostgresMembershipStore) Assign(ctx context.Context, userID, organisationID string, role rbac.Role) (*rbac.RoleAssignment, error) {
	if userID == "" || organisationID == "" {
		return nil, fmt.Errorf("user id and organisation id are required")
	}
	if !role.Valid() {
		return nil, &rbac.InvalidRoleError{Value: role.String()}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate id: %w", err)
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM role_assignments
		WHERE user_id = $1 AND organisation_id = $2 AND deleted_at IS NULL
	`, userID, organisationID).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing membership: %w", err)
	}
	if active > 0 {
		return nil, ErrAlreadyMember
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO role_assignments (id, user_id, organisation_id, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id.String(), userID, organisationID, role.String(), now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyMember
		}
		return nil, fmt.Errorf("failed to insert role assignment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit role assignment: %w", err)
	}

	return &rbac.RoleAssignment{
		ID:             id.String(),
		UserID:         userID,
		OrganisationID: organisationID,
		Role:           role,
		State:          rbac.MembershipActive,
		CreatedAt:      now,
	}, nil
}

// ChangeRole replaces the role of the user's active assignment
func (s *PostgresMembershipStore) ChangeRole(ctx context.Context, userID, organisationID string, role rbac.Role) error {
	if !role.Valid() {
		return &rbac.InvalidRoleError{Value: role.String()}
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE role_assignments SET role = $1, updated_at = $2
		WHERE user_id = $3 AND organisation_id = $4 AND deleted_at IS NULL
	`, role.String(), s.now(), userID, organisationID)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	return requireAffected(result)
}

// SoftDelete marks the user's active assignment as deleted
func (s *PostgresMembershipStore) SoftDelete(ctx context.Context, userID, organisationID string) error {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE role_assignments SET deleted_at = $1, updated_at = $2
		WHERE user_id = $3 AND organisation_id = $4 AND deleted_at IS NULL
	`, now, now, userID, organisationID)
	if err != nil {
		return fmt.Errorf("failed to remove membership: %w", err)
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrMembershipNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == uniqueViolation
}
