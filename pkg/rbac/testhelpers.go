package rbac

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
)

// StaticMemberships is an in-memory MembershipRepository for tests and local
// wiring. It counts reads so callers can assert on lookup behaviour.
type StaticMemberships struct {
	mu          sync.RWMutex
	assignments []RoleAssignment
	reads       atomic.Int64
	err         error
}

// NewStaticMemberships creates a repository holding the given assignments
func NewStaticMemberships(assignments ...RoleAssignment) *StaticMemberships {
	return &StaticMemberships{assignments: assignments}
}

// Add appends an assignment
func (s *StaticMemberships) Add(a RoleAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignments = append(s.assignments, a)
}

// FailWith makes every subsequent read return err
func (s *StaticMemberships) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Reads returns the number of repository reads performed so far
func (s *StaticMemberships) Reads() int64 {
	return s.reads.Load()
}

// GetActiveAssignment implements MembershipRepository
func (s *StaticMemberships) GetActiveAssignment(_ context.Context, userID, organisationID string) (*RoleAssignment, error) {
	s.reads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.err != nil {
		return nil, s.err
	}
	for i := range s.assignments {
		a := s.assignments[i]
		if a.UserID == userID && a.OrganisationID == organisationID && a.IsActive() {
			return &a, nil
		}
	}
	return nil, nil
}

// ListActiveOrganisationIDs implements MembershipRepository
func (s *StaticMemberships) ListActiveOrganisationIDs(_ context.Context, userID string) ([]string, error) {
	s.reads.Add(1)
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.err != nil {
		return nil, s.err
	}
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	for i := range s.assignments {
		a := s.assignments[i]
		if a.UserID != userID || !a.IsActive() {
			continue
		}
		if _, ok := seen[a.OrganisationID]; ok {
			continue
		}
		seen[a.OrganisationID] = struct{}{}
		ids = append(ids, a.OrganisationID)
	}
	sort.Strings(ids)
	return ids, nil
}

// Member is shorthand for an active assignment
func Member(userID, organisationID string, role Role) RoleAssignment {
	return RoleAssignment{UserID: userID, OrganisationID: organisationID, Role: role, State: MembershipActive}
}
