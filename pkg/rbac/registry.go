package rbac

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Operation identifies a protected operation, e.g. "schedule.delete"
type Operation string

// Declaration binds an operation to its required roles
type Declaration struct {
	Operation Operation
	// Roles is ignored when Unrestricted is set
	Roles        []Role
	Unrestricted bool
}

// Registry is the static operation -> required-role table. It is built once at
// startup and only read afterwards.
type Registry struct {
	entries map[Operation]*RoleSet
}

// NewRegistry builds a registry from declarations. Duplicate or empty operation
// names and invalid roles are rejected.
func NewRegistry(decls ...Declaration) (*Registry, error) {
	r := &Registry{entries: make(map[Operation]*RoleSet, len(decls))}
	for _, d := range decls {
		if d.Operation == "" {
			return nil, fmt.Errorf("operation name is required")
		}
		if _, exists := r.entries[d.Operation]; exists {
			return nil, fmt.Errorf("operation %q declared more than once", d.Operation)
		}
		if d.Unrestricted {
			r.entries[d.Operation] = nil
			continue
		}
		for _, role := range d.Roles {
			if !role.Valid() {
				return nil, fmt.Errorf("operation %q: %w", d.Operation, &InvalidRoleError{Value: role.String()})
			}
		}
		r.entries[d.Operation] = Require(d.Roles...)
	}
	return r, nil
}

// Lookup returns the required-role set for op. A nil set with ok=true means the
// operation is declared without restriction. ok=false means op is unknown.
func (r *Registry) Lookup(op Operation) (required *RoleSet, ok bool) {
	set, ok := r.entries[op]
	if !ok || set == nil {
		return nil, ok
	}
	cp := *set
	return &cp, true
}

// Operations returns every declared operation in lexical order
func (r *Registry) Operations() []Operation {
	ops := make([]Operation, 0, len(r.entries))
	for op := range r.entries {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}

// Operation names used by this service's own routes
const (
	OpHistoryRecord           Operation = "history.record"
	OpHistoryList             Operation = "history.list"
	OpHistoryListOrganisation Operation = "history.list_organisation"
	OpHistoryExport           Operation = "history.export"

	OpMembershipList       Operation = "membership.list"
	OpMembershipInvite     Operation = "membership.invite"
	OpMembershipUpdateRole Operation = "membership.update_role"
	OpMembershipRemove     Operation = "membership.remove"
)

var (
	everyone   = []Role{RoleOwner, RoleAdmin, RoleMember}
	managers   = []Role{RoleOwner, RoleAdmin}
	ownersOnly = []Role{RoleOwner}
)

// DefaultDeclarations returns the built-in operation table
func DefaultDeclarations() []Declaration {
	return []Declaration{
		{Operation: "organisation.update", Roles: managers},
		{Operation: "organisation.delete", Roles: ownersOnly},

		{Operation: OpMembershipList, Roles: everyone},
		{Operation: OpMembershipInvite, Roles: managers},
		{Operation: OpMembershipUpdateRole, Roles: managers},
		{Operation: OpMembershipRemove, Roles: managers},

		{Operation: "agent.read", Roles: everyone},
		{Operation: "agent.create", Roles: managers},
		{Operation: "agent.update", Roles: managers},
		{Operation: "agent.delete", Roles: managers},

		{Operation: "lead.read", Roles: everyone},
		{Operation: "lead.create", Roles: everyone},
		{Operation: "lead.update", Roles: everyone},
		{Operation: "lead.delete", Roles: managers},

		{Operation: "chat.read", Roles: everyone},
		{Operation: "chat.create", Roles: everyone},
		{Operation: "call.read", Roles: everyone},
		{Operation: "call.create", Roles: everyone},

		{Operation: "tag.create", Roles: everyone},
		{Operation: "tag.delete", Roles: managers},

		{Operation: "schedule.create", Roles: everyone},
		{Operation: "schedule.update", Roles: everyone},
		{Operation: "schedule.delete", Roles: managers},

		{Operation: OpHistoryRecord, Roles: everyone},
		{Operation: OpHistoryListOrganisation, Roles: everyone},
		{Operation: OpHistoryList, Unrestricted: true},
		{Operation: OpHistoryExport, Unrestricted: true},
	}
}

// DefaultRegistry returns the registry built from DefaultDeclarations
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultDeclarations()...)
	if err != nil {
		panic(fmt.Sprintf("rbac: invalid default declarations: %v", err))
	}
	return r
}

// registryFile is the YAML layout accepted by LoadRegistry:
//
//	operations:
//	  - name: schedule.delete
//	    roles: [OWNER, ADMIN]
//	  - name: history.list
//	    unrestricted: true
type registryFile struct {
	Operations []struct {
		Name         string   `yaml:"name"`
		Roles        []string `yaml:"roles"`
		Unrestricted bool     `yaml:"unrestricted"`
	} `yaml:"operations"`
}

// LoadRegistry parses a YAML operation table
func LoadRegistry(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse operation table: %w", err)
	}

	decls := make([]Declaration, 0, len(file.Operations))
	for _, op := range file.Operations {
		if !op.Unrestricted && len(op.Roles) == 0 {
			return nil, fmt.Errorf("operation %q must list roles or be marked unrestricted", op.Name)
		}
		set, err := ParseRoleSet(op.Roles)
		if err != nil {
			return nil, fmt.Errorf("operation %q: %w", op.Name, err)
		}
		decls = append(decls, Declaration{
			Operation:    Operation(op.Name),
			Roles:        set.Roles(),
			Unrestricted: op.Unrestricted,
		})
	}

	return NewRegistry(decls...)
}

// LoadRegistryFile reads and parses a YAML operation table from disk
func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read operation table: %w", err)
	}
	return LoadRegistry(data)
}
