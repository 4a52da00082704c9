package orgs

import "github.com/platinummonkey/tenantry/pkg/storage/postgres"

// Migrations returns the membership schema. The partial unique index enforces
// one active assignment per (user, organisation) while keeping deleted rows.
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     1,
			Description: "Create role_assignments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_assignments (
					id TEXT PRIMARY KEY,
					user_id TEXT NOT NULL,
					organisation_id TEXT NOT NULL,
					role TEXT NOT NULL CHECK (role IN ('OWNER', 'ADMIN', 'MEMBER')),
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					deleted_at TIMESTAMP
				);

				CREATE UNIQUE INDEX IF NOT EXISTS idx_role_assignments_active
					ON role_assignments (user_id, organisation_id)
					WHERE deleted_at IS NULL;

				CREATE INDEX IF NOT EXISTS idx_role_assignments_organisation
					ON role_assignments (organisation_id)
					WHERE deleted_at IS NULL;
			`,
		},
	}
}
