package audit

import "github.com/platinummonkey/tenantry/pkg/storage/postgres"

// Migrations returns the history_entries schema. Old and new values are stored
// as JSON text; NULL means the value was absent.
func Migrations() []postgres.Migration {
	return []postgres.Migration{
		{
			Version:     1,
			Description: "Create history_entries table",
			SQL: `
				CREATE TABLE IF NOT EXISTS history_entries (
					id TEXT PRIMARY KEY,
					table_name TEXT NOT NULL,
					record_id TEXT NOT NULL,
					field_name TEXT NOT NULL,
					action TEXT NOT NULL CHECK (action IN ('CREATE', 'UPDATE', 'DELETE')),
					trigger_type TEXT NOT NULL,
					user_id TEXT,
					user_email TEXT,
					user_name TEXT,
					organisation_id TEXT,
					agent_id TEXT,
					lead_id TEXT,
					call_id TEXT,
					chat_id TEXT,
					old_value TEXT,
					new_value TEXT,
					reason TEXT,
					description TEXT,
					request_id TEXT,
					session_id TEXT,
					ip_address TEXT,
					user_agent TEXT,
					api_endpoint TEXT,
					http_method TEXT,
					is_error BOOLEAN NOT NULL DEFAULT FALSE,
					error_message TEXT,
					error_stack TEXT,
					created_at TIMESTAMP NOT NULL
				);

				CREATE INDEX IF NOT EXISTS idx_history_entries_record ON history_entries (table_name, record_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_history_entries_organisation ON history_entries (organisation_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_history_entries_user ON history_entries (user_id, created_at);
				CREATE INDEX IF NOT EXISTS idx_history_entries_request ON history_entries (request_id);
				CREATE INDEX IF NOT EXISTS idx_history_entries_created_at ON history_entries (created_at DESC);
			`,
		},
	}
}
