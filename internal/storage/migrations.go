package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type migration struct {
	version    int
	name       string
	statements []string
}

// Column type placeholders are resolved per dialect by columnTypes.
var migrations = []migration{
	{
		version: 1,
		name:    "agents_and_menus",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS agents (
				id TEXT PRIMARY KEY,
				user_id TEXT NOT NULL DEFAULT '',
				name TEXT NOT NULL,
				agent_type TEXT NOT NULL DEFAULT '',
				voice_name TEXT NOT NULL DEFAULT '',
				language_code TEXT NOT NULL DEFAULT '',
				instructions TEXT NOT NULL DEFAULT '',
				greeting TEXT NOT NULL DEFAULT '',
				routing_type TEXT NOT NULL DEFAULT 'direct',
				forward_number TEXT NOT NULL DEFAULT '',
				ivr_menu_id TEXT NOT NULL DEFAULT '',
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				is_default BOOLEAN NOT NULL DEFAULT FALSE,
				call_direction TEXT NOT NULL DEFAULT 'inbound',
				timezone TEXT NOT NULL DEFAULT 'America/New_York',
				business_days {{int_array}},
				business_hours_start TEXT NOT NULL DEFAULT '09:00',
				business_hours_end TEXT NOT NULL DEFAULT '17:00',
				max_concurrent_calls INTEGER NOT NULL DEFAULT 0,
				phone_numbers {{text_array}},
				position INTEGER NOT NULL DEFAULT 0,
				created_at {{timestamp}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS ivr_menus (
				id TEXT PRIMARY KEY,
				agent_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				greeting_text TEXT NOT NULL,
				timeout_message TEXT NOT NULL DEFAULT '',
				invalid_message TEXT NOT NULL DEFAULT '',
				max_attempts INTEGER NOT NULL DEFAULT 3,
				timeout_seconds INTEGER NOT NULL DEFAULT 10
			)`,
			`CREATE TABLE IF NOT EXISTS ivr_options (
				ivr_menu_id TEXT NOT NULL,
				digit TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				agent_id TEXT NOT NULL,
				position INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (ivr_menu_id, digit)
			)`,
		},
	},
	{
		version: 2,
		name:    "call_logs",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS routing_logs (
				id TEXT PRIMARY KEY,
				call_id TEXT NOT NULL,
				agent_id TEXT NOT NULL,
				routing_method TEXT NOT NULL,
				action TEXT NOT NULL,
				created_at {{timestamp}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS routing_logs_call_id ON routing_logs (call_id)`,
			`CREATE TABLE IF NOT EXISTS function_call_logs (
				id TEXT PRIMARY KEY,
				profile_id TEXT NOT NULL DEFAULT '',
				call_id TEXT NOT NULL DEFAULT '',
				agent_id TEXT NOT NULL DEFAULT '',
				function_name TEXT NOT NULL,
				parameters {{json}},
				result {{json}},
				success BOOLEAN NOT NULL,
				error_message TEXT NOT NULL DEFAULT '',
				execution_time_ms BIGINT NOT NULL DEFAULT 0,
				created_at {{timestamp}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS webhook_logs (
				id TEXT PRIMARY KEY,
				profile_id TEXT NOT NULL,
				webhook_url TEXT NOT NULL,
				event_type TEXT NOT NULL,
				payload {{json}},
				response_status INTEGER NOT NULL DEFAULT 0,
				error_message TEXT NOT NULL DEFAULT '',
				triggered_at {{timestamp}} NOT NULL
			)`,
		},
	},
	{
		version: 3,
		name:    "business_records",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS appointments (
				id TEXT PRIMARY KEY,
				profile_id TEXT NOT NULL,
				call_id TEXT NOT NULL DEFAULT '',
				customer_name TEXT NOT NULL,
				customer_phone TEXT NOT NULL,
				customer_email TEXT NOT NULL DEFAULT '',
				appointment_date TEXT NOT NULL,
				appointment_time TEXT NOT NULL,
				service_type TEXT NOT NULL DEFAULT '',
				notes TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'scheduled',
				created_at {{timestamp}} NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS appointments_profile_date ON appointments (profile_id, appointment_date)`,
			`CREATE TABLE IF NOT EXISTS campaign_leads (
				id TEXT PRIMARY KEY,
				profile_id TEXT NOT NULL,
				first_name TEXT NOT NULL DEFAULT '',
				last_name TEXT NOT NULL DEFAULT '',
				phone_number TEXT NOT NULL DEFAULT '',
				email TEXT NOT NULL DEFAULT '',
				company TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'pending',
				notes TEXT NOT NULL DEFAULT '',
				interest_level INTEGER NOT NULL DEFAULT 0,
				callback_date TEXT NOT NULL DEFAULT '',
				last_contact_date {{timestamp}},
				updated_at {{timestamp}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS dnc_lists (
				id TEXT PRIMARY KEY,
				profile_id TEXT NOT NULL,
				phone_number TEXT NOT NULL,
				reason TEXT NOT NULL,
				notes TEXT NOT NULL DEFAULT '',
				added_by TEXT NOT NULL DEFAULT '',
				call_id TEXT NOT NULL DEFAULT '',
				created_at {{timestamp}} NOT NULL,
				UNIQUE (profile_id, phone_number)
			)`,
			`CREATE TABLE IF NOT EXISTS followup_emails (
				id TEXT PRIMARY KEY,
				profile_id TEXT NOT NULL,
				call_id TEXT NOT NULL DEFAULT '',
				recipient_email TEXT NOT NULL,
				template_type TEXT NOT NULL,
				custom_message TEXT NOT NULL DEFAULT '',
				appointment_details {{json}},
				status TEXT NOT NULL,
				created_at {{timestamp}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS call_summaries (
				id TEXT PRIMARY KEY,
				profile_id TEXT NOT NULL,
				call_id TEXT NOT NULL,
				summary_type TEXT NOT NULL,
				summary_data {{json}},
				transcript_length INTEGER NOT NULL DEFAULT 0,
				created_at {{timestamp}} NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS external_integrations (
				id TEXT PRIMARY KEY,
				profile_id TEXT NOT NULL,
				integration_type TEXT NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT TRUE
			)`,
			`CREATE TABLE IF NOT EXISTS crm_contacts (
				id TEXT PRIMARY KEY,
				profile_id TEXT NOT NULL,
				call_id TEXT NOT NULL DEFAULT '',
				crm_type TEXT NOT NULL,
				crm_contact_id TEXT NOT NULL,
				integration_id TEXT NOT NULL,
				contact_data {{json}},
				created_at {{timestamp}} NOT NULL
			)`,
		},
	},
}

func columnTypes(dialect Dialect) *strings.Replacer {
	if dialect == DialectPostgres {
		return strings.NewReplacer(
			"{{int_array}}", "INTEGER[]",
			"{{text_array}}", "TEXT[]",
			"{{json}}", "JSONB",
			"{{timestamp}}", "TIMESTAMPTZ",
		)
	}
	return strings.NewReplacer(
		"{{int_array}}", "TEXT",
		"{{text_array}}", "TEXT",
		"{{json}}", "TEXT",
		"{{timestamp}}", "TIMESTAMP",
	)
}

// Migrate applies pending schema migrations and returns how many ran.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) (int, error) {
	types := columnTypes(dialect)
	if _, err := db.ExecContext(ctx, types.Replace(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at {{timestamp}} NOT NULL
	)`)); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[int]bool{}
	rows, err := db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return 0, fmt.Errorf("read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	ran := 0
	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := applyMigration(ctx, db, dialect, types, m); err != nil {
			return ran, fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		ran++
	}
	return ran, nil
}

func applyMigration(ctx context.Context, db *sql.DB, dialect Dialect, types *strings.Replacer, m migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, types.Replace(stmt)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		rebind(dialect, `INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
		m.version, m.name, time.Now().UTC(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// rebind rewrites ? placeholders to $n for postgres.
func rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
