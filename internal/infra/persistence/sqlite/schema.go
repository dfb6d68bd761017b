package sqlite

// schema is applied statement by statement on open. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS code_sequence (
		name  TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	)`,
	`INSERT OR IGNORE INTO code_sequence (name, value) VALUES ('identity', 0)`,
	`CREATE TABLE IF NOT EXISTS identities (
		id             TEXT PRIMARY KEY,
		code           TEXT NOT NULL UNIQUE,
		category       TEXT NOT NULL,
		parent_id      TEXT NULL REFERENCES identities (id),
		state          TEXT NOT NULL,
		retired_reason TEXT NOT NULL DEFAULT '',
		retired_at     TEXT NULL,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL,
		CHECK (parent_id IS NULL OR parent_id <> id)
	)`,
	`CREATE INDEX IF NOT EXISTS identities_active_parent_idx ON identities (parent_id) WHERE state = 'active'`,
	`CREATE TABLE IF NOT EXISTS location_tags (
		identity_id TEXT PRIMARY KEY REFERENCES identities (id),
		name        TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS box_tags (
		identity_id TEXT PRIMARY KEY REFERENCES identities (id),
		name        TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS equipment_tags (
		identity_id     TEXT PRIMARY KEY REFERENCES identities (id),
		name            TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		serial_number   TEXT NOT NULL DEFAULT '',
		part_id         TEXT NOT NULL DEFAULT '',
		commissioned_at TEXT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS trace_tags (
		identity_id     TEXT PRIMARY KEY REFERENCES identities (id),
		part_id         TEXT NOT NULL,
		quantity        TEXT NOT NULL,
		unit_of_measure TEXT NOT NULL DEFAULT '',
		serial_number   TEXT NOT NULL DEFAULT '',
		lot_number      TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS history (
		seq            INTEGER PRIMARY KEY AUTOINCREMENT,
		identity_id    TEXT NOT NULL REFERENCES identities (id),
		actor_id       TEXT NOT NULL,
		action         TEXT NOT NULL,
		from_parent_id TEXT NULL,
		to_parent_id   TEXT NULL,
		quantity_delta TEXT NULL,
		related_id     TEXT NOT NULL DEFAULT '',
		note           TEXT NOT NULL DEFAULT '',
		recorded_at    TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS history_identity_seq_idx ON history (identity_id, seq DESC)`,
}
