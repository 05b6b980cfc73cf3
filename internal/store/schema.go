package store

// schemaDDL creates the docket tables. Statements are idempotent so Migrate
// can run on every startup.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS batches (
		id                 TEXT PRIMARY KEY,
		name               TEXT NOT NULL,
		city               TEXT NOT NULL DEFAULT '',
		status             TEXT NOT NULL,
		total_items        INTEGER NOT NULL DEFAULT 0,
		processed_items    INTEGER NOT NULL DEFAULT 0,
		failed_items       INTEGER NOT NULL DEFAULT 0,
		skipped_items      INTEGER NOT NULL DEFAULT 0,
		skip_stages        TEXT[] NOT NULL DEFAULT '{}',
		fail_on_item_error BOOLEAN NOT NULL DEFAULT FALSE,
		error_message      TEXT NOT NULL DEFAULT '',
		created_at         TIMESTAMPTZ NOT NULL,
		started_at         TIMESTAMPTZ,
		paused_at          TIMESTAMPTZ,
		completed_at       TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS batches_city_status_idx ON batches (city, status)`,

	`CREATE TABLE IF NOT EXISTS documents (
		id                     TEXT PRIMARY KEY,
		batch_id               TEXT NOT NULL REFERENCES batches(id),
		file_name              TEXT NOT NULL,
		file_size              BIGINT NOT NULL DEFAULT 0,
		mime_type              TEXT NOT NULL DEFAULT '',
		page_count             INTEGER NOT NULL DEFAULT 0,
		spool_path             TEXT NOT NULL DEFAULT '',
		status                 TEXT NOT NULL,
		error_message          TEXT NOT NULL DEFAULT '',
		created_at             TIMESTAMPTZ NOT NULL,
		processing_started_at  TIMESTAMPTZ,
		processing_ended_at    TIMESTAMPTZ,
		processing_duration_ms BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS documents_batch_status_idx ON documents (batch_id, status)`,

	`CREATE TABLE IF NOT EXISTS stage_records (
		document_id TEXT NOT NULL REFERENCES documents(id),
		stage       TEXT NOT NULL,
		status      TEXT NOT NULL,
		started_at  TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		result      JSONB,
		error       TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (document_id, stage)
	)`,
}
