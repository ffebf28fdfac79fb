package sqlite

// migrations are applied in order; a database at user_version N has run
// the first N entries. Append only.
var migrations = []string{
	// 1: base schema.
	`
CREATE TABLE IF NOT EXISTS mail (
    id               TEXT PRIMARY KEY,
    sender           TEXT NOT NULL DEFAULT '',
    recipient        TEXT NOT NULL DEFAULT '',
    recipients       TEXT NOT NULL DEFAULT '[]',
    subject          TEXT,
    content          TEXT,
    timestamp        TEXT NOT NULL DEFAULT '',
    direction        TEXT NOT NULL CHECK (direction IN ('sent', 'received')),
    is_read          BOOLEAN NOT NULL DEFAULT FALSE,
    is_starred       BOOLEAN NOT NULL DEFAULT FALSE,
    is_archived      BOOLEAN NOT NULL DEFAULT FALSE,
    is_deleted       BOOLEAN NOT NULL DEFAULT FALSE,
    draft_id         TEXT,
    local_created_at INTEGER NOT NULL DEFAULT 0,
    last_modified    INTEGER NOT NULL DEFAULT 0,
    needs_sync       BOOLEAN NOT NULL DEFAULT FALSE,
    sync_status      TEXT NOT NULL DEFAULT 'synced' CHECK (sync_status IN ('synced', 'pending', 'failed')),
    sync_attempts    INTEGER NOT NULL DEFAULT 0,
    CHECK (NOT (needs_sync AND sync_status = 'synced'))
);

CREATE TABLE IF NOT EXISTS mail_labels (
    mail_id     TEXT NOT NULL REFERENCES mail(id) ON DELETE CASCADE,
    name        TEXT NOT NULL COLLATE NOCASE,
    PRIMARY KEY (mail_id, name)
);

CREATE TABLE IF NOT EXISTS labels (
    id            TEXT PRIMARY KEY,
    owner_id      TEXT NOT NULL DEFAULT '',
    name          TEXT NOT NULL,
    color         TEXT,
    is_system     BOOLEAN NOT NULL DEFAULT FALSE,
    is_default    BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    INTEGER NOT NULL DEFAULT 0,
    last_modified INTEGER NOT NULL DEFAULT 0,
    needs_sync    BOOLEAN NOT NULL DEFAULT FALSE,
    sync_status   TEXT NOT NULL DEFAULT 'synced' CHECK (sync_status IN ('synced', 'pending', 'failed')),
    sync_attempts INTEGER NOT NULL DEFAULT 0,
    CHECK (NOT (needs_sync AND sync_status = 'synced'))
);

CREATE TABLE IF NOT EXISTS profile (
    id           TEXT PRIMARY KEY,
    email        TEXT NOT NULL,
    display_name TEXT,
    avatar_ref   TEXT
);

CREATE TABLE IF NOT EXISTS sync_state (
    owner_id             TEXT PRIMARY KEY,
    last_sync            INTEGER NOT NULL DEFAULT 0,
    last_attempt         INTEGER NOT NULL DEFAULT 0,
    consecutive_failures INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_mail_timestamp ON mail(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_mail_needs_sync ON mail(needs_sync);
CREATE INDEX IF NOT EXISTS idx_mail_labels_name ON mail_labels(name);
CREATE UNIQUE INDEX IF NOT EXISTS idx_labels_owner_name ON labels(owner_id, name COLLATE NOCASE);
`,

	// 2: push queue lookups.
	`
CREATE INDEX IF NOT EXISTS idx_mail_sync_status ON mail(sync_status) WHERE needs_sync;
CREATE INDEX IF NOT EXISTS idx_labels_needs_sync ON labels(needs_sync);
`,

	// 3: local mutation counter.
	`
ALTER TABLE mail ADD COLUMN sync_revision INTEGER NOT NULL DEFAULT 0;
ALTER TABLE labels ADD COLUMN sync_revision INTEGER NOT NULL DEFAULT 0;
`,
}
