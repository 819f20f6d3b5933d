package protocol

// SchemaDDL defines the SQLite schema for the swarm runtime database.
// Tables: events (durable structured event log), task_archive.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Runtime event log: task transitions, agent health changes, cache
-- evictions, sync failures, deadlock reports, call timeouts.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    task_id TEXT,
    agent_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_type ON events(type);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);

-- Terminal tasks pruned from the in-memory graph after the retention window.
CREATE TABLE IF NOT EXISTS task_archive (
    task_id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    error_code TEXT,
    retries INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    completed_at TEXT,
    archived_at TEXT NOT NULL DEFAULT (datetime('now'))
);
`
