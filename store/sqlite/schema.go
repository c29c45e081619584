package sqlite

// SchemaDDL defines the SQLite schema of the flow store.
// Tables: sessions, messages, artifacts. Timestamps are unix nanoseconds.
const SchemaDDL = `
-- Session snapshots; data holds the full JSON document
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    parent_id TEXT,
    type TEXT NOT NULL,
    status TEXT NOT NULL,
    created INTEGER NOT NULL,
    updated INTEGER NOT NULL,
    data TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created, id);

-- Inter-session messages
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    from_id TEXT NOT NULL,
    to_id TEXT NOT NULL,
    type TEXT NOT NULL,
    payload TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    processed_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status, timestamp);
CREATE INDEX IF NOT EXISTS idx_messages_from ON messages(from_id);
CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_id);

-- Session artifacts (worker outputs)
CREATE TABLE IF NOT EXISTS artifacts (
    session_id TEXT NOT NULL,
    name TEXT NOT NULL,
    data BLOB NOT NULL,
    created INTEGER NOT NULL,
    PRIMARY KEY (session_id, name)
);
`
