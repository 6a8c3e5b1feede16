package taskstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    target TEXT NOT NULL,
    pipeline_version TEXT,
    concurrency INTEGER NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS task_instances (
    run_id TEXT NOT NULL REFERENCES runs(id),
    name TEXT NOT NULL,
    position INTEGER NOT NULL,
    description TEXT,
    kind TEXT NOT NULL,
    needs TEXT,
    optional BOOLEAN DEFAULT FALSE,
    timeout_ms INTEGER,
    state TEXT NOT NULL,
    command TEXT,
    log_path TEXT,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    exit_code INTEGER,
    duration_ms INTEGER,
    reason TEXT,
    PRIMARY KEY (run_id, name)
);

CREATE TABLE IF NOT EXISTS events (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    task_name TEXT,
    timestamp TIMESTAMP NOT NULL,
    kind TEXT NOT NULL,
    payload TEXT,
    FOREIGN KEY (run_id, task_name) REFERENCES task_instances(run_id, name)
);

CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id, seq);

CREATE TABLE IF NOT EXISTS snapshots (
    run_id TEXT PRIMARY KEY REFERENCES runs(id),
    last_seq INTEGER NOT NULL,
    data TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS findings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    dedup_key TEXT NOT NULL UNIQUE,
    run_id TEXT,
    rule_id TEXT NOT NULL,
    description TEXT,
    file TEXT NOT NULL,
    line INTEGER,
    path TEXT,
    excerpt TEXT,
    severity INTEGER NOT NULL,
    confidence INTEGER NOT NULL,
    first_seen TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_findings_rank ON findings(severity DESC, confidence DESC);
`
