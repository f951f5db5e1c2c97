package db

// Schema defines the SQLite database schema for import runs.
// A run is one invocation against a bucket; each partition of the run
// gets one row in workflows tracking how far its pipeline got.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    bucket TEXT NOT NULL,
    instance_type TEXT NOT NULL,
    started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    finished_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS workflows (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    prefix TEXT NOT NULL,
    status TEXT NOT NULL CHECK(status IN ('pending', 'listing', 'importing', 'launching', 'ready', 'skipped', 'failed')),
    asset_count INTEGER NOT NULL DEFAULT 0,
    import_task_id TEXT,
    image_id TEXT,
    instance_id TEXT,
    error_kind TEXT,
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(run_id, prefix)
);

CREATE INDEX IF NOT EXISTS idx_workflows_run_id ON workflows(run_id);
CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
`

// Status constants
const (
	StatusPending   = "pending"
	StatusListing   = "listing"
	StatusImporting = "importing"
	StatusLaunching = "launching"
	StatusReady     = "ready"
	StatusSkipped   = "skipped"
	StatusFailed    = "failed"
)

// Run represents one invocation of the importer
type Run struct {
	ID           string
	Bucket       string
	InstanceType string
	StartedAt    string
	FinishedAt   string
}

// Group represents the pipeline state of one partition within a run
type Group struct {
	ID           int64
	RunID        string
	Prefix       string
	Status       string
	AssetCount   int
	ImportTaskID string
	ImageID      string
	InstanceID   string
	ErrorKind    string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}
