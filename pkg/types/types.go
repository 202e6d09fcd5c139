// Package types defines the data model shared across the build worker:
// build sessions, their tokens, source archives, compiled artifacts,
// diagnostics, log entries, and the names of the pipeline stages.
package types

import "time"

// Status is the lifecycle state of a BuildSession. It only ever moves
// forward: NEW -> FAILED or NEW -> COMPLETED, never backward.
type Status string

const (
	StatusNew       Status = "new"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// BuildSession is a single request to build an ink! smart contract from
// a source archive already uploaded to object storage.
type BuildSession struct {
	ID               int64
	UserID           *int64
	SourceArchiveID  int64
	Status           Status
	ToolchainVersion string
	RustcVersion     string
	ProjectDirectory *string
	CodeHash         []byte
	Metadata         []byte
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// BuildSessionToken authorizes the unarchive-stage container to pull
// the source archive and push files back through the API server. It is
// scoped to a single session and, defensively, to the source archive
// the session was created against.
type BuildSessionToken struct {
	Token           string
	BuildSessionID  int64
	SourceArchiveID int64
}

// SourceArchive identifies a unique uploaded source tree by the
// Blake2b-256 hash of its archived bytes.
type SourceArchive struct {
	ID        int64
	Hash      []byte
	CreatedAt time.Time
}

// File is a single source file belonging to a SourceArchive, referenced
// by Diagnostics produced against it. The build worker only ever reads
// the file named "lib.rs", the principal module every ink! contract
// must provide.
type File struct {
	ID              int64
	SourceArchiveID int64
	Name            string
	Text            string
}

// CompiledCode is the content-addressed WASM blob and metadata JSON
// produced by a successful build. Insertion is idempotent: a duplicate
// hash is a no-op, not an error.
type CompiledCode struct {
	ID        int64
	Hash      []byte
	Wasm      []byte
	Metadata  []byte
	CreatedAt time.Time
}

// Level is the severity of a Diagnostic.
type Level string

const (
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Diagnostic is a single static-analysis finding against a File within
// a BuildSession, located by a byte offset range within that File's
// text rather than a line number. Start and End are both 0 for a
// session-scoped finding that is not anchored to a particular span
// (for example, analysis itself failing to run).
type Diagnostic struct {
	ID             int64
	BuildSessionID int64
	FileID         *int64
	Level          Level
	Message        string
	Start          int32
	End            int32
	CreatedAt      time.Time
}

// LogEntry is one line of container output attributed to a
// BuildSession, persisted in receive order. Lines are not concatenated:
// the log fan-in batches entries for insertion, but each line is its
// own row.
type LogEntry struct {
	ID             int64
	BuildSessionID int64
	Content        string
	CreatedAt      time.Time
}

// Stage names the three fixed build-pipeline steps.
type Stage string

const (
	StageUnarchive Stage = "unarchive"
	StageBuild     Stage = "build"
	StageExtract   Stage = "extract"
)
