// Package storage is the PostgreSQL-backed persistence layer for build
// sessions, their tokens, source archives, files, diagnostics, logs,
// and compiled code. Queries are built with squirrel and executed
// through database/sql's pgx driver, following the same query-builder
// and error-code-branching conventions used across the example
// corpus's atc/db package.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/cuemby/inkforge/pkg/types"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to the database at connString using the pgx
// database/sql driver.
func Open(connString string) (*Store, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying connection pool, for collaborators (such
// as the queue leaser) that need to begin their own transactions
// against the same database.
func (s *Store) DB() *sql.DB {
	return s.db
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.UniqueViolation
	}
	return false
}

// Tx begins a transaction and passes it to fn. On error from fn, the
// transaction is rolled back; otherwise it is committed.
func (s *Store) Tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// InsertSourceArchive inserts a SourceArchive by hash, doing nothing on
// conflict (the archive already exists) and returning its ID either
// way.
func (s *Store) InsertSourceArchive(ctx context.Context, hash []byte) (int64, error) {
	var id int64

	err := psql.Insert("source_archives").
		Columns("hash").
		Values(hash).
		Suffix("ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash RETURNING id").
		RunWith(s.db).
		QueryRowContext(ctx).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert source archive: %w", err)
	}

	return id, nil
}

// InsertCompiledCode inserts a CompiledCode by hash, idempotently: a
// duplicate hash is a no-op rather than an error.
func (s *Store) InsertCompiledCode(ctx context.Context, code *types.CompiledCode) (int64, error) {
	var id int64

	err := psql.Insert("compiled_codes").
		Columns("hash", "wasm", "metadata").
		Values(code.Hash, code.Wasm, code.Metadata).
		Suffix("ON CONFLICT (hash) DO UPDATE SET hash = EXCLUDED.hash RETURNING id").
		RunWith(s.db).
		QueryRowContext(ctx).
		Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert compiled code: %w", err)
	}

	return id, nil
}

// InsertDiagnostic inserts a single Diagnostic row for a session.
func (s *Store) InsertDiagnostic(ctx context.Context, tx *sql.Tx, d *types.Diagnostic) error {
	runner := runnerFor(s.db, tx)

	_, err := psql.Insert("diagnostics").
		Columns("build_session_id", "file_id", "level", "message", "start", "end").
		Values(d.BuildSessionID, d.FileID, d.Level, d.Message, d.Start, d.End).
		RunWith(runner).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("insert diagnostic: %w", err)
	}

	return nil
}

// SessionToken fetches the BuildSessionToken row pre-stored for
// sessionID. A session is never queued before its token row exists, so
// a missing row here is a caller/schema error, not an expected case.
func (s *Store) SessionToken(ctx context.Context, sessionID int64) (*types.BuildSessionToken, error) {
	var tok types.BuildSessionToken
	tok.BuildSessionID = sessionID

	err := psql.Select("token", "source_archive_id").
		From("build_session_tokens").
		Where(sq.Eq{"build_session_id": sessionID}).
		RunWith(s.db).
		QueryRowContext(ctx).
		Scan(&tok.Token, &tok.SourceArchiveID)
	if err != nil {
		return nil, fmt.Errorf("select build session token: %w", err)
	}

	return &tok, nil
}

// PrincipalFile fetches the id and text of the "lib.rs" file belonging
// to sourceArchiveID, the file every ink! contract's static analysis
// runs against. sql.ErrNoRows is returned unwrapped so callers can tell
// "no principal file uploaded" apart from a genuine database failure.
func (s *Store) PrincipalFile(ctx context.Context, sourceArchiveID int64) (int64, string, error) {
	var id int64
	var text string

	err := psql.Select("id", "text").
		From("files").
		Where(sq.Eq{"source_archive_id": sourceArchiveID, "name": "lib.rs"}).
		RunWith(s.db).
		QueryRowContext(ctx).
		Scan(&id, &text)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", err
	}
	if err != nil {
		return 0, "", fmt.Errorf("select principal file: %w", err)
	}

	return id, text, nil
}

// InsertLogs batch-inserts log entries for a session in the order
// provided. Used by the log fan-in consumer.
func (s *Store) InsertLogs(ctx context.Context, entries []types.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	builder := psql.Insert("logs").Columns("build_session_id", "content")
	for _, e := range entries {
		builder = builder.Values(e.BuildSessionID, e.Content)
	}

	if _, err := builder.RunWith(s.db).ExecContext(ctx); err != nil {
		return fmt.Errorf("insert logs: %w", err)
	}

	return nil
}

// CompleteSession marks a session COMPLETED with its resulting code
// hash and metadata, within the same transaction the session was
// leased under.
func (s *Store) CompleteSession(ctx context.Context, tx *sql.Tx, sessionID int64, codeHash, metadata []byte) error {
	_, err := psql.Update("build_sessions").
		Set("status", types.StatusCompleted).
		Set("code_hash", codeHash).
		Set("metadata", metadata).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": sessionID}).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}

	return nil
}

// FailSession marks a session FAILED within the transaction it was
// leased under.
func (s *Store) FailSession(ctx context.Context, tx *sql.Tx, sessionID int64) error {
	_, err := psql.Update("build_sessions").
		Set("status", types.StatusFailed).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"id": sessionID}).
		RunWith(tx).
		ExecContext(ctx)
	if err != nil {
		return fmt.Errorf("fail session: %w", err)
	}

	return nil
}

// SourceArchiveByID fetches a SourceArchive's hash by ID.
func (s *Store) SourceArchiveByID(ctx context.Context, id int64) (*types.SourceArchive, error) {
	var archive types.SourceArchive
	archive.ID = id

	err := psql.Select("hash", "created_at").
		From("source_archives").
		Where(sq.Eq{"id": id}).
		RunWith(s.db).
		QueryRowContext(ctx).
		Scan(&archive.Hash, &archive.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("select source archive: %w", err)
	}

	return &archive, nil
}

// CountSessionsByStatus returns the number of build sessions in each
// status, for the queue-depth gauge.
func (s *Store) CountSessionsByStatus(ctx context.Context) (map[types.Status]int, error) {
	rows, err := psql.Select("status", "count(*)").
		From("build_sessions").
		GroupBy("status").
		RunWith(s.db).
		QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("count sessions by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[types.Status]int)
	for rows.Next() {
		var status types.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan session count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func runnerFor(db *sql.DB, tx *sql.Tx) sq.BaseRunner {
	if tx != nil {
		return tx
	}
	return db
}
