// Package queue implements the build session leaser: a transactional
// dequeue of the oldest NEW session using PostgreSQL's SELECT ... FOR
// UPDATE SKIP LOCKED, so any number of workers across any number of
// worker processes can poll the same table without taking an
// in-process lock and without two workers ever processing the same
// session.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/cuemby/inkforge/pkg/types"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ErrNoSession is returned by Lease when no NEW session is available.
var ErrNoSession = errors.New("queue: no session available")

// Leaser dequeues build sessions from a *sql.DB.
type Leaser struct {
	db *sql.DB
}

// New wraps db for leasing.
func New(db *sql.DB) *Leaser {
	return &Leaser{db: db}
}

// Lease opens a transaction, locks the oldest NEW session row with FOR
// UPDATE SKIP LOCKED, and returns both the session and the open
// transaction. The caller owns the transaction: it must eventually
// record a terminal status in it (storage.CompleteSession/FailSession)
// and commit, or roll it back, which releases the lock and leaves the
// row NEW for another worker.
func (l *Leaser) Lease(ctx context.Context) (*types.BuildSession, *sql.Tx, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("begin tx: %w", err)
	}

	query, args, err := psql.Select(
		"id", "user_id", "source_archive_id", "status",
		"toolchain_version", "rustc_version", "project_directory",
		"created_at", "updated_at",
	).
		From("build_sessions").
		Where(sq.Eq{"status": types.StatusNew}).
		OrderBy("created_at ASC").
		Limit(1).
		Suffix("FOR UPDATE SKIP LOCKED").
		ToSql()
	if err != nil {
		tx.Rollback()
		return nil, nil, fmt.Errorf("build lease query: %w", err)
	}

	var session types.BuildSession
	err = tx.QueryRowContext(ctx, query, args...).Scan(
		&session.ID, &session.UserID, &session.SourceArchiveID, &session.Status,
		&session.ToolchainVersion, &session.RustcVersion, &session.ProjectDirectory,
		&session.CreatedAt, &session.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		return nil, nil, ErrNoSession
	}
	if err != nil {
		tx.Rollback()
		return nil, nil, fmt.Errorf("scan leased session: %w", err)
	}

	return &session, tx, nil
}
