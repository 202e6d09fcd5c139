package queue

import (
	"strings"
	"testing"

	sq "github.com/Masterminds/squirrel"

	"github.com/cuemby/inkforge/pkg/types"
)

func TestLeaseQueryShape(t *testing.T) {
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
		t.Fatalf("ToSql() error = %v", err)
	}

	if !strings.Contains(query, "FOR UPDATE SKIP LOCKED") {
		t.Errorf("query missing FOR UPDATE SKIP LOCKED: %s", query)
	}
	if !strings.Contains(query, "FROM build_sessions") {
		t.Errorf("query missing table name: %s", query)
	}
	if len(args) != 1 || args[0] != types.StatusNew {
		t.Errorf("args = %v, want [%v]", args, types.StatusNew)
	}
}
