// Package analysis runs lightweight static checks against a session's
// principal source file, producing Diagnostics. It is dispatched onto
// its own bounded goroutine pool so a slow or CPU-heavy analysis run
// never starves the pipeline's I/O goroutines.
package analysis

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/semaphore"

	"github.com/cuemby/inkforge/pkg/types"
)

const maxLineLength = 200

// Pool bounds concurrent analysis runs independently of the session
// pipeline's own concurrency.
type Pool struct {
	sem *semaphore.Weighted
}

// NewPool creates a Pool allowing at most size concurrent analysis
// runs.
func NewPool(size int64) *Pool {
	return &Pool{sem: semaphore.NewWeighted(size)}
}

// Run acquires a pool slot and scans text, returning the Diagnostics
// found. A scanning failure never fails the surrounding session: it is
// converted into a single warning Diagnostic describing the failure.
func (p *Pool) Run(ctx context.Context, buildSessionID int64, fileID int64, text string) []types.Diagnostic {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return []types.Diagnostic{warningDiagnostic(buildSessionID, fileID, fmt.Sprintf("analysis skipped: %v", err))}
	}
	defer p.sem.Release(1)

	return scan(buildSessionID, fileID, text)
}

func scan(buildSessionID, fileID int64, text string) []types.Diagnostic {
	diags := make([]types.Diagnostic, 0)
	fid := fileID

	lines := strings.Split(text, "\n")
	depth := 0
	offset := 0

	for _, line := range lines {
		start := int32(offset)
		end := int32(offset + len(line))

		if len(line) > maxLineLength {
			diags = append(diags, types.Diagnostic{
				BuildSessionID: buildSessionID,
				FileID:         &fid,
				Level:          types.LevelWarning,
				Message:        fmt.Sprintf("line exceeds %d characters", maxLineLength),
				Start:          start,
				End:            end,
			})
		}

		if strings.Contains(line, ".unwrap()") || strings.Contains(line, "panic!") {
			diags = append(diags, types.Diagnostic{
				BuildSessionID: buildSessionID,
				FileID:         &fid,
				Level:          types.LevelWarning,
				Message:        "unwrap()/panic! can abort contract execution on an unexpected input",
				Start:          start,
				End:            end,
			})
		}

		if strings.Contains(line, "TODO") || strings.Contains(line, "FIXME") {
			diags = append(diags, types.Diagnostic{
				BuildSessionID: buildSessionID,
				FileID:         &fid,
				Level:          types.LevelWarning,
				Message:        "unresolved TODO/FIXME marker",
				Start:          start,
				End:            end,
			})
		}

		depth += strings.Count(line, "{") - strings.Count(line, "}")
		offset += len(line) + 1 // account for the "\n" Split stripped
	}

	if depth != 0 {
		diags = append(diags, types.Diagnostic{
			BuildSessionID: buildSessionID,
			FileID:         &fid,
			Level:          types.LevelError,
			Message:        "unbalanced braces detected",
		})
	}

	return diags
}

func warningDiagnostic(buildSessionID, fileID int64, message string) types.Diagnostic {
	fid := fileID
	return types.Diagnostic{
		BuildSessionID: buildSessionID,
		FileID:         &fid,
		Level:          types.LevelWarning,
		Message:        message,
	}
}
