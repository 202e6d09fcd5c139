// Package pipeline drives a single build session through its three
// container stages (unarchive, build, extract), enforcing the
// ownership-transfer discipline for Volumes and Containers, the
// per-session wall-clock timeout, and the commit-or-fail contract.
package pipeline

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/inkforge/pkg/analysis"
	"github.com/cuemby/inkforge/pkg/blobstore"
	"github.com/cuemby/inkforge/pkg/config"
	"github.com/cuemby/inkforge/pkg/containerrunner"
	"github.com/cuemby/inkforge/pkg/hash"
	"github.com/cuemby/inkforge/pkg/log"
	"github.com/cuemby/inkforge/pkg/logfanin"
	"github.com/cuemby/inkforge/pkg/metrics"
	"github.com/cuemby/inkforge/pkg/storage"
	"github.com/cuemby/inkforge/pkg/types"
	"github.com/cuemby/inkforge/pkg/volume"
)

const (
	unarchiveImage = "inkforge/unarchive"
	buildImage     = "inkforge/build"
	extractImage   = "inkforge/extract"

	compiledWasmFile = "target/ink/code.wasm"
	compiledMetaFile = "target/ink/metadata.json"
)

// SessionError marks a failure as session-scoped: this session fails
// and is recorded as FAILED, but the worker loop that ran it continues
// leasing further sessions.
type SessionError struct {
	Code string
	Err  error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

// Codes used by SessionError.
const (
	CodeUnsupportedToolchain = "UNSUPPORTED_TOOLCHAIN"
	CodeUnarchiveFailed      = "UNARCHIVE_FAILED"
	CodeBuildFailed          = "BUILD_FAILED"
	CodeExtractFailed        = "EXTRACT_FAILED"
)

// Pipeline holds every collaborator a session run needs, shared across
// all workers in the supervisor.
type Pipeline struct {
	runner   *containerrunner.Runner
	blobs    *blobstore.Client
	analysis *analysis.Pool
	logs     *logfanin.Broker
	store    *storage.Store
	cfg      config.Builder
	allow    map[string]bool
}

// New builds a Pipeline from its collaborators. allowedToolchains lists
// the cargo-contract versions this worker is willing to build against;
// anything else fails the session with CodeUnsupportedToolchain.
func New(runner *containerrunner.Runner, blobs *blobstore.Client, pool *analysis.Pool, logs *logfanin.Broker, store *storage.Store, cfg config.Builder, allowedToolchains []string) *Pipeline {
	allow := make(map[string]bool, len(allowedToolchains))
	for _, v := range allowedToolchains {
		allow[v] = true
	}
	return &Pipeline{runner: runner, blobs: blobs, analysis: pool, logs: logs, store: store, cfg: cfg, allow: allow}
}

// Run drives session through UNARCHIVE, BUILD, and EXTRACT, recording
// its terminal status within tx. The caller (the worker loop) commits
// or rolls back tx after Run returns; Run itself never calls
// tx.Commit or tx.Rollback.
func (p *Pipeline) Run(ctx context.Context, session *types.BuildSession, tx *sql.Tx) error {
	logger := log.WithSessionID(session.ID)

	ctx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.MaxBuildDuration)*time.Second)
	defer cancel()

	if !p.allow[session.ToolchainVersion] {
		p.logs.Publish(session.ID, "Provided cargo-contract version is not supported.")
		p.logs.Publish(session.ID, "Consider using version "+p.defaultToolchain()+".")
		return p.fail(ctx, tx, session.ID, &SessionError{Code: CodeUnsupportedToolchain, Err: fmt.Errorf("toolchain %q is not allowed", session.ToolchainVersion)})
	}

	archive, err := p.store.SourceArchiveByID(ctx, session.SourceArchiveID)
	if err != nil {
		return p.fail(ctx, tx, session.ID, fmt.Errorf("load source archive: %w", err))
	}

	sourceURL, err := p.blobs.SourceArchiveURL(ctx, archive.Hash)
	if err != nil {
		return p.fail(ctx, tx, session.ID, fmt.Errorf("presign source archive: %w", err))
	}

	token, err := p.store.SessionToken(ctx, session.ID)
	if err != nil {
		return p.fail(ctx, tx, session.ID, fmt.Errorf("load session token: %w", err))
	}
	if token.SourceArchiveID != session.SourceArchiveID {
		return p.fail(ctx, tx, session.ID, fmt.Errorf("session token bound to source archive %d, session references %d", token.SourceArchiveID, session.SourceArchiveID))
	}

	env := containerrunner.Environment{
		BuildSessionToken:    token.Token,
		RustcVersion:         session.RustcVersion,
		CargoContractVersion: session.ToolchainVersion,
		SourceCodeURL:        sourceURL,
		APIServerURL:         p.cfg.APIServerURL,
	}

	workDir, err := normalizeProjectDir(projectSubdir(session.ProjectDirectory))
	if err != nil {
		return p.fail(ctx, tx, session.ID, &SessionError{Code: CodeBuildFailed, Err: fmt.Errorf("normalize project directory: %w", err)})
	}

	vol, err := volume.New(ctx, p.cfg.ImagesPath, p.cfg.VolumeSize)
	if err != nil {
		return p.fail(ctx, tx, session.ID, fmt.Errorf("provision volume: %w", err))
	}

	var analysisWG sync.WaitGroup
	analysisWG.Add(1)
	go func() {
		defer analysisWG.Done()
		p.runAnalysis(ctx, session.ID, session.SourceArchiveID)
	}()

	vol, err = p.unarchive(ctx, session.ID, env, vol, logger)
	if err != nil {
		_ = vol.Close(ctx)
		analysisWG.Wait()
		return p.fail(ctx, tx, session.ID, &SessionError{Code: CodeUnarchiveFailed, Err: err})
	}

	analysisWG.Wait()

	vol, err = p.build(ctx, session.ID, env, vol, workDir, logger)
	if err != nil {
		_ = vol.Close(ctx)
		return p.fail(ctx, tx, session.ID, &SessionError{Code: CodeBuildFailed, Err: err})
	}

	wasm, metadata, vol, err := p.extract(ctx, session.ID, env, vol, workDir, logger)
	_ = vol.Close(ctx)
	if err != nil {
		return p.fail(ctx, tx, session.ID, &SessionError{Code: CodeExtractFailed, Err: err})
	}

	sum := hash.Sum256(wasm)
	if _, err := p.store.InsertCompiledCode(ctx, &types.CompiledCode{Hash: sum[:], Wasm: wasm, Metadata: metadata}); err != nil {
		return p.fail(ctx, tx, session.ID, fmt.Errorf("insert compiled code: %w", err))
	}

	if err := p.store.CompleteSession(ctx, tx, session.ID, sum[:], metadata); err != nil {
		return p.fail(ctx, tx, session.ID, fmt.Errorf("commit session: %w", err))
	}

	logger.Info().Msg("session completed")
	return nil
}

func (p *Pipeline) defaultToolchain() string {
	for v := range p.allow {
		return v
	}
	return "latest"
}

// fail marks session FAILED within tx and returns cause, wrapped as a
// SessionError if it is not one already. If recording the failure
// itself errors, that error takes precedence: the caller cannot commit
// tx believing the session failure is durable when it isn't. The
// failure is written with a context detached from the session deadline,
// so a session that ran past it is still recorded as FAILED.
func (p *Pipeline) fail(ctx context.Context, tx *sql.Tx, sessionID int64, cause error) error {
	if err := p.store.FailSession(context.WithoutCancel(ctx), tx, sessionID); err != nil {
		return fmt.Errorf("record session failure (cause: %v): %w", cause, err)
	}

	if se, ok := cause.(*SessionError); ok {
		return se
	}
	return &SessionError{Code: CodeBuildFailed, Err: cause}
}

func (p *Pipeline) limits() containerrunner.Limits {
	return containerrunner.Limits{
		MemoryLimit:     p.cfg.MemoryLimit,
		MemorySwapLimit: p.cfg.MemorySwapLimit,
		PidsLimit:       p.cfg.PidsLimit,
	}
}

// unarchive starts the unarchive-stage container, fans its logs into
// the log broker, and waits for it to exit. It hands the Volume back
// to the caller on every return path.
func (p *Pipeline) unarchive(ctx context.Context, sessionID int64, env containerrunner.Environment, vol *volume.Volume, logger zerolog.Logger) (*volume.Volume, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StageDuration, string(types.StageUnarchive))

	ctr, err := p.runner.Start(ctx, unarchiveContainerName(sessionID), unarchiveImage, env, vol, p.limits(), "")
	if err != nil {
		return vol, fmt.Errorf("start unarchive container: %w", err)
	}

	p.drainLogs(ctr, sessionID)

	code, err := ctr.Wait(ctx)
	if err != nil {
		returned, remErr := ctr.Remove(ctx)
		if remErr != nil {
			logger.Error().Err(remErr).Msg("remove unarchive container after wait error")
		}
		return returned, fmt.Errorf("wait for unarchive container: %w", err)
	}

	returned, remErr := ctr.Remove(ctx)
	if remErr != nil {
		return returned, fmt.Errorf("remove unarchive container: %w", remErr)
	}
	if code != 0 {
		return returned, fmt.Errorf("unarchive container exited with status %d", code)
	}

	return returned, nil
}

// build starts the build-stage container and waits for it to compile
// the contract. It never reads any file back; the compiled artifacts
// are read off the Volume by the extract stage. workDir is the
// normalized project sub-directory the compiler must run from.
func (p *Pipeline) build(ctx context.Context, sessionID int64, env containerrunner.Environment, vol *volume.Volume, workDir string, logger zerolog.Logger) (*volume.Volume, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StageDuration, string(types.StageBuild))

	ctr, err := p.runner.Start(ctx, buildContainerName(sessionID), buildImage, env, vol, p.limits(), workDir)
	if err != nil {
		return vol, fmt.Errorf("start build container: %w", err)
	}

	p.drainLogs(ctr, sessionID)

	code, err := ctr.Wait(ctx)
	if err != nil {
		returned, remErr := ctr.Remove(ctx)
		if remErr != nil {
			logger.Error().Err(remErr).Msg("remove build container after wait error")
		}
		return returned, fmt.Errorf("wait for build container: %w", err)
	}

	returned, remErr := ctr.Remove(ctx)
	if remErr != nil {
		return returned, fmt.Errorf("remove build container: %w", remErr)
	}
	if code != 0 {
		return returned, fmt.Errorf("build container exited with status %d", code)
	}

	return returned, nil
}

// extract starts the extract-stage container, waits for it, and reads
// back the compiled WASM and its metadata JSON from the volume. workDir
// reuses the same normalized project sub-directory the build stage ran
// from, since the compiled artifacts are written relative to it.
func (p *Pipeline) extract(ctx context.Context, sessionID int64, env containerrunner.Environment, vol *volume.Volume, workDir string, logger zerolog.Logger) ([]byte, []byte, *volume.Volume, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.StageDuration, string(types.StageExtract))

	ctr, err := p.runner.Start(ctx, moveContainerName(sessionID), extractImage, env, vol, p.limits(), workDir)
	if err != nil {
		return nil, nil, vol, fmt.Errorf("start extract container: %w", err)
	}

	p.drainLogs(ctr, sessionID)

	code, err := ctr.Wait(ctx)
	if err != nil {
		returned, remErr := ctr.Remove(ctx)
		if remErr != nil {
			logger.Error().Err(remErr).Msg("remove extract container after wait error")
		}
		return nil, nil, returned, fmt.Errorf("wait for extract container: %w", err)
	}
	if code != 0 {
		returned, remErr := ctr.Remove(ctx)
		if remErr != nil {
			logger.Error().Err(remErr).Msg("remove extract container after non-zero exit")
		}
		return nil, nil, returned, fmt.Errorf("extract container exited with status %d", code)
	}

	wasmBuf := make([]byte, p.cfg.WasmSizeLimit)
	wasm, wasmErr := ctr.DownloadFile(compiledWasmFile, wasmBuf)

	metaBuf := make([]byte, p.cfg.MetadataSizeLimit)
	meta, metaErr := ctr.DownloadFile(compiledMetaFile, metaBuf)

	returned, remErr := ctr.Remove(ctx)
	if remErr != nil {
		return nil, nil, returned, fmt.Errorf("remove extract container: %w", remErr)
	}
	if wasmErr != nil {
		return nil, nil, returned, fmt.Errorf("read compiled wasm: %w", wasmErr)
	}
	if metaErr != nil {
		return nil, nil, returned, fmt.Errorf("read compiled metadata: %w", metaErr)
	}

	return wasm, meta, returned, nil
}

// runAnalysis reads the principal source file's id and text from the
// files table and runs static analysis against it, persisting any
// Diagnostics. It runs concurrently with the unarchive container, not
// after it: the file row is written when the source archive itself was
// uploaded, independent of any stage container. Analysis never fails
// the session; a missing principal file or a scanning error is itself
// recorded as a warning Diagnostic.
func (p *Pipeline) runAnalysis(ctx context.Context, sessionID, sourceArchiveID int64) {
	logger := log.WithSessionID(sessionID)

	fileID, text, err := p.store.PrincipalFile(ctx, sourceArchiveID)
	if err != nil {
		level := types.LevelWarning
		msg := "no lib.rs file found for static analysis"
		if !errors.Is(err, sql.ErrNoRows) {
			msg = fmt.Sprintf("failed to load principal source file: %v", err)
		}
		diag := types.Diagnostic{BuildSessionID: sessionID, Level: level, Message: msg}
		metrics.DiagnosticsTotal.WithLabelValues(string(diag.Level)).Inc()
		if err := p.store.InsertDiagnostic(ctx, nil, &diag); err != nil {
			logger.Error().Err(err).Msg("failed to persist diagnostic")
		}
		return
	}

	diags := p.analysis.Run(ctx, sessionID, fileID, text)
	for i := range diags {
		metrics.DiagnosticsTotal.WithLabelValues(string(diags[i].Level)).Inc()
		if err := p.store.InsertDiagnostic(ctx, nil, &diags[i]); err != nil {
			logger.Error().Err(err).Msg("failed to persist diagnostic")
		}
	}
}

// unarchiveContainerName, buildContainerName, and moveContainerName
// give each of a session's three stage containers a distinct name, so
// that the second and third NewContainer calls for the same session
// never collide with the first.
func unarchiveContainerName(sessionID int64) string {
	return "unarchive-" + strconv.FormatInt(sessionID, 10)
}

func buildContainerName(sessionID int64) string {
	return "build-session-" + strconv.FormatInt(sessionID, 10)
}

func moveContainerName(sessionID int64) string {
	return "move-" + strconv.FormatInt(sessionID, 10)
}

// projectSubdir returns the user-supplied project sub-directory, or ""
// if the session didn't specify one.
func projectSubdir(dir *string) string {
	if dir == nil {
		return ""
	}
	return *dir
}

// drainLogs copies a container's combined stdout/stderr into the log
// broker line by line until the stream closes, which happens when
// Wait observes the task's exit.
func (p *Pipeline) drainLogs(ctr *containerrunner.Container, sessionID int64) {
	stream, err := ctr.Logs()
	if err != nil {
		return
	}

	go func() {
		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			p.logs.Publish(sessionID, scanner.Text())
		}
	}()
}
