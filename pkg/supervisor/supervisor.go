// Package supervisor runs a fixed pool of independent worker loops,
// each leasing and running one build session at a time. A failure
// scoped to a single session is recorded against that session and the
// worker continues; a transport or database failure is logged and the
// worker backs off before retrying, following the same
// continue-on-error discipline the teacher's reconciler loop applies
// to a single ticking goroutine, generalized here to N concurrent
// workers.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/inkforge/pkg/log"
	"github.com/cuemby/inkforge/pkg/metrics"
	"github.com/cuemby/inkforge/pkg/pipeline"
	"github.com/cuemby/inkforge/pkg/queue"
)

// defaultPollInterval is how long an idle worker waits before checking
// for a new session again.
const defaultPollInterval = 2 * time.Second

// Supervisor owns a pool of worker goroutines sharing one Leaser and
// one Pipeline.
type Supervisor struct {
	leaser       *queue.Leaser
	pipeline     *pipeline.Pipeline
	workerCount  int
	pollInterval time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Supervisor with workerCount independent worker loops.
// workerCount is clamped to at least 1.
func New(leaser *queue.Leaser, p *pipeline.Pipeline, workerCount int) *Supervisor {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Supervisor{
		leaser:       leaser,
		pipeline:     p,
		workerCount:  workerCount,
		pollInterval: defaultPollInterval,
		stopCh:       make(chan struct{}),
	}
}

// Start launches every worker loop in its own goroutine.
func (s *Supervisor) Start(ctx context.Context) {
	for i := 0; i < s.workerCount; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, i)
	}
}

// Stop signals every worker to exit after its current session and
// waits for them all to return.
func (s *Supervisor) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Supervisor) workerLoop(ctx context.Context, id int) {
	defer s.wg.Done()

	logger := log.WithWorkerID(id)
	logger.Info().Msg("worker started")

	for {
		select {
		case <-s.stopCh:
			logger.Info().Msg("worker stopped")
			return
		case <-ctx.Done():
			logger.Info().Msg("worker stopped: context canceled")
			return
		default:
		}

		session, tx, err := s.leaser.Lease(ctx)
		if errors.Is(err, queue.ErrNoSession) {
			s.idle()
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to lease session, backing off")
			s.idle()
			continue
		}

		sessionLogger := logger.With().Int64("build_session_id", session.ID).Logger()
		metrics.SessionsLeasedTotal.Inc()

		runErr := s.pipeline.Run(ctx, session, tx)

		var sessErr *pipeline.SessionError
		switch {
		case runErr == nil:
			if err := tx.Commit(); err != nil {
				sessionLogger.Error().Err(err).Msg("failed to commit completed session")
			} else {
				metrics.SessionsCompletedTotal.Inc()
				sessionLogger.Info().Msg("session leased and completed")
			}
		case errors.As(runErr, &sessErr):
			// The pipeline already recorded FAILED within tx before
			// returning a SessionError; commit that record.
			if err := tx.Commit(); err != nil {
				sessionLogger.Error().Err(err).Msg("failed to commit failed session")
			} else {
				metrics.SessionsFailedTotal.WithLabelValues(sessErr.Code).Inc()
				sessionLogger.Warn().Str("code", sessErr.Code).Err(sessErr.Err).Msg("session failed")
			}
		default:
			// The failure record itself could not be written (a
			// transport/database error). Roll back so the session
			// stays NEW for another worker to retry.
			_ = tx.Rollback()
			sessionLogger.Error().Err(runErr).Msg("session run failed without a durable record, rolled back")
		}
	}
}

func (s *Supervisor) idle() {
	timer := time.NewTimer(s.pollInterval)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-s.stopCh:
	}
}
