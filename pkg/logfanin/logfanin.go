// Package logfanin collects container log chunks from every worker
// into a single buffered channel (4096 entries) consumed by one
// goroutine, which batches and persists them in the order received.
// This is the fan-in counterpart to pkg/events's pub-sub Broker: many
// producers, one consumer. The channel is bounded: once it holds 4096
// unconsumed entries, producers block until the consumer catches up.
package logfanin

import (
	"context"
	"regexp"
	"time"

	"github.com/cuemby/inkforge/pkg/log"
	"github.com/cuemby/inkforge/pkg/metrics"
	"github.com/cuemby/inkforge/pkg/types"
)

const (
	maxBatchSize  = 10
	maxBatchDelay = 3 * time.Second
)

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// Sink persists a batch of log entries in order. Implemented by
// pkg/storage's Store.InsertLogs.
type Sink interface {
	InsertLogs(ctx context.Context, entries []types.LogEntry) error
}

// Broker fans many producers' log chunks into one consumer goroutine
// that batches and writes them to a Sink.
type Broker struct {
	sink    Sink
	entryCh chan types.LogEntry
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates a Broker writing to sink. Call Start to begin consuming.
func New(sink Sink) *Broker {
	return &Broker{
		sink:    sink,
		entryCh: make(chan types.LogEntry, 4096),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Publish strips ANSI escapes from content and enqueues it for
// persistence, tagged with sessionID. Publish blocks while the channel
// is full, until the consumer takes an entry or Stop is called; after
// Stop, the entry is dropped.
func (b *Broker) Publish(sessionID int64, content string) {
	entry := types.LogEntry{
		BuildSessionID: sessionID,
		Content:        ansiEscape.ReplaceAllString(content, ""),
	}

	select {
	case b.entryCh <- entry:
	case <-b.stopCh:
	}
}

// Start begins the single consumer goroutine.
func (b *Broker) Start() {
	go b.run()
}

// Stop signals the consumer to flush and exit, and waits for it.
func (b *Broker) Stop() {
	close(b.stopCh)
	<-b.done
}

func (b *Broker) run() {
	defer close(b.done)

	logger := log.WithComponent("logfanin")
	batch := make([]types.LogEntry, 0, maxBatchSize)
	timer := time.NewTimer(maxBatchDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		timer := metrics.NewTimer()
		if err := b.sink.InsertLogs(context.Background(), batch); err != nil {
			logger.Error().Err(err).Msg("failed to persist log batch, dropping")
		} else {
			metrics.LogBatchesFlushedTotal.Inc()
		}
		timer.ObserveDuration(metrics.LogBatchFlushDuration)
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-b.entryCh:
			batch = append(batch, entry)
			if len(batch) >= maxBatchSize {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(maxBatchDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(maxBatchDelay)
		case <-b.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case entry := <-b.entryCh:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}
