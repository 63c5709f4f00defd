// Package worker provides an asynchronous worker pool for post-finalization
// work: publishing finalized-message events and recording session state.
//
// The pool decouples these operations from the ingest service's streaming hot
// path so that client-service-upstream interaction stays fully transparent.
package worker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworksco/loom/pkg/blocks"
	"github.com/loomworksco/loom/pkg/dotdir"
	"github.com/loomworksco/loom/pkg/eventstream"
)

var (
	defaultNumWorkers   uint = 3
	defaultJobQueueSize uint = 256

	// publishTimeout bounds each best-effort publish so a slow broker can
	// never wedge a worker.
	publishTimeout = 30 * time.Second
)

// Job is a unit of work for the worker pool to execute against.
type Job struct {
	Provider        string
	ConversationKey string
	Message         *blocks.Message
	Blocks          []*blocks.Block
	StartedAt       time.Time
	CompletedAt     time.Time
	Reason          string
}

// Config is the configuration options for the worker pool.
type Config struct {
	// Publisher receives finalized-message events. If nil, event publishing
	// is skipped.
	Publisher eventstream.Publisher

	// Sessions optionally records the last finalized message in the .loom/
	// session state. If nil, session recording is skipped.
	Sessions *dotdir.Manager

	// SessionDir overrides the .loom/ directory location for session state.
	SessionDir string

	// NumWorkers is the number of background workers in the pool.
	NumWorkers uint

	// QueueSize is the capacity of the buffered job channel (defaults to 256).
	QueueSize uint

	// Logger is the provided zap logger
	Logger *zap.Logger
}

// Pool processes post-finalization jobs asynchronously via a worker pool.
type Pool struct {
	config *Config
	queue  chan Job
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewPool creates a new Pool and starts its worker goroutines.
func NewPool(c *Config) (*Pool, error) {
	if c.NumWorkers == 0 {
		c.NumWorkers = defaultNumWorkers
	}

	if c.QueueSize == 0 {
		c.QueueSize = defaultJobQueueSize
	}

	if c.NumWorkers > uint(math.MaxInt) {
		return nil, fmt.Errorf("NumWorkers %d exceeds max int", c.NumWorkers)
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	wp := &Pool{
		config: c,
		queue:  make(chan Job, c.QueueSize),
		logger: c.Logger,
	}

	wp.wg.Add(int(c.NumWorkers))
	for i := uint(0); i < c.NumWorkers; i++ {
		go wp.worker(i)
	}

	return wp, nil
}

// Enqueue submits a job for processing by the worker pool.
// Returns true if enqueued, false if the queue is full, resulting in the job being dropped
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.queue <- job:
		p.logger.Debug("job queued",
			zap.String("provider", job.Provider),
			zap.String("message_id", messageID(job)),
		)
		return true
	default:
		p.logger.Error("job not queued, queue full, job dropped",
			zap.String("provider", job.Provider),
			zap.String("message_id", messageID(job)),
		)
		return false
	}
}

// Close signals workers to stop and waits for in-flight jobs to drain.
// Call this during graceful shutdown after the HTTP server has stopped.
func (p *Pool) Close() {
	close(p.queue)
	p.wg.Wait()
}

// worker is the inner worker thread that continuously pulls jobs off the jobs queue
func (p *Pool) worker(id uint) {
	defer p.wg.Done()
	p.logger.Debug("worker started", zap.Uint("worker_id", id))

	for job := range p.queue {
		p.processJob(job)
	}

	p.logger.Debug("worker stopped", zap.Uint("worker_id", id))
}

// processJob publishes the finalized-message event and records session state.
// Both operations are best-effort: failures are logged, never retried into
// the streaming path.
func (p *Pool) processJob(job Job) {
	if job.Message == nil {
		p.logger.Warn("job without message dropped", zap.String("provider", job.Provider))
		return
	}

	if p.config.Publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		event := &eventstream.MessageFinalizedEvent{
			SchemaVersion: eventstream.SchemaVersionV1,
			EventType:     eventstream.EventTypeMessageFinalized,
			EventID:       uuid.NewString(),
			EmittedAt:     time.Now().UTC(),
			Source: eventstream.EventSource{
				Provider:        job.Provider,
				ConversationKey: job.ConversationKey,
			},
			StreamMeta: eventstream.StreamMeta{
				StartedAt:   job.StartedAt,
				CompletedAt: job.CompletedAt,
				DurationMs:  job.CompletedAt.Sub(job.StartedAt).Milliseconds(),
				Reason:      job.Reason,
			},
			Message: job.Message,
			Blocks:  job.Blocks,
		}

		if err := p.config.Publisher.PublishMessage(ctx, event); err != nil {
			p.logger.Warn("failed to publish finalized-message event",
				zap.String("message_id", job.Message.ID),
				zap.Error(err),
			)
		} else {
			p.logger.Info("finalized-message event published",
				zap.String("message_id", job.Message.ID),
				zap.String("event_id", event.EventID),
			)
		}
	}

	if p.config.Sessions != nil {
		state := &dotdir.SessionState{
			LastMessageID: job.Message.ID,
			Provider:      job.Provider,
			UpdatedAt:     time.Now().UTC(),
		}
		if err := p.config.Sessions.SaveSession(state, p.config.SessionDir); err != nil {
			p.logger.Warn("failed to record session state",
				zap.String("message_id", job.Message.ID),
				zap.Error(err),
			)
		}
	}
}

func messageID(job Job) string {
	if job.Message == nil {
		return ""
	}
	return job.Message.ID
}
