// Package workers contains background workers for stackd.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/artpar/stackd/internal/shell/store"
	"github.com/artpar/stackd/internal/shell/supervisor"
)

// RecorderConfig configures the transition recorder.
type RecorderConfig struct {
	// BufferSize is how many transitions may queue before new ones are
	// dropped.
	// Default: 256.
	BufferSize int

	// BatchSize caps how many queued transitions share one transaction.
	// Default: 32.
	BatchSize int

	// WriteTimeout bounds a single store write.
	// Default: 5 seconds.
	WriteTimeout time.Duration
}

// DefaultRecorderConfig returns the default configuration.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		BufferSize:   256,
		BatchSize:    32,
		WriteTimeout: 5 * time.Second,
	}
}

// Recorder persists supervisor transitions to the run history off the
// supervisors' goroutines, so a slow database never delays a state change.
type Recorder struct {
	store   store.Store
	runID   string
	config  RecorderConfig
	logger  *slog.Logger
	events  chan supervisor.Transition
	dropped atomic.Int64

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRecorder creates a recorder writing to the given run.
func NewRecorder(s store.Store, runID string, config RecorderConfig, logger *slog.Logger) *Recorder {
	if config.BufferSize <= 0 {
		config.BufferSize = 256
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 32
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Recorder{
		store:  s,
		runID:  runID,
		config: config,
		logger: logger.With("component", "recorder", "run_id", runID),
		events: make(chan supervisor.Transition, config.BufferSize),
	}
}

// Observe queues a transition. It never blocks; when the queue is full the
// transition is dropped and counted.
func (r *Recorder) Observe(t supervisor.Transition) {
	select {
	case r.events <- t:
	default:
		r.dropped.Add(1)
		r.logger.Warn("transition dropped", "service", t.Service, "to", t.To)
	}
}

// Dropped returns how many transitions did not fit in the queue.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Start begins the recorder background goroutine.
func (r *Recorder) Start() {
	r.ctx, r.cancel = context.WithCancel(context.Background())

	r.wg.Add(1)
	go r.run()

	r.logger.Debug("recorder started", "buffer", r.config.BufferSize)
}

// Stop writes whatever is still queued and waits for the goroutine.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Debug("recorder stopped", "dropped", r.Dropped())
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			r.drain()
			return
		case t := <-r.events:
			r.flush(r.collect(t))
		}
	}
}

// collect gathers t and whatever else is already queued, up to BatchSize.
func (r *Recorder) collect(t supervisor.Transition) []supervisor.Transition {
	batch := []supervisor.Transition{t}
	for len(batch) < r.config.BatchSize {
		select {
		case next := <-r.events:
			batch = append(batch, next)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) drain() {
	for {
		select {
		case t := <-r.events:
			r.flush(r.collect(t))
		default:
			return
		}
	}
}

// flush writes a batch in one transaction. A failed batch is retried one
// transition at a time so a single bad row does not lose its neighbours.
func (r *Recorder) flush(batch []supervisor.Transition) {
	ctx, cancel := context.WithTimeout(context.Background(), r.config.WriteTimeout)
	defer cancel()

	err := r.store.WithTx(ctx, func(tx store.Store) error {
		for _, t := range batch {
			if err := tx.RecordTransition(ctx, r.event(t)); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		return
	}
	if len(batch) > 1 {
		r.logger.Warn("batch write failed, retrying singly", "size", len(batch), "error", err)
		for _, t := range batch {
			r.flush([]supervisor.Transition{t})
		}
		return
	}
	r.logger.Error("failed to record transition",
		"service", batch[0].Service,
		"to", batch[0].To,
		"error", err,
	)
}

func (r *Recorder) event(t supervisor.Transition) *store.Event {
	event := &store.Event{
		RunID:   r.runID,
		Service: t.Service,
		From:    t.From,
		To:      t.To,
		PID:     t.PID,
		At:      t.At,
	}
	if t.Err != nil {
		event.Detail = t.Err.Error()
	}
	return event
}
