// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package notify delivers job progress events to sinks without blocking the
// pipeline. Events are queued on a bounded buffer and dropped when it is full.
package notify

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pdiddy/chapter-engine/internal/logging"
	"github.com/pdiddy/chapter-engine/pkg/types"
)

// sendTimeout bounds a single sink delivery.
const sendTimeout = 5 * time.Second

// Event reports a stage completion or a job state change.
type Event struct {
	JobID      string          `json:"job_id"`
	LineageID  string          `json:"lineage_id,omitempty"`
	Version    int             `json:"version,omitempty"`
	Stage      types.StageID   `json:"stage"`
	StageName  string          `json:"stage_name,omitempty"`
	Status     types.JobStatus `json:"status"`
	Confidence float64         `json:"confidence,omitempty"`
	Error      string          `json:"error,omitempty"`
	Time       time.Time       `json:"time"`
}

// Sink receives events. Send errors are logged and otherwise ignored.
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Dispatcher fans events out to its sinks from a single goroutine.
type Dispatcher struct {
	sinks []Sink
	log   *logging.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	done    chan struct{}
	dropped atomic.Int64
}

// NewDispatcher starts a dispatcher with a queue of bufferSize events.
// Close must be called to stop it.
func NewDispatcher(bufferSize int, log *logging.Logger, sinks ...Sink) *Dispatcher {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	d := &Dispatcher{
		sinks: sinks,
		log:   log.OrNop(),
		queue: make(chan Event, bufferSize),
		done:  make(chan struct{}),
	}
	go d.run()
	return d
}

// Notify enqueues e and returns false if it was dropped because the queue
// is full or the dispatcher is closed. It never blocks.
func (d *Dispatcher) Notify(e Event) bool {
	if d == nil {
		return false
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if e.StageName == "" && e.Stage.Valid() {
		e.StageName = e.Stage.String()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return false
	}
	select {
	case d.queue <- e:
		return true
	default:
		d.dropped.Add(1)
		d.log.Debug("notification dropped", "job", e.JobID, "stage", e.StageName, "status", e.Status)
		return false
	}
}

// Dropped returns the number of events discarded so far.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Close stops accepting events, delivers what is queued, and waits for the
// dispatcher goroutine to exit.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.done
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.queue {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			if err := s.Send(ctx, e); err != nil {
				d.log.Warn("notification sink failed", "sink", s.Name(), "job", e.JobID, "error", err)
			}
			cancel()
		}
	}
}

// LogSink writes events to the logger.
type LogSink struct {
	log *logging.Logger
}

// NewLogSink returns a sink that logs each event at info level.
func NewLogSink(log *logging.Logger) *LogSink {
	return &LogSink{log: log.OrNop()}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, e Event) error {
	kv := []any{"job", e.JobID, "stage", e.StageName, "status", e.Status}
	if e.Confidence > 0 {
		kv = append(kv, "confidence", e.Confidence)
	}
	if e.Error != "" {
		kv = append(kv, "error", e.Error)
	}
	s.log.Info("progress", kv...)
	return nil
}
