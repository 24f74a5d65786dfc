package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/kioskd/pkg/log"
	"github.com/cuemby/kioskd/pkg/metrics"
	"github.com/cuemby/kioskd/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultCapacity is the number of distinct messages kept in the buffer
	DefaultCapacity = 100

	// MaxRepeatCount caps the per-message repeat counter
	MaxRepeatCount = 9999
)

// Sink receives flushed batches, typically the fleet backend
type Sink interface {
	SubmitLogs(ctx context.Context, events []types.LogEvent) error
}

// Aggregator buffers deduplicated log events, most recent first, and pushes
// them to a Sink in one batch on Flush.
type Aggregator struct {
	sink     Sink
	capacity int
	now      func() time.Time
	logger   zerolog.Logger

	mu       sync.Mutex
	events   []types.LogEvent
	inFlight bool
}

// NewAggregator creates an aggregator. A capacity <= 0 uses DefaultCapacity.
func NewAggregator(sink Sink, capacity int) *Aggregator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Aggregator{
		sink:     sink,
		capacity: capacity,
		now:      time.Now,
		logger:   log.WithComponent("telemetry"),
		events:   make([]types.LogEvent, 0, capacity),
	}
}

// Record buffers message and echoes it to the console the first time it is seen
func (a *Aggregator) Record(message string, isError bool) {
	if !a.add(message, isError) {
		a.echo(message, isError)
	}
}

// Force buffers message and always echoes it
func (a *Aggregator) Force(message string, isError bool) {
	a.echo(message, isError)
	a.add(message, isError)
}

// Recordf is Record with formatting
func (a *Aggregator) Recordf(isError bool, format string, args ...interface{}) {
	a.Record(fmt.Sprintf(format, args...), isError)
}

// Error records err with a context prefix as an error event
func (a *Aggregator) Error(msg string, err error) {
	a.Record(fmt.Sprintf("%s: %v", msg, err), true)
}

func (a *Aggregator) echo(message string, isError bool) {
	if isError {
		a.logger.Error().Msg(message)
	} else {
		a.logger.Info().Msg(message)
	}
}

// add returns true if message was already buffered
func (a *Aggregator) add(message string, isError bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	for i := range a.events {
		if a.events[i].Message == message {
			if a.events[i].RepeatCount < MaxRepeatCount {
				a.events[i].RepeatCount++
			}
			a.events[i].Timestamp = now
			return true
		}
	}

	a.events = append(a.events, types.LogEvent{})
	copy(a.events[1:], a.events)
	a.events[0] = types.LogEvent{
		Message:     message,
		Timestamp:   now,
		RepeatCount: 1,
		IsError:     isError,
	}
	if len(a.events) > a.capacity {
		a.events = a.events[:a.capacity]
	}
	return false
}

// Snapshot returns a copy of the buffer, most recent first
func (a *Aggregator) Snapshot() []types.LogEvent {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.LogEvent, len(a.events))
	copy(out, a.events)
	return out
}

// Len returns the number of distinct buffered messages
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

// Flush sends the buffer to the sink as one batch and clears it on success.
// Failures are recorded in the buffer and never returned. A forced flush runs
// even when another flush is in flight and returns only once the attempt is
// complete; a regular flush is skipped while one is already running.
func (a *Aggregator) Flush(ctx context.Context, forced bool) {
	a.mu.Lock()
	if a.inFlight && !forced {
		a.mu.Unlock()
		return
	}
	if len(a.events) == 0 || a.sink == nil {
		a.mu.Unlock()
		return
	}
	batch := make([]types.LogEvent, len(a.events))
	copy(batch, a.events)
	a.inFlight = true
	a.mu.Unlock()

	err := a.sink.SubmitLogs(ctx, batch)

	a.mu.Lock()
	a.inFlight = false
	if err == nil {
		a.discard(batch)
	}
	a.mu.Unlock()

	if err != nil {
		metrics.LogFlushes.WithLabelValues("failed").Inc()
		a.Error("Failed to sync log history with server", err)
		return
	}

	metrics.LogFlushes.WithLabelValues("ok").Inc()
	a.logger.Debug().Int("events", len(batch)).Bool("forced", forced).Msg("Synced log history with server")
}

// discard removes the sent events, keeping repeats recorded after the
// snapshot was taken. Must hold a.mu.
func (a *Aggregator) discard(sent []types.LogEvent) {
	sentCounts := make(map[string]int, len(sent))
	for _, ev := range sent {
		sentCounts[ev.Message] = ev.RepeatCount
	}

	kept := a.events[:0]
	for _, ev := range a.events {
		n, ok := sentCounts[ev.Message]
		if !ok {
			kept = append(kept, ev)
			continue
		}
		if ev.RepeatCount > n {
			ev.RepeatCount -= n
			kept = append(kept, ev)
		}
	}
	a.events = kept
}
