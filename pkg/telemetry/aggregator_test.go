package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/kioskd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]types.LogEvent
	err     error

	// block, when set, holds SubmitLogs until closed
	block   chan struct{}
	entered chan struct{}
}

func (s *recordingSink) SubmitLogs(ctx context.Context, events []types.LogEvent) error {
	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, events)
	return s.err
}

func (s *recordingSink) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func newTestAggregator(sink Sink, capacity int) *Aggregator {
	a := NewAggregator(sink, capacity)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	a.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return a
}

func TestRecord_NewMessageGoesFirst(t *testing.T) {
	a := newTestAggregator(nil, 10)

	a.Record("first", false)
	a.Record("second", true)

	events := a.Snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "second", events[0].Message)
	assert.True(t, events[0].IsError)
	assert.Equal(t, 1, events[0].RepeatCount)
	assert.Equal(t, "first", events[1].Message)
}

func TestRecord_RepeatIncrementsInPlace(t *testing.T) {
	a := newTestAggregator(nil, 10)

	a.Record("x", false)
	a.Record("y", false)
	before := a.Snapshot()[1].Timestamp
	a.Record("x", false)

	events := a.Snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "y", events[0].Message, "repeat must not move the entry")
	assert.Equal(t, "x", events[1].Message)
	assert.Equal(t, 2, events[1].RepeatCount)
	assert.True(t, events[1].Timestamp.After(before))
}

func TestRecord_RepeatCountIsCapped(t *testing.T) {
	a := newTestAggregator(nil, 10)

	for i := 0; i < MaxRepeatCount+50; i++ {
		a.Record("spam", false)
	}

	events := a.Snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, MaxRepeatCount, events[0].RepeatCount)
}

func TestRecord_CapacityEvictsOldest(t *testing.T) {
	a := newTestAggregator(nil, 3)

	for i := 0; i < 5; i++ {
		a.Record(fmt.Sprintf("m%d", i), false)
	}

	events := a.Snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "m4", events[0].Message)
	assert.Equal(t, "m3", events[1].Message)
	assert.Equal(t, "m2", events[2].Message)
}

func TestNewAggregator_DefaultCapacity(t *testing.T) {
	a := newTestAggregator(nil, 0)

	for i := 0; i < DefaultCapacity+10; i++ {
		a.Record(fmt.Sprintf("m%d", i), false)
	}
	assert.Equal(t, DefaultCapacity, a.Len())
}

func TestForce_BuffersLikeRecord(t *testing.T) {
	a := newTestAggregator(nil, 10)

	a.Force("crash", true)
	a.Force("crash", true)

	events := a.Snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].RepeatCount)
}

func TestFlush_SuccessClearsBuffer(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAggregator(sink, 10)
	a.Record("one", false)
	a.Record("two", true)

	a.Flush(context.Background(), true)

	require.Equal(t, 1, sink.calls())
	assert.Len(t, sink.batches[0], 2)
	assert.Equal(t, 0, a.Len())
}

func TestFlush_RepeatedMessageIsOneEntry(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAggregator(sink, 10)
	for i := 0; i < 9; i++ {
		a.Record("X", false)
	}

	a.Flush(context.Background(), true)

	require.Equal(t, 1, sink.calls())
	require.Len(t, sink.batches[0], 1)
	assert.Equal(t, "X", sink.batches[0][0].Message)
	assert.Equal(t, 9, sink.batches[0][0].RepeatCount)
}

func TestFlush_EmptyBufferSkipsSink(t *testing.T) {
	sink := &recordingSink{}
	a := newTestAggregator(sink, 10)

	a.Flush(context.Background(), true)

	assert.Equal(t, 0, sink.calls())
}

func TestFlush_FailureKeepsBufferAndRecordsError(t *testing.T) {
	sink := &recordingSink{err: errors.New("connection refused")}
	a := newTestAggregator(sink, 10)
	a.Record("one", false)

	a.Flush(context.Background(), true)

	events := a.Snapshot()
	require.Len(t, events, 2)
	assert.True(t, events[0].IsError)
	assert.Contains(t, events[0].Message, "connection refused")
	assert.Equal(t, "one", events[1].Message)
}

func TestFlush_KeepsRepeatsRecordedDuringSubmit(t *testing.T) {
	sink := &recordingSink{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 1),
	}
	a := newTestAggregator(sink, 10)
	a.Record("busy", false)
	a.Record("busy", false)

	done := make(chan struct{})
	go func() {
		a.Flush(context.Background(), false)
		close(done)
	}()

	<-sink.entered
	a.Record("busy", false)
	a.Record("fresh", false)
	close(sink.block)
	<-done

	assert.Len(t, sink.batches[0], 1)
	assert.Equal(t, 2, sink.batches[0][0].RepeatCount)

	events := a.Snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "fresh", events[0].Message)
	assert.Equal(t, "busy", events[1].Message)
	assert.Equal(t, 1, events[1].RepeatCount)
}

func TestFlush_RegularFlushSkippedWhileInFlight(t *testing.T) {
	sink := &recordingSink{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 2),
	}
	a := newTestAggregator(sink, 10)
	a.Record("one", false)

	done := make(chan struct{})
	go func() {
		a.Flush(context.Background(), false)
		close(done)
	}()
	<-sink.entered

	// Returns immediately without reaching the sink
	a.Flush(context.Background(), false)

	close(sink.block)
	<-done
	assert.Equal(t, 1, sink.calls())
}

func TestFlush_ForcedRunsWhileInFlight(t *testing.T) {
	sink := &recordingSink{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 2),
	}
	a := newTestAggregator(sink, 10)
	a.Record("one", false)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Flush(context.Background(), false)
	}()
	<-sink.entered

	go func() {
		defer wg.Done()
		a.Flush(context.Background(), true)
	}()
	<-sink.entered

	close(sink.block)
	wg.Wait()
	assert.Equal(t, 2, sink.calls())
}

func TestRecord_ConcurrentUse(t *testing.T) {
	a := newTestAggregator(&recordingSink{}, 50)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.Record(fmt.Sprintf("worker-%d", n), false)
			}
		}(i)
	}
	wg.Wait()

	events := a.Snapshot()
	require.Len(t, events, 8)
	for _, ev := range events {
		assert.Equal(t, 100, ev.RepeatCount)
	}
}
