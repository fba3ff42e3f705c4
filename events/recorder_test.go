package events

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dnldd/sentinel/shared"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog/log"
)

type mockSink struct {
	events     []shared.Event
	publishErr error
	closed     bool
	mtx        sync.Mutex
}

func (s *mockSink) Name() string {
	return "mock"
}

func (s *mockSink) Publish(ctx context.Context, event shared.Event) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.publishErr != nil {
		return s.publishErr
	}
	s.events = append(s.events, event)
	return nil
}

func (s *mockSink) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.closed = true
	return nil
}

func (s *mockSink) published() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return len(s.events)
}

func setupRecorder(t *testing.T, capacity int32, sinks ...Sink) *Recorder {
	t.Helper()

	r, err := NewRecorder(&RecorderConfig{
		Capacity: capacity,
		Sinks:    sinks,
		Logger:   log.Logger,
	})
	assert.NoError(t, err)

	return r
}

func TestRecorderConfigValidate(t *testing.T) {
	// Ensure negative capacities and nil sinks are flagged.
	err := (&RecorderConfig{Capacity: -1, Sinks: []Sink{nil}}).Validate()
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "event capacity cannot be negative"))
	assert.True(t, strings.Contains(err.Error(), "event sink 0 cannot be nil"))

	assert.NoError(t, (&RecorderConfig{}).Validate())
}

func TestRecorderRecent(t *testing.T) {
	r := setupRecorder(t, 3)

	// Ensure events are timestamped when recorded.
	r.Notify(shared.Event{Category: shared.CycleEvent, Message: "cycle 1"})
	recent := r.Recent(0)
	assert.Equal(t, len(recent), 1)
	assert.False(t, recent[0].Time.IsZero())

	// Ensure only the configured capacity is kept, oldest first.
	r.Notify(shared.NewEvent(shared.BlockEvent, "blocked"))
	r.Notify(shared.NewEvent(shared.SignalEvent, "signal"))
	r.Notify(shared.NewEvent(shared.CycleEvent, "cycle 2"))

	recent = r.Recent(0)
	assert.Equal(t, len(recent), 3)
	assert.Equal(t, recent[0].Message, "blocked")
	assert.Equal(t, recent[2].Message, "cycle 2")

	// Ensure limits keep the newest events.
	recent = r.Recent(1)
	assert.Equal(t, len(recent), 1)
	assert.Equal(t, recent[0].Message, "cycle 2")

	// Ensure categories filter events.
	recent = r.Recent(0, shared.SignalEvent, shared.BlockEvent)
	assert.Equal(t, len(recent), 2)
	assert.Equal(t, recent[0].Category, shared.BlockEvent)
	assert.Equal(t, recent[1].Category, shared.SignalEvent)
}

func TestRecorderRun(t *testing.T) {
	sink := &mockSink{}
	failing := &mockSink{publishErr: errors.New("unavailable")}

	var observed []string
	var observedMtx sync.Mutex
	r, err := NewRecorder(&RecorderConfig{
		Sinks: []Sink{sink, failing},
		ObservePublish: func(name string, err error) {
			observedMtx.Lock()
			defer observedMtx.Unlock()

			result := "ok"
			if err != nil {
				result = "error"
			}
			observed = append(observed, result)
		},
		Logger: log.Logger,
	})
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// Ensure events are relayed to sinks, a failing sink does not block the others.
	r.Notify(shared.NewEvent(shared.PositionOpenEvent, "opened"))
	deadline := time.Now().Add(time.Second * 2)
	for sink.published() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond * 5)
	}
	assert.Equal(t, sink.published(), 1)

	// Ensure queued events are flushed and sinks closed on termination.
	r.Notify(shared.NewEvent(shared.PositionCloseEvent, "closed"))
	cancel()
	<-done

	assert.Equal(t, sink.published(), 2)
	assert.True(t, sink.closed)
	assert.True(t, failing.closed)

	observedMtx.Lock()
	defer observedMtx.Unlock()
	assert.In(t, "error", observed)
	assert.In(t, "ok", observed)
}
