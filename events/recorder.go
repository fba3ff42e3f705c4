package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dnldd/sentinel/shared"
	"github.com/rs/zerolog"
)

const (
	// bufferSize is the default buffer size for the sink queue.
	bufferSize = 256
	// defaultCapacity is the default number of recent events kept.
	defaultCapacity = 500
	// publishTimeout bounds publishing a single event to a sink.
	publishTimeout = time.Second * 5
)

// Sink defines the requirements of an external event destination.
type Sink interface {
	// Name identifies the sink.
	Name() string
	// Publish delivers the provided event.
	Publish(ctx context.Context, event shared.Event) error
	// Close releases the sink's resources.
	Close() error
}

// RecorderConfig represents the event recorder configuration.
type RecorderConfig struct {
	// Capacity is the number of recent events kept for display.
	Capacity int32
	// Sinks are the external destinations events are published to.
	Sinks []Sink
	// ObservePublish is called with the outcome of every sink publish.
	ObservePublish func(sink string, err error)
	// Logger represents the application logger.
	Logger zerolog.Logger
}

// Validate asserts the config sane inputs.
func (cfg *RecorderConfig) Validate() error {
	var errs error
	if cfg.Capacity < 0 {
		errs = errors.Join(errs, fmt.Errorf("event capacity cannot be negative"))
	}
	for idx := range cfg.Sinks {
		if cfg.Sinks[idx] == nil {
			errs = errors.Join(errs, fmt.Errorf("event sink %d cannot be nil", idx))
		}
	}
	return errs
}

// Recorder logs engine events, keeps the most recent for display and relays them to sinks.
type Recorder struct {
	cfg    *RecorderConfig
	recent *shared.Snapshot[shared.Event]
	queue  chan shared.Event
}

// NewRecorder initializes a new event recorder.
func NewRecorder(cfg *RecorderConfig) (*Recorder, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating recorder config: %w", err)
	}

	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = defaultCapacity
	}

	recent, err := shared.NewSnapshot[shared.Event](capacity)
	if err != nil {
		return nil, fmt.Errorf("creating event snapshot: %w", err)
	}

	return &Recorder{
		cfg:    cfg,
		recent: recent,
		queue:  make(chan shared.Event, bufferSize),
	}, nil
}

// logLevel returns the log level of the provided event category.
func logLevel(category shared.EventCategory) zerolog.Level {
	if category == shared.EvaluationEvent {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

// Notify records the provided event.
func (r *Recorder) Notify(event shared.Event) {
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	entry := r.cfg.Logger.WithLevel(logLevel(event.Category)).
		Str("category", string(event.Category))
	if event.StrategyID != "" {
		entry = entry.Str("strategy", event.StrategyID)
	}
	if event.Instrument != "" {
		entry = entry.Str("instrument", event.Instrument)
	}
	if len(event.Fields) > 0 {
		entry = entry.Fields(event.Fields)
	}
	entry.Msg(event.Message)

	r.recent.Update(event)

	if len(r.cfg.Sinks) == 0 {
		return
	}

	select {
	case r.queue <- event:
		// do nothing.
	default:
		r.cfg.Logger.Error().Msgf("event channel at capacity: %d/%d", len(r.queue), bufferSize)
	}
}

// Recent returns up to limit of the most recent events, oldest first. Categories filter the
// events returned when provided.
func (r *Recorder) Recent(limit int, categories ...shared.EventCategory) []shared.Event {
	all := r.recent.LastN(r.recent.Count())
	if len(categories) > 0 {
		filtered := all[:0]
		for idx := range all {
			for _, c := range categories {
				if all[idx].Category == c {
					filtered = append(filtered, all[idx])
					break
				}
			}
		}
		all = filtered
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}

	return all
}

// publish relays the provided event to every sink.
func (r *Recorder) publish(ctx context.Context, event shared.Event) {
	for _, sink := range r.cfg.Sinks {
		err := shared.WithTimeout(ctx, publishTimeout, func(ctx context.Context) error {
			return sink.Publish(ctx, event)
		})
		if err != nil {
			r.cfg.Logger.Error().Msgf("publishing %s event to %s: %v", event.Category, sink.Name(), err)
		}
		if r.cfg.ObservePublish != nil {
			r.cfg.ObservePublish(sink.Name(), err)
		}
	}
}

// flush publishes queued events with a fresh deadline.
func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	for {
		select {
		case event := <-r.queue:
			r.publish(ctx, event)
		default:
			return
		}
	}
}

// Run manages the lifecycle processes of the event recorder.
func (r *Recorder) Run(ctx context.Context) {
	defer func() {
		for _, sink := range r.cfg.Sinks {
			err := sink.Close()
			if err != nil {
				r.cfg.Logger.Error().Msgf("closing %s sink: %v", sink.Name(), err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			r.flush()
			return

		case event := <-r.queue:
			r.publish(ctx, event)
		}
	}
}
