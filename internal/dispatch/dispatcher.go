// Package dispatch delivers side-effect intents and audit records after the
// operation that produced them has committed.
package dispatch

import (
	"context"

	"github.com/rosstax/settlement-core/internal/domain"
	"github.com/rosstax/settlement-core/internal/metrics"
	"github.com/rs/zerolog"
)

// Sink delivers intents to one channel
type Sink interface {
	Name() string
	Deliver(ctx context.Context, intent domain.Intent) error
}

// Dispatcher fans intents out to every sink. Delivery failures are logged
// and counted; they never surface to the caller because the operation has
// already committed.
type Dispatcher struct {
	sinks   []Sink
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher creates a new Dispatcher
func NewDispatcher(logger zerolog.Logger, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:  sinks,
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

// SetMetrics sets the metrics recorder
func (d *Dispatcher) SetMetrics(m *metrics.Metrics) {
	d.metrics = m
}

// Dispatch delivers each intent to every sink
func (d *Dispatcher) Dispatch(ctx context.Context, intents []domain.Intent) {
	for _, intent := range intents {
		for _, sink := range d.sinks {
			err := sink.Deliver(ctx, intent)
			d.metrics.IntentDispatched(sink.Name(), err)
			if err != nil {
				d.logger.Error().
					Err(err).
					Str("sink", sink.Name()).
					Str("recipient", intent.Recipient).
					Str("intent", string(intent.Type)).
					Msg("Failed to deliver intent")
			}
		}
	}
}
