package observability

import (
	"marketnode/core/events"
	"marketnode/market"
)

// MetricsEmitter implements events.Emitter by recording Subscription Store
// events into the market metrics registry, so admission/removal activity is
// observable without every caller reaching into the metrics package directly.
type MetricsEmitter struct{}

// NewMetricsEmitter constructs a MetricsEmitter.
func NewMetricsEmitter() MetricsEmitter { return MetricsEmitter{} }

// Emit implements events.Emitter.
func (MetricsEmitter) Emit(evt events.Event) {
	switch e := evt.(type) {
	case market.SubscriptionAdmittedEvent:
		Market().RecordAdmitted(string(e.Kind))
	case market.SubscriptionUnsubscribedEvent:
		Market().RecordUnsubscribed()
	}
}
