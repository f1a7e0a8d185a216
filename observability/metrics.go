package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	marketMetricsOnce sync.Once
	marketRegistry    *marketMetrics

	negotiationMetricsOnce sync.Once
	negotiationRegistry    *negotiationMetrics

	paymentMetricsOnce sync.Once
	paymentRegistry    *paymentMetrics

	providerMetricsOnce sync.Once
	providerRegistry    *providerMetrics
)

// marketMetrics tracks Subscription Store admission/removal activity.
type marketMetrics struct {
	subscriptionsAdmitted     *prometheus.CounterVec
	subscriptionsUnsubscribed prometheus.Counter
}

// Market returns the lazily-initialised Subscription Store metrics registry.
func Market() *marketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &marketMetrics{
			subscriptionsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketnode",
				Subsystem: "market",
				Name:      "subscriptions_admitted_total",
				Help:      "Count of offer/demand subscriptions admitted into the store, by kind.",
			}, []string{"kind"}),
			subscriptionsUnsubscribed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "marketnode",
				Subsystem: "market",
				Name:      "subscriptions_unsubscribed_total",
				Help:      "Count of subscriptions removed via unsubscribe.",
			}),
		}
		prometheus.MustRegister(marketRegistry.subscriptionsAdmitted, marketRegistry.subscriptionsUnsubscribed)
	})
	return marketRegistry
}

// RecordAdmitted increments the admitted-subscription counter for the given kind.
func (m *marketMetrics) RecordAdmitted(kind string) {
	if m == nil {
		return
	}
	m.subscriptionsAdmitted.WithLabelValues(labelOrUnknown(kind)).Inc()
}

// RecordUnsubscribed increments the unsubscribe counter.
func (m *marketMetrics) RecordUnsubscribed() {
	if m == nil {
		return
	}
	m.subscriptionsUnsubscribed.Inc()
}

// negotiationMetrics tracks proposal traffic and agreement FSM transitions.
type negotiationMetrics struct {
	proposalsSent     *prometheus.CounterVec
	proposalsReceived *prometheus.CounterVec
	agreementPhases   *prometheus.CounterVec
}

// Negotiation returns the lazily-initialised negotiation metrics registry.
func Negotiation() *negotiationMetrics {
	negotiationMetricsOnce.Do(func() {
		negotiationRegistry = &negotiationMetrics{
			proposalsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketnode",
				Subsystem: "negotiation",
				Name:      "proposals_sent_total",
				Help:      "Count of proposals sent to a peer, by owning role.",
			}, []string{"role"}),
			proposalsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketnode",
				Subsystem: "negotiation",
				Name:      "proposals_received_total",
				Help:      "Count of proposals applied from a peer, by counterparty role.",
			}, []string{"role"}),
			agreementPhases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketnode",
				Subsystem: "negotiation",
				Name:      "agreement_phase_transitions_total",
				Help:      "Count of agreement FSM phase transitions, by resulting phase.",
			}, []string{"phase"}),
		}
		prometheus.MustRegister(
			negotiationRegistry.proposalsSent,
			negotiationRegistry.proposalsReceived,
			negotiationRegistry.agreementPhases,
		)
	})
	return negotiationRegistry
}

// RecordProposalSent increments the outbound proposal counter for role.
func (m *negotiationMetrics) RecordProposalSent(role string) {
	if m == nil {
		return
	}
	m.proposalsSent.WithLabelValues(labelOrUnknown(role)).Inc()
}

// RecordProposalReceived increments the inbound proposal counter for role.
func (m *negotiationMetrics) RecordProposalReceived(role string) {
	if m == nil {
		return
	}
	m.proposalsReceived.WithLabelValues(labelOrUnknown(role)).Inc()
}

// RecordAgreementPhase increments the agreement-phase counter.
func (m *negotiationMetrics) RecordAgreementPhase(phase string) {
	if m == nil {
		return
	}
	m.agreementPhases.WithLabelValues(labelOrUnknown(phase)).Inc()
}

// paymentMetrics tracks allocation rejections and settlement outcomes.
type paymentMetrics struct {
	allocationsRejected *prometheus.CounterVec
	settlements         *prometheus.CounterVec
	settlementLatency   *prometheus.HistogramVec
}

// Payment returns the lazily-initialised payment core metrics registry.
func Payment() *paymentMetrics {
	paymentMetricsOnce.Do(func() {
		paymentRegistry = &paymentMetrics{
			allocationsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketnode",
				Subsystem: "payment",
				Name:      "allocations_rejected_total",
				Help:      "Count of documents rejected at the allocation lookup step, by reason.",
			}, []string{"reason"}),
			settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketnode",
				Subsystem: "payment",
				Name:      "settlements_total",
				Help:      "Count of scheduler settlement attempts, by platform and outcome.",
			}, []string{"platform", "outcome"}),
			settlementLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "marketnode",
				Subsystem: "payment",
				Name:      "settlement_duration_seconds",
				Help:      "Latency distribution for successful driver settlements.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"platform"}),
		}
		prometheus.MustRegister(
			paymentRegistry.allocationsRejected,
			paymentRegistry.settlements,
			paymentRegistry.settlementLatency,
		)
	})
	return paymentRegistry
}

// RecordAllocationRejected increments the allocation-rejection counter for reason.
func (m *paymentMetrics) RecordAllocationRejected(reason string) {
	if m == nil {
		return
	}
	m.allocationsRejected.WithLabelValues(labelOrUnknown(reason)).Inc()
}

// RecordSettlement increments the settlement counter for platform, labelled
// by outcome ("success" or "failure").
func (m *paymentMetrics) RecordSettlement(platform string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.settlements.WithLabelValues(labelOrUnknown(platform), outcome).Inc()
}

// ObserveSettlementLatency records how long a successful settlement took.
func (m *paymentMetrics) ObserveSettlementLatency(platform string, d time.Duration) {
	if m == nil {
		return
	}
	m.settlementLatency.WithLabelValues(labelOrUnknown(platform)).Observe(d.Seconds())
}

// providerMetrics tracks Task Coordinator activity-state transitions.
type providerMetrics struct {
	activityState *prometheus.CounterVec
}

// Provider returns the lazily-initialised Task Coordinator metrics registry.
func Provider() *providerMetrics {
	providerMetricsOnce.Do(func() {
		providerRegistry = &providerMetrics{
			activityState: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketnode",
				Subsystem: "provider",
				Name:      "activity_state_transitions_total",
				Help:      "Count of Task Coordinator activity-state transitions, by resulting state.",
			}, []string{"state"}),
		}
		prometheus.MustRegister(providerRegistry.activityState)
	})
	return providerRegistry
}

// RecordActivityState increments the activity-state counter for the state the
// coordinator just entered.
func (m *providerMetrics) RecordActivityState(state string) {
	if m == nil {
		return
	}
	m.activityState.WithLabelValues(labelOrUnknown(state)).Inc()
}

func labelOrUnknown(label string) string {
	trimmed := strings.TrimSpace(label)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
