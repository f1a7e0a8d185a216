package market

import (
	"fmt"
	"sync"
)

// MatchResult records the outcome of evaluating one (Offer, Demand) pair,
// including the undefined case, for diagnostics as required by the spec.
type MatchResult struct {
	OfferID      SubscriptionId
	DemandID     SubscriptionId
	OfferResult  Tri // Offer-constraints(Demand-properties)
	DemandResult Tri // Demand-constraints(Offer-properties)
}

// Matches reports whether both sides' constraints evaluated to True.
func (m MatchResult) Matches() bool {
	return m.OfferResult == TriTrue && m.DemandResult == TriTrue
}

// ProposalSink receives initial proposals produced by the matcher. The
// Negotiation Broker implements this to suppress duplicates per (offer,demand).
type ProposalSink interface {
	InitialMatch(offer, demand *Subscription) error
}

// Matcher evaluates property/constraint pairs and emits initial Proposals on
// new matches, in the order matches are found.
type Matcher struct {
	mu   sync.Mutex
	sink ProposalSink

	// seen suppresses duplicate (offer,demand) deliveries at the matcher
	// boundary in addition to the broker's own suppression, so that a
	// re-run of the matching pass (e.g. after admitting a new remote
	// subscription) does not re-deliver pairs already matched.
	seen map[string]struct{}
}

// NewMatcher constructs a Matcher delivering initial proposals to sink.
func NewMatcher(sink ProposalSink) *Matcher {
	return &Matcher{sink: sink, seen: make(map[string]struct{})}
}

// Evaluate computes the three-valued match result for one (offer, demand) pair.
func Evaluate(offer, demand *Subscription) (MatchResult, error) {
	offerCons, err := ParseConstraints(offer.Constraints)
	if err != nil {
		return MatchResult{}, fmt.Errorf("market: offer %s: %w", offer.ID, err)
	}
	demandCons, err := ParseConstraints(demand.Constraints)
	if err != nil {
		return MatchResult{}, fmt.Errorf("market: demand %s: %w", demand.ID, err)
	}
	return MatchResult{
		OfferID:      offer.ID,
		DemandID:     demand.ID,
		OfferResult:  offerCons.Eval(demand.Properties),
		DemandResult: demandCons.Eval(offer.Properties),
	}, nil
}

// MatchOne runs offer against every candidate in demands (or vice versa,
// depending on which side offer/demand plays) and delivers new matches to
// the sink in encounter order.
func (m *Matcher) MatchOne(subject *Subscription, candidates []*Subscription) error {
	for _, other := range candidates {
		var offer, demand *Subscription
		switch {
		case subject.Kind == KindOffer && other.Kind == KindDemand:
			offer, demand = subject, other
		case subject.Kind == KindDemand && other.Kind == KindOffer:
			offer, demand = other, subject
		default:
			continue
		}
		result, err := Evaluate(offer, demand)
		if err != nil {
			return err
		}
		if !result.Matches() {
			continue
		}
		key := offer.ID.String() + "|" + demand.ID.String()
		m.mu.Lock()
		_, dup := m.seen[key]
		if !dup {
			m.seen[key] = struct{}{}
		}
		m.mu.Unlock()
		if dup {
			continue
		}
		if err := m.sink.InitialMatch(offer, demand); err != nil {
			return err
		}
	}
	return nil
}
