package negotiation

import (
	"time"

	"marketnode/market"
)

// Outcome is the result category a negotiator component returns.
type Outcome int

const (
	OutcomeReady Outcome = iota
	OutcomeNegotiating
	OutcomeReject
)

// StepResult is what one negotiator component returns from NegotiateStep.
type StepResult struct {
	Outcome      Outcome
	Proposal     *market.Proposal // the (possibly mutated) draft
	Score        float64
	RejectReason string
	IsFinal      bool
}

// Negotiator is one pluggable pipeline component (§4.D). Implementations may
// mutate the draft's properties but never its constraints, and must return
// Negotiating rather than silently accept a change to a property already
// agreed between the two parties.
type Negotiator interface {
	Name() string
	NegotiateStep(theirProposal, ownDraft *market.Proposal, score float64) (StepResult, error)
}

// Pipeline is the ordered chain of negotiator components.
type Pipeline struct {
	components []Negotiator
}

// NewPipeline builds a pipeline from the given components in declared order.
func NewPipeline(components ...Negotiator) *Pipeline {
	return &Pipeline{components: components}
}

// Run executes every component in order against the same (theirProposal,
// ownDraft) pair, accumulating the composed outcome per the composition
// rules: a Reject short-circuits; a Negotiating result anywhere makes the
// overall outcome Negotiating; otherwise the outcome is Ready.
func (p *Pipeline) Run(theirProposal, ownDraft *market.Proposal) (StepResult, error) {
	draft := ownDraft
	overall := OutcomeReady
	var score float64

	for _, c := range p.components {
		res, err := c.NegotiateStep(theirProposal, draft, score)
		if err != nil {
			return StepResult{}, err
		}
		if res.Outcome == OutcomeReject {
			return res, nil
		}
		if res.Proposal != nil {
			draft = res.Proposal
		}
		score = res.Score
		if res.Outcome == OutcomeNegotiating {
			overall = OutcomeNegotiating
		}
	}
	return StepResult{Outcome: overall, Proposal: draft, Score: score}, nil
}

// --- property accessors shared by the standard components ---

func propString(p market.Properties, key string) (string, bool) {
	v, ok := p[key]
	if !ok || v.Str == nil {
		return "", false
	}
	return *v.Str, true
}

func propNum(p market.Properties, key string) (float64, bool) {
	v, ok := p[key]
	if !ok || v.Num == nil {
		return 0, false
	}
	return *v.Num, true
}

func setNum(p market.Properties, key string, val float64) {
	p[key] = market.PropertyValue{Num: &val}
}

func cloneProperties(p market.Properties) market.Properties {
	out := make(market.Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

func withDraft(src *market.Proposal, mutate func(market.Properties)) *market.Proposal {
	next := *src
	next.Properties = cloneProperties(src.Properties)
	mutate(next.Properties)
	return &next
}

// Well-known property paths used by the standard components below.
const (
	propExpiration       = "golem/srv/comp/expiration"
	propDebitNoteInterval = "golem/com/scheme/payment/debit-note/interval-sec"
	propPaymentTimeout   = "golem/com/scheme/payment/payment-timeout-sec"
)

// --- standard negotiator components, in spec-mandated order ---

// DemandValidation enforces schema/required-field presence on the demand
// side of the draft.
type DemandValidation struct {
	RequiredProperties []string
}

func (DemandValidation) Name() string { return "demand-validation" }

func (d DemandValidation) NegotiateStep(their, own *market.Proposal, score float64) (StepResult, error) {
	for _, key := range d.RequiredProperties {
		if _, ok := their.Properties[key]; !ok {
			return StepResult{Outcome: OutcomeReject, RejectReason: "missing required property " + key, IsFinal: true}, nil
		}
	}
	return StepResult{Outcome: OutcomeReady, Proposal: own, Score: score}, nil
}

// ConcurrentAgreementLimit refuses new negotiations once the provider
// already hosts the configured maximum number of active agreements.
type ConcurrentAgreementLimit struct {
	Max     int
	Current func() int
}

func (ConcurrentAgreementLimit) Name() string { return "concurrent-agreement-limit" }

func (c ConcurrentAgreementLimit) NegotiateStep(their, own *market.Proposal, score float64) (StepResult, error) {
	if c.Current != nil && c.Current() >= c.Max {
		return StepResult{Outcome: OutcomeReject, RejectReason: "provider at concurrent agreement limit", IsFinal: false}, nil
	}
	return StepResult{Outcome: OutcomeReady, Proposal: own, Score: score}, nil
}

// ExpirationBound ensures expiration-now falls within [Min,Max]; violations
// reject with IsFinal=true since no further negotiation can fix a structural
// window mismatch.
type ExpirationBound struct {
	Min, Max time.Duration
}

func (ExpirationBound) Name() string { return "expiration-bound" }

func (e ExpirationBound) NegotiateStep(their, own *market.Proposal, score float64) (StepResult, error) {
	window := time.Until(their.ExpirationTS)
	if window < e.Min || window > e.Max {
		return StepResult{Outcome: OutcomeReject, RejectReason: "expiration window out of bounds", IsFinal: true}, nil
	}
	return StepResult{Outcome: OutcomeReady, Proposal: own, Score: score}, nil
}

// DebitNoteInterval ensures the requested interval lies in [Min,Max] and
// equals the offer's configured value; if it is absent or differs, the
// component sets it on the draft and returns Negotiating.
type DebitNoteInterval struct {
	Min, Max time.Duration
	OfferValue time.Duration
}

func (DebitNoteInterval) Name() string { return "debit-note-interval" }

func (d DebitNoteInterval) NegotiateStep(their, own *market.Proposal, score float64) (StepResult, error) {
	want := d.OfferValue.Seconds()
	got, ok := propNum(their.Properties, propDebitNoteInterval)
	if ok {
		if got < d.Min.Seconds() || got > d.Max.Seconds() {
			return StepResult{Outcome: OutcomeReject, RejectReason: "debit-note interval out of bounds", IsFinal: true}, nil
		}
		if got == want {
			return StepResult{Outcome: OutcomeReady, Proposal: own, Score: score}, nil
		}
	}
	next := withDraft(own, func(p market.Properties) { setNum(p, propDebitNoteInterval, want) })
	return StepResult{Outcome: OutcomeNegotiating, Proposal: next, Score: score}, nil
}

// PaymentTimeout enforces the payment-timeout range and echoes the demand's
// value when present; when absent, short agreements have the property
// stripped from the offer (Negotiating), long ones are rejected IsFinal=true.
type PaymentTimeout struct {
	Min, Max      time.Duration
	RequiredFrom  time.Duration // agreement duration threshold above which the property is mandatory
	AgreementDuration time.Duration
}

func (PaymentTimeout) Name() string { return "payment-timeout" }

func (pt PaymentTimeout) NegotiateStep(their, own *market.Proposal, score float64) (StepResult, error) {
	got, present := propNum(their.Properties, propPaymentTimeout)
	if present {
		if got < pt.Min.Seconds() || got > pt.Max.Seconds() {
			return StepResult{Outcome: OutcomeReject, RejectReason: "payment timeout out of bounds", IsFinal: true}, nil
		}
		if ownVal, ownHas := propNum(own.Properties, propPaymentTimeout); ownHas && ownVal == got {
			return StepResult{Outcome: OutcomeReady, Proposal: own, Score: score}, nil
		}
		next := withDraft(own, func(p market.Properties) { setNum(p, propPaymentTimeout, got) })
		return StepResult{Outcome: OutcomeNegotiating, Proposal: next, Score: score}, nil
	}

	if pt.AgreementDuration > pt.RequiredFrom {
		return StepResult{Outcome: OutcomeReject, RejectReason: "payment timeout required for agreement duration", IsFinal: true}, nil
	}
	if _, ownHas := propNum(own.Properties, propPaymentTimeout); !ownHas {
		return StepResult{Outcome: OutcomeReady, Proposal: own, Score: score}, nil
	}
	next := withDraft(own, func(p market.Properties) { delete(p, propPaymentTimeout) })
	return StepResult{Outcome: OutcomeNegotiating, Proposal: next, Score: score}, nil
}

// ManifestVerifier validates a computational manifest's signature chain, or
// alternatively accepts an unsigned manifest whose outbound URLs all match a
// domain whitelist.
type ManifestVerifier interface {
	VerifySignatureChain(manifest []byte, signatureChain []byte) error
	OutboundURLsWhitelisted(manifest []byte, whitelist []string) bool
}

// ManifestSignature is the final standard component.
type ManifestSignature struct {
	Verifier  ManifestVerifier
	Whitelist []string
}

func (ManifestSignature) Name() string { return "manifest-signature" }

func (m ManifestSignature) NegotiateStep(their, own *market.Proposal, score float64) (StepResult, error) {
	manifestStr, hasManifest := propString(their.Properties, "golem/srv/comp/payload")
	if !hasManifest {
		return StepResult{Outcome: OutcomeReady, Proposal: own, Score: score}, nil
	}
	manifest := []byte(manifestStr)
	sigChainStr, hasSig := propString(their.Properties, "golem/srv/comp/payload-sig")

	if hasSig {
		if err := m.Verifier.VerifySignatureChain(manifest, []byte(sigChainStr)); err != nil {
			return StepResult{Outcome: OutcomeReject, RejectReason: "manifest signature invalid: " + err.Error(), IsFinal: true}, nil
		}
		return StepResult{Outcome: OutcomeReady, Proposal: own, Score: score}, nil
	}

	if m.Verifier.OutboundURLsWhitelisted(manifest, m.Whitelist) {
		return StepResult{Outcome: OutcomeReady, Proposal: own, Score: score}, nil
	}
	return StepResult{Outcome: OutcomeReject, RejectReason: "unsigned manifest references non-whitelisted URLs", IsFinal: true}, nil
}
