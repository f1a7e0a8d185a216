// Package market implements the decentralized market engine: the
// subscription store, gossip discovery, the constraint matcher, and the
// data types shared by the negotiation broker.
package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role distinguishes the two sides of an engagement.
type Role string

const (
	RoleProvider  Role = "provider"
	RoleRequestor Role = "requestor"
)

// Kind distinguishes an Offer from a Demand.
type Kind string

const (
	KindOffer  Kind = "offer"
	KindDemand Kind = "demand"
)

// PropertyValue is a typed value inside a property document. Exactly one
// field is set, matching the literal syntax the constraint language accepts.
type PropertyValue struct {
	Str     *string
	Num     *float64
	Dec     *decimal.Decimal
	Bool    *bool
	Time    *time.Time
	Version *string
	List    []PropertyValue
}

// Properties is a semi-structured document: dotted path -> typed value.
// Nested keys are separated by "/" per the spec's property model.
type Properties map[string]PropertyValue

// Constraints is the raw S-expression source of a boolean constraint tree.
type Constraints string

// Subscription is the tagged union Offer | Demand.
type Subscription struct {
	ID            SubscriptionId
	Kind          Kind
	IssuerNodeID  string
	Properties    Properties
	Constraints   Constraints
	CreationTS    time.Time
	ExpirationTS  time.Time
	InsertionTS   time.Time
}

// Expired reports whether the subscription is expired at instant now.
// Expiration exactly at now counts as expired (spec boundary behavior).
func (s *Subscription) Expired(now time.Time) bool {
	return !now.Before(s.ExpirationTS)
}

// ProposalState is the Proposal FSM's state set.
type ProposalState string

const (
	ProposalInitial  ProposalState = "Initial"
	ProposalDraft    ProposalState = "Draft"
	ProposalRejected ProposalState = "Rejected"
	ProposalAccepted ProposalState = "Accepted"
	ProposalExpired  ProposalState = "Expired"
)

// ProposalID identifies a single node in a proposal chain.
type ProposalID string

// Proposal is a counter-offer in a negotiation chain.
type Proposal struct {
	ID             ProposalID
	PrevProposalID ProposalID // empty if this is the chain root
	NegotiationID  NegotiationID
	OwnerRole      Role // whose counter-offer this is
	Properties     Properties
	Constraints    Constraints
	State          ProposalState
	CreationTS     time.Time
	ExpirationTS   time.Time
}

// NegotiationID identifies a bilateral exchange between one offer and one demand.
type NegotiationID string

// Negotiation is the stable identifier of a bilateral exchange.
type Negotiation struct {
	ID            NegotiationID
	SubscriptionID SubscriptionId // the local party's subscription
	OfferID       SubscriptionId
	DemandID      SubscriptionId
	LocalIdentity string
	RequestorID   string
	ProviderID    string
	AgreementID   AgreementID // empty until promoted
}

// AgreementState is the Agreement FSM's state set.
type AgreementState string

const (
	AgreementProposal   AgreementState = "Proposal"
	AgreementPending    AgreementState = "Pending"
	AgreementApproving  AgreementState = "Approving"
	AgreementApproved   AgreementState = "Approved"
	AgreementTerminated AgreementState = "Terminated"
	AgreementCancelled  AgreementState = "Cancelled"
	AgreementRejected   AgreementState = "Rejected"
	AgreementExpired    AgreementState = "Expired"
)

// AgreementID is the id of the accepted final proposal, used unchanged; no
// owner=Requestor translation is applied.
type AgreementID string

// Signature is an opaque signature blob over an agreement phase's canonical bytes.
type Signature struct {
	SignerNodeID string
	Bytes        []byte
}

// Agreement is a bilateral contract derived from a terminal Proposal.
type Agreement struct {
	ID           AgreementID
	Demand       Properties
	DemandCons   Constraints
	DemandID     SubscriptionId
	Offer        Properties
	OfferCons    Constraints
	OfferID      SubscriptionId
	ProviderID   string
	RequestorID  string
	AppSessionID string
	CreationTS   time.Time
	ValidTo      time.Time
	ApprovedTS   *time.Time
	State        AgreementState

	ProposedSig  *Signature
	ApprovedSig  *Signature
	CommittedSig *Signature
}

// Owner reports the identity that owns this agreement for the given role.
func (a *Agreement) Owner(role Role) string {
	if role == RoleProvider {
		return a.ProviderID
	}
	return a.RequestorID
}
