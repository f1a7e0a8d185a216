// Package negotiation implements the Negotiation Broker: the Proposal FSM,
// the Agreement FSM and its three-phase confirmation protocol, and the
// pluggable negotiator pipeline (spec §4.D).
package negotiation

import (
	"fmt"
	"time"

	marketerr "marketnode/core/errors"
	"marketnode/market"
)

// ErrAlreadyCountered is returned when a counter names a predecessor that is
// no longer the chain head (someone else already countered it).
var ErrAlreadyCountered = marketerr.Newf(marketerr.Conflict, "counter", "proposal already countered")

// InvalidTransitionError is returned verbatim by FSM operations that
// attempt an illegal move, per the propagation policy in §9.
type InvalidTransitionError struct {
	From, To string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("negotiation: invalid transition %s->%s", e.From, e.To)
}

// Chain is the ordered sequence of Proposal nodes for one negotiation.
// The head (Chain.Head) is the only node a counter or accept/reject may
// apply to.
type Chain struct {
	NegotiationID market.NegotiationID
	nodes         []*market.Proposal
}

// NewChain starts a chain with the matcher-produced initial proposal.
func NewChain(negotiationID market.NegotiationID, initial *market.Proposal) *Chain {
	initial.State = market.ProposalInitial
	initial.NegotiationID = negotiationID
	return &Chain{NegotiationID: negotiationID, nodes: []*market.Proposal{initial}}
}

// Head returns the current terminal node of the chain.
func (c *Chain) Head() *market.Proposal {
	if len(c.nodes) == 0 {
		return nil
	}
	return c.nodes[len(c.nodes)-1]
}

// Len reports the chain length, used by tests asserting chain depth after a
// resumption sequence.
func (c *Chain) Len() int { return len(c.nodes) }

// Counter appends a new Draft (or, on resumption from a rootless Rejected
// head, Initial) proposal countering predecessorID. Only the party that did
// NOT issue the head proposal may counter it (ownerRole identifies the
// counterer, i.e. the issuer of the new node).
func (c *Chain) Counter(predecessorID market.ProposalID, ownerRole market.Role, properties market.Properties, constraints market.Constraints, expiresIn time.Duration) (*market.Proposal, error) {
	head := c.Head()
	if head == nil || head.ID != predecessorID {
		return nil, ErrAlreadyCountered
	}
	switch head.State {
	case market.ProposalInitial, market.ProposalDraft:
		if head.OwnerRole == ownerRole {
			return nil, &InvalidTransitionError{From: "self-counter", To: "forbidden"}
		}
	case market.ProposalRejected:
		// Resumption: either party may counter a Rejected head; no owner
		// check is made.
	default:
		return nil, &InvalidTransitionError{From: string(head.State), To: "Draft"}
	}

	newState := market.ProposalDraft
	if head.State == market.ProposalRejected && head.PrevProposalID == "" {
		newState = market.ProposalInitial
	}

	now := time.Now().UTC()
	next := &market.Proposal{
		ID:             deriveProposalID(c.NegotiationID, head.ID, ownerRole, now),
		PrevProposalID: head.ID,
		NegotiationID:  c.NegotiationID,
		OwnerRole:      ownerRole,
		Properties:     properties,
		Constraints:    head.Constraints, // kept from the head unless a non-empty constraints argument replaces it
		State:          newState,
		CreationTS:     now,
		ExpirationTS:   now.Add(expiresIn),
	}
	if constraints != "" {
		next.Constraints = constraints
	}
	c.nodes = append(c.nodes, next)
	return next, nil
}

// Accept moves the head (Initial or Draft) to Accepted. It takes no role and
// does not check which party issued the head.
func (c *Chain) Accept() (*market.Proposal, error) {
	head := c.Head()
	if head == nil {
		return nil, &InvalidTransitionError{From: "none", To: "Accepted"}
	}
	if head.State != market.ProposalInitial && head.State != market.ProposalDraft {
		return nil, &InvalidTransitionError{From: string(head.State), To: "Accepted"}
	}
	head.State = market.ProposalAccepted
	return head, nil
}

// Reject moves the head to Rejected. A rejected proposal remains resumable
// via a fresh Counter.
func (c *Chain) Reject() (*market.Proposal, error) {
	head := c.Head()
	if head == nil {
		return nil, &InvalidTransitionError{From: "none", To: "Rejected"}
	}
	if head.State != market.ProposalInitial && head.State != market.ProposalDraft {
		return nil, &InvalidTransitionError{From: string(head.State), To: "Rejected"}
	}
	head.State = market.ProposalRejected
	return head, nil
}

// Expire moves the head to the terminal Expired state.
func (c *Chain) Expire() (*market.Proposal, error) {
	head := c.Head()
	if head == nil {
		return nil, &InvalidTransitionError{From: "none", To: "Expired"}
	}
	if head.State != market.ProposalInitial && head.State != market.ProposalDraft {
		return nil, &InvalidTransitionError{From: string(head.State), To: "Expired"}
	}
	head.State = market.ProposalExpired
	return head, nil
}

// Purge truncates the chain to just its root and marks the root Rejected,
// used when a pipeline rejection carries is_final=true. A later Counter on
// the Rejected root starts a new Initial proposal.
func (c *Chain) Purge() {
	if len(c.nodes) == 0 {
		return
	}
	c.nodes = c.nodes[:1]
	c.nodes[0].State = market.ProposalRejected
}

func deriveProposalID(negotiationID market.NegotiationID, predecessor market.ProposalID, owner market.Role, ts time.Time) market.ProposalID {
	return market.ProposalID(fmt.Sprintf("%s:%s:%s:%d", negotiationID, predecessor, owner, ts.UnixNano()))
}
