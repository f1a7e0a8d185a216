package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"marketnode/market"
	"marketnode/market/negotiation"
	"marketnode/payment"
)

// Router is the MessageHandler that ties an incoming wire message to the
// domain component that owns it: discovery gossip to market.Discovery,
// proposal/agreement traffic to negotiation.Broker, and payment notices to
// the payment core. It satisfies MessageHandler and is installed as the
// *Server's handler at construction.
type Router struct {
	server *Server

	discovery  *market.Discovery
	broker     *negotiation.Broker
	documents  *payment.DocumentRegistry
	accumulator *payment.Accumulator

	requestTimeout time.Duration
}

// NewRouter constructs a Router. Any domain component may be nil if this
// node does not participate in that concern (e.g. a pure relay runs
// discovery and nothing else); messages for a missing component are
// dropped rather than erroring the connection.
func NewRouter(discovery *market.Discovery, broker *negotiation.Broker, documents *payment.DocumentRegistry, accumulator *payment.Accumulator) *Router {
	return &Router{discovery: discovery, broker: broker, documents: documents, accumulator: accumulator, requestTimeout: 10 * time.Second}
}

// Bind attaches the server the router answers RetrieveOffers requests and
// resolves Offers replies through. Callers construct a Router, pass it to
// NewServer as the handler, then call Bind with the resulting *Server once
// it exists (the two are mutually referential at construction time).
func (r *Router) Bind(server *Server) { r.server = server }

// SetDiscovery wires the discovery component once it exists. market.Discovery
// itself needs a Transport, which needs the *Server, which needs the Router
// as its handler — the same mutual-construction problem Bind resolves for
// the server, solved the same way Store.SetMatcher/SetDiscovery solve it on
// the market side.
func (r *Router) SetDiscovery(discovery *market.Discovery) { r.discovery = discovery }

// SetBroker wires the negotiation broker once it exists, for the same
// construction-order reason SetDiscovery exists.
func (r *Router) SetBroker(broker *negotiation.Broker) { r.broker = broker }

func (r *Router) HandleMessage(peerNodeID string, msg *Message) error {
	switch msg.Type {
	case MsgTypeOfferIDs:
		return r.handleOfferIDs(peerNodeID, msg)
	case MsgTypeUnsubscribedOffers:
		return r.handleUnsubscribed(msg)
	case MsgTypeRetrieveOffers:
		return r.handleRetrieveOffers(peerNodeID, msg)
	case MsgTypeOffers:
		return r.handleOffers(msg)
	case MsgTypeProposal:
		return r.handleProposal(peerNodeID, msg)
	case MsgTypeAgreement:
		return r.handleAgreement(msg)
	case MsgTypePaymentAcceptance:
		return r.handlePaymentAcceptance(msg)
	case MsgTypePaymentSend:
		return r.handlePaymentSend(msg)
	default:
		return fmt.Errorf("p2p: unknown message type 0x%02x", msg.Type)
	}
}

func (r *Router) handleOfferIDs(peerNodeID string, msg *Message) error {
	if r.discovery == nil {
		return nil
	}
	var payload OfferIDsPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("p2p: decode offer ids: %w", err)
	}
	ids, err := subscriptionIDs(payload.IDs)
	if err != nil {
		return fmt.Errorf("p2p: decode offer ids: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.requestTimeout)
	defer cancel()
	return r.discovery.HandleOfferIDs(ctx, peerNodeID, ids)
}

func (r *Router) handleUnsubscribed(msg *Message) error {
	if r.discovery == nil {
		return nil
	}
	var payload UnsubscribedOffersPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("p2p: decode unsubscribed offers: %w", err)
	}
	ids, err := subscriptionIDs(payload.IDs)
	if err != nil {
		return fmt.Errorf("p2p: decode unsubscribed offers: %w", err)
	}
	r.discovery.HandleUnsubscribed(ids)
	return nil
}

func (r *Router) handleRetrieveOffers(peerNodeID string, msg *Message) error {
	var payload RetrieveOffersPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("p2p: decode retrieve offers: %w", err)
	}
	var subs []*market.Subscription
	if r.discovery != nil {
		ids, err := subscriptionIDs(payload.IDs)
		if err != nil {
			return fmt.Errorf("p2p: decode retrieve offers: %w", err)
		}
		subs = r.discovery.HandleRetrieveOffers(ids)
	}
	bodies, err := json.Marshal(subs)
	if err != nil {
		return fmt.Errorf("p2p: encode offers reply: %w", err)
	}
	reply, err := NewOffersMessage(payload.RequestID, bodies)
	if err != nil {
		return err
	}
	return r.server.SendTo(peerNodeID, reply)
}

func (r *Router) handleOffers(msg *Message) error {
	var payload OffersPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("p2p: decode offers: %w", err)
	}
	if r.server != nil && r.server.transport != nil {
		r.server.transport.resolveOffers(payload)
	}
	return nil
}

func (r *Router) handleProposal(peerNodeID string, msg *Message) error {
	if r.broker == nil {
		return nil
	}
	var payload ProposalPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("p2p: decode proposal: %w", err)
	}
	var p market.Proposal
	if err := json.Unmarshal(payload.Body, &p); err != nil {
		return fmt.Errorf("p2p: decode proposal body: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.requestTimeout)
	defer cancel()
	_, err := r.broker.ReceiveProposal(ctx, market.NegotiationID(payload.NegotiationID), p.OwnerRole, &p)
	return err
}

func (r *Router) handleAgreement(msg *Message) error {
	if r.broker == nil {
		return nil
	}
	var payload AgreementPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("p2p: decode agreement: %w", err)
	}
	var sig *market.Signature
	if len(payload.Signature) > 0 {
		sig = &market.Signature{SignerNodeID: payload.SignerID, Bytes: payload.Signature}
	}
	return r.broker.ApplyRemoteAgreement(market.AgreementID(payload.AgreementID), negotiation.AgreementPhase(payload.Phase), sig)
}

func (r *Router) handlePaymentAcceptance(msg *Message) error {
	if r.documents == nil || r.accumulator == nil {
		return nil
	}
	var payload PaymentAcceptancePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("p2p: decode payment acceptance: %w", err)
	}
	return r.documents.HandleAcceptanceNotice(r.accumulator, payload.DocumentID)
}

func (r *Router) handlePaymentSend(msg *Message) error {
	if r.accumulator == nil {
		return nil
	}
	var payload PaymentSendPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("p2p: decode payment send: %w", err)
	}
	amount, err := decimal.NewFromString(payload.Amount)
	if err != nil {
		return fmt.Errorf("p2p: invalid payment amount %q: %w", payload.Amount, err)
	}
	return r.accumulator.RecordPaid(payload.ActivityID, payload.AgreementID, amount)
}

func subscriptionIDs(ids []string) ([]market.SubscriptionId, error) {
	out := make([]market.SubscriptionId, len(ids))
	for i, id := range ids {
		parsed, err := market.ParseSubscriptionId(id)
		if err != nil {
			return nil, err
		}
		out[i] = parsed
	}
	return out, nil
}
