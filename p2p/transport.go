package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"marketnode/market"
	"marketnode/market/negotiation"
)

// MarketTransport adapts a *Server to the wire interfaces market.Discovery,
// negotiation.Broker, and the payment acceptance pipeline need, so the
// domain packages never import p2p directly.
type MarketTransport struct {
	server *Server

	mu      sync.Mutex
	pending map[string]chan OffersPayload
	seq     uint64
}

// NewMarketTransport wraps server for use by Discovery/Broker/the payment
// pipeline.
func NewMarketTransport(server *Server) *MarketTransport {
	t := &MarketTransport{server: server, pending: make(map[string]chan OffersPayload)}
	server.transport = t
	return t
}

// Peers implements market.Transport.
func (t *MarketTransport) Peers() []string { return t.server.Peers() }

// BroadcastOfferIDs implements market.Transport.
func (t *MarketTransport) BroadcastOfferIDs(ids []market.SubscriptionId) error {
	msg, err := NewOfferIDsMessage(subscriptionIDStrings(ids))
	if err != nil {
		return err
	}
	return t.server.Broadcast(msg)
}

// BroadcastUnsubscribed implements market.Transport.
func (t *MarketTransport) BroadcastUnsubscribed(ids []market.SubscriptionId) error {
	msg, err := NewUnsubscribedOffersMessage(subscriptionIDStrings(ids))
	if err != nil {
		return err
	}
	return t.server.Broadcast(msg)
}

// RetrieveOffers implements market.Transport: sends a RetrieveOffers request
// to peer and blocks until the matching Offers reply arrives or ctx expires.
func (t *MarketTransport) RetrieveOffers(ctx context.Context, peer string, ids []market.SubscriptionId) ([]*market.Subscription, error) {
	t.mu.Lock()
	t.seq++
	requestID := fmt.Sprintf("%s-%d", t.server.NodeID(), t.seq)
	reply := make(chan OffersPayload, 1)
	t.pending[requestID] = reply
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, requestID)
		t.mu.Unlock()
	}()

	msg, err := NewRetrieveOffersMessage(requestID, subscriptionIDStrings(ids))
	if err != nil {
		return nil, err
	}
	if err := t.server.SendTo(peer, msg); err != nil {
		return nil, err
	}

	select {
	case payload := <-reply:
		var subs []*market.Subscription
		if err := json.Unmarshal(payload.Bodies, &subs); err != nil {
			return nil, fmt.Errorf("p2p: decode offers reply: %w", err)
		}
		return subs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *MarketTransport) resolveOffers(payload OffersPayload) {
	t.mu.Lock()
	ch := t.pending[payload.RequestID]
	t.mu.Unlock()
	if ch != nil {
		select {
		case ch <- payload:
		default:
		}
	}
}

func subscriptionIDStrings(ids []market.SubscriptionId) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// SendProposal implements negotiation.WireTransport.
func (t *MarketTransport) SendProposal(ctx context.Context, peerNodeID string, p *market.Proposal) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	msg, err := NewProposalMessage(string(p.NegotiationID), peerNodeID, body)
	if err != nil {
		return err
	}
	return t.server.SendTo(peerNodeID, msg)
}

// SendAgreement implements negotiation.WireTransport.
func (t *MarketTransport) SendAgreement(ctx context.Context, peerNodeID string, m negotiation.AgreementMessage) error {
	var sigBytes []byte
	var signer string
	if m.Signature != nil {
		sigBytes = m.Signature.Bytes
		signer = m.Signature.SignerNodeID
	}
	msg, err := NewAgreementMessage(string(m.AgreementID), string(m.Phase), signer, sigBytes)
	if err != nil {
		return err
	}
	return t.server.SendTo(peerNodeID, msg)
}

// SendPayment implements negotiation.WireTransport.
func (t *MarketTransport) SendPayment(ctx context.Context, peerNodeID string, m negotiation.PaymentMessage) error {
	msg, err := NewPaymentSendMessage(string(m.AgreementID), m.ActivityID, m.Amount)
	if err != nil {
		return err
	}
	return t.server.SendTo(peerNodeID, msg)
}

// SendAcceptance implements payment.PeerNotifier.
func (t *MarketTransport) SendAcceptance(ctx context.Context, peerNodeID, documentID string) error {
	msg, err := NewPaymentAcceptanceMessage(documentID)
	if err != nil {
		return err
	}
	return t.server.SendTo(peerNodeID, msg)
}

// NotifyPaymentSent implements payment.PeerNotifier.
func (t *MarketTransport) NotifyPaymentSent(ctx context.Context, peerNodeID, agreementID, activityID, amount string) error {
	msg, err := NewPaymentSendMessage(agreementID, activityID, amount)
	if err != nil {
		return err
	}
	return t.server.SendTo(peerNodeID, msg)
}
