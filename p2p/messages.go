package p2p

import (
	"encoding/json"
	"time"
)

// Message is the generic structure for any data sent between nodes.
type Message struct {
	Type    byte
	Payload []byte
}

// Broadcaster defines any component that can broadcast messages to the network.
type Broadcaster interface {
	Broadcast(msg *Message) error
}

// MessageHandler defines any component that can process a raw message from
// the network, scoped to the peer it arrived from.
type MessageHandler interface {
	HandleMessage(peerNodeID string, msg *Message) error
}

func newMessage(t byte, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: t, Payload: data}, nil
}

// NewPingMessage builds a liveness probe carrying nonce and the send time.
func NewPingMessage(nonce uint64, sentAt time.Time) (*Message, error) {
	return newMessage(MsgTypePing, PingPayload{Nonce: nonce, Timestamp: sentAt.UnixNano()})
}

// NewPongMessage echoes a ping's nonce back with this node's send time.
func NewPongMessage(nonce uint64, sentAt time.Time) (*Message, error) {
	return newMessage(MsgTypePong, PongPayload{Nonce: nonce, Timestamp: sentAt.UnixNano()})
}

// NewOfferIDsMessage builds the batched subscription-id gossip frame.
func NewOfferIDsMessage(ids []string) (*Message, error) {
	return newMessage(MsgTypeOfferIDs, OfferIDsPayload{IDs: ids})
}

// NewUnsubscribedOffersMessage builds the batched tombstone gossip frame.
func NewUnsubscribedOffersMessage(ids []string) (*Message, error) {
	return newMessage(MsgTypeUnsubscribedOffers, UnsubscribedOffersPayload{IDs: ids})
}

// NewRetrieveOffersMessage requests the bodies behind a set of unknown ids.
func NewRetrieveOffersMessage(requestID string, ids []string) (*Message, error) {
	return newMessage(MsgTypeRetrieveOffers, RetrieveOffersPayload{RequestID: requestID, IDs: ids})
}

// NewOffersMessage answers a RetrieveOffers request with encoded bodies.
func NewOffersMessage(requestID string, bodies []byte) (*Message, error) {
	return newMessage(MsgTypeOffers, OffersPayload{RequestID: requestID, Bodies: bodies})
}

// NewProposalMessage wraps a JSON-encoded market.Proposal for delivery to
// negotiationID's counterparty.
func NewProposalMessage(negotiationID, counterparty string, body []byte) (*Message, error) {
	return newMessage(MsgTypeProposal, ProposalPayload{NegotiationID: negotiationID, Counterparty: counterparty, Body: body})
}

// NewAgreementMessage wraps one phase of the agreement confirmation protocol.
func NewAgreementMessage(agreementID, phase, signerID string, signature []byte) (*Message, error) {
	return newMessage(MsgTypeAgreement, AgreementPayload{AgreementID: agreementID, Phase: phase, SignerID: signerID, Signature: signature})
}

// NewPaymentAcceptanceMessage notifies a document's issuer of acceptance.
func NewPaymentAcceptanceMessage(documentID string) (*Message, error) {
	return newMessage(MsgTypePaymentAcceptance, PaymentAcceptancePayload{DocumentID: documentID})
}

// NewPaymentSendMessage wires a negotiation.PaymentMessage to the network.
func NewPaymentSendMessage(agreementID, activityID, amount string) (*Message, error) {
	return newMessage(MsgTypePaymentSend, PaymentSendPayload{AgreementID: agreementID, ActivityID: activityID, Amount: amount})
}
