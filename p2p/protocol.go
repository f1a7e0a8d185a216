package p2p

import (
	"fmt"
	"net"
	"strings"
)

// Message type tags for the marketplace overlay protocol. Control messages
// (ping/pong/handshake/pex) are handled inline by the Peer; the market/*
// types are handed to the Server's MessageHandler.
const (
	MsgTypeHandshake    byte = 0x01
	MsgTypeHandshakeAck byte = 0x02
	MsgTypePing         byte = 0x03
	MsgTypePong         byte = 0x04
	MsgTypePexRequest   byte = 0x05
	MsgTypePexAddresses byte = 0x06

	MsgTypeOfferIDs            byte = 0x10
	MsgTypeUnsubscribedOffers  byte = 0x11
	MsgTypeRetrieveOffers      byte = 0x12
	MsgTypeOffers              byte = 0x13
	MsgTypeProposal            byte = 0x20
	MsgTypeAgreement           byte = 0x21
	MsgTypePaymentAcceptance   byte = 0x30
	MsgTypePaymentSend         byte = 0x31
)

// PingPayload/PongPayload carry a liveness nonce and send timestamp so the
// receiver can fold latency back into the peer's reputation record.
type PingPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"ts"`
}

type PongPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"ts"`
}

// PexRequestPayload asks a peer for recently seen addresses.
type PexRequestPayload struct {
	Limit int    `json:"limit"`
	Token string `json:"token"`
}

// PexAddress captures a gossipable peer endpoint.
type PexAddress struct {
	Addr     string `json:"addr"`
	NodeID   string `json:"nodeID"`
	LastSeen int64  `json:"lastSeen"`
}

// PexAddressesPayload contains the set of addresses returned for a request.
type PexAddressesPayload struct {
	Token     string       `json:"token"`
	Addresses []PexAddress `json:"addresses"`
}

// OfferIDsPayload/UnsubscribedOffersPayload carry the batched subscription
// identifier gossip described by market.Discovery.
type OfferIDsPayload struct {
	IDs []string `json:"ids"`
}

type UnsubscribedOffersPayload struct {
	IDs []string `json:"ids"`
}

// RetrieveOffersPayload/OffersPayload implement the on-demand fetch half of
// Discovery: a node that saw unknown ids asks the gossiping peer for bodies.
type RetrieveOffersPayload struct {
	RequestID string   `json:"requestId"`
	IDs       []string `json:"ids"`
}

type OffersPayload struct {
	RequestID string `json:"requestId"`
	Bodies    []byte `json:"bodies"` // JSON-encoded []*market.Subscription
}

// ProposalPayload carries one JSON-encoded market.Proposal delivered by the
// negotiation broker.
type ProposalPayload struct {
	NegotiationID string `json:"negotiationId"`
	Counterparty  string `json:"counterparty"`
	Body          []byte `json:"body"` // JSON-encoded market.Proposal
}

// AgreementPayload carries one phase of the three-phase confirmation
// protocol (spec §4.D): confirm/approve/commit/reject/cancel/revert.
type AgreementPayload struct {
	AgreementID string `json:"agreementId"`
	Phase       string `json:"phase"`
	SignerID    string `json:"signerId,omitempty"`
	Signature   []byte `json:"signature,omitempty"`
}

// PaymentAcceptancePayload notifies a document issuer that its debit note or
// invoice was accepted.
type PaymentAcceptancePayload struct {
	DocumentID string `json:"documentId"`
}

// PaymentSendPayload is the wire form of negotiation.PaymentMessage.
type PaymentSendPayload struct {
	AgreementID string `json:"agreementId"`
	ActivityID  string `json:"activityId"`
	Amount      string `json:"amount"`
}

type seedEndpoint struct {
	NodeID  string
	Address string
}

func parseSeedList(values []string) []seedEndpoint {
	seeds := make([]seedEndpoint, 0, len(values))
	seen := make(map[string]struct{})
	for _, raw := range values {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		nodePart, addrPart, found := strings.Cut(trimmed, "@")
		if !found {
			fmt.Printf("Ignoring seed %q: missing node ID\n", trimmed)
			continue
		}
		node := normalizeHex(nodePart)
		if node == "" {
			fmt.Printf("Ignoring seed %q: empty node ID\n", trimmed)
			continue
		}
		if _, _, err := net.SplitHostPort(strings.TrimSpace(addrPart)); err != nil {
			fmt.Printf("Ignoring seed %q: invalid address: %v\n", trimmed, err)
			continue
		}
		key := node + "@" + strings.TrimSpace(addrPart)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		seeds = append(seeds, seedEndpoint{NodeID: node, Address: strings.TrimSpace(addrPart)})
	}
	return seeds
}

// normalizeHex lower-cases and strips a "0x" prefix so node identifiers
// compare equal regardless of how a peer or seed entry capitalized them.
func normalizeHex(value string) string {
	trimmed := strings.TrimSpace(value)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	trimmed = strings.TrimPrefix(trimmed, "0X")
	return strings.ToLower(trimmed)
}
