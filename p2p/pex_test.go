package p2p

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"
)

func newTestServerWithPeerstore(t *testing.T) *Server {
	t.Helper()
	cfg := baseConfig(t)
	cfg.PeerstorePath = filepath.Join(t.TempDir(), "peers.db")
	s, err := NewServer(cfg, mustKey(t), &recordingHandler{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

func TestHandlePexRequestReturnsKnownAddresses(t *testing.T) {
	s := newTestServerWithPeerstore(t)
	now := time.Now()
	entries := []PeerstoreEntry{
		{Addr: "127.0.0.1:9001", NodeID: "0xaaaa", LastSeen: now},
		{Addr: "127.0.0.1:9002", NodeID: "0xbbbb", LastSeen: now.Add(-time.Minute)},
	}
	for _, e := range entries {
		if err := s.peerstore.Put(e); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	p, conn := newTestPeerPair(t, s)
	defer conn.Close()

	if err := s.handlePexRequest(p, PexRequestPayload{Limit: 1, Token: "tok"}); err != nil {
		t.Fatalf("handle pex request: %v", err)
	}
	if len(p.outbound) != 1 {
		t.Fatalf("expected exactly one reply enqueued, got %d", len(p.outbound))
	}
	msg := <-p.outbound
	if msg.Type != MsgTypePexAddresses {
		t.Fatalf("expected pex addresses message, got type 0x%02x", msg.Type)
	}
	var payload PexAddressesPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Token != "tok" {
		t.Fatalf("expected token to round-trip, got %q", payload.Token)
	}
	if len(payload.Addresses) != 1 {
		t.Fatalf("expected limit to cap the reply at 1 address, got %d", len(payload.Addresses))
	}
}

func TestHandlePexAddressesPersistsToPeerstore(t *testing.T) {
	s := newTestServerWithPeerstore(t)
	p, conn := newTestPeerPair(t, s)
	defer conn.Close()

	payload := PexAddressesPayload{
		Addresses: []PexAddress{
			{Addr: "127.0.0.1:9100", NodeID: "0xCCCC", LastSeen: time.Now().Unix()},
			{Addr: "", NodeID: "0xdddd"},
		},
	}
	s.handlePexAddresses(p, payload)

	entries := s.peerstore.Snapshot()
	if len(entries) != 1 {
		t.Fatalf("expected only the well-formed address to persist, got %d entries", len(entries))
	}
	if entries[0].NodeID != "0xcccc" {
		t.Fatalf("expected node id to be normalized to lowercase, got %q", entries[0].NodeID)
	}
}

func TestHandlePexRequestLimitCappedAtMax(t *testing.T) {
	s := newTestServerWithPeerstore(t)
	p, conn := newTestPeerPair(t, s)
	defer conn.Close()

	if err := s.handlePexRequest(p, PexRequestPayload{Limit: maxPexAddressLimit + 100}); err != nil {
		t.Fatalf("handle pex request: %v", err)
	}
	msg := <-p.outbound
	var payload PexAddressesPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(payload.Addresses) > maxPexAddressLimit {
		t.Fatalf("expected addresses capped at %d, got %d", maxPexAddressLimit, len(payload.Addresses))
	}
}
