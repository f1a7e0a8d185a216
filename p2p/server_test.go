package p2p

import (
	"sync"
	"testing"
	"time"

	"marketnode/crypto"
)

// recordingHandler implements MessageHandler and records every message it
// sees, keyed by sender node id.
type recordingHandler struct {
	mu       sync.Mutex
	received []recordedMessage
}

type recordedMessage struct {
	peerNodeID string
	msg        *Message
}

func (h *recordingHandler) HandleMessage(peerNodeID string, msg *Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, recordedMessage{peerNodeID: peerNodeID, msg: msg})
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func baseConfig(t *testing.T) ServerConfig {
	t.Helper()
	return ServerConfig{
		ListenAddress:    "127.0.0.1:0",
		NetworkID:        "testnet",
		ClientVersion:    "marketd-test/1",
		MinPeers:         1,
		OutboundPeers:    4,
		MaxPeers:         8,
		MaxOutbound:      4,
		HandshakeTimeout: 2 * time.Second,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     2 * time.Second,
	}
}

func newTestServer(t *testing.T, handler MessageHandler) *Server {
	t.Helper()
	if handler == nil {
		handler = &recordingHandler{}
	}
	s, err := NewServer(baseConfig(t), mustKey(t), handler)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func TestNewServerRejectsMissingKeyOrHandler(t *testing.T) {
	cfg := baseConfig(t)
	if _, err := NewServer(cfg, nil, &recordingHandler{}); err == nil {
		t.Fatal("expected error for nil private key")
	}
	if _, err := NewServer(cfg, mustKey(t), nil); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestNewServerAppliesDefaults(t *testing.T) {
	cfg := ServerConfig{NetworkID: "testnet"}
	s, err := NewServer(cfg, mustKey(t), &recordingHandler{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if s.cfg.MaxPeers != 64 {
		t.Fatalf("expected default MaxPeers 64, got %d", s.cfg.MaxPeers)
	}
	if s.cfg.HandshakeTimeout != defaultHandshakeTimeout {
		t.Fatalf("expected default handshake timeout, got %v", s.cfg.HandshakeTimeout)
	}
	if s.cfg.MaxMessageBytes != 1<<20 {
		t.Fatalf("expected default max message bytes, got %d", s.cfg.MaxMessageBytes)
	}
}

func TestServerConnectAndMessageDelivery(t *testing.T) {
	recvA := &recordingHandler{}
	recvB := &recordingHandler{}
	a := newTestServer(t, recvA)
	b := newTestServer(t, recvB)

	if err := a.Connect(b.ListenAddr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.Peers()) == 1 && len(b.Peers()) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(a.Peers()) != 1 || len(b.Peers()) != 1 {
		t.Fatalf("expected both sides to register a peer, got a=%v b=%v", a.Peers(), b.Peers())
	}

	msg, err := NewOfferIDsMessage([]string{"sub-1", "sub-2"})
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if err := a.SendTo(b.NodeID(), msg); err != nil {
		t.Fatalf("send to: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if recvB.count() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if recvB.count() == 0 {
		t.Fatal("expected b's handler to observe the forwarded message")
	}
}

func TestServerSendToUnknownPeerFails(t *testing.T) {
	s := newTestServer(t, nil)
	msg, err := NewPingMessage(1, time.Now())
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if err := s.SendTo("0xdeadbeef", msg); err == nil {
		t.Fatal("expected error sending to an unknown peer")
	}
}

func TestServerBroadcastReachesAllPeers(t *testing.T) {
	recvB := &recordingHandler{}
	recvC := &recordingHandler{}
	a := newTestServer(t, &recordingHandler{})
	b := newTestServer(t, recvB)
	c := newTestServer(t, recvC)

	if err := a.Connect(b.ListenAddr()); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	if err := a.Connect(c.ListenAddr()); err != nil {
		t.Fatalf("connect c: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.Peers()) == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(a.Peers()) != 2 {
		t.Fatalf("expected a to have 2 peers, got %v", a.Peers())
	}

	msg, err := NewUnsubscribedOffersMessage([]string{"sub-1"})
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if err := a.Broadcast(msg); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if recvB.count() > 0 && recvC.count() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if recvB.count() == 0 || recvC.count() == 0 {
		t.Fatalf("expected both peers to observe the broadcast, b=%d c=%d", recvB.count(), recvC.count())
	}
}
