package p2p

import (
	"bufio"
	"net"
	"testing"
	"time"
)

func newTestPeerPair(t *testing.T, s *Server) (*Peer, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	reader := bufio.NewReader(server)
	p := newPeer("0xpeer", "marketd-test/1", server, reader, s, true, false, "")
	return p, client
}

func TestPeerEnqueueFailsWhenQueueFull(t *testing.T) {
	cfg := baseConfig(t)
	s, err := NewServer(cfg, mustKey(t), &recordingHandler{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	p, conn := newTestPeerPair(t, s)
	defer conn.Close()

	msg, err := NewPingMessage(1, time.Now())
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	for i := 0; i < outboundQueueSize; i++ {
		if err := p.Enqueue(msg); err != nil {
			t.Fatalf("unexpected error filling queue at %d: %v", i, err)
		}
	}
	if err := p.Enqueue(msg); err != errQueueFull {
		t.Fatalf("expected errQueueFull once the outbound channel is saturated, got %v", err)
	}
}

func TestPeerGreylistThrottlesRate(t *testing.T) {
	cfg := baseConfig(t)
	s, err := NewServer(cfg, mustKey(t), &recordingHandler{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	s.ratePerPeer = 10
	s.rateBurst = 10
	p, conn := newTestPeerPair(t, s)
	defer conn.Close()
	p.limiter = newTokenBucket(s.ratePerPeer, s.rateBurst)
	p.baseRate = s.ratePerPeer
	p.baseBurst = s.rateBurst

	p.setGreylisted(true)
	if !p.throttled {
		t.Fatal("expected peer to be marked throttled")
	}
	p.setGreylisted(false)
	if p.throttled {
		t.Fatal("expected peer throttle to clear")
	}
}

func TestPeerIDReturnsEmptyForNil(t *testing.T) {
	var p *Peer
	if p.ID() != "" {
		t.Fatal("expected nil peer to report an empty id")
	}
}
