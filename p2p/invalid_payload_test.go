package p2p

import (
	"testing"
	"time"
)

func TestInvalidPayloadDisconnectsPeer(t *testing.T) {
	a := newTestServer(t, nil)
	b := newTestServer(t, nil)

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
		t.Fatalf("expected both sides connected before sending malformed payload, a=%v b=%v", a.Peers(), b.Peers())
	}

	malformed := &Message{Type: MsgTypePing, Payload: []byte("not-json")}
	if err := a.SendTo(b.NodeID(), malformed); err != nil {
		t.Fatalf("send malformed ping: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.Peers()) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(b.Peers()) != 0 {
		t.Fatalf("expected b to disconnect the sender after a protocol violation, still has %v", b.Peers())
	}
}

func TestOversizedMessageDisconnectsPeer(t *testing.T) {
	a := newTestServer(t, nil)
	bCfg := baseConfig(t)
	bCfg.MaxMessageBytes = 16
	b, err := NewServer(bCfg, mustKey(t), &recordingHandler{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("start b: %v", err)
	}
	t.Cleanup(b.Stop)

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
		t.Fatalf("expected both sides connected, a=%v b=%v", a.Peers(), b.Peers())
	}

	oversized, err := NewOfferIDsMessage([]string{"this-subscription-id-is-long-enough-to-trip-the-16-byte-cap"})
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if err := a.SendTo(b.NodeID(), oversized); err != nil {
		t.Fatalf("send oversized: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.Peers()) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(b.Peers()) != 0 {
		t.Fatalf("expected b to disconnect the sender of an oversized frame, still has %v", b.Peers())
	}
}
