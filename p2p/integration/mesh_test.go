package integration

import (
	"strings"
	"testing"
	"time"

	"marketnode/crypto"
	"marketnode/p2p"
)

type meshHandler struct{}

func (meshHandler) HandleMessage(peerNodeID string, msg *p2p.Message) error { return nil }

func mustKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func newNode(t *testing.T, networkID string) *p2p.Server {
	t.Helper()
	cfg := p2p.ServerConfig{
		ListenAddress:    "127.0.0.1:0",
		NetworkID:        networkID,
		ClientVersion:    "mesh-test/1",
		MinPeers:         1,
		OutboundPeers:    4,
		MaxPeers:         8,
		MaxOutbound:      4,
		HandshakeTimeout: 2 * time.Second,
		ReadTimeout:      5 * time.Second,
		WriteTimeout:     2 * time.Second,
	}
	server, err := p2p.NewServer(cfg, mustKey(t), meshHandler{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(server.Stop)
	return server
}

func waitForPeerCount(t *testing.T, server *p2p.Server, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(server.Peers()) >= want {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d peers, have %v", want, server.Peers())
}

// TestMiniMeshIntegration brings up a three-node mesh connected hub-and-spoke
// through node 1, then confirms a node on a different NetworkID is refused
// during the handshake rather than being admitted to the mesh.
func TestMiniMeshIntegration(t *testing.T) {
	n1 := newNode(t, "mesh-test")
	n2 := newNode(t, "mesh-test")
	n3 := newNode(t, "mesh-test")

	addr1 := n1.ListenAddr()
	if err := n2.Connect(addr1); err != nil {
		t.Fatalf("n2 connect to n1: %v", err)
	}
	if err := n3.Connect(addr1); err != nil {
		t.Fatalf("n3 connect to n1: %v", err)
	}

	waitForPeerCount(t, n1, 2)
	waitForPeerCount(t, n2, 1)
	waitForPeerCount(t, n3, 1)

	wrong := newNode(t, "mesh-test-other")
	err := wrong.Connect(addr1)
	if err == nil {
		t.Fatal("expected handshake failure for a node on a different network id")
	}
	if !strings.Contains(err.Error(), "network id mismatch") {
		t.Fatalf("expected a network id mismatch error, got: %v", err)
	}
	waitForPeerCount(t, n1, 2) // still just n2 and n3; the mismatched node never joined
}
