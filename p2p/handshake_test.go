package p2p

import (
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func newHandshakeServer(t *testing.T, networkID string) *Server {
	t.Helper()
	cfg := baseConfig(t)
	cfg.NetworkID = networkID
	s, err := NewServer(cfg, mustKey(t), &recordingHandler{})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return s
}

func TestHandshakeVerifySuccess(t *testing.T) {
	local := newHandshakeServer(t, "testnet")
	remote := newHandshakeServer(t, "testnet")

	packet, err := remote.buildHandshake()
	if err != nil {
		t.Fatalf("build handshake: %v", err)
	}
	if err := local.verifyHandshake(packet); err != nil {
		t.Fatalf("verify handshake: %v", err)
	}
	if packet.nodeID != remote.NodeID() {
		t.Fatalf("expected derived node id %s, got %s", remote.NodeID(), packet.nodeID)
	}
	nonceBytes, err := decodeHex(packet.Nonce)
	if err != nil {
		t.Fatalf("decode nonce: %v", err)
	}
	if len(nonceBytes) != handshakeNonceSize {
		t.Fatalf("expected nonce length %d got %d", handshakeNonceSize, len(nonceBytes))
	}
}

func TestHandshakeNetworkIDMismatch(t *testing.T) {
	local := newHandshakeServer(t, "mainnet")
	remote := newHandshakeServer(t, "testnet")

	packet, err := remote.buildHandshake()
	if err != nil {
		t.Fatalf("build handshake: %v", err)
	}
	if err := local.verifyHandshake(packet); err == nil {
		t.Fatal("expected network id mismatch to fail verification")
	}
}

func TestHandshakeTamperedSignatureRejected(t *testing.T) {
	local := newHandshakeServer(t, "testnet")
	remote := newHandshakeServer(t, "testnet")

	packet, err := remote.buildHandshake()
	if err != nil {
		t.Fatalf("build handshake: %v", err)
	}
	sigBytes, err := decodeHex(packet.Signature)
	if err != nil {
		t.Fatalf("decode sig: %v", err)
	}
	sigBytes[0] ^= 0xFF
	packet.Signature = encodeHex(sigBytes)

	if err := local.verifyHandshake(packet); err == nil {
		t.Fatal("expected tampered signature to fail verification")
	}
}

func TestHandshakeNodeAddressMismatchRejected(t *testing.T) {
	local := newHandshakeServer(t, "testnet")
	remote := newHandshakeServer(t, "testnet")
	other := mustKey(t)

	packet, err := remote.buildHandshake()
	if err != nil {
		t.Fatalf("build handshake: %v", err)
	}
	packet.NodeAddr = other.PubKey().Address().String()

	if err := local.verifyHandshake(packet); err == nil {
		t.Fatal("expected node address mismatch to fail verification")
	}
}

func TestHandshakeProtocolVersionMismatchRejected(t *testing.T) {
	local := newHandshakeServer(t, "testnet")
	remote := newHandshakeServer(t, "testnet")

	packet, err := remote.buildHandshake()
	if err != nil {
		t.Fatalf("build handshake: %v", err)
	}
	packet.ProtocolVersion = protocolVersion + 1

	if err := local.verifyHandshake(packet); err == nil {
		t.Fatal("expected protocol version mismatch to fail verification")
	}
}

func TestHandshakeNonceReplayRejected(t *testing.T) {
	local := newHandshakeServer(t, "testnet")
	remote := newHandshakeServer(t, "testnet")

	packet, err := remote.buildHandshake()
	if err != nil {
		t.Fatalf("build handshake: %v", err)
	}
	if err := local.verifyHandshake(packet); err != nil {
		t.Fatalf("first verify should succeed: %v", err)
	}
	if err := local.verifyHandshake(packet); err == nil {
		t.Fatal("expected replayed nonce to be rejected on second verify")
	}
}

func TestHandshakeTimestampSkewRejected(t *testing.T) {
	local := newHandshakeServer(t, "testnet")
	remote := newHandshakeServer(t, "testnet")
	remote.now = func() time.Time { return time.Now().Add(-time.Hour) }

	packet, err := remote.buildHandshake()
	if err != nil {
		t.Fatalf("build handshake: %v", err)
	}
	if err := local.verifyHandshake(packet); err == nil {
		t.Fatal("expected stale timestamp to fail verification")
	}
}

func TestHandshakeMissingClientVersionRejected(t *testing.T) {
	local := newHandshakeServer(t, "testnet")
	remote := newHandshakeServer(t, "testnet")

	packet, err := remote.buildHandshake()
	if err != nil {
		t.Fatalf("build handshake: %v", err)
	}
	packet.ClientVersion = ""
	if err := local.verifyHandshake(packet); err == nil {
		t.Fatal("expected missing client version to fail verification")
	}
}

func TestDeriveNodeIDMatchesKeccakOfUncompressedPubkey(t *testing.T) {
	key := mustKey(t)
	pub := key.PubKey().PublicKey
	want := "0x" + hexEncode(ethcrypto.Keccak256(ethcrypto.FromECDSAPub(pub)[1:]))
	if got := deriveNodeID(key); got != want {
		t.Fatalf("expected node id %s, got %s", want, got)
	}
}

func hexEncode(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0F]
	}
	return string(out)
}
