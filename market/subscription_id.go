package market

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"lukechampine.com/blake3"
)

const (
	randomPrefixLen = 32 // hex chars, i.e. 16 raw bytes
	hashSuffixLen   = 64 // hex chars, i.e. 32 raw bytes (blake3 default digest)
)

// timestampFormat is the fixed microsecond-precision format the content hash
// commits to. The format cannot change without changing every previously
// issued subscription id's hash, so it is frozen here.
const timestampFormat = "2006-01-02 15:04:05.000000"

// SubscriptionId is the pair (random_nonce_16B, content_hash_32B) in
// hex-hex string form.
type SubscriptionId struct {
	Random string // 32 lowercase hex chars
	Hash   string // 64 lowercase hex chars
}

func (id SubscriptionId) String() string {
	return id.Random + "-" + id.Hash
}

func (id SubscriptionId) IsZero() bool {
	return id.Random == "" && id.Hash == ""
}

// ParseSubscriptionId parses the "{32-hex}-{64-hex}" wire/string form.
func ParseSubscriptionId(s string) (SubscriptionId, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return SubscriptionId{}, fmt.Errorf("market: subscription id %q has invalid format", s)
	}
	random, hash := parts[0], parts[1]
	if !isHex(random) || !isHex(hash) {
		return SubscriptionId{}, fmt.Errorf("market: subscription id %q is not hexadecimal", s)
	}
	if len(random) != randomPrefixLen || len(hash) != hashSuffixLen {
		return SubscriptionId{}, fmt.Errorf("market: subscription id %q has invalid length, want %d-%d", s, randomPrefixLen, hashSuffixLen)
	}
	return SubscriptionId{Random: random, Hash: hash}, nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

// contentHash computes the hash component that SubscriptionId commits to.
// It covers properties bytes, constraints bytes, issuer identity, the
// creation timestamp at microsecond precision in a fixed format, and the
// expiration timestamp, in that order.
func contentHash(propertiesBytes, constraintsBytes []byte, issuerNodeID string, creationTS, expirationTS time.Time) string {
	h := blake3.New(32, nil)
	h.Write(propertiesBytes)
	h.Write(constraintsBytes)
	h.Write([]byte(issuerNodeID))
	h.Write([]byte(creationTS.UTC().Format(timestampFormat)))
	h.Write([]byte(expirationTS.UTC().Format(timestampFormat)))
	return hex.EncodeToString(h.Sum(nil))
}

// GenerateSubscriptionId mints a fresh id for a to-be-admitted subscription.
func GenerateSubscriptionId(propertiesBytes, constraintsBytes []byte, issuerNodeID string, creationTS, expirationTS time.Time) (SubscriptionId, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return SubscriptionId{}, fmt.Errorf("market: generate subscription nonce: %w", err)
	}
	return SubscriptionId{
		Random: hex.EncodeToString(random),
		Hash:   contentHash(propertiesBytes, constraintsBytes, issuerNodeID, creationTS, expirationTS),
	}, nil
}

// Validate recomputes the content hash and reports whether it matches id.
// Receivers MUST call this on every incoming subscription; mismatches are
// rejected unconditionally.
func (id SubscriptionId) Validate(propertiesBytes, constraintsBytes []byte, issuerNodeID string, creationTS, expirationTS time.Time) error {
	want := contentHash(propertiesBytes, constraintsBytes, issuerNodeID, creationTS, expirationTS)
	if id.Hash != want {
		return fmt.Errorf("market: subscription id %s does not match content hash %s", id, want)
	}
	return nil
}
