package payment

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	"marketnode/storage"
)

// NonceState is a transaction's lifecycle within the nonce manager.
type NonceState string

const (
	NonceUnsent    NonceState = "unsent"
	NonceSent      NonceState = "sent"
	NonceConfirmed NonceState = "confirmed"
)

// NonceRecord is the durable row backing one allocated nonce.
type NonceRecord struct {
	Address       string
	Network       string
	Nonce         uint64
	State         NonceState
	TxHash        string
	Confirmations uint64
}

const nonceKeyPrefix = "nonce/"

func nonceKey(address, network string, nonce uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return []byte(nonceKeyPrefix + address + "|" + network + "/" + string(buf[:]))
}

func nonceScanPrefix(address, network string) []byte {
	return []byte(nonceKeyPrefix + address + "|" + network + "/")
}

// NonceManager allocates transaction nonces as max(used_nonce)+1 per
// (address,network) and persists a record before the transaction is
// submitted, so a restart can recover in-flight transactions (spec §4.F).
type NonceManager struct {
	mu sync.Mutex
	db storage.Database
}

// NewNonceManager constructs a NonceManager over db.
func NewNonceManager(db storage.Database) *NonceManager {
	return &NonceManager{db: db}
}

// Allocate persists and returns the next nonce for (address,network).
func (m *NonceManager) Allocate(address, network string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var max uint64
	found := false
	err := m.db.Scan(nonceScanPrefix(address, network), func(_, value []byte) bool {
		var rec NonceRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return true
		}
		if !found || rec.Nonce > max {
			max = rec.Nonce
			found = true
		}
		return true
	})
	if err != nil {
		return 0, err
	}

	next := uint64(0)
	if found {
		next = max + 1
	}
	rec := NonceRecord{Address: address, Network: network, Nonce: next, State: NonceUnsent}
	raw, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	if err := m.db.Put(nonceKey(address, network, next), raw); err != nil {
		return 0, err
	}
	return next, nil
}

// MarkSent records that the transaction for nonce has been broadcast.
func (m *NonceManager) MarkSent(address, network string, nonce uint64, txHash string) error {
	return m.update(address, network, nonce, func(rec *NonceRecord) {
		rec.State = NonceSent
		rec.TxHash = txHash
	})
}

// MarkConfirmed records confirmations observed for nonce's transaction; the
// caller decides finality against the driver's required-confirmations
// threshold.
func (m *NonceManager) MarkConfirmed(address, network string, nonce, confirmations uint64) error {
	return m.update(address, network, nonce, func(rec *NonceRecord) {
		rec.State = NonceConfirmed
		rec.Confirmations = confirmations
	})
}

func (m *NonceManager) update(address, network string, nonce uint64, mutate func(*NonceRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := nonceKey(address, network, nonce)
	raw, err := m.db.Get(key)
	if err != nil {
		return err
	}
	var rec NonceRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return err
	}
	mutate(&rec)
	out, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return m.db.Put(key, out)
}

// PendingRecords returns every record for (address,network) not yet
// confirmed, for restart recovery: Unsent records should be re-sent,
// Sent-but-unconfirmed records should be monitored.
func (m *NonceManager) PendingRecords(address, network string) ([]NonceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []NonceRecord
	err := m.db.Scan(nonceScanPrefix(address, network), func(_, value []byte) bool {
		var rec NonceRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return true
		}
		if rec.State != NonceConfirmed {
			out = append(out, rec)
		}
		return true
	})
	return out, err
}
