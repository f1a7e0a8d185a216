package p2p

import (
	"fmt"
	"sort"
	"time"
)

const (
	defaultPexAddressLimit = 32
	maxPexAddressLimit     = 128
)

// handlePexRequest answers a peer's address request with a sample of this
// node's peerstore, newest-seen first, capped at the lesser of the
// requested limit and maxPexAddressLimit.
func (s *Server) handlePexRequest(p *Peer, req PexRequestPayload) error {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultPexAddressLimit
	}
	if limit > maxPexAddressLimit {
		limit = maxPexAddressLimit
	}

	var entries []PeerstoreEntry
	if s.peerstore != nil {
		entries = s.peerstore.Snapshot()
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].LastSeen.After(entries[j].LastSeen)
		})
	}
	addrs := make([]PexAddress, 0, limit)
	for _, entry := range entries {
		if len(addrs) >= limit {
			break
		}
		if entry.Addr == "" || entry.NodeID == "" {
			continue
		}
		addrs = append(addrs, PexAddress{Addr: entry.Addr, NodeID: entry.NodeID, LastSeen: entry.LastSeen.Unix()})
	}

	msg, err := newMessage(MsgTypePexAddresses, PexAddressesPayload{Token: req.Token, Addresses: addrs})
	if err != nil {
		return fmt.Errorf("build pex response: %w", err)
	}
	return p.Enqueue(msg)
}

// handlePexAddresses folds a peer's gossiped addresses into the local
// peerstore so the connection manager can dial them later.
func (s *Server) handlePexAddresses(p *Peer, payload PexAddressesPayload) {
	if s.peerstore == nil {
		return
	}
	now := s.now()
	for _, addr := range payload.Addresses {
		if addr.Addr == "" || addr.NodeID == "" {
			continue
		}
		entry := PeerstoreEntry{Addr: addr.Addr, NodeID: normalizeHex(addr.NodeID), LastSeen: now}
		if addr.LastSeen > 0 {
			entry.LastSeen = time.Unix(addr.LastSeen, 0)
		}
		if err := s.peerstore.Put(entry); err != nil {
			fmt.Printf("pex: persist address from %s: %v\n", p.id, err)
		}
	}
}

// Snapshot returns a copy of every record currently held by the peerstore.
func (ps *Peerstore) Snapshot() []PeerstoreEntry {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	out := make([]PeerstoreEntry, 0, len(ps.byNode))
	for _, rec := range ps.byNode {
		out = append(out, *rec)
	}
	return out
}
