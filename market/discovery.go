package market

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Transport is the subset of the peer-to-peer overlay Discovery needs. It is
// satisfied by *p2p.MarketTransport in production.
type Transport interface {
	Peers() []string
	BroadcastOfferIDs(ids []SubscriptionId) error
	BroadcastUnsubscribed(ids []SubscriptionId) error
	RetrieveOffers(ctx context.Context, peer string, ids []SubscriptionId) ([]*Subscription, error)
}

// Admitter is the store-facing half of Discovery's contract.
type Admitter interface {
	AdmitRemote(sub *Subscription) error
	IsTombstoned(id SubscriptionId) bool
	Get(id SubscriptionId) (*Subscription, bool)
	MarkTombstone(id SubscriptionId) bool
}

// Discovery gossip-propagates subscription identifiers and fetches full
// bodies on demand (§4.B).
type Discovery struct {
	store     Admitter
	transport Transport
	limiter   *rate.Limiter

	batchInterval time.Duration
	batchSize     int

	mu          sync.Mutex
	outgoing    []SubscriptionId
	outgoingTomb []SubscriptionId

	stop chan struct{}
	once sync.Once
}

// NewDiscovery constructs a Discovery component. batchInterval/batchSize
// bound how long a local subscribe waits before being gossiped and how
// large an outgoing batch is allowed to grow; ratePerSec paces outbound
// broadcasts so a burst of local subscriptions cannot starve a peer
// connection's other traffic.
func NewDiscovery(store Admitter, transport Transport, batchInterval time.Duration, batchSize int, ratePerSec float64) *Discovery {
	if batchInterval <= 0 {
		batchInterval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 256
	}
	if ratePerSec <= 0 {
		ratePerSec = 20
	}
	return &Discovery{
		store:         store,
		transport:     transport,
		limiter:       rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec)),
		batchInterval: batchInterval,
		batchSize:     batchSize,
		stop:          make(chan struct{}),
	}
}

// EnqueueLocal implements market.Discovery for Store: batch id for the next
// outgoing broadcast.
func (d *Discovery) EnqueueLocal(id SubscriptionId) {
	d.mu.Lock()
	d.outgoing = append(d.outgoing, id)
	flush := len(d.outgoing) >= d.batchSize
	d.mu.Unlock()
	if flush {
		d.flushOffers()
	}
}

// EnqueueTombstone implements market.Discovery for Store.
func (d *Discovery) EnqueueTombstone(id SubscriptionId) {
	d.mu.Lock()
	d.outgoingTomb = append(d.outgoingTomb, id)
	flush := len(d.outgoingTomb) >= d.batchSize
	d.mu.Unlock()
	if flush {
		d.flushTombstones()
	}
}

// Run drives the batch timer until ctx is cancelled or Stop is called.
func (d *Discovery) Run(ctx context.Context) {
	ticker := time.NewTicker(d.batchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case <-ticker.C:
			d.flushOffers()
			d.flushTombstones()
		}
	}
}

// Stop halts the batch timer loop.
func (d *Discovery) Stop() {
	d.once.Do(func() { close(d.stop) })
}

func (d *Discovery) flushOffers() {
	d.mu.Lock()
	batch := d.outgoing
	d.outgoing = nil
	d.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	_ = d.limiter.Wait(context.Background())
	_ = d.transport.BroadcastOfferIDs(batch)
}

func (d *Discovery) flushTombstones() {
	d.mu.Lock()
	batch := d.outgoingTomb
	d.outgoingTomb = nil
	d.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	_ = d.limiter.Wait(context.Background())
	_ = d.transport.BroadcastUnsubscribed(batch)
}

// HandleOfferIDs processes an incoming OfferIdsBroadcast from peer: filters
// ids already stored or tombstoned, fetches the remainder via a single
// RetrieveOffers, admits each, and forwards the surviving new ids. A failed
// RetrieveOffers returns its error (nothing is admitted) and is not retried
// here; a subscription that fails admission is skipped without aborting the
// rest (the stop-condition & failure semantics of §4.B).
func (d *Discovery) HandleOfferIDs(ctx context.Context, peer string, ids []SubscriptionId) error {
	var unknown []SubscriptionId
	for _, id := range ids {
		if d.store.IsTombstoned(id) {
			continue
		}
		if _, known := d.store.Get(id); known {
			continue
		}
		unknown = append(unknown, id)
	}
	if len(unknown) == 0 {
		return nil // stop condition: nothing new, no forwarding
	}

	subs, err := d.transport.RetrieveOffers(ctx, peer, unknown)
	if err != nil {
		return err
	}

	var forward []SubscriptionId
	for _, sub := range subs {
		if err := d.store.AdmitRemote(sub); err != nil {
			continue
		}
		forward = append(forward, sub.ID)
	}
	if len(forward) > 0 {
		d.mu.Lock()
		d.outgoing = append(d.outgoing, forward...)
		d.mu.Unlock()
	}
	return nil
}

// HandleRetrieveOffers answers a peer's RetrieveOffers: returns stored,
// non-tombstoned bodies for the known ids and silently drops the rest.
func (d *Discovery) HandleRetrieveOffers(ids []SubscriptionId) []*Subscription {
	var out []*Subscription
	for _, id := range ids {
		if d.store.IsTombstoned(id) {
			continue
		}
		if sub, ok := d.store.Get(id); ok {
			out = append(out, sub)
		}
	}
	return out
}

// HandleUnsubscribed processes an UnsubscribedOffersBroadcast: marks each id
// tombstoned; forwards each id this node had not already tombstoned, whether
// or not the subscription itself was known, so each tombstone is forwarded
// once (the already-tombstoned ones have already been forwarded).
func (d *Discovery) HandleUnsubscribed(ids []SubscriptionId) {
	var forward []SubscriptionId
	for _, id := range ids {
		wasKnown := d.store.MarkTombstone(id)
		if !wasKnown {
			forward = append(forward, id)
		}
	}
	if len(forward) > 0 {
		d.mu.Lock()
		d.outgoingTomb = append(d.outgoingTomb, forward...)
		d.mu.Unlock()
	}
}
