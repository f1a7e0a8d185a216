package market

import (
	"encoding/json"
	"sync"
	"time"

	marketerr "marketnode/core/errors"
	"marketnode/core/events"
	"marketnode/storage"
)

const (
	keySub       = "sub/"
	keyTomb      = "tomb/"
	keyOwnerIdx  = "idx/owner/"
)

// Discovery is the subset of the discovery component the store needs: handing
// off freshly admitted local subscriptions for gossip, and forwarding
// tombstones on unsubscribe.
type Discovery interface {
	EnqueueLocal(id SubscriptionId)
	EnqueueTombstone(id SubscriptionId)
}

// Store is the Subscription Store (§4.A): a durable, queryable collection of
// local and remote Offers/Demands.
type Store struct {
	db        storage.Database
	matcher   *Matcher
	discovery Discovery
	emitter   events.Emitter

	// mu serializes admission so concurrent subscribe/admit_remote calls
	// observe a consistent tombstone/known-id view, satisfying the
	// serializable-isolation requirement for subscription admission (§5).
	mu sync.Mutex
}

// NewStore constructs a Store backed by db. matcher and discovery may be
// wired after construction via SetMatcher/SetDiscovery if there is a
// circular dependency at wiring time (the common case: Matcher needs the
// Broker, which needs the Store).
func NewStore(db storage.Database, emitter events.Emitter) *Store {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	return &Store{db: db, emitter: emitter}
}

func (s *Store) SetMatcher(m *Matcher)       { s.matcher = m }
func (s *Store) SetDiscovery(d Discovery)    { s.discovery = d }

// SubscriptionAdmittedEvent is emitted whenever a subscription (local or
// remote) is admitted into the store.
type SubscriptionAdmittedEvent struct {
	ID   SubscriptionId
	Kind Kind
}

func (SubscriptionAdmittedEvent) EventType() string { return "market.subscription_admitted" }

// SubscriptionUnsubscribedEvent is emitted on unsubscribe.
type SubscriptionUnsubscribedEvent struct{ ID SubscriptionId }

func (SubscriptionUnsubscribedEvent) EventType() string { return "market.subscription_unsubscribed" }

func subKey(id SubscriptionId) []byte      { return []byte(keySub + id.String()) }
func tombKey(id SubscriptionId) []byte     { return []byte(keyTomb + id.String()) }
func ownerKey(owner string, id SubscriptionId) []byte {
	return []byte(keyOwnerIdx + owner + "/" + id.String())
}

// SubscribeOffer admits a locally issued Offer. See SubscribeDemand for Demand.
func (s *Store) SubscribeOffer(properties Properties, constraints Constraints, issuerNodeID string, ttl time.Duration) (SubscriptionId, error) {
	return s.subscribeLocal(KindOffer, properties, constraints, issuerNodeID, ttl)
}

// SubscribeDemand admits a locally issued Demand.
func (s *Store) SubscribeDemand(properties Properties, constraints Constraints, issuerNodeID string, ttl time.Duration) (SubscriptionId, error) {
	return s.subscribeLocal(KindDemand, properties, constraints, issuerNodeID, ttl)
}

func (s *Store) subscribeLocal(kind Kind, properties Properties, constraints Constraints, issuerNodeID string, ttl time.Duration) (SubscriptionId, error) {
	now := time.Now().UTC()
	expiration := now.Add(ttl)
	id, err := GenerateSubscriptionId(properties.CanonicalBytes(), constraints.CanonicalBytes(), issuerNodeID, now, expiration)
	if err != nil {
		return SubscriptionId{}, marketerr.New(marketerr.Internal, "subscribe", err)
	}

	sub := &Subscription{
		ID:           id,
		Kind:         kind,
		IssuerNodeID: issuerNodeID,
		Properties:   properties,
		Constraints:  constraints,
		CreationTS:   now,
		ExpirationTS: expiration,
		InsertionTS:  now, // invariant (iii): insertion-ts <= now
	}

	s.mu.Lock()
	if err := s.put(sub); err != nil {
		s.mu.Unlock()
		return SubscriptionId{}, marketerr.New(marketerr.Internal, "subscribe", err)
	}
	s.mu.Unlock()

	s.emitter.Emit(SubscriptionAdmittedEvent{ID: id, Kind: kind})
	if s.discovery != nil {
		s.discovery.EnqueueLocal(id)
	}
	if s.matcher != nil {
		s.runMatchingPass(sub)
	}
	return id, nil
}

// AdmitRemote ingests a subscription received via Discovery. Idempotent:
// re-admitting an already-known id succeeds without error and without
// re-triggering matching.
func (s *Store) AdmitRemote(sub *Subscription) error {
	if err := sub.ID.Validate(sub.Properties.CanonicalBytes(), sub.Constraints.CanonicalBytes(), sub.IssuerNodeID, sub.CreationTS, sub.ExpirationTS); err != nil {
		return marketerr.New(marketerr.Validation, "admit_remote", err)
	}
	if sub.Expired(time.Now().UTC()) {
		return marketerr.Newf(marketerr.Validation, "admit_remote", "subscription %s already expired", sub.ID)
	}

	s.mu.Lock()
	if s.isTombstoned(sub.ID) {
		s.mu.Unlock()
		return marketerr.Newf(marketerr.Conflict, "admit_remote", "subscription %s is unsubscribed", sub.ID)
	}
	if _, known := s.getLocked(sub.ID); known {
		s.mu.Unlock()
		return nil // idempotent
	}
	sub.InsertionTS = time.Now().UTC()
	if err := s.put(sub); err != nil {
		s.mu.Unlock()
		return marketerr.New(marketerr.Internal, "admit_remote", err)
	}
	s.mu.Unlock()

	s.emitter.Emit(SubscriptionAdmittedEvent{ID: sub.ID, Kind: sub.Kind})
	if s.matcher != nil {
		s.runMatchingPass(sub)
	}
	return nil
}

// Unsubscribe marks id as unsubscribed. Authorization (identity must be the
// issuer for local requests) is the caller's responsibility for local
// requests; remote tombstone gossip is unconditionally trusted once the
// originating id is otherwise valid, matching the protocol's gossip model.
func (s *Store) Unsubscribe(id SubscriptionId) error {
	s.mu.Lock()
	if err := s.db.Put(tombKey(id), []byte{1}); err != nil {
		s.mu.Unlock()
		return marketerr.New(marketerr.Internal, "unsubscribe", err)
	}
	_ = s.db.Delete(subKey(id))
	s.mu.Unlock()

	s.emitter.Emit(SubscriptionUnsubscribedEvent{ID: id})
	if s.discovery != nil {
		s.discovery.EnqueueTombstone(id)
	}
	return nil
}

// MarkTombstone records id as unsubscribed without requiring it to have been
// previously known, per the discovery protocol: "if the id was unknown, do
// not fetch it; still forward the tombstone once."
func (s *Store) MarkTombstone(id SubscriptionId) (alreadyKnown bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alreadyKnown = s.isTombstoned(id)
	_ = s.db.Put(tombKey(id), []byte{1})
	_ = s.db.Delete(subKey(id))
	return alreadyKnown
}

// IsTombstoned reports whether id has been unsubscribed.
func (s *Store) IsTombstoned(id SubscriptionId) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTombstoned(id)
}

func (s *Store) isTombstoned(id SubscriptionId) bool {
	_, err := s.db.Get(tombKey(id))
	return err == nil
}

// Get returns the subscription for id, or (nil, false) if unknown.
func (s *Store) Get(id SubscriptionId) (*Subscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id SubscriptionId) (*Subscription, bool) {
	raw, err := s.db.Get(subKey(id))
	if err != nil {
		return nil, false
	}
	var sub Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, false
	}
	return &sub, true
}

// ListFilter narrows List results.
type ListFilter struct {
	Owner       string // empty = any
	Kind        Kind   // empty = any
	NonExpired  bool
}

// List returns subscriptions matching filter.
func (s *Store) List(filter ListFilter) []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var out []*Subscription
	_ = s.db.Scan([]byte(keySub), func(_, value []byte) bool {
		var sub Subscription
		if err := json.Unmarshal(value, &sub); err != nil {
			return true
		}
		if filter.Owner != "" && sub.IssuerNodeID != filter.Owner {
			return true
		}
		if filter.Kind != "" && sub.Kind != filter.Kind {
			return true
		}
		if filter.NonExpired && sub.Expired(now) {
			return true
		}
		out = append(out, &sub)
		return true
	})
	return out
}

// ExpireSweep removes entries whose expiration has passed, with a grace
// period of one propagation cycle so that an in-flight gossip batch is not
// invalidated mid-flight.
func (s *Store) ExpireSweep(grace time.Duration) int {
	cutoff := time.Now().UTC().Add(-grace)
	var expired []SubscriptionId

	s.mu.Lock()
	_ = s.db.Scan([]byte(keySub), func(_, value []byte) bool {
		var sub Subscription
		if err := json.Unmarshal(value, &sub); err != nil {
			return true
		}
		if sub.ExpirationTS.Before(cutoff) {
			expired = append(expired, sub.ID)
		}
		return true
	})
	for _, id := range expired {
		_ = s.db.Delete(subKey(id))
	}
	s.mu.Unlock()

	return len(expired)
}

func (s *Store) put(sub *Subscription) error {
	raw, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := s.db.Put(subKey(sub.ID), raw); err != nil {
		return err
	}
	return s.db.Put(ownerKey(sub.IssuerNodeID, sub.ID), []byte{1})
}

// runMatchingPass matches a newly admitted subscription against every
// candidate of the opposing kind currently stored.
func (s *Store) runMatchingPass(sub *Subscription) {
	opposite := KindDemand
	if sub.Kind == KindDemand {
		opposite = KindOffer
	}
	candidates := s.List(ListFilter{Kind: opposite, NonExpired: true})
	_ = s.matcher.MatchOne(sub, candidates)
}
