package p2p

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"marketnode/market"
	"marketnode/market/negotiation"
	"marketnode/payment"
)

// fakeAdmitter is a minimal in-memory market.Admitter for dispatch tests.
type fakeAdmitter struct {
	subs map[market.SubscriptionId]*market.Subscription
	tomb map[market.SubscriptionId]bool
}

func newFakeAdmitter() *fakeAdmitter {
	return &fakeAdmitter{subs: make(map[market.SubscriptionId]*market.Subscription), tomb: make(map[market.SubscriptionId]bool)}
}

func (f *fakeAdmitter) AdmitRemote(sub *market.Subscription) error {
	f.subs[sub.ID] = sub
	return nil
}

func (f *fakeAdmitter) IsTombstoned(id market.SubscriptionId) bool { return f.tomb[id] }

func (f *fakeAdmitter) Get(id market.SubscriptionId) (*market.Subscription, bool) {
	s, ok := f.subs[id]
	return s, ok
}

func (f *fakeAdmitter) MarkTombstone(id market.SubscriptionId) bool {
	already := f.tomb[id]
	f.tomb[id] = true
	return already
}

// fakeDiscoveryTransport is a no-op market.Transport; dispatch tests never
// need it to actually reach the wire.
type fakeDiscoveryTransport struct{}

func (fakeDiscoveryTransport) Peers() []string { return nil }
func (fakeDiscoveryTransport) BroadcastOfferIDs(ids []market.SubscriptionId) error { return nil }
func (fakeDiscoveryTransport) BroadcastUnsubscribed(ids []market.SubscriptionId) error { return nil }
func (fakeDiscoveryTransport) RetrieveOffers(ctx context.Context, peer string, ids []market.SubscriptionId) ([]*market.Subscription, error) {
	return nil, nil
}

func testSubscriptionID(t *testing.T, seed string) market.SubscriptionId {
	t.Helper()
	random := strings.Repeat(seed, 32)[:32]
	hash := strings.Repeat(seed, 64)[:64]
	id, err := market.ParseSubscriptionId(random + "-" + hash)
	if err != nil {
		t.Fatalf("build subscription id: %v", err)
	}
	return id
}

func TestSubscriptionIDsRoundTripsWireStrings(t *testing.T) {
	id := testSubscriptionID(t, "a")
	ids, err := subscriptionIDs([]string{id.String()})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ids) != 1 || ids[0] != id {
		t.Fatalf("expected round-tripped id %v, got %v", id, ids)
	}
}

func TestSubscriptionIDsRejectsMalformedWireString(t *testing.T) {
	if _, err := subscriptionIDs([]string{"not-a-subscription-id"}); err == nil {
		t.Fatal("expected an error for a malformed subscription id")
	}
}

func TestHandleMessageUnknownTypeErrors(t *testing.T) {
	r := NewRouter(nil, nil, nil, nil)
	if err := r.HandleMessage("peer", &Message{Type: 0xff}); err == nil {
		t.Fatal("expected an error for an unrecognized message type")
	}
}

func TestHandleOfferIDsNoopWithoutDiscovery(t *testing.T) {
	r := NewRouter(nil, nil, nil, nil)
	msg, err := NewOfferIDsMessage([]string{testSubscriptionID(t, "a").String()})
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if err := r.HandleMessage("peer", msg); err != nil {
		t.Fatalf("expected a no-op when discovery is nil, got %v", err)
	}
}

func TestHandleOfferIDsFetchesUnknownSubscriptions(t *testing.T) {
	admitter := newFakeAdmitter()
	fetched := testSubscriptionID(t, "b")
	transport := &recordingRetrieveTransport{
		subs: []*market.Subscription{{ID: fetched, Kind: market.KindOffer, Properties: market.Properties{}}},
	}
	discovery := market.NewDiscovery(admitter, transport, time.Hour, 256, 100)
	r := NewRouter(discovery, nil, nil, nil)

	msg, err := NewOfferIDsMessage([]string{fetched.String()})
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if err := r.HandleMessage("peer-a", msg); err != nil {
		t.Fatalf("handle offer ids: %v", err)
	}
	if _, ok := admitter.Get(fetched); !ok {
		t.Fatal("expected the fetched subscription to be admitted")
	}
	if len(transport.requested) != 1 {
		t.Fatalf("expected exactly one RetrieveOffers call, got %d", len(transport.requested))
	}
}

type recordingRetrieveTransport struct {
	subs      []*market.Subscription
	requested [][]market.SubscriptionId
}

func (t *recordingRetrieveTransport) Peers() []string { return nil }
func (t *recordingRetrieveTransport) BroadcastOfferIDs(ids []market.SubscriptionId) error { return nil }
func (t *recordingRetrieveTransport) BroadcastUnsubscribed(ids []market.SubscriptionId) error { return nil }
func (t *recordingRetrieveTransport) RetrieveOffers(ctx context.Context, peer string, ids []market.SubscriptionId) ([]*market.Subscription, error) {
	t.requested = append(t.requested, ids)
	return t.subs, nil
}

func TestHandleUnsubscribedMarksTombstone(t *testing.T) {
	admitter := newFakeAdmitter()
	id := testSubscriptionID(t, "c")
	admitter.subs[id] = &market.Subscription{ID: id}
	discovery := market.NewDiscovery(admitter, fakeDiscoveryTransport{}, time.Hour, 256, 100)
	r := NewRouter(discovery, nil, nil, nil)

	msg, err := NewUnsubscribedOffersMessage([]string{id.String()})
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if err := r.HandleMessage("peer-a", msg); err != nil {
		t.Fatalf("handle unsubscribed: %v", err)
	}
	if !admitter.IsTombstoned(id) {
		t.Fatal("expected the subscription to be tombstoned")
	}
}

func TestHandleRetrieveOffersRepliesOverTheWire(t *testing.T) {
	admitter := newFakeAdmitter()
	known := testSubscriptionID(t, "d")
	admitter.subs[known] = &market.Subscription{ID: known, Kind: market.KindDemand, Properties: market.Properties{}}
	discovery := market.NewDiscovery(admitter, fakeDiscoveryTransport{}, time.Hour, 256, 100)
	routerB := NewRouter(discovery, nil, nil, nil)

	recvA := &recordingHandler{}
	a := newTestServer(t, recvA)
	b, err := NewServer(baseConfig(t), mustKey(t), routerB)
	if err != nil {
		t.Fatalf("new server b: %v", err)
	}
	routerB.Bind(b)
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

	req, err := NewRetrieveOffersMessage("req-1", []string{known.String()})
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if err := a.SendTo(b.NodeID(), req); err != nil {
		t.Fatalf("send retrieve offers: %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if recvA.count() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if recvA.count() == 0 {
		t.Fatal("expected a to receive an offers reply")
	}
	recvA.mu.Lock()
	reply := recvA.received[0]
	recvA.mu.Unlock()
	if reply.msg.Type != MsgTypeOffers {
		t.Fatalf("expected an offers message, got type 0x%02x", reply.msg.Type)
	}
	var payload OffersPayload
	if err := json.Unmarshal(reply.msg.Payload, &payload); err != nil {
		t.Fatalf("decode offers payload: %v", err)
	}
	if payload.RequestID != "req-1" {
		t.Fatalf("expected request id req-1, got %s", payload.RequestID)
	}
	var subs []*market.Subscription
	if err := json.Unmarshal(payload.Bodies, &subs); err != nil {
		t.Fatalf("decode subscription bodies: %v", err)
	}
	if len(subs) != 1 || subs[0].ID != known {
		t.Fatalf("expected the known subscription to be returned, got %v", subs)
	}
}

func TestHandleAgreementNoopWithoutBroker(t *testing.T) {
	r := NewRouter(nil, nil, nil, nil)
	msg, err := NewAgreementMessage("agr-1", string(negotiation.AgreementMsgConfirm), "", nil)
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if err := r.HandleMessage("peer", msg); err != nil {
		t.Fatalf("expected a no-op when broker is nil, got %v", err)
	}
}

func TestHandlePaymentAcceptanceUpdatesRegistry(t *testing.T) {
	reg := payment.NewDocumentRegistry()
	accumulator := payment.NewAccumulator()
	doc := &payment.DebitNote{ID: "dn-1", ActivityID: "act-1", AgreementID: "agr-1", TotalAmountDue: decimal.NewFromInt(5), State: payment.DocumentReceived}
	reg.Track(doc)
	if err := accumulator.RecordDebitNote("act-1", "agr-1", decimal.NewFromInt(5)); err != nil {
		t.Fatalf("record debit note: %v", err)
	}

	r := NewRouter(nil, nil, reg, accumulator)
	msg, err := NewPaymentAcceptanceMessage("dn-1")
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if err := r.HandleMessage("peer", msg); err != nil {
		t.Fatalf("handle payment acceptance: %v", err)
	}
	if doc.State != payment.DocumentAccepted {
		t.Fatalf("expected document to move to Accepted, got %s", doc.State)
	}
}

func TestHandlePaymentSendRecordsAccumulator(t *testing.T) {
	accumulator := payment.NewAccumulator()
	r := NewRouter(nil, nil, nil, accumulator)
	msg, err := NewPaymentSendMessage("agr-1", "act-1", "12.50")
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if err := r.HandleMessage("peer", msg); err != nil {
		t.Fatalf("handle payment send: %v", err)
	}
	totals := accumulator.ActivityTotals("act-1")
	if !totals.AmountPaid.Equal(decimal.RequireFromString("12.50")) {
		t.Fatalf("expected AmountPaid 12.50, got %s", totals.AmountPaid)
	}
}

func TestHandlePaymentSendRejectsMalformedAmount(t *testing.T) {
	accumulator := payment.NewAccumulator()
	r := NewRouter(nil, nil, nil, accumulator)
	msg, err := NewPaymentSendMessage("agr-1", "act-1", "not-a-number")
	if err != nil {
		t.Fatalf("build message: %v", err)
	}
	if err := r.HandleMessage("peer", msg); err == nil {
		t.Fatal("expected an error for a malformed amount")
	}
}
