package payment

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"marketnode/observability"
)

// PeerNotifier sends the "document accepted" wire message to the document's
// issuer, per step 3 of the acceptance pipeline, and the "payment sent"
// message once a batch settles.
type PeerNotifier interface {
	SendAcceptance(ctx context.Context, peerNodeID, documentID string) error
	NotifyPaymentSent(ctx context.Context, peerNodeID, agreementID, activityID, amount string) error
}

// Pipeline drives the requestor-side debit-note/invoice acceptance pipeline
// (spec §4.F): Received -> Rejected|Accepted -> Settled|Failed.
type Pipeline struct {
	ledger    *AllocationLedger
	notifier  PeerNotifier
	scheduler *Scheduler
}

// NewPipeline constructs a Pipeline.
func NewPipeline(ledger *AllocationLedger, notifier PeerNotifier, scheduler *Scheduler) *Pipeline {
	return &Pipeline{ledger: ledger, notifier: notifier, scheduler: scheduler}
}

// Receive marks doc as Received. Callers do this immediately on wire
// delivery, before any validation.
func (p *Pipeline) Receive(doc Document) {
	doc.SetState(DocumentReceived)
}

// Process looks up the allocation backing doc, rejects if it is absent or
// not active, otherwise sends the acceptance message and enqueues doc for
// payment scheduling.
func (p *Pipeline) Process(ctx context.Context, doc Document, allocationID, peerNodeID string) error {
	alloc, ok := p.ledger.Get(allocationID)
	if !ok || alloc.State != AllocationActive {
		doc.SetState(DocumentRejected)
		doc.SetRejectReason("allocation absent or exhausted")
		observability.Payment().RecordAllocationRejected("exhausted")
		return ErrAllocationExhausted
	}

	if err := p.notifier.SendAcceptance(ctx, peerNodeID, doc.DocID()); err != nil {
		return err // doc remains Received; caller may retry Process
	}

	doc.SetState(DocumentAccepted)
	p.scheduler.Enqueue(doc, allocationID, peerNodeID)
	return nil
}

// scheduledDoc is one document awaiting a scheduler batch run.
type scheduledDoc struct {
	doc          Document
	allocationID string
	peerNodeID   string
	deadline     time.Time
	attempts     int
}

// Scheduler batches accepted documents per (platform,payee) and hands them
// to the matching driver, retrying with bounded exponential backoff on
// timeout.
type Scheduler struct {
	mu      sync.Mutex
	batches map[string][]*scheduledDoc

	registry         *Registry
	ledger           *AllocationLedger
	accumulator      *Accumulator
	notifier         PeerNotifier
	limiter          *rate.Limiter
	paymentPrecision time.Duration
	backoffBase      time.Duration
	backoffCap       time.Duration
}

// NewScheduler constructs a Scheduler. paymentPrecision is subtracted from a
// document's payment-due-date to derive the driver deadline, per spec §4.F
// step 4.
func NewScheduler(registry *Registry, ledger *AllocationLedger, accumulator *Accumulator, notifier PeerNotifier, paymentPrecision, backoffBase, backoffCap time.Duration) *Scheduler {
	if backoffBase <= 0 {
		backoffBase = time.Second
	}
	if backoffCap <= 0 {
		backoffCap = 60 * time.Second
	}
	return &Scheduler{
		batches:          make(map[string][]*scheduledDoc),
		registry:         registry,
		ledger:           ledger,
		accumulator:      accumulator,
		notifier:         notifier,
		limiter:          rate.NewLimiter(rate.Limit(5), 5),
		paymentPrecision: paymentPrecision,
		backoffBase:      backoffBase,
		backoffCap:       backoffCap,
	}
}

func batchKey(platform, payee string) string { return platform + "|" + payee }

// Enqueue adds doc to its (platform,payee) batch. peerNodeID is the document
// issuer, notified once the batch settles.
func (s *Scheduler) Enqueue(doc Document, allocationID, peerNodeID string) {
	deadline := doc.DocPaymentDueDate().Add(-s.paymentPrecision)
	key := batchKey(doc.DocPlatform(), doc.DocPayee())
	s.mu.Lock()
	s.batches[key] = append(s.batches[key], &scheduledDoc{doc: doc, allocationID: allocationID, peerNodeID: peerNodeID, deadline: deadline})
	s.mu.Unlock()
}

// RunBatch hands the current (platform,payee) batch to its driver. On
// success every document moves to Settled and its allocation is debited; on
// failure the batch is retried with exponential backoff until past its
// earliest deadline, at which point the expired documents move to Failed
// without touching the allocation.
func (s *Scheduler) RunBatch(ctx context.Context, platform, payee string) {
	key := batchKey(platform, payee)
	s.mu.Lock()
	items := s.batches[key]
	s.batches[key] = nil
	s.mu.Unlock()
	if len(items) == 0 {
		return
	}

	driver, ok := s.registry.For(platform)
	if !ok {
		observability.Payment().RecordSettlement(platform, ErrDriverNotFound)
		s.retryOrFail(platform, payee, items)
		return
	}

	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.doc.DocAmountDue())
	}
	alloc, ok := s.ledger.Get(items[0].allocationID)
	if !ok {
		observability.Payment().RecordSettlement(platform, ErrAllocationNotFound)
		s.retryOrFail(platform, payee, items)
		return
	}

	_ = s.limiter.Wait(ctx)
	earliestDeadline := items[0].deadline
	for _, it := range items {
		if it.deadline.Before(earliestDeadline) {
			earliestDeadline = it.deadline
		}
	}
	start := time.Now()
	conf, err := driver.Pay(ctx, platform, alloc.Address, payee, total, earliestDeadline)
	if err != nil {
		observability.Payment().RecordSettlement(platform, err)
		s.retryOrFail(platform, payee, items)
		return
	}
	observability.Payment().RecordSettlement(platform, nil)
	observability.Payment().ObserveSettlementLatency(platform, time.Since(start))

	for _, it := range items {
		it.doc.SetState(DocumentSettled)
		it.doc.SetConfirmation([]byte(conf.TxHash))
		_ = s.ledger.Debit(it.allocationID, it.doc.DocAmountDue())
		if s.accumulator != nil {
			_ = s.accumulator.RecordPaid(it.doc.DocActivityID(), it.doc.DocAgreementID(), it.doc.DocAmountDue())
		}
		if s.notifier != nil && it.peerNodeID != "" {
			_ = s.notifier.NotifyPaymentSent(ctx, it.peerNodeID, it.doc.DocAgreementID(), it.doc.DocActivityID(), it.doc.DocAmountDue().String())
		}
	}
}

func (s *Scheduler) retryOrFail(platform, payee string, items []*scheduledDoc) {
	now := time.Now().UTC()
	var retry []*scheduledDoc
	for _, it := range items {
		it.attempts++
		if now.After(it.deadline) {
			it.doc.SetState(DocumentFailed)
			continue
		}
		retry = append(retry, it)
	}
	if len(retry) == 0 {
		return
	}
	key := batchKey(platform, payee)
	s.mu.Lock()
	s.batches[key] = append(s.batches[key], retry...)
	s.mu.Unlock()
}

// Keys returns the (platform,payee) batch keys currently pending, for the
// driving Run loop to iterate.
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.batches))
	for k, v := range s.batches {
		if len(v) > 0 {
			keys = append(keys, k)
		}
	}
	return keys
}

// Run drives RunBatch over every pending key on tickInterval until ctx is
// cancelled. A key whose last attempt failed waits out that key's own
// exponential backoff (base..cap) before being retried again.
func (s *Scheduler) Run(ctx context.Context, tickInterval time.Duration) {
	nextAttempt := make(map[string]time.Time)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, key := range s.Keys() {
				if t, ok := nextAttempt[key]; ok && now.Before(t) {
					continue
				}
				s.mu.Lock()
				attempts := 0
				if batch := s.batches[key]; len(batch) > 0 {
					attempts = batch[0].attempts
				}
				s.mu.Unlock()

				platform, payee := splitBatchKey(key)
				s.RunBatch(ctx, platform, payee)

				delay := s.backoffBase * time.Duration(1<<uint(attempts))
				if delay > s.backoffCap || delay <= 0 {
					delay = s.backoffCap
				}
				nextAttempt[key] = now.Add(delay)
			}
		}
	}
}

func splitBatchKey(key string) (platform, payee string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
