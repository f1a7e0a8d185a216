package payment

import "sync"

// DocumentRegistry tracks documents this node issued, keyed by id, so an
// inbound acceptance notice carrying only a document id can be resolved
// back to its activity/agreement/amount for accumulation.
type DocumentRegistry struct {
	mu  sync.Mutex
	byID map[string]Document
}

// NewDocumentRegistry constructs an empty DocumentRegistry.
func NewDocumentRegistry() *DocumentRegistry {
	return &DocumentRegistry{byID: make(map[string]Document)}
}

// Track records doc as issued, for later lookup by DocID.
func (r *DocumentRegistry) Track(doc Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[doc.DocID()] = doc
}

// Get resolves a previously tracked document by id.
func (r *DocumentRegistry) Get(id string) (Document, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.byID[id]
	return d, ok
}

// HandleAcceptanceNotice applies an inbound PaymentAcceptance message: it
// looks up the document this node issued and raises the accumulator's
// AmountAccepted for its activity and agreement.
func (r *DocumentRegistry) HandleAcceptanceNotice(accumulator *Accumulator, documentID string) error {
	doc, ok := r.Get(documentID)
	if !ok {
		return ErrDocumentNotFound
	}
	doc.SetState(DocumentAccepted)
	return accumulator.RecordAcceptance(doc.DocActivityID(), doc.DocAgreementID(), doc.DocAmountDue())
}
