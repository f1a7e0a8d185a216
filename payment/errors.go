package payment

import marketerr "marketnode/core/errors"

var (
	ErrAllocationNotFound  = marketerr.Newf(marketerr.NotFound, "allocation", "allocation not found")
	ErrAllocationNotActive = marketerr.Newf(marketerr.Conflict, "allocation", "allocation is not active")
	ErrAllocationExhausted = marketerr.Newf(marketerr.Conflict, "allocation", "allocation has insufficient remaining funds")
	ErrDocumentNotFound    = marketerr.Newf(marketerr.NotFound, "document", "debit note or invoice not found")
	ErrNonMonotonic        = marketerr.Newf(marketerr.Validation, "accumulator", "update would decrease a monotone total")
	ErrAcceptedExceedsDue  = marketerr.Newf(marketerr.Validation, "accumulator", "accepted amount exceeds total amount due")
	ErrDriverNotFound      = marketerr.Newf(marketerr.NotFound, "driver", "no settlement driver registered for platform")
)
