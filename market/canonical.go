package market

import "encoding/json"

// CanonicalBytes returns a deterministic byte encoding of the property
// document. encoding/json sorts map keys when marshaling, which is what
// makes this deterministic across processes without a custom canonicalizer.
func (p Properties) CanonicalBytes() []byte {
	b, err := json.Marshal(p)
	if err != nil {
		// Properties values are constrained to the PropertyValue union; a
		// marshal failure here means a caller built an invalid document.
		panic("market: properties failed to marshal: " + err.Error())
	}
	return b
}

// CanonicalBytes returns the raw constraint source bytes used in hashing.
func (c Constraints) CanonicalBytes() []byte {
	return []byte(c)
}
