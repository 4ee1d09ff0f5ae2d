package barcode

// Reason explains why a scan was not accepted. Rejections are expected
// outcomes and never travel as errors.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonEmptyBarcode     Reason = "empty barcode"
	ReasonDuplicate        Reason = "duplicate barcode (within cooldown period)"
	ReasonNoActiveSession  Reason = "no active batch session"
	ReasonSessionNotActive Reason = "session not active"
	ReasonQueueFull        Reason = "queue full"
	ReasonRecoveryFailed   Reason = "recovery failed"
	ReasonLowConfidence    Reason = "confidence below threshold"
	ReasonNotStationary    Reason = "barcode not stationary"
)

// Accepted reports whether the reason signals acceptance.
func (r Reason) Accepted() bool {
	return r == ReasonNone
}

func (r Reason) String() string {
	if r == ReasonNone {
		return "accepted"
	}
	return string(r)
}
