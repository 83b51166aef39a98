package keypool

// EventKind tags a rotation event.
type EventKind string

const (
	KeyFailed        EventKind = "key_failed"
	KeyRotated       EventKind = "key_rotated"
	AllKeysExhausted EventKind = "all_keys_exhausted"
)

// RotationEvent describes a change in credential health or selection.
// The pool keeps only the most recent event in a single-slot mailbox;
// the caller that triggered it drains the slot once per turn via
// TakeLastEvent.
type RotationEvent struct {
	Kind             EventKind `json:"kind"`
	FailedIndex      int       `json:"failedIndex"`
	NewIndex         int       `json:"newIndex,omitempty"`
	RemainingHealthy int       `json:"remainingHealthy"`
	TotalKeys        int       `json:"totalKeys"`
	Message          string    `json:"message"`
}
