package matching

import "errors"

// ErrPairingConflict is the expected race outcome: a concurrent pairing
// already claimed one of the two parties. Callers re-enqueue and retry
// on their next poll.
var ErrPairingConflict = errors.New("matching: pairing conflict")
