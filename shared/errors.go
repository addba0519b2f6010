package shared

import "errors"

// Rejection reasons. All of them can be triggered by input from untrusted
// peers, so they are returned as values and never escalate to a crash.
var (
	ErrMalformedInput                 = errors.New("malformed input")
	ErrStaleWork                      = errors.New("solution cites stale work")
	ErrProofVerification              = errors.New("merkle proof verification failed")
	ErrBelowMinAnnouncementDifficulty = errors.New("announcement below minimum difficulty")
	ErrHashAboveTarget                = errors.New("hash above difficulty target")
	ErrDuplicateAnnouncement          = errors.New("duplicate announcement reference")
	ErrSeedMismatch                   = errors.New("scratchpad seed mismatch")
)
