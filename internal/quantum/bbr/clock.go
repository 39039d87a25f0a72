package bbr

import "github.com/quantumflow/quantumflow/internal/quantum/bbrtime"

// Clock is the timer-service collaborator: a monotonic clock plus the
// ability to schedule a one-shot callback. BBR never reads wall-clock time
// directly so that tests can drive it with a deterministic fake.
type Clock interface {
	Now() bbrtime.TimeStamp
	Schedule(at bbrtime.TimeStamp, cb func()) Cancel
}

// Cancel releases a scheduled callback. Calling Cancel after the callback
// has already fired is a no-op.
type Cancel interface {
	Cancel()
}

// Rand is the injected uniform unsigned-integer source for PROBE_BW
// cycle-index randomization, so tests stay deterministic.
type Rand interface {
	Uint64() uint64
}
