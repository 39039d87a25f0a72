// Package reliability implements the sliding-window sender/receiver state
// that sits atop BBR: the received queue, outstanding messages, and the
// send queue / ack sender, built around an ack-to/nack-list/urgency model
// with piggybacked acks, ack urgency escalation, and tail-loss probing.
package reliability

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/quantumflow/quantumflow/internal/quantum/ackframe"
	"github.com/quantumflow/quantumflow/internal/quantum/bbrtime"
	"github.com/quantumflow/quantumflow/internal/quantum/seqnum"
)

// RecvState is a received packet entry's lifecycle.
type RecvState int

const (
	RecvUnknown RecvState = iota
	RecvNotReceived
	RecvReceivedPureAck
	RecvReceived
	RecvReceivedAndAckedImmediately
)

// Urgency is the ack-scheduling demand a received packet places on the
// sender, in ascending order.
type Urgency int

const (
	UrgencyNotRequired Urgency = iota
	UrgencySendBundled
	UrgencySendSoon
	UrgencySendImmediately
)

func (u Urgency) max(other Urgency) Urgency {
	if other > u {
		return other
	}
	return u
}

// ProcessResult is the outcome of running the protocol-layer message
// processor for a single received sequence.
type ProcessResult int

const (
	ProcessNotProcessed ProcessResult = iota
	ProcessNack
	ProcessOptionalAck
	ProcessAck
	ProcessAckUrgently
)

type recvEntry struct {
	state RecvState
	when  bbrtime.TimeStamp
}

// RecvQueue tracks the dense [received_tip, max_seen] window of per-seq
// state and builds outgoing ack frames.
type RecvQueue struct {
	logger *zap.Logger

	receivedTip seqnum.Num
	maxSeen     seqnum.Num
	hasMaxSeen  bool

	entries map[seqnum.Num]*recvEntry

	receivedCount        int // count of RecvReceived entries currently in window
	consecutiveOptional  int
}

// NewRecvQueue creates a RecvQueue with the given initial tip (the first
// sequence number the peer may legitimately send).
func NewRecvQueue(initialTip seqnum.Num, logger *zap.Logger) *RecvQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecvQueue{
		logger:      logger,
		receivedTip: initialTip,
		maxSeen:     initialTip,
		entries:     make(map[seqnum.Num]*recvEntry),
	}
}

func (q *RecvQueue) entry(seq seqnum.Num) *recvEntry {
	e, ok := q.entries[seq]
	if !ok {
		e = &recvEntry{state: RecvUnknown}
		q.entries[seq] = e
	}
	return e
}

// Deliver processes an incoming raw sequence number. logic is the
// protocol-layer message processor; n is the decoded absolute sequence
// number (seqnum.Reconstruct has already run).
func (q *RecvQueue) Deliver(now bbrtime.TimeStamp, n seqnum.Num, logic func(seqnum.Num) ProcessResult) (Urgency, error) {
	const antiAmplificationWindow = seqnum.Num(65536)

	if n > q.receivedTip+antiAmplificationWindow {
		return UrgencyNotRequired, fmt.Errorf("reliability: seq %d beyond anti-amplification window (tip=%d)", n, q.receivedTip)
	}
	if n < q.receivedTip {
		return UrgencyNotRequired, nil // stale; already resolved by an earlier delivery
	}

	// Step 2: materialize Unknown entries up to n.
	if !q.hasMaxSeen || n > q.maxSeen {
		for s := q.maxSeen + 1; s <= n; s++ {
			q.entry(s) // touches map, defaults to RecvUnknown
		}
		if !q.hasMaxSeen {
			q.entry(n)
		}
		q.maxSeen = n
		q.hasMaxSeen = true
	}

	e := q.entry(n)
	if e.state != RecvUnknown {
		return UrgencyNotRequired, nil // frozen
	}

	result := logic(n)

	e.when = now
	switch result {
	case ProcessNotProcessed:
		e.state = RecvNotReceived
		return UrgencyNotRequired, nil
	case ProcessNack:
		e.state = RecvNotReceived
		return UrgencySendImmediately, nil
	case ProcessOptionalAck:
		e.state = RecvReceivedPureAck
		q.consecutiveOptional++
		if q.consecutiveOptional >= 5 {
			return q.withReceivedThreshold(UrgencySendSoon), nil
		}
		return q.withReceivedThreshold(UrgencyNotRequired), nil
	case ProcessAck:
		e.state = RecvReceived
		q.consecutiveOptional = 0
		q.receivedCount++
		return q.withReceivedThreshold(UrgencySendBundled), nil
	case ProcessAckUrgently:
		e.state = RecvReceivedAndAckedImmediately
		q.consecutiveOptional = 0
		q.receivedCount++
		return UrgencySendImmediately, nil
	default:
		e.state = RecvNotReceived
		return UrgencyNotRequired, nil
	}
}

// withReceivedThreshold escalates to SendImmediately once >=3 Received
// entries exist in the window.
func (q *RecvQueue) withReceivedThreshold(u Urgency) Urgency {
	if q.countReceived() >= 3 {
		return u.max(UrgencySendImmediately)
	}
	return u
}

func (q *RecvQueue) countReceived() int {
	n := 0
	for s := q.receivedTip + 1; s <= q.maxSeen; s++ {
		if e, ok := q.entries[s]; ok && (e.state == RecvReceived || e.state == RecvReceivedAndAckedImmediately) {
			n++
		}
	}
	return n
}

// BuildAck constructs an ack frame for the current window, truncating the
// nack list to fit maxLength bytes.
func (q *RecvQueue) BuildAck(maxLength int) ackframe.Frame {
	// Promote any remaining Unknown entries to NotReceived.
	for s := q.receivedTip + 1; s <= q.maxSeen; s++ {
		e := q.entry(s)
		if e.state == RecvUnknown {
			e.state = RecvNotReceived
		}
	}

	// Delay is filled in by the caller via AckDelay, which needs the
	// actual send time and isn't available here.
	f := ackframe.Frame{AckTo: q.maxSeen}
	for s := q.maxSeen; s > q.receivedTip; s-- {
		if e, ok := q.entries[s]; ok && e.state == RecvNotReceived {
			f.Nacks = append(f.Nacks, s)
		}
	}

	wire, partial := ackframe.Encode(f, maxLength)
	decoded, err := ackframe.Decode(wire)
	if err == nil {
		decoded.Partial = partial
		return decoded
	}
	f.Partial = partial
	return f
}

// AckDelay computes ack_delay relative to now: how long the peer's most
// recent packet sat locally before this ack was built.
func (q *RecvQueue) AckDelay(now bbrtime.TimeStamp) bbrtime.Duration {
	e, ok := q.entries[q.maxSeen]
	if !ok {
		return 0
	}
	return now.Sub(e.when)
}

// SetTip takes the peer-reported first_unknown_sequence tip, drops every
// entry below tip and sets received_tip to tip-1, so the live window is
// [tip, max_seen]; redundant/earlier calls are no-ops.
func (q *RecvQueue) SetTip(tip seqnum.Num) {
	if tip <= q.receivedTip {
		return
	}
	for s := q.receivedTip + 1; s < tip; s++ {
		if e, ok := q.entries[s]; ok && (e.state == RecvReceived || e.state == RecvReceivedAndAckedImmediately) {
			q.receivedCount--
		}
		delete(q.entries, s)
	}
	q.receivedTip = tip - 1
}

// ReceivedTip reports the current received_tip.
func (q *RecvQueue) ReceivedTip() seqnum.Num { return q.receivedTip }

// MaxSeen reports the highest sequence number observed so far.
func (q *RecvQueue) MaxSeen() seqnum.Num { return q.maxSeen }
