package reliability

import (
	"go.uber.org/zap"

	"github.com/quantumflow/quantumflow/internal/quantum/ackframe"
	"github.com/quantumflow/quantumflow/internal/quantum/bbrtime"
)

// AckSender decides when a standalone ack-only packet must be sent versus
// when an ack can simply ride on the next outgoing data packet. It also
// tracks whether the most recently sent ack
// was full (covered every received packet, not truncated) and whether
// that send has itself been acknowledged, reported by AllAcksAcknowledged.
// SendQueue does not consult AllAcksAcknowledged; it synthesizes an
// ack-only send whenever Build reports one as warranted.
type AckSender struct {
	logger *zap.Logger
	recv   *RecvQueue

	pending Urgency

	sentFullAck         bool
	allAcksAcknowledged bool
}

// NewAckSender creates an AckSender bound to a RecvQueue.
func NewAckSender(recv *RecvQueue, logger *zap.Logger) *AckSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AckSender{logger: logger, recv: recv, allAcksAcknowledged: true}
}

// OnReceived folds in the urgency produced by RecvQueue.Deliver for one
// incoming packet.
func (a *AckSender) OnReceived(u Urgency) {
	if u > a.pending {
		a.pending = u
	}
}

// Pending reports the current outstanding ack urgency.
func (a *AckSender) Pending() Urgency { return a.pending }

// Warranted reports whether a standalone ack-only send is justified right
// now: SendSoon/SendImmediately always are; SendBundled only piggybacks
// and never forces a send of its own.
func (a *AckSender) Warranted() bool { return a.pending >= UrgencySendSoon }

// Build constructs the wire bytes for the current ack state, bounded to
// maxLength, and resets the pending urgency. The returned bool mirrors
// Warranted() as sampled at call time, for SendQueue's ack-only gate.
func (a *AckSender) Build(now bbrtime.TimeStamp, maxLength int) ([]byte, bool) {
	warranted := a.Warranted()
	frame := a.recv.BuildAck(maxLength)
	frame.Delay = a.recv.AckDelay(now)
	wire, partial := ackframe.Encode(frame, maxLength)

	a.sentFullAck = !partial && frame.AckTo == a.recv.MaxSeen()
	a.allAcksAcknowledged = false
	a.pending = UrgencyNotRequired

	a.logger.Debug("reliability: ack built",
		zap.Uint64("ack_to", uint64(frame.AckTo)),
		zap.Int("nacks", len(frame.Nacks)),
		zap.Bool("partial", partial))

	return wire, warranted
}

// OnAckOfAckOnlySend has the CompletionCallback shape for an ack-only
// send: an acked full, non-partial ack sets AllAcksAcknowledged, and a
// lost one re-raises urgency to at least SendSoon. SendQueue records its
// synthesized ack-only sends without a completion callback, so nothing in
// this module calls it.
func (a *AckSender) OnAckOfAckOnlySend(outcome Outcome) {
	switch {
	case outcome == OutcomeAcked && a.sentFullAck:
		a.allAcksAcknowledged = true
	case outcome == OutcomeLost:
		// Never seen by the peer: re-raise urgency so it gets resent.
		if a.pending < UrgencySendSoon {
			a.pending = UrgencySendSoon
		}
	}
}

// AllAcksAcknowledged reports whether the most recent full ack has itself
// been confirmed received by the peer.
func (a *AckSender) AllAcksAcknowledged() bool { return a.allAcksAcknowledged }
