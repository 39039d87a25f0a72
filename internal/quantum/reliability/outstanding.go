package reliability

import (
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/quantumflow/quantumflow/internal/quantum/ackframe"
	"github.com/quantumflow/quantumflow/internal/quantum/bbr"
	"github.com/quantumflow/quantumflow/internal/quantum/bbrtime"
	"github.com/quantumflow/quantumflow/internal/quantum/seqnum"
)

// Outcome is the terminal resolution of a sent (or never-sent) message.
type Outcome int

const (
	// OutcomeAcked means the sequence was covered by ack_to and not nacked.
	OutcomeAcked Outcome = iota
	// OutcomeLost means the sequence was nacked, or its retransmission
	// timeout expired, and it was never subsequently covered by an ack.
	OutcomeLost
	// OutcomeCancelled means the message was dropped before it was ever
	// handed to BBR for transmission, e.g. by protocol.Facade.Close
	// draining the send queue.
	OutcomeCancelled
)

// CompletionCallback fires exactly once per message.
type CompletionCallback func(Outcome)

var (
	// ErrAckBeyondSent rejects an ack_to past the highest sequence this
	// side has actually sent.
	ErrAckBeyondSent = errors.New("reliability: ack_to beyond highest sent sequence")
	// ErrRenackAcked rejects a nack of a sequence this side already
	// considers acknowledged.
	ErrRenackAcked = errors.New("reliability: nack of already-acked sequence")
	// ErrUnsentReference rejects an ack/nack referencing a sequence that
	// was never sent.
	ErrUnsentReference = errors.New("reliability: ack/nack of unsent sequence")
)

type outstandingEntry struct {
	size       uint32
	sendTime   bbrtime.TimeStamp
	onComplete CompletionCallback
	acked      bool
	nacked     bool
}

// Outstanding tracks sent-but-unresolved packets over [send_tip,
// send_tip+N) and drives BBR's per-ack model update.
type Outstanding struct {
	logger *zap.Logger
	bbr    *bbr.BBR

	sendTip  seqnum.Num // lowest sequence not yet resolved
	highSent seqnum.Num // highest sequence actually sent
	entries  map[seqnum.Num]*outstandingEntry

	rttEstimate bbrtime.Duration
}

// NewOutstanding creates an Outstanding tracker starting at initialSeq (the
// first sequence number this side will send).
func NewOutstanding(initialSeq seqnum.Num, b *bbr.BBR, logger *zap.Logger) *Outstanding {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Outstanding{
		logger:      logger,
		bbr:         b,
		sendTip:     initialSeq,
		highSent:    initialSeq - 1,
		entries:     make(map[seqnum.Num]*outstandingEntry),
		rttEstimate: bbrtime.Duration(100_000), // 100ms, replaced once an ack arrives
	}
}

// Record registers a packet as sent at seq with the given size and
// completion callback. The caller must have already obtained the transmit
// reservation from BBR via Sent().
func (o *Outstanding) Record(sent bbr.SentPacket, onComplete CompletionCallback) {
	o.entries[sent.Sequence] = &outstandingEntry{
		size:       sent.Size,
		sendTime:   sent.SendTime,
		onComplete: onComplete,
	}
	if sent.Sequence > o.highSent {
		o.highSent = sent.Sequence
	}
}

// ProcessAck validates and applies an incoming ack frame: it fires
// completion callbacks, advances send_tip, and feeds BBR's per-ack model
// update. now is the local receive time; ack_delay (frame.Delay) is
// subtracted from each acked packet's RTT sample before BBR sees it.
func (o *Outstanding) ProcessAck(now bbrtime.TimeStamp, frame ackframe.Frame) error {
	if frame.AckTo > o.highSent {
		return ErrAckBeyondSent
	}
	nackSet := make(map[seqnum.Num]bool, len(frame.Nacks))
	for _, n := range frame.Nacks {
		if n > frame.AckTo || n < o.sendTip {
			return ErrUnsentReference
		}
		if e, ok := o.entries[n]; ok && e.acked {
			return ErrRenackAcked
		}
		nackSet[n] = true
	}

	var nacked []seqnum.Num
	for seq := o.sendTip; seq <= frame.AckTo; seq++ {
		if nackSet[seq] {
			nacked = append(nacked, seq)
		}
	}
	sort.Slice(nacked, func(i, j int) bool { return nacked[i] < nacked[j] })

	var bbrAck bbr.Ack
	bbrAck.Now = now

	resolve := func(seq seqnum.Num, acked bool) {
		e, ok := o.entries[seq]
		if !ok {
			return
		}
		if acked {
			e.acked = true
		} else {
			e.nacked = true
		}
	}

	for _, seq := range nacked {
		resolve(seq, false)
		if e, ok := o.entries[seq]; ok {
			bbrAck.Nacked = append(bbrAck.Nacked, bbr.NackedPacket{Sequence: seq, Size: e.size})
		}
	}

	for seq := o.sendTip; seq <= frame.AckTo; seq++ {
		if nackSet[seq] {
			continue
		}
		e, ok := o.entries[seq]
		if !ok {
			continue
		}
		resolve(seq, true)
		sendTime := e.sendTime
		if frame.Delay > 0 {
			sendTime = sendTime.Add(frame.Delay)
		}
		bbrAck.Acked = append(bbrAck.Acked, bbr.Packet{
			Sequence: seq,
			Size:     e.size,
			SendTime: sendTime,
		})
		if rtt := now.Sub(sendTime); rtt >= 0 {
			o.rttEstimate = rtt
		}
	}

	if len(bbrAck.Acked) > 0 || len(bbrAck.Nacked) > 0 {
		o.bbr.OnAck(bbrAck)
	}

	// Completion callbacks and shrink: every entry from send_tip through
	// ack_to fires now, acked entries with OutcomeAcked and nacked ones with
	// OutcomeLost, and send_tip then moves past ack_to.
	for seq := o.sendTip; seq <= frame.AckTo; seq++ {
		e, ok := o.entries[seq]
		if !ok {
			continue
		}
		if e.onComplete != nil {
			cb := e.onComplete
			e.onComplete = nil
			if e.acked {
				cb(OutcomeAcked)
			} else {
				cb(OutcomeLost)
			}
		}
	}
	if frame.AckTo >= o.sendTip {
		for seq := o.sendTip; seq <= frame.AckTo; seq++ {
			delete(o.entries, seq)
		}
		o.sendTip = frame.AckTo + 1
	}

	o.logger.Debug("reliability: ack processed",
		zap.Uint64("ack_to", uint64(frame.AckTo)),
		zap.Int("nacks", len(frame.Nacks)),
		zap.Uint64("send_tip", uint64(o.sendTip)))

	return nil
}

// SendTip reports the lowest unresolved sequence number.
func (o *Outstanding) SendTip() seqnum.Num { return o.sendTip }

// HighestSent reports the highest sequence number actually sent.
func (o *Outstanding) HighestSent() seqnum.Num { return o.highSent }

// Pending reports how many sent packets remain unresolved.
func (o *Outstanding) Pending() int { return len(o.entries) }

// RTTEstimate returns the most recent RTT sample observed via ProcessAck.
func (o *Outstanding) RTTEstimate() bbrtime.Duration { return o.rttEstimate }

// RetransmitDelay is the retransmission timeout: max(1s, 4*rtt).
func (o *Outstanding) RetransmitDelay() bbrtime.Duration {
	floor := bbrtime.Duration(1_000_000)
	d := 4 * o.rttEstimate
	if d < floor {
		return floor
	}
	return d
}

// TailLossProbeDelay is max(1ms, rtt/4).
func (o *Outstanding) TailLossProbeDelay() bbrtime.Duration {
	floor := bbrtime.Duration(1_000)
	d := o.rttEstimate / 4
	if d < floor {
		return floor
	}
	return d
}

// ExpireOnTimeout declares lost every outstanding packet, starting at
// send_tip, whose send_time is at or before now-timeout, feeding each loss
// into BBR's model and advancing send_tip past them. Packets resolve in
// send order, so it stops at the first entry that hasn't yet timed out.
// Reports whether any entry expired.
func (o *Outstanding) ExpireOnTimeout(now bbrtime.TimeStamp, timeout bbrtime.Duration) bool {
	expiredAny := false
	for {
		e, ok := o.entries[o.sendTip]
		if !ok || now.Sub(e.sendTime) < timeout {
			break
		}

		o.bbr.OnAck(bbr.Ack{
			Now:    now,
			Nacked: []bbr.NackedPacket{{Sequence: o.sendTip, Size: e.size}},
		})

		if e.onComplete != nil {
			cb := e.onComplete
			e.onComplete = nil
			cb(OutcomeLost)
		}
		delete(o.entries, o.sendTip)
		o.sendTip++
		expiredAny = true
	}
	return expiredAny
}

// OldestSendTime reports the send_time of the oldest unresolved packet (the
// one at send_tip), if any, so callers can arm a retransmission timeout
// against the earliest deadline rather than a flat now-relative one.
func (o *Outstanding) OldestSendTime() (bbrtime.TimeStamp, bool) {
	e, ok := o.entries[o.sendTip]
	if !ok {
		return 0, false
	}
	return e.sendTime, true
}
