package reliability

import (
	"container/list"

	"go.uber.org/zap"

	"github.com/quantumflow/quantumflow/internal/quantum/bbr"
	"github.com/quantumflow/quantumflow/internal/quantum/bbrtime"
	"github.com/quantumflow/quantumflow/internal/quantum/seqnum"
)

// PendingSend is one caller-supplied message waiting for a transmit
// reservation.
type PendingSend struct {
	Payload  []byte
	OnSent   func(seqnum.Num)
	OnResult CompletionCallback
}

// SendQueue is a FIFO of pending messages that drains opportunistically
// as BBR grants transmit reservations. When the queue is empty it
// synthesizes an ack-only send so outstanding acks still go out under
// pacing.
type SendQueue struct {
	logger *zap.Logger
	bbr    *bbr.BBR
	clock  bbr.Clock
	out    *Outstanding
	nextSeq seqnum.Num

	queue *list.List // of *PendingSend

	// BuildAckOnly returns the payload for a synthesized ack-only send
	// plus whether one is currently warranted (acks_sender reports
	// nothing pending both clears the synthesize path).
	BuildAckOnly func(now bbrtime.TimeStamp) (payload []byte, warranted bool)

	// Transmit is invoked once per granted reservation with the assigned
	// sequence and payload; the façade uses it to run the codec/formatter
	// and hand the finished wire bytes to the Link, inside a transaction
	// maintained by the caller.
	Transmit func(seq seqnum.Num, payload []byte)

	requested bool
}

// NewSendQueue creates an empty send queue starting at the given initial
// sequence number.
func NewSendQueue(initialSeq seqnum.Num, b *bbr.BBR, clock bbr.Clock, out *Outstanding, logger *zap.Logger) *SendQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SendQueue{
		logger:  logger,
		bbr:     b,
		clock:   clock,
		out:     out,
		nextSeq: initialSeq,
		queue:   list.New(),
	}
}

// Enqueue appends a message to the send queue and ensures a transmit
// request is outstanding with BBR.
func (q *SendQueue) Enqueue(send PendingSend) {
	q.queue.PushBack(&send)
	q.pump()
}

// Len reports how many messages are queued but not yet sent.
func (q *SendQueue) Len() int { return q.queue.Len() }

// Pump re-evaluates whether a transmit request should be outstanding.
// Exported so protocol's transaction discipline can coalesce multiple
// triggers within one transaction into a single pump at transaction end.
func (q *SendQueue) Pump() { q.pump() }

// pump arms a BBR transmit reservation if one is not already outstanding
// and there is something (real or ack-only) to send.
func (q *SendQueue) pump() {
	if q.requested {
		return
	}
	if q.queue.Len() == 0 {
		if q.BuildAckOnly == nil {
			return
		}
		if _, warranted := q.BuildAckOnly(q.clock.Now()); !warranted {
			return
		}
	}

	q.requested = true
	err := q.bbr.RequestTransmit(func(result bbr.Result) {
		q.requested = false
		if result == bbr.ResultCancelled {
			return
		}
		q.onReady()
	})
	if err != nil {
		q.requested = false
	}
}

// onReady fires once BBR grants a reservation: it pulls the head of the
// queue (or synthesizes an ack-only send), hands it to BBR.Sent, records
// it in Outstanding, and re-arms if more work remains.
func (q *SendQueue) onReady() {
	seq := q.nextSeq
	q.nextSeq++

	var payload []byte
	var onSent func(seqnum.Num)
	var onResult CompletionCallback

	if front := q.queue.Front(); front != nil {
		q.queue.Remove(front)
		ps := front.Value.(*PendingSend)
		payload = ps.Payload
		onSent = ps.OnSent
		onResult = ps.OnResult
	} else if q.BuildAckOnly != nil {
		payload, _ = q.BuildAckOnly(q.clock.Now())
	}

	size := uint32(len(payload))
	sent := q.bbr.Sent(bbr.Outgoing{Sequence: seq, Size: size})
	q.out.Record(sent, onResult)

	if onSent != nil {
		onSent(seq)
	}
	if q.Transmit != nil {
		q.Transmit(seq, payload)
	}

	q.logger.Debug("reliability: message sent", zap.Uint64("sequence", uint64(seq)), zap.Int("bytes", len(payload)))

	q.pump()
}

// Cancel drains every message still waiting in the queue (never handed to
// BBR) and fires each one's completion with OutcomeCancelled, then cancels
// the outstanding BBR transmit request, armed or not, if there is one. Used by
// protocol.Facade.Close to resolve pending sends during quiescence.
func (q *SendQueue) Cancel() {
	for {
		front := q.queue.Front()
		if front == nil {
			break
		}
		q.queue.Remove(front)
		ps := front.Value.(*PendingSend)
		if ps.OnResult != nil {
			ps.OnResult(OutcomeCancelled)
		}
	}
	if q.requested {
		q.bbr.CancelTransmit()
	}
}
