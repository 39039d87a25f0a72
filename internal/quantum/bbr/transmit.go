package bbr

import (
	"errors"

	"go.uber.org/zap"

	"github.com/quantumflow/quantumflow/internal/quantum/bbrtime"
	"github.com/quantumflow/quantumflow/internal/quantum/seqnum"
)

// ErrRequestOutstanding is returned by RequestTransmit when a prior
// request has not yet resolved: at most one outstanding request is
// allowed per BBR instance.
var ErrRequestOutstanding = errors.New("bbr: transmit request already outstanding")

// Outgoing describes a packet as it is actually sent, fulfilling a
// transmit reservation.
type Outgoing struct {
	Sequence seqnum.Num
	Size     uint32
}

// SentPacket is the snapshot handed back after Sent() so the caller can
// track the packet through acknowledgement.
type SentPacket struct {
	Packet
}

// RequestTransmit registers interest in sending one packet. If capacity is
// available the request is armed immediately (a timer fires cb(ResultOK)
// no earlier than max(now, last_send_time)); otherwise it is parked until
// capacity frees up on a later ack.
func (b *BBR) RequestTransmit(cb TransmitCallback) error {
	if b.req != nil {
		return ErrRequestOutstanding
	}
	b.req = &reservation{cb: cb}
	b.armIfPossible()
	return nil
}

// CancelTransmit cancels the single outstanding transmit request, if any.
// last_send_time always advances on cancellation, by at least 1ms or one
// MSS's pacing quantum, so a cancel storm can never recurse without
// bound.
func (b *BBR) CancelTransmit() {
	req := b.req
	if req == nil {
		return
	}
	b.req = nil

	if req.reserved {
		b.packetsInFlight--
		b.bytesInFlight -= b.mss()
	}
	if req.cancel != nil {
		req.cancel.Cancel()
	}

	now := b.clock.Now()
	advance := bbrtime.Duration(1000) // 1ms in microseconds
	if q := b.pacingRate.SendTimeForBytes(b.cfg.MSS); q > advance {
		advance = q
	}
	base := b.lastSendTime
	if now > base {
		base = now
	}
	b.lastSendTime = base.Add(advance)

	req.cb(ResultCancelled)
}

func (b *BBR) armIfPossible() {
	if b.req == nil || b.req.reserved {
		return
	}
	if b.bytesInFlight >= b.cwndBytes {
		return // paused: wait for capacity to free on a later ack
	}

	req := b.req
	req.reserved = true
	b.packetsInFlight++
	b.bytesInFlight += b.mss()

	now := b.clock.Now()
	at := b.lastSendTime
	if now > at {
		at = now
	}
	req.cancel = b.clock.Schedule(at, func() {
		if b.req != req {
			return
		}
		req.cb(ResultOK)
	})
}

// Sent finalizes a transmit reservation: it replaces the MSS reservation
// with the packet's real size, advances pacing bookkeeping, and returns a
// SentPacket snapshot for the caller's outstanding-message tracker.
func (b *BBR) Sent(out Outgoing) SentPacket {
	if b.req == nil || !b.req.reserved {
		panic("bbr: Sent called without an armed transmit reservation")
	}
	if out.Sequence <= b.lastSentPacket {
		panic("bbr: Sent sequence must be strictly greater than last_sent_packet")
	}

	b.req = nil

	if uint64(out.Size) > b.mss() {
		b.bytesInFlight += uint64(out.Size) - b.mss()
	} else {
		b.bytesInFlight -= b.mss() - uint64(out.Size)
	}

	now := b.clock.Now()
	b.lastSentPacket = out.Sequence

	base := b.lastSendTime
	if now > base {
		base = now
	}
	delay := b.pacingRate.SendTimeForBytes(out.Size)
	if delay < 1 {
		delay = 1
	}
	b.lastSendTime = base.Add(delay)

	isAppLimited := b.packetsInFlight == 0 && b.appLimitedSeq != 0

	pkt := Packet{
		Sequence:             out.Sequence,
		Size:                 out.Size,
		SendTime:             now,
		DeliveredBytesAtSend: b.deliveredBytes,
		DeliveredTimeAtSend:  b.deliveredTime,
		IsAppLimited:         isAppLimited,
	}

	b.logger.Debug("bbr: packet sent",
		zap.Uint64("sequence", uint64(out.Sequence)),
		zap.Uint32("size", out.Size),
		zap.Uint64("cwnd_bytes", b.cwndBytes),
		zap.Uint64("bytes_in_flight", b.bytesInFlight))

	return SentPacket{Packet: pkt}
}

// NoteAppLimited records that the sender ran out of application data to
// send at sequence seq (0 clears the app-limited condition).
func (b *BBR) NoteAppLimited(seq seqnum.Num) {
	b.appLimitedSeq = seq
	if b.packetsInFlight == 0 && seq != 0 {
		b.idleStart = true
		if b.state == StateProbeBW {
			bw, _ := b.bottleneckBW.Best()
			b.pacingRate = bbrtime.UnitGain.Bandwidth(bw)
		}
	}
}
