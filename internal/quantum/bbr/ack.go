package bbr

import (
	"go.uber.org/zap"

	"github.com/quantumflow/quantumflow/internal/quantum/bbrtime"
	"github.com/quantumflow/quantumflow/internal/quantum/seqnum"
)

// OnAck runs the per-ack model update, in twelve ordered steps: in-flight
// accounting, bandwidth and rtt sampling, round accounting, recovery
// bookkeeping, state-machine advance (cycle phase, full-pipe detection,
// STARTUP/DRAIN/PROBE_BW transitions), min-RTT and PROBE_RTT handling,
// then pacing rate and cwnd. ack.Acked must be ordered ascending
// by sequence; ack.Nacked in any order (the caller, reliability.Outstanding,
// is responsible for invoking its own per-packet nack handling in ascending
// order before collecting the Ack BBR sees).
func (b *BBR) OnAck(ack Ack) {
	now := ack.Now

	// Step 1: BDP target before this update touches any accounting.
	priorInflight := b.inflight(bbrtime.UnitGain)

	// Step 2: decrement in-flight accounting.
	var nackedBytes uint64
	for _, n := range ack.Nacked {
		if b.packetsInFlight == 0 {
			panic("bbr: packets_in_flight underflow on nack")
		}
		b.packetsInFlight--
		b.bytesInFlight -= uint64(n.Size)
		nackedBytes += uint64(n.Size)
	}
	var ackedBytes uint64
	for _, p := range ack.Acked {
		if b.packetsInFlight == 0 {
			panic("bbr: packets_in_flight underflow on ack")
		}
		b.packetsInFlight--
		b.bytesInFlight -= uint64(p.Size)
		ackedBytes += uint64(p.Size)
	}

	// Step 3 & 4: rate sampling and bottleneck_bw filter update.
	var minRTT bbrtime.Duration = -1
	var lastAcked *AckedPacket
	for i := range ack.Acked {
		p := &ack.Acked[i]
		b.deliveredBytes += uint64(p.Size)
		b.deliveredTime = now

		rtt := now.Sub(p.SendTime)
		if minRTT < 0 || rtt < minRTT {
			minRTT = rtt
		}

		if rate, ok := bbrtime.DeliveryRate(b.deliveredBytes-p.DeliveredBytesAtSend, p.DeliveredTimeAtSend, now); ok {
			best, _ := b.bottleneckBW.Best()
			if rate >= best || !p.IsAppLimited {
				b.bottleneckBW.Update(b.roundCount, rate)
			}
		}
		lastAcked = p
	}

	// Step 5: round accounting.
	roundStart := false
	if lastAcked != nil && lastAcked.DeliveredBytesAtSend >= b.nextRoundDeliveredBytes {
		roundStart = true
		b.roundCount++
		b.nextRoundDeliveredBytes = b.deliveredBytes
	}

	// Recovery bookkeeping, orthogonal to state.
	b.updateRecovery(ack, roundStart)

	// Step 6: PROBE_BW cycle-phase advance.
	if b.state == StateProbeBW {
		b.maybeAdvanceCycle(now, priorInflight, len(ack.Nacked) > 0)
	}

	// Step 7: full-pipe detection.
	if b.state == StateStartup && roundStart && b.appLimitedSeq == 0 {
		best, _ := b.bottleneckBW.Best()
		if uint64(best)*fullBWThresholdDen >= uint64(b.fullBW)*fullBWThresholdNum {
			b.fullBW = best
			b.fullBWCount = 0
		} else {
			b.fullBWCount++
			if b.fullBWCount >= fullBWRounds {
				b.filledPipe = true
			}
		}
	}

	// Step 8: STARTUP -> DRAIN -> PROBE_BW transitions.
	if b.state == StateStartup && b.filledPipe {
		b.enterDrain(now)
	}
	if b.state == StateDrain && uint64(b.packetsInFlight) <= b.inflight(bbrtime.UnitGain)/b.mss() {
		b.enterProbeBW(now)
	}

	// Step 9: min-RTT filter update.
	rtpropExpired := now.Sub(b.rtpropStamp) > rtpropWindow
	if minRTT >= 0 && (minRTT < b.rtprop || rtpropExpired) {
		b.rtprop = minRTT
		b.rtpropStamp = now
	}

	// Step 10: PROBE_RTT entry/handling.
	if b.state != StateProbeRTT && rtpropExpired && !b.idleStart {
		b.enterProbeRTT(now)
	}
	if b.state == StateProbeRTT {
		b.updateProbeRTT(now, roundStart)
	}

	// Step 11: pacing rate.
	bw, _ := b.bottleneckBW.Best()
	candidate := b.pacingGain.Bandwidth(bw)
	if !b.filledPipe {
		if candidate > b.pacingRate {
			b.pacingRate = candidate
		}
	} else {
		b.pacingRate = candidate
	}

	// Step 12: cwnd update.
	b.updateCwnd(ackedBytes, nackedBytes)

	b.idleStart = false

	b.armIfPossible()

	b.logger.Debug("bbr: ack processed",
		zap.String("state", b.state.String()),
		zap.String("recovery", b.recovery.String()),
		zap.Uint64("cwnd_bytes", b.cwndBytes),
		zap.Uint64("pacing_rate", uint64(b.pacingRate)),
		zap.Int64("round_count", b.roundCount))
}

func (b *BBR) updateRecovery(ack Ack, roundStart bool) {
	if b.recovery == RecoveryNone {
		if len(ack.Nacked) > 0 {
			b.recovery = RecoveryFast
			b.priorCwndBytes = b.cwndBytes
			b.packetConservation = true
			b.recoveryRoundStart = b.roundCount
			if b.lastSentPacket > b.exitRecoveryAtSeq {
				b.exitRecoveryAtSeq = b.lastSentPacket
			}
		}
		return
	}

	// already in Fast recovery
	if len(ack.Nacked) > 0 {
		if b.lastSentPacket > b.exitRecoveryAtSeq {
			b.exitRecoveryAtSeq = b.lastSentPacket
		}
	}
	if roundStart && b.roundCount > b.recoveryRoundStart {
		b.packetConservation = false
	}
	if exited := b.lastSentPacket >= b.exitRecoveryAtSeq && ackCoversExit(ack, b.exitRecoveryAtSeq); exited {
		b.recovery = RecoveryNone
		b.packetConservation = false
		b.cwndBytes = b.priorCwndBytes
	}
}

func ackCoversExit(ack Ack, exitAt seqnum.Num) bool {
	for _, p := range ack.Acked {
		if p.Sequence >= exitAt {
			return true
		}
	}
	return false
}
