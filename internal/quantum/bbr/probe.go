package bbr

import "github.com/quantumflow/quantumflow/internal/quantum/bbrtime"

// steadyStateCwndGain is the cwnd_gain BBR uses outside STARTUP, giving
// the window enough slack above the raw BDP estimate to absorb ack
// compression without under-utilizing the pipe.
var steadyStateCwndGain = bbrtime.Gain{Num: 2, Den: 1}

func (b *BBR) enterDrain(now bbrtime.TimeStamp) {
	b.state = StateDrain
	b.stateEntryAt = now
	b.pacingGain = bbrtime.HighGain.Reciprocal()
	b.cwndGain = bbrtime.HighGain
}

func (b *BBR) enterProbeBW(now bbrtime.TimeStamp) {
	b.state = StateProbeBW
	b.stateEntryAt = now
	b.cwndGain = steadyStateCwndGain

	// Entering PROBE_BW mid-cycle: pick a start index in [1,7] and advance
	// once, so the first phase after DRAIN is never the gain=0.75 slot
	// (index 1); every other slot, the gain=1.25 one included, can come first.
	b.cycleIndex = 1 + int(b.rand.Uint64()%7)
	b.cycleStamp = now
	b.advanceCycle()
}

func (b *BBR) enterProbeRTT(now bbrtime.TimeStamp) {
	b.state = StateProbeRTT
	b.stateEntryAt = now
	b.pacingGain = bbrtime.UnitGain
	b.cwndGain = bbrtime.UnitGain
	b.priorCwndBytes = b.cwndBytes
	b.probeRTTTimerDone = false
	b.probeRTTRoundOK = false
	if b.probeRTTTimer != nil {
		b.probeRTTTimer.Cancel()
		b.probeRTTTimer = nil
	}
}

// advanceCycle moves to the next PROBE_BW gain phase.
func (b *BBR) advanceCycle() {
	b.cycleIndex = (b.cycleIndex + 1) % len(bbrtime.ProbeBWCycleGains)
	b.pacingGain = bbrtime.ProbeBWCycleGains[b.cycleIndex]
}

// maybeAdvanceCycle implements PROBE_BW's cycle-phase advance conditions.
func (b *BBR) maybeAdvanceCycle(now bbrtime.TimeStamp, priorInflight uint64, hadNacks bool) {
	isFullLength := now.Sub(b.cycleStamp) > b.rtprop

	var advance bool
	switch {
	case b.pacingGain.IsOne():
		advance = isFullLength
	case b.pacingGain.GreaterThanOne():
		advance = isFullLength && (hadNacks || priorInflight >= b.inflight(b.pacingGain))
	default: // < 1
		advance = isFullLength || priorInflight <= b.inflight(bbrtime.UnitGain)
	}

	if advance {
		b.cycleStamp = now
		b.advanceCycle()
	}
}

// updateProbeRTT runs the PROBE_RTT duration/exit state machine: enter
// lasts until bytes_in_flight <= 4*MSS for one round and at least
// 200ms.
func (b *BBR) updateProbeRTT(now bbrtime.TimeStamp, roundStart bool) {
	floor := uint64(minPipeCwndPackets) * b.mss()
	if b.probeRTTTimer == nil && b.bytesInFlight <= floor {
		b.probeRTTTimer = b.clock.Schedule(now.Add(probeRTTDuration), func() {
			b.probeRTTTimerDone = true
		})
	}
	if !b.probeRTTTimerDone {
		return
	}
	if roundStart {
		b.probeRTTRoundOK = true
	}
	if !b.probeRTTRoundOK {
		return
	}

	b.rtpropStamp = now
	b.cwndBytes = b.priorCwndBytes
	if floor := minPipeCwndPackets * b.mss(); b.cwndBytes < floor {
		b.cwndBytes = floor
	}
	if b.filledPipe {
		b.enterProbeBW(now)
	} else {
		b.state = StateStartup
		b.stateEntryAt = now
		b.pacingGain = bbrtime.HighGain
		b.cwndGain = bbrtime.HighGain
	}
}
