package bbr

import "github.com/quantumflow/quantumflow/internal/quantum/bbrtime"

// sendQuantum is the granularity BBR paces in.
func (b *BBR) sendQuantum() uint64 {
	switch {
	case b.pacingRate < pacingBandLow:
		return b.mss()
	case b.pacingRate < pacingBandHigh:
		return 2 * b.mss()
	default:
		q := uint64(b.pacingRate) / 1000 // pacing_rate * 1ms, bytes/sec -> bytes/ms
		if q > 65536 {
			q = 65536
		}
		return q
	}
}

// inflight computes gain·BDP + 3·SendQuantum. Returns 3·MSS if rtprop is
// not yet known.
func (b *BBR) inflight(gain bbrtime.Gain) uint64 {
	if b.rtprop.IsInfinite() {
		return 3 * b.mss()
	}
	bw, _ := b.bottleneckBW.Best()
	bdp := bw.BytesPerTime(b.rtprop)
	return gain.Bytes(bdp) + 3*b.sendQuantum()
}

// updateCwnd applies the cwnd rules after accounting and rate sampling
// have run for this ack.
func (b *BBR) updateCwnd(ackedBytes uint64, nackedBytes uint64) {
	target := b.targetCwnd()

	switch {
	case b.recovery == RecoveryFast:
		if b.cwndBytes > nackedBytes {
			b.cwndBytes -= nackedBytes
		} else {
			b.cwndBytes = b.mss()
		}
		if b.cwndBytes < b.mss() {
			b.cwndBytes = b.mss()
		}
		if b.packetConservation {
			floor := b.bytesInFlight + ackedBytes
			if b.cwndBytes < floor {
				b.cwndBytes = floor
			}
		}
	case b.filledPipe:
		b.cwndBytes += ackedBytes
		if b.cwndBytes > target {
			b.cwndBytes = target
		}
	case b.cwndBytes < target || ackedBytes < 3*b.mss():
		b.cwndBytes += ackedBytes
	}

	// A loss cut during packet conservation must stick: raising cwnd back
	// up to the floor here would immediately undo it.
	if !b.packetConservation {
		floor := target
		if m := minPipeCwndPackets * b.mss(); m > floor {
			floor = m
		}
		if b.cwndBytes < floor {
			b.cwndBytes = floor
		}
	}

	if b.state == StateProbeRTT {
		capped := minPipeCwndPackets * b.mss()
		if b.cwndBytes > capped {
			b.cwndBytes = capped
		}
	}

	b.assertInvariants()
}

func (b *BBR) targetCwnd() uint64 {
	t := b.inflight(b.cwndGain)
	if floor := 3 * b.mss(); t < floor {
		t = floor
	}
	return t
}
