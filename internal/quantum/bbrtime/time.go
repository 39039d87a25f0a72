// Package bbrtime provides the integer time, bandwidth and gain arithmetic
// shared by the BBR congestion controller and the packet protocol façade.
//
// Everything here is integer math: bandwidth needs byte/microsecond
// granularity to be exact, and floating point drift in a congestion
// controller compounds silently over millions of acks.
package bbrtime

import "time"

// Duration is a monotonic time delta, in microseconds.
type Duration int64

// Infinite marks a Duration (typically rtprop) that has no known sample yet.
const Infinite Duration = 1<<63 - 1

// IsInfinite reports whether d is the sentinel "no sample yet" value.
func (d Duration) IsInfinite() bool { return d == Infinite }

// FromStdlib converts a time.Duration to a bbrtime.Duration.
func FromStdlib(d time.Duration) Duration { return Duration(d.Microseconds()) }

// Stdlib converts back to a time.Duration.
func (d Duration) Stdlib() time.Duration { return time.Duration(d) * time.Microsecond }

// TimeStamp is a monotonic instant, in microseconds since an arbitrary epoch.
type TimeStamp int64

// Sub returns t-u as a Duration.
func (t TimeStamp) Sub(u TimeStamp) Duration { return Duration(t - u) }

// Add returns t+d.
func (t TimeStamp) Add(d Duration) TimeStamp { return TimeStamp(int64(t) + int64(d)) }

// After reports whether t is strictly later than u.
func (t TimeStamp) After(u TimeStamp) bool { return t > u }

// Bandwidth is expressed in bytes per second.
type Bandwidth uint64

// BytesPerTime returns the number of bytes delivered over duration d at
// bandwidth bw. Integer math, rounds down.
func (bw Bandwidth) BytesPerTime(d Duration) uint64 {
	if d <= 0 {
		return 0
	}
	// bytes = bw(bytes/s) * d(us) / 1e6, ordered to avoid truncating small
	// products before the multiply.
	return uint64(bw) * uint64(d) / 1_000_000
}

// SendTimeForBytes is the inverse of BytesPerTime: how long it takes to send
// size bytes at this bandwidth.
func (bw Bandwidth) SendTimeForBytes(size uint32) Duration {
	if bw == 0 {
		return 0
	}
	return Duration(uint64(size) * 1_000_000 / uint64(bw))
}

// DeliveryRate computes bytes delivered over the interval [from, to) as a
// Bandwidth sample. Returns ok=false for intervals under 1 microsecond,
// which are discarded as noise rather than risking a division blowup.
func DeliveryRate(bytes uint64, from, to TimeStamp) (bw Bandwidth, ok bool) {
	interval := to.Sub(from)
	if interval < 1 {
		return 0, false
	}
	return Bandwidth(bytes * 1_000_000 / uint64(interval)), true
}

// Gain is an exact rational multiplier applied to bytes or bandwidth.
// Using num/den instead of float64 keeps BBR's cwnd/pacing arithmetic
// reproducible bit-for-bit across platforms.
type Gain struct {
	Num, Den int64
}

// NewGain builds a Gain, panicking on a zero denominator (a construction
// bug, never a runtime condition).
func NewGain(num, den int64) Gain {
	if den == 0 {
		panic("bbrtime: zero-denominator gain")
	}
	return Gain{Num: num, Den: den}
}

// UnitGain is the neutral 1/1 multiplier.
var UnitGain = Gain{Num: 1, Den: 1}

// HighGain is ~2/ln2, the STARTUP pacing/cwnd gain.
var HighGain = Gain{Num: 2885, Den: 1000}

// ProbeBWCycleGains is the eight-phase PROBE_BW pacing-gain cycle, in order.
var ProbeBWCycleGains = []Gain{
	{Num: 5, Den: 4},
	{Num: 3, Den: 4},
	UnitGain, UnitGain, UnitGain, UnitGain, UnitGain, UnitGain,
}

// Bytes applies the gain to a byte count, rounding down.
func (g Gain) Bytes(bytes uint64) uint64 {
	return bytes * uint64(g.Num) / uint64(g.Den)
}

// Bandwidth applies the gain to a bandwidth sample.
func (g Gain) Bandwidth(bw Bandwidth) Bandwidth {
	return Bandwidth(uint64(bw) * uint64(g.Num) / uint64(g.Den))
}

// Reciprocal returns den/num.
func (g Gain) Reciprocal() Gain { return Gain{Num: g.Den, Den: g.Num} }

// IsOne reports whether the gain is exactly 1.
func (g Gain) IsOne() bool { return g.Num == g.Den }

// GreaterThanOne reports whether the gain is > 1.
func (g Gain) GreaterThanOne() bool { return g.Num > g.Den }

// LessThanOne reports whether the gain is < 1.
func (g Gain) LessThanOne() bool { return g.Num < g.Den }
