// Package bbr implements a BBR congestion controller: a model-based sender
// that decides when and how many bytes may be in flight, based on
// bottleneck-bandwidth and round-trip propagation estimates, following the
// Startup/Drain/ProbeBW/ProbeRTT state machine from Fuchsia Overnet's
// lib/overnet/bbr.cc.
package bbr

import (
	"go.uber.org/zap"

	"github.com/quantumflow/quantumflow/internal/quantum/bbrtime"
	"github.com/quantumflow/quantumflow/internal/quantum/seqnum"
)

const (
	minPipeCwndPackets = 4
	bottleneckBWWindow = int64(10) // rounds
	rtpropWindow       = bbrtime.Duration(10 * 1_000_000)
	probeRTTDuration   = bbrtime.Duration(200 * 1_000)
	fullBWThresholdNum = 5
	fullBWThresholdDen = 4
	fullBWRounds       = 3

	pacingBandLow  = bbrtime.Bandwidth(1_200_000 / 8) // 1.2 Mbps in bytes/sec
	pacingBandHigh = bbrtime.Bandwidth(24_000_000 / 8)
)

// Config configures a BBR instance.
type Config struct {
	MSS                uint32           // required: maximum encoded packet size
	InitialCwndPackets uint32           // initial cwnd, in MSS units
	InitialRTT         bbrtime.Duration // 0 means "unknown" (infinite rtprop)
	Clock              Clock
	Rand               Rand
	Logger             *zap.Logger
}

// DefaultConfig returns a Config with conservative defaults (MSS 1400);
// callers must still supply Clock and Rand.
func DefaultConfig() *Config {
	return &Config{
		MSS:                1400,
		InitialCwndPackets: 10,
		Logger:             zap.NewNop(),
	}
}

// Packet is an in-flight send snapshot.
type Packet struct {
	Sequence             seqnum.Num
	Size                 uint32
	SendTime             bbrtime.TimeStamp
	DeliveredBytesAtSend uint64
	DeliveredTimeAtSend  bbrtime.TimeStamp
	InFastRecovery       bool
	IsAppLimited         bool
}

// AckedPacket carries an acked Packet's fields into OnAck. SendTime must
// already be adjusted for ack_delay by the caller.
type AckedPacket = Packet

// NackedPacket carries a nacked packet's accounting fields into OnAck.
type NackedPacket struct {
	Sequence seqnum.Num
	Size     uint32
}

// Ack bundles one ack's worth of resolved packets for BBR's per-ack
// update. Acked must be in ascending sequence order.
type Ack struct {
	Now    bbrtime.TimeStamp
	Acked  []AckedPacket
	Nacked []NackedPacket
}

// Result is the outcome of a transmit reservation.
type Result int

const (
	ResultOK Result = iota
	ResultCancelled
)

// TransmitCallback is invoked once when a transmit reservation is ready to
// send, or is cancelled.
type TransmitCallback func(Result)

type reservation struct {
	cb       TransmitCallback
	reserved bool // true once capacity has been set aside
	cancel   Cancel
}

// BBR is the congestion controller model. It owns its fields exclusively;
// there is no locking because the surrounding protocol runs
// single-threaded.
type BBR struct {
	cfg    Config
	clock  Clock
	rand   Rand
	logger *zap.Logger

	state        State
	recovery     Recovery
	stateEntryAt bbrtime.TimeStamp

	bottleneckBW *bbrtime.Filter[int64, bbrtime.Bandwidth]
	rtprop       bbrtime.Duration
	rtpropStamp  bbrtime.TimeStamp

	pacingGain bbrtime.Gain
	cwndGain   bbrtime.Gain
	pacingRate bbrtime.Bandwidth
	cwndBytes  uint64

	packetsInFlight uint32
	bytesInFlight   uint64

	deliveredBytes uint64
	deliveredTime  bbrtime.TimeStamp

	appLimitedSeq seqnum.Num

	roundCount              int64
	nextRoundDeliveredBytes uint64

	cycleIndex int
	cycleStamp bbrtime.TimeStamp

	fullBW      bbrtime.Bandwidth
	fullBWCount int
	filledPipe  bool

	priorCwndBytes uint64
	lastSentPacket seqnum.Num
	lastSendTime   bbrtime.TimeStamp

	idleStart bool

	packetConservation bool
	exitRecoveryAtSeq  seqnum.Num
	recoveryRoundStart int64

	probeRTTTimer     Cancel
	probeRTTTimerDone bool
	probeRTTRoundOK   bool

	req *reservation
}

// New constructs a BBR instance starting in STARTUP.
func New(cfg Config) *BBR {
	if cfg.MSS == 0 {
		panic("bbr: Config.MSS must be > 0")
	}
	if cfg.Clock == nil || cfg.Rand == nil {
		panic("bbr: Config.Clock and Config.Rand are required")
	}
	if cfg.InitialCwndPackets == 0 {
		cfg.InitialCwndPackets = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	now := cfg.Clock.Now()
	b := &BBR{
		cfg:           cfg,
		clock:         cfg.Clock,
		rand:          cfg.Rand,
		logger:        cfg.Logger,
		state:         StateStartup,
		recovery:      RecoveryNone,
		stateEntryAt:  now,
		bottleneckBW:  bbrtime.NewMaxFilter[int64, bbrtime.Bandwidth](bottleneckBWWindow),
		rtprop:        bbrtime.Infinite,
		rtpropStamp:   now,
		pacingGain:    bbrtime.HighGain,
		cwndGain:      bbrtime.HighGain,
		deliveredTime: now,
		lastSendTime:  now,
		cycleStamp:    now,
	}
	if cfg.InitialRTT > 0 {
		b.rtprop = cfg.InitialRTT
	}
	b.cwndBytes = uint64(cfg.InitialCwndPackets) * uint64(cfg.MSS)
	if floor := minPipeCwndPackets * uint64(cfg.MSS); b.cwndBytes < floor {
		b.cwndBytes = floor
	}
	return b
}

func (b *BBR) mss() uint64 { return uint64(b.cfg.MSS) }

// State reports the current BBR phase.
func (b *BBR) State() State { return b.state }

// Recovery reports the current recovery mode.
func (b *BBR) Recovery() Recovery { return b.recovery }

// CwndBytes returns the current congestion window.
func (b *BBR) CwndBytes() uint64 { return b.cwndBytes }

// PacingRate returns the current pacing rate.
func (b *BBR) PacingRate() bbrtime.Bandwidth { return b.pacingRate }

// BytesInFlight returns bytes currently reserved or in flight.
func (b *BBR) BytesInFlight() uint64 { return b.bytesInFlight }

// PacketsInFlight returns the packet-count equivalent of BytesInFlight.
func (b *BBR) PacketsInFlight() uint32 { return b.packetsInFlight }

// BottleneckBandwidth returns the current windowed-max bandwidth estimate.
func (b *BBR) BottleneckBandwidth() bbrtime.Bandwidth {
	bw, _ := b.bottleneckBW.Best()
	return bw
}

// RTProp returns the current windowed-min RTT estimate.
func (b *BBR) RTProp() bbrtime.Duration { return b.rtprop }

// assertInvariants checks the one cwnd invariant that always holds: it is
// never zero. The 4*MSS floor is only restored opportunistically, in
// updateCwnd's non-packet-conservation branch, so it does not hold while a
// loss cut is in effect.
func (b *BBR) assertInvariants() {
	if b.cwndBytes == 0 {
		panic("bbr: invariant violated: cwnd_bytes == 0")
	}
}
