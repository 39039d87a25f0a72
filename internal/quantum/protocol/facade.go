package protocol

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/quantumflow/quantumflow/internal/quantum/ackframe"
	"github.com/quantumflow/quantumflow/internal/quantum/bbr"
	"github.com/quantumflow/quantumflow/internal/quantum/bbrtime"
	"github.com/quantumflow/quantumflow/internal/quantum/fec"
	"github.com/quantumflow/quantumflow/internal/quantum/reliability"
	"github.com/quantumflow/quantumflow/internal/quantum/seqnum"
)

// Config configures a Facade. Fields carry yaml tags for an integration
// layer's loader even though this module parses none of them itself.
type Config struct {
	MSS    uint32      `yaml:"MSS"`
	Logger *zap.Logger `yaml:"-"`
	Tracer trace.Tracer `yaml:"-"`

	Clock bbr.Clock `yaml:"-"`
	Rand  bbr.Rand  `yaml:"-"`
	Link  Link      `yaml:"-"`
	Codec Codec     `yaml:"-"`

	InitialSendSeq seqnum.Num `yaml:"-"`
	InitialRecvTip seqnum.Num `yaml:"-"`

	// FECEncoder/FECDecoder opt into the proactive repair layer. Nil
	// disables FEC; nack-driven retransmission is always present
	// regardless.
	FECEncoder *fec.Encoder `yaml:"-"`
	FECDecoder *fec.Decoder `yaml:"-"`
}

// DefaultConfig returns conservative defaults; callers must still supply
// Clock, Rand and Link.
func DefaultConfig() *Config {
	return &Config{
		MSS:            1400,
		Logger:         zap.NewNop(),
		Tracer:         otel.Tracer("quantum/protocol"),
		Codec:          PlaintextCodec{},
		InitialSendSeq: 1,
		InitialRecvTip: 1,
	}
}

// Facade is the public packet-protocol entry point: Send/Process/Close.
// It wires bbr.BBR, reliability.RecvQueue,
// reliability.Outstanding, reliability.SendQueue and reliability.AckSender
// together under a single transaction discipline, single-threaded.
type Facade struct {
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
	link   Link
	codec  Codec
	clock  bbr.Clock

	bbr       *bbr.BBR
	recv      *reliability.RecvQueue
	out       *reliability.Outstanding
	sendQueue *reliability.SendQueue
	ackSender *reliability.AckSender

	fecEncoder *fec.Encoder
	fecDecoder *fec.Decoder

	txn transaction

	refcount   int
	closed     bool
	quiescedCb func()

	retransmitTimer Cancel
	tlpTimer        Cancel
}

// New constructs a Facade. Panics if a required collaborator (Clock, Rand,
// Link) is missing, matching bbr.New's fail-fast construction-time
// validation.
func New(cfg Config) *Facade {
	if cfg.MSS == 0 {
		cfg = *DefaultConfig()
	}
	if cfg.Clock == nil || cfg.Rand == nil || cfg.Link == nil {
		panic("protocol: Config.Clock, Config.Rand and Config.Link are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("quantum/protocol")
	}
	if cfg.Codec == nil {
		cfg.Codec = PlaintextCodec{}
	}
	if cfg.InitialSendSeq == 0 {
		cfg.InitialSendSeq = 1
	}
	if cfg.InitialRecvTip == 0 {
		cfg.InitialRecvTip = 1
	}

	b := bbr.New(bbr.Config{
		MSS:    cfg.MSS,
		Clock:  cfg.Clock,
		Rand:   cfg.Rand,
		Logger: cfg.Logger,
	})

	f := &Facade{
		cfg:      cfg,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		link:     cfg.Link,
		codec:    cfg.Codec,
		clock:    cfg.Clock,
		bbr:        b,
		fecEncoder: cfg.FECEncoder,
		fecDecoder: cfg.FECDecoder,
		refcount:   1, // primary ref, dropped by Close
	}
	f.recv = reliability.NewRecvQueue(cfg.InitialRecvTip, cfg.Logger)
	f.out = reliability.NewOutstanding(cfg.InitialSendSeq, b, cfg.Logger)
	f.ackSender = reliability.NewAckSender(f.recv, cfg.Logger)
	f.sendQueue = reliability.NewSendQueue(cfg.InitialSendSeq, b, cfg.Clock, f.out, cfg.Logger)
	f.sendQueue.BuildAckOnly = func(now bbrtime.TimeStamp) ([]byte, bool) {
		return f.ackSender.Build(now, int(cfg.MSS)-ackframe.EncodedLen(ackframe.Frame{AckTo: f.recv.MaxSeen()}))
	}
	f.sendQueue.Transmit = f.transmit

	f.scheduleRetransmit()
	f.scheduleTailLossProbe()
	return f
}

// transmit is SendQueue's hook for turning an assigned (sequence, payload)
// pair into wire bytes and handing them to the Link. ackSender.Build was
// already sampled during BuildAckOnly for ack-only sends; for data sends we
// (re)build the current ack state so every outgoing packet piggybacks the
// freshest ack.
func (f *Facade) transmit(seq seqnum.Num, payload []byte) {
	ackWire, _ := f.ackSender.Build(f.clock.Now(), int(f.cfg.MSS)/2)
	wire := EncodePacket(ackWire, f.codec.Encode(payload), false)

	if err := f.link.SendPacket(wire); err != nil {
		f.logger.Warn("protocol: send_packet failed", zap.Uint64("sequence", uint64(seq)), zap.Error(err))
	}

	f.feedFEC(seq, payload)
}

// feedFEC folds one outgoing data packet into the proactive repair layer
// and ships any parity shards a completed group produces, flagged via
// EncodePacket's repair bit so the peer's fec.Decoder routes them around
// RecvQueue entirely.
func (f *Facade) feedFEC(seq seqnum.Num, payload []byte) {
	if f.fecEncoder == nil {
		return
	}
	groupID, firstSeq, parity, ok, err := f.fecEncoder.AddPacket(seq, payload)
	if err != nil {
		f.logger.Warn("protocol: fec encode failed", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	for i, shard := range parity {
		repairWire := EncodeRepairPacket(groupID, firstSeq, i, shard)
		wire := EncodePacket(nil, repairWire, true)
		if err := f.link.SendPacket(wire); err != nil {
			f.logger.Warn("protocol: repair send_packet failed", zap.Uint64("group_id", groupID), zap.Error(err))
		}
	}
}

// Send enqueues a message for transmission. onResult fires exactly once
// with the terminal outcome, including OutcomeCancelled if Close drains the
// send queue before the message is ever handed to BBR.
func (f *Facade) Send(ctx context.Context, payload []byte, onResult reliability.CompletionCallback) error {
	_, span := f.tracer.Start(ctx, "quantum.protocol.Send", trace.WithAttributes(attribute.Int("payload_bytes", len(payload))))
	defer span.End()

	if f.closed {
		return fmt.Errorf("protocol: Send called after Close")
	}

	defer f.enter()()
	f.refcount++
	f.sendQueue.Enqueue(reliability.PendingSend{
		Payload: payload,
		OnResult: func(outcome reliability.Outcome) {
			f.refcount--
			if onResult != nil {
				onResult(outcome)
			}
			f.deferPump()
			f.maybeQuiesce()
		},
	})
	return nil
}

// HandleMessage is invoked by Process for each received payload; it
// returns the ack disposition to apply. Returning ProcessNack tells
// Process to treat this datagram as NotProcessed.
type HandleMessage func(payload []byte) reliability.ProcessResult

// Process is the single entry point for received datagrams. It decodes the
// wire framing, parses the piggybacked ack frame, applies it to
// Outstanding, then delivers the remaining payload to handle via
// RecvQueue.
func (f *Facade) Process(ctx context.Context, seq seqnum.Num, wire []byte, handle HandleMessage) error {
	_, span := f.tracer.Start(ctx, "quantum.protocol.Process", trace.WithAttributes(attribute.Int64("sequence", int64(seq))))
	defer span.End()

	if f.closed {
		return nil // quiescing: nothing new may complete
	}

	defer f.enter()()

	ackWire, ciphertext, isRepair, err := DecodePacket(wire)
	if err != nil {
		span.RecordError(err)
		return nil // NotProcessed: malformed framing
	}
	if isRepair {
		f.handleRepairShard(ciphertext, handle)
		return nil
	}

	payload, err := f.codec.Decode(ciphertext)
	if err != nil {
		span.RecordError(err)
		return nil // NotProcessed: codec failure
	}

	now := f.clock.Now()

	if len(ackWire) > 0 {
		frame, err := ackframe.Decode(ackWire)
		if err != nil {
			span.RecordError(err)
			return nil // NotProcessed: malformed ack frame
		}
		if err := f.out.ProcessAck(now, frame); err != nil {
			span.RecordError(err)
			return nil // NotProcessed: invalid ack
		}
	}

	urgency, err := f.recv.Deliver(now, seq, func(s seqnum.Num) reliability.ProcessResult {
		return handle(payload)
	})
	if err != nil {
		span.RecordError(err)
		return nil
	}
	f.ackSender.OnReceived(urgency)
	if urgency >= reliability.UrgencySendSoon {
		f.deferPump()
	}

	return nil
}

// handleRepairShard folds one received FEC parity shard into its repair
// group. Once the group reconstructs, every recovered data packet is run
// through Deliver exactly as if it had arrived directly; Deliver itself is
// a no-op for any sequence already resolved, so a packet that also arrived
// on the ordinary path is never delivered twice. Only parity shards are fed
// to the decoder: data packets arriving on the ordinary path are not, so a
// group reconstructs only when its parity shards alone number at least the
// group size.
func (f *Facade) handleRepairShard(wire []byte, handle HandleMessage) {
	if f.fecDecoder == nil {
		return
	}
	groupID, firstSeq, shardIndex, shard, err := DecodeRepairPacket(wire)
	if err != nil {
		f.logger.Warn("protocol: malformed repair packet", zap.Error(err))
		return
	}

	recovered, err := f.fecDecoder.AddShard(groupID, shardIndex, shard, true)
	if err != nil {
		f.logger.Warn("protocol: fec reconstruct failed", zap.Uint64("group_id", groupID), zap.Error(err))
		return
	}
	if recovered == nil {
		return
	}

	now := f.clock.Now()
	for i, data := range recovered {
		seq := firstSeq + seqnum.Num(i)
		urgency, err := f.recv.Deliver(now, seq, func(seqnum.Num) reliability.ProcessResult {
			return handle(data)
		})
		if err != nil {
			continue
		}
		f.ackSender.OnReceived(urgency)
	}
	f.deferPump()
}

// Close initiates quiescence: no new work may complete, every
// sent-but-unresolved message resolves with OutcomeLost, every
// queued-but-unsent message is cancelled, and quiesced is invoked once
// every send accepted by Send has resolved. Timers hold no ref; Close
// cancels them.
func (f *Facade) Close(quiesced func()) {
	if f.closed {
		return
	}
	f.closed = true
	f.quiescedCb = quiesced

	f.out.ExpireOnTimeout(f.clock.Now(), 0)
	f.sendQueue.Cancel()
	if f.retransmitTimer != nil {
		f.retransmitTimer.Cancel()
		f.retransmitTimer = nil
	}
	if f.tlpTimer != nil {
		f.tlpTimer.Cancel()
		f.tlpTimer = nil
	}

	f.refcount-- // drop the primary ref
	f.maybeQuiesce()
}

// scheduleRetransmit arms the retransmission timeout (RTO = max(1s,
// 4*rtt)) against the oldest outstanding packet's send_time, not a flat
// now-relative delay, so a burst of packets that all fall due together
// expire together on one fire instead of one-per-cycle. On fire, every
// outstanding packet whose send_time has aged past the timeout is declared
// lost, each completion callback fires with OutcomeLost, and BBR's model is
// notified of each loss; the timer then re-arms unless the facade has
// closed.
func (f *Facade) scheduleRetransmit() {
	if f.closed {
		return
	}
	delay := f.out.RetransmitDelay()
	deadline := f.clock.Now().Add(delay)
	if sendTime, ok := f.out.OldestSendTime(); ok {
		deadline = sendTime.Add(delay)
	}
	f.retransmitTimer = f.clock.Schedule(deadline, func() {
		if f.closed {
			return
		}
		defer f.enter()()
		expired := f.out.ExpireOnTimeout(f.clock.Now(), f.out.RetransmitDelay())
		if expired {
			f.logger.Debug("protocol: retransmission timeout", zap.Uint64("send_tip", uint64(f.out.SendTip())))
		}
		f.scheduleRetransmit()
	})
}

// scheduleTailLossProbe arms a short timer (rtt/4, floor 1ms) that, while
// packets remain outstanding, nudges an ack-only send out ahead of the full
// retransmission timeout: a packet that piggybacks the current ack state
// gives the peer another chance to report a gap, often resolving a loss in
// under one RTO.
func (f *Facade) scheduleTailLossProbe() {
	if f.closed {
		return
	}
	f.tlpTimer = f.clock.Schedule(f.clock.Now().Add(f.out.TailLossProbeDelay()), func() {
		if f.closed {
			return
		}
		if f.out.Pending() > 0 {
			f.ackSender.OnReceived(reliability.UrgencySendSoon)
			f.deferPump()
		}
		f.scheduleTailLossProbe()
	})
}
