package reliability

import (
	"testing"

	"github.com/quantumflow/quantumflow/internal/quantum/ackframe"
	"github.com/quantumflow/quantumflow/internal/quantum/bbr"
	"github.com/quantumflow/quantumflow/internal/quantum/bbrtime"
	"github.com/quantumflow/quantumflow/internal/quantum/seqnum"
)

type fakeClock struct{ now bbrtime.TimeStamp }

func (f *fakeClock) Now() bbrtime.TimeStamp { return f.now }
func (f *fakeClock) Schedule(at bbrtime.TimeStamp, cb func()) bbr.Cancel {
	return noopCancel{}
}

type noopCancel struct{}

func (noopCancel) Cancel() {}

type fakeRand struct{}

func (fakeRand) Uint64() uint64 { return 0 }

func newTestController(clock *fakeClock) *bbr.BBR {
	return bbr.New(bbr.Config{
		MSS:                1400,
		InitialCwndPackets: 10,
		Clock:              clock,
		Rand:               fakeRand{},
	})
}

func recordSent(o *Outstanding, b *bbr.BBR, clock *fakeClock, seq seqnum.Num, onComplete CompletionCallback) {
	if err := b.RequestTransmit(func(bbr.Result) {}); err != nil {
		panic(err)
	}
	sent := b.Sent(bbr.Outgoing{Sequence: seq, Size: 1400})
	o.Record(sent, onComplete)
}

func TestAckValidationRejectsAckBeyondSent(t *testing.T) {
	clock := &fakeClock{now: 1000}
	b := newTestController(clock)
	o := NewOutstanding(1, b, nil)
	recordSent(o, b, clock, 1, nil)

	err := o.ProcessAck(clock.now, ackframe.Frame{AckTo: 99})
	if err != ErrAckBeyondSent {
		t.Fatalf("ProcessAck with ack_to beyond highest sent: got %v, want ErrAckBeyondSent", err)
	}
}

func TestAckValidationRejectsUnsentNack(t *testing.T) {
	clock := &fakeClock{now: 1000}
	b := newTestController(clock)
	o := NewOutstanding(5, b, nil)
	recordSent(o, b, clock, 5, nil)

	err := o.ProcessAck(clock.now, ackframe.Frame{AckTo: 5, Nacks: []seqnum.Num{4}})
	if err != ErrUnsentReference {
		t.Fatalf("ProcessAck nacking a sequence below send_tip: got %v, want ErrUnsentReference", err)
	}
}

func TestCompletionFiresOnceOnAck(t *testing.T) {
	clock := &fakeClock{now: 1000}
	b := newTestController(clock)
	o := NewOutstanding(1, b, nil)

	calls := 0
	var outcome Outcome
	recordSent(o, b, clock, 1, func(got Outcome) { calls++; outcome = got })

	clock.now += 10_000
	if err := o.ProcessAck(clock.now, ackframe.Frame{AckTo: 1}); err != nil {
		t.Fatalf("ProcessAck: %v", err)
	}
	if calls != 1 {
		t.Fatalf("completion callback fired %d times, want exactly 1", calls)
	}
	if outcome != OutcomeAcked {
		t.Fatalf("outcome = %v, want OutcomeAcked", outcome)
	}

	// A duplicate/overlapping ack after the entry is gone must not refire.
	if err := o.ProcessAck(clock.now, ackframe.Frame{AckTo: 1}); err != nil {
		t.Fatalf("second ProcessAck: %v", err)
	}
	if calls != 1 {
		t.Fatalf("completion callback fired again after resolution: calls=%d", calls)
	}
}

func TestCompletionFiresOnceOnTimeout(t *testing.T) {
	clock := &fakeClock{now: 1000}
	b := newTestController(clock)
	o := NewOutstanding(1, b, nil)

	calls := 0
	var outcome Outcome
	recordSent(o, b, clock, 1, func(got Outcome) { calls++; outcome = got })

	clock.now += 2_000_000
	if !o.ExpireOnTimeout(clock.now, o.RetransmitDelay()) {
		t.Fatal("ExpireOnTimeout should report an expired entry")
	}
	if calls != 1 || outcome != OutcomeLost {
		t.Fatalf("completion callback: calls=%d outcome=%v, want 1 call with OutcomeLost", calls, outcome)
	}
	if o.SendTip() != 2 {
		t.Fatalf("SendTip() = %d after expiry, want 2", o.SendTip())
	}

	// Nothing left to expire.
	if o.ExpireOnTimeout(clock.now, 0) {
		t.Fatal("ExpireOnTimeout should report false once send_tip has no entry")
	}
}

func TestExpireOnTimeoutExpiresEveryOverdueEntryInOneCall(t *testing.T) {
	clock := &fakeClock{now: 1000}
	b := newTestController(clock)
	o := NewOutstanding(1, b, nil)

	var outcomes []Outcome
	onComplete := func(got Outcome) { outcomes = append(outcomes, got) }
	recordSent(o, b, clock, 1, onComplete)
	recordSent(o, b, clock, 2, onComplete)
	recordSent(o, b, clock, 3, onComplete)

	clock.now += 2_000_000
	if !o.ExpireOnTimeout(clock.now, o.RetransmitDelay()) {
		t.Fatal("ExpireOnTimeout should report an expired entry")
	}
	if len(outcomes) != 3 {
		t.Fatalf("completion callbacks fired %d times, want 3: a burst of simultaneously-overdue packets must expire together, not one per call", len(outcomes))
	}
	for _, o := range outcomes {
		if o != OutcomeLost {
			t.Fatalf("outcome = %v, want OutcomeLost", o)
		}
	}
	if o.SendTip() != 4 {
		t.Fatalf("SendTip() = %d after expiring 3 entries starting at 1, want 4", o.SendTip())
	}
}

func TestExpireOnTimeoutStopsAtFirstEntryNotYetDue(t *testing.T) {
	clock := &fakeClock{now: 1000}
	b := newTestController(clock)
	o := NewOutstanding(1, b, nil)

	var outcomes []Outcome
	onComplete := func(got Outcome) { outcomes = append(outcomes, got) }
	recordSent(o, b, clock, 1, onComplete)

	clock.now += 2_000_000
	recordSent(o, b, clock, 2, onComplete) // sent just now: not yet overdue

	if !o.ExpireOnTimeout(clock.now, o.RetransmitDelay()) {
		t.Fatal("ExpireOnTimeout should report the one overdue entry expired")
	}
	if len(outcomes) != 1 {
		t.Fatalf("completion callbacks fired %d times, want exactly 1", len(outcomes))
	}
	if o.SendTip() != 2 {
		t.Fatalf("SendTip() = %d, want 2: the not-yet-due entry at seq 2 must remain outstanding", o.SendTip())
	}
}

func TestOldestSendTimeTracksSendTip(t *testing.T) {
	clock := &fakeClock{now: 1000}
	b := newTestController(clock)
	o := NewOutstanding(1, b, nil)

	if _, ok := o.OldestSendTime(); ok {
		t.Fatal("OldestSendTime should report false with nothing outstanding")
	}

	recordSent(o, b, clock, 1, nil)
	st, ok := o.OldestSendTime()
	if !ok || st != 1000 {
		t.Fatalf("OldestSendTime() = (%d, %v), want (1000, true)", st, ok)
	}

	clock.now += 500
	recordSent(o, b, clock, 2, nil)
	if st, _ := o.OldestSendTime(); st != 1000 {
		t.Fatalf("OldestSendTime() = %d after a second send, want the send_tip entry's time (1000) unchanged", st)
	}
}

func TestAckedNeverNacked(t *testing.T) {
	clock := &fakeClock{now: 1000}
	b := newTestController(clock)
	o := NewOutstanding(1, b, nil)
	recordSent(o, b, clock, 1, nil)

	clock.now += 10_000
	if err := o.ProcessAck(clock.now, ackframe.Frame{AckTo: 1}); err != nil {
		t.Fatalf("ProcessAck: %v", err)
	}

	// A later frame trying to nack the same (already-resolved) sequence
	// is rejected rather than silently flipping its resolution.
	err := o.ProcessAck(clock.now, ackframe.Frame{AckTo: 1, Nacks: []seqnum.Num{1}})
	if err != ErrUnsentReference && err != ErrRenackAcked {
		t.Fatalf("re-nacking an acked, now-forgotten sequence: got %v", err)
	}
}

func TestRTTEstimateUpdatesFromAck(t *testing.T) {
	clock := &fakeClock{now: 1000}
	b := newTestController(clock)
	o := NewOutstanding(1, b, nil)
	recordSent(o, b, clock, 1, nil)

	clock.now += 50_000
	if err := o.ProcessAck(clock.now, ackframe.Frame{AckTo: 1}); err != nil {
		t.Fatalf("ProcessAck: %v", err)
	}
	if o.RTTEstimate() != 50_000 {
		t.Fatalf("RTTEstimate() = %d, want 50000", o.RTTEstimate())
	}
}
