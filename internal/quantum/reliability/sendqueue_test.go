package reliability

import (
	"testing"

	"github.com/quantumflow/quantumflow/internal/quantum/bbr"
	"github.com/quantumflow/quantumflow/internal/quantum/bbrtime"
	"github.com/quantumflow/quantumflow/internal/quantum/seqnum"
)

// immediateClock fires every Schedule callback synchronously, so SendQueue
// tests don't need to simulate pacing delay.
type immediateClock struct{ now bbrtime.TimeStamp }

func (c *immediateClock) Now() bbrtime.TimeStamp { return c.now }
func (c *immediateClock) Schedule(at bbrtime.TimeStamp, cb func()) bbr.Cancel {
	cb()
	return noopCancel{}
}

func newTestSendQueue(t *testing.T) (*SendQueue, *bbr.BBR, *Outstanding) {
	t.Helper()
	clock := &immediateClock{now: 1000}
	b := bbr.New(bbr.Config{MSS: 1400, InitialCwndPackets: 10, Clock: clock, Rand: fakeRand{}})
	out := NewOutstanding(1, b, nil)
	q := NewSendQueue(1, b, clock, out, nil)
	return q, b, out
}

func TestEnqueueDrainsThroughTransmit(t *testing.T) {
	q, _, _ := newTestSendQueue(t)

	var transmitted []seqnum.Num
	q.Transmit = func(seq seqnum.Num, payload []byte) { transmitted = append(transmitted, seq) }

	q.Enqueue(PendingSend{Payload: []byte("hello")})
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after a reservation was granted immediately, want 0", q.Len())
	}
	if len(transmitted) != 1 || transmitted[0] != 1 {
		t.Fatalf("Transmit calls = %v, want exactly [1]", transmitted)
	}
}

func TestEnqueueFIFOOrder(t *testing.T) {
	q, b, _ := newTestSendQueue(t)
	_ = b

	var transmitted []seqnum.Num
	q.Transmit = func(seq seqnum.Num, payload []byte) { transmitted = append(transmitted, seq) }

	q.Enqueue(PendingSend{Payload: []byte("a")})
	q.Enqueue(PendingSend{Payload: []byte("b")})
	q.Enqueue(PendingSend{Payload: []byte("c")})

	for i, seq := range transmitted {
		if seq != seqnum.Num(i+1) {
			t.Fatalf("transmitted[%d] = %d, want %d: sends must leave in FIFO order", i, seq, i+1)
		}
	}
}

func TestOnSentCallbackReceivesAssignedSequence(t *testing.T) {
	q, _, _ := newTestSendQueue(t)
	q.Transmit = func(seqnum.Num, []byte) {}

	var got seqnum.Num
	q.Enqueue(PendingSend{Payload: []byte("x"), OnSent: func(seq seqnum.Num) { got = seq }})
	if got != 1 {
		t.Fatalf("OnSent received seq %d, want 1", got)
	}
}

func TestCancelFiresCancelledForQueuedSends(t *testing.T) {
	clock := &fakeClock{now: 1000} // never fires: Schedule is a no-op here
	b := bbr.New(bbr.Config{MSS: 1400, InitialCwndPackets: 1, Clock: clock, Rand: fakeRand{}})
	out := NewOutstanding(1, b, nil)
	q := NewSendQueue(1, b, clock, out, nil)

	var outcomes []Outcome
	q.Enqueue(PendingSend{Payload: []byte("a"), OnResult: func(o Outcome) { outcomes = append(outcomes, o) }})
	q.Enqueue(PendingSend{Payload: []byte("b"), OnResult: func(o Outcome) { outcomes = append(outcomes, o) }})

	q.Cancel()

	if len(outcomes) != 2 {
		t.Fatalf("Cancel resolved %d sends, want 2", len(outcomes))
	}
	for _, o := range outcomes {
		if o != OutcomeCancelled {
			t.Fatalf("outcome = %v, want OutcomeCancelled", o)
		}
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after Cancel, want 0", q.Len())
	}
}

func TestSendQueueSynthesizesAckOnlyWhenEmpty(t *testing.T) {
	q, _, _ := newTestSendQueue(t)

	var transmitted [][]byte
	q.Transmit = func(seq seqnum.Num, payload []byte) { transmitted = append(transmitted, payload) }

	built := false
	q.BuildAckOnly = func(now bbrtime.TimeStamp) ([]byte, bool) {
		if built {
			return nil, false
		}
		built = true
		return []byte("ack"), true
	}

	q.Pump()
	if len(transmitted) != 1 {
		t.Fatalf("Pump with an empty queue and a warranted ack-only send: transmitted %d payloads, want 1", len(transmitted))
	}
}
