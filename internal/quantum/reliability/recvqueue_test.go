package reliability

import (
	"testing"

	"github.com/quantumflow/quantumflow/internal/quantum/seqnum"
)

func alwaysResult(r ProcessResult) func(seqnum.Num) ProcessResult {
	return func(seqnum.Num) ProcessResult { return r }
}

func TestOptionalAck(t *testing.T) {
	q := NewRecvQueue(1, nil)
	urgency, err := q.Deliver(0, 1, alwaysResult(ProcessOptionalAck))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if urgency != UrgencyNotRequired {
		t.Fatalf("urgency = %v, want UrgencyNotRequired for a single optional ack", urgency)
	}
}

func TestFiveOptionalAcksEscalate(t *testing.T) {
	q := NewRecvQueue(1, nil)
	var urgency Urgency
	var err error
	for i := 0; i < 5; i++ {
		urgency, err = q.Deliver(0, seqnum.Num(1+i), alwaysResult(ProcessOptionalAck))
		if err != nil {
			t.Fatalf("Deliver(%d): %v", i, err)
		}
	}
	if urgency != UrgencySendSoon {
		t.Fatalf("urgency after 5 consecutive optional acks = %v, want UrgencySendSoon", urgency)
	}
}

func TestThreeReceivedForcesImmediate(t *testing.T) {
	// received_tip itself sits outside the counted window, so three
	// counted Received entries need seq tip+1..tip+3.
	q := NewRecvQueue(0, nil)
	var urgency Urgency
	var err error
	for i := 0; i < 3; i++ {
		urgency, err = q.Deliver(0, seqnum.Num(1+i), alwaysResult(ProcessAck))
		if err != nil {
			t.Fatalf("Deliver(%d): %v", i, err)
		}
	}
	if urgency != UrgencySendImmediately {
		t.Fatalf("urgency after 3 Received entries = %v, want UrgencySendImmediately", urgency)
	}
}

func TestNackForcesImmediateUrgency(t *testing.T) {
	q := NewRecvQueue(1, nil)
	urgency, err := q.Deliver(0, 1, alwaysResult(ProcessNack))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if urgency != UrgencySendImmediately {
		t.Fatalf("urgency for a nacked entry = %v, want UrgencySendImmediately", urgency)
	}
}

func TestDeliverStaleSequenceIsNoop(t *testing.T) {
	q := NewRecvQueue(1, nil)
	if _, err := q.Deliver(0, 1, alwaysResult(ProcessAck)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	q.SetTip(2)

	calls := 0
	urgency, err := q.Deliver(0, 1, func(seqnum.Num) ProcessResult { calls++; return ProcessAck })
	if err != nil {
		t.Fatalf("Deliver stale seq: %v", err)
	}
	if urgency != UrgencyNotRequired {
		t.Fatalf("urgency for a stale re-delivery = %v, want UrgencyNotRequired", urgency)
	}
	if calls != 0 {
		t.Fatalf("the processor must not run again for an already-resolved sequence, calls=%d", calls)
	}
}

func TestDeliverBeyondAntiAmplificationWindowErrors(t *testing.T) {
	q := NewRecvQueue(1, nil)
	_, err := q.Deliver(0, 1+65536+1, alwaysResult(ProcessAck))
	if err == nil {
		t.Fatal("Deliver should reject a sequence far beyond received_tip")
	}
}

func TestBuildAckPromotesUnknownToNotReceived(t *testing.T) {
	q := NewRecvQueue(0, nil)
	// Deliver seq 3 directly, skipping 1 and 2: they become Unknown gap
	// entries that BuildAck must promote to NotReceived (nacked).
	if _, err := q.Deliver(0, 3, alwaysResult(ProcessAck)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	frame := q.BuildAck(1024)
	if frame.AckTo != 3 {
		t.Fatalf("AckTo = %d, want 3", frame.AckTo)
	}
	if len(frame.Nacks) != 2 {
		t.Fatalf("Nacks = %v, want exactly seq 1 and 2 nacked", frame.Nacks)
	}
}

func TestSetTipDropsEntriesBelowNewTip(t *testing.T) {
	q := NewRecvQueue(1, nil)
	if _, err := q.Deliver(0, 1, alwaysResult(ProcessAck)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if _, err := q.Deliver(0, 2, alwaysResult(ProcessAck)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	q.SetTip(3)
	if q.ReceivedTip() != 2 {
		t.Fatalf("ReceivedTip() = %d after SetTip(3), want 2", q.ReceivedTip())
	}
}
