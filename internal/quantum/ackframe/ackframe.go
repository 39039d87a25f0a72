// Package ackframe implements the ack frame data model and wire codec: a
// cumulative ack-to sequence plus a descending list of nacked gaps.
package ackframe

import (
	"github.com/quantumflow/quantumflow/internal/quantum/bbrtime"
	"github.com/quantumflow/quantumflow/internal/quantum/seqnum"
)

// Frame is the decoded representation of an ack. Nacks are seq numbers
// strictly less than AckTo, in descending order on the wire: gaps are
// cumulative deltas from AckTo.
type Frame struct {
	AckTo   seqnum.Num
	Delay   bbrtime.Duration
	Nacks   []seqnum.Num
	Partial bool // true if the nack list was truncated to fit MaxLength
}

// Encode serializes f as:
//  1. ack_to_seq varint
//  2. ack_delay_us varint
//  3. a sequence of gap varints d_i, nack_i = ack_to - cumsum(d_i)
//
// maxLength bounds the encoded size; if the full nack list doesn't fit,
// Encode truncates it (oldest/most-distant nacks dropped first, since
// those are listed last) and returns partial=true.
func Encode(f Frame, maxLength int) (wire []byte, partial bool) {
	wire = seqnum.PutVarint(wire, uint64(f.AckTo))
	wire = seqnum.PutVarint(wire, uint64(f.Delay))

	prev := f.AckTo
	for _, nack := range f.Nacks {
		gap := uint64(prev - nack)
		gapLen := seqnum.VarintLen(gap)
		if len(wire)+gapLen > maxLength {
			return wire, true
		}
		wire = seqnum.PutVarint(wire, gap)
		prev = nack
	}
	return wire, false
}

// Decode parses a Frame from wire. Decode never errors on a short buffer
// that simply ran out of room for more nacks (that's what Partial records);
// it only errors if ack_to/delay themselves are malformed, since those are
// mandatory fixed-position fields.
func Decode(wire []byte) (Frame, error) {
	ackTo, n, err := seqnum.GetVarint(wire)
	if err != nil {
		return Frame{}, err
	}
	wire = wire[n:]

	delay, n, err := seqnum.GetVarint(wire)
	if err != nil {
		return Frame{}, err
	}
	wire = wire[n:]

	f := Frame{AckTo: seqnum.Num(ackTo), Delay: bbrtime.Duration(delay)}

	prev := f.AckTo
	for len(wire) > 0 {
		gap, n, err := seqnum.GetVarint(wire)
		if err != nil {
			// A truncated trailing gap is not possible for data this
			// decoder itself produced, but a malicious/buggy peer could
			// send one; treat it the same as a clean partial frame end.
			f.Partial = true
			break
		}
		wire = wire[n:]
		if gap > uint64(prev) {
			// Malformed: nack would be negative. Stop rather than wrap.
			f.Partial = true
			break
		}
		nack := prev - seqnum.Num(gap)
		f.Nacks = append(f.Nacks, nack)
		prev = nack
	}

	return f, nil
}

// EncodedLen returns the exact encoded size of f with no truncation,
// useful for deciding whether a frame needs truncation before calling
// Encode.
func EncodedLen(f Frame) int {
	n := seqnum.VarintLen(uint64(f.AckTo)) + seqnum.VarintLen(uint64(f.Delay))
	prev := f.AckTo
	for _, nack := range f.Nacks {
		n += seqnum.VarintLen(uint64(prev - nack))
		prev = nack
	}
	return n
}
