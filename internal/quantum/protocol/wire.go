package protocol

import (
	"fmt"

	"github.com/quantumflow/quantumflow/internal/quantum/seqnum"
)

// EncodePacket assembles one on-wire packet: a varint-length-prefixed ack
// frame followed by the payload bytes. The length varint's low bit is the
// FEC repair flag, so a receiver can route parity shards to fec.Decoder
// without them ever reaching RecvQueue as ordinary payload.
func EncodePacket(ackWire []byte, payload []byte, isRepair bool) []byte {
	lengthField := uint64(len(ackWire)) << 1
	if isRepair {
		lengthField |= 1
	}

	out := seqnum.PutVarint(nil, lengthField)
	out = append(out, ackWire...)
	out = append(out, payload...)
	return out
}

// EncodeRepairPacket frames one FEC parity shard with the group id, the
// sequence number of the group's first data packet, and the shard index a
// receiver's fec.Decoder needs to fold it into the right repair group and
// map reconstructed shards back to sequence numbers. Sent as the payload of
// an EncodePacket call with isRepair=true.
func EncodeRepairPacket(groupID uint64, firstSeq seqnum.Num, shardIndex int, shard []byte) []byte {
	out := seqnum.PutVarint(nil, groupID)
	out = seqnum.PutVarint(out, uint64(firstSeq))
	out = seqnum.PutVarint(out, uint64(shardIndex))
	out = append(out, shard...)
	return out
}

// DecodeRepairPacket reverses EncodeRepairPacket.
func DecodeRepairPacket(wire []byte) (groupID uint64, firstSeq seqnum.Num, shardIndex int, shard []byte, err error) {
	groupID, n, err := seqnum.GetVarint(wire)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("protocol: decode repair group id: %w", err)
	}
	wire = wire[n:]

	first, n, err := seqnum.GetVarint(wire)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("protocol: decode repair first sequence: %w", err)
	}
	wire = wire[n:]

	idx, n, err := seqnum.GetVarint(wire)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("protocol: decode repair shard index: %w", err)
	}
	return groupID, seqnum.Num(first), int(idx), wire[n:], nil
}

// DecodePacket reverses EncodePacket.
func DecodePacket(wire []byte) (ackWire []byte, payload []byte, isRepair bool, err error) {
	lengthField, n, err := seqnum.GetVarint(wire)
	if err != nil {
		return nil, nil, false, fmt.Errorf("protocol: decode length prefix: %w", err)
	}
	isRepair = lengthField&1 != 0
	ackLen := int(lengthField >> 1)

	rest := wire[n:]
	if ackLen > len(rest) {
		return nil, nil, false, fmt.Errorf("protocol: ack frame length %d exceeds remaining %d bytes", ackLen, len(rest))
	}
	return rest[:ackLen], rest[ackLen:], isRepair, nil
}
