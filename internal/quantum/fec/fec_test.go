package fec

import (
	"bytes"
	"testing"

	"github.com/quantumflow/quantumflow/internal/quantum/seqnum"
)

func TestEncoderDecoderRoundTripWithLoss(t *testing.T) {
	config := &Config{GroupSize: 4, ParityShards: 2}

	encoder, err := NewEncoder(config)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	decoder, err := NewDecoder(config)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	data := [][]byte{
		[]byte("packet one"),
		[]byte("packet two"),
		[]byte("packet three"),
		[]byte("packet four"),
	}

	var groupID uint64
	var firstSeq seqnum.Num
	var parity [][]byte
	for i, p := range data {
		gid, fs, ps, ok, err := encoder.AddPacket(seqnum.Num(100+i), p)
		if err != nil {
			t.Fatalf("AddPacket(%d): %v", i, err)
		}
		if ok {
			groupID, firstSeq, parity = gid, fs, ps
		}
	}
	if parity == nil {
		t.Fatal("a full group should produce parity shards")
	}
	if len(parity) != config.ParityShards {
		t.Fatalf("len(parity) = %d, want %d", len(parity), config.ParityShards)
	}
	if firstSeq != 100 {
		t.Fatalf("firstSeq = %d, want 100 (the group's first data sequence)", firstSeq)
	}

	// Lose data shards 1 and 3; deliver 0, 2, and both parity shards.
	if _, err := decoder.AddShard(groupID, 0, data[0], false); err != nil {
		t.Fatalf("AddShard(0): %v", err)
	}
	if _, err := decoder.AddShard(groupID, 2, data[2], false); err != nil {
		t.Fatalf("AddShard(2): %v", err)
	}
	if _, err := decoder.AddShard(groupID, 0, parity[0], true); err != nil {
		t.Fatalf("AddShard(parity 0): %v", err)
	}
	recovered, err := decoder.AddShard(groupID, 1, parity[1], true)
	if err != nil {
		t.Fatalf("AddShard(parity 1): %v", err)
	}
	if recovered == nil {
		t.Fatal("the group should reconstruct once enough shards have arrived")
	}

	want1 := make([]byte, len(recovered[1]))
	copy(want1, data[1])
	if !bytes.Equal(recovered[1][:len(data[1])], data[1]) {
		t.Errorf("recovered[1] = %q, want %q", recovered[1][:len(data[1])], data[1])
	}
	if !bytes.Equal(recovered[3][:len(data[3])], data[3]) {
		t.Errorf("recovered[3] = %q, want %q", recovered[3][:len(data[3])], data[3])
	}
}

func TestAddShardReturnsNilUntilGroupFull(t *testing.T) {
	config := &Config{GroupSize: 3, ParityShards: 1}
	decoder, err := NewDecoder(config)
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}

	recovered, err := decoder.AddShard(1, 0, []byte("x"), false)
	if err != nil {
		t.Fatalf("AddShard: %v", err)
	}
	if recovered != nil {
		t.Fatal("AddShard should return nil recovered shards before the group has enough data")
	}
}

func TestNewEncoderRejectsInvalidGroupSize(t *testing.T) {
	if _, err := NewEncoder(&Config{GroupSize: 0, ParityShards: 1}); err == nil {
		t.Fatal("NewEncoder should reject a zero group size")
	}
	if _, err := NewEncoder(&Config{GroupSize: 300, ParityShards: 1}); err == nil {
		t.Fatal("NewEncoder should reject a group size above 256")
	}
}

func TestEncoderResetDropsInProgressGroup(t *testing.T) {
	encoder, err := NewEncoder(&Config{GroupSize: 4, ParityShards: 2})
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if _, _, _, _, err := encoder.AddPacket(1, []byte("a")); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	encoder.Reset()
	if encoder.current != nil {
		t.Fatal("Reset should drop the in-progress group")
	}
}

func TestCleanupOldGroupsKeepsLatest(t *testing.T) {
	decoder, err := NewDecoder(&Config{GroupSize: 2, ParityShards: 1})
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	for gid := uint64(1); gid <= 5; gid++ {
		if _, err := decoder.AddShard(gid, 0, []byte("x"), false); err != nil {
			t.Fatalf("AddShard(group %d): %v", gid, err)
		}
	}
	decoder.CleanupOldGroups(2)
	stats := decoder.Statistics()
	if stats["active_groups"] != 2 {
		t.Fatalf("active_groups = %d after CleanupOldGroups(2), want 2", stats["active_groups"])
	}
	if _, stillThere := decoder.groups[5]; !stillThere {
		t.Fatal("CleanupOldGroups should keep the most recent group ids")
	}
}
