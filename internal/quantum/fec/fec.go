// Package fec implements an optional proactive forward-error-correction
// layer that sits alongside, not instead of, the nack/retransmit path.
// Every GroupSize consecutive transmitted packets additionally produce
// ParityShards repair packets; a receiver with enough of the group can
// reconstruct a missing data packet entirely locally, without waiting a
// round trip for a nack/retransmit cycle.
package fec

import (
	"fmt"
	"sync"

	"github.com/klauspost/reedsolomon"

	"github.com/quantumflow/quantumflow/internal/quantum/seqnum"
)

const (
	// DefaultGroupSize is the default number of data packets per repair
	// group.
	DefaultGroupSize = 10

	// DefaultParityShards is the default number of parity packets
	// produced per group ("FECParityShards").
	DefaultParityShards = 3

	// MaxShardSize matches the protocol's default MSS. The encoder does not
	// enforce it on a packet's contribution to a group.
	MaxShardSize = 1400
)

// Encoder accumulates outgoing packets into repair groups and emits
// parity packets once a group fills. It is shared across connections (see
// DESIGN.md), hence the mutex even though the rest of the core is
// single-threaded.
type Encoder struct {
	mu sync.Mutex

	groupSize    int
	parityShards int
	encoder      reedsolomon.Encoder

	current *EncodingGroup
	groupID uint64
}

// Decoder reassembles repair groups from received data and parity packets
// and attempts local reconstruction once enough shards have arrived.
type Decoder struct {
	mu sync.RWMutex

	groupSize    int
	parityShards int
	encoder      reedsolomon.Encoder

	groups map[uint64]*DecodingGroup

	totalRecovered uint64
	failedRecovery uint64
}

// EncodingGroup is one in-progress repair group on the sending side.
type EncodingGroup struct {
	GroupID      uint64
	FirstSeq     seqnum.Num
	DataShards   [][]byte
	ParityShards [][]byte
	Count        int
	Complete     bool
}

// DecodingGroup is one in-progress repair group on the receiving side.
type DecodingGroup struct {
	GroupID       uint64
	DataShards    [][]byte
	ParityShards  [][]byte
	ReceivedMask  []bool
	ReceivedCount int
	Complete      bool
}

// Config configures group size and redundancy.
type Config struct {
	GroupSize    int `yaml:"GroupSize"`
	ParityShards int `yaml:"ParityShards"`
}

// DefaultConfig returns the default group shape.
func DefaultConfig() *Config {
	return &Config{
		GroupSize:    DefaultGroupSize,
		ParityShards: DefaultParityShards,
	}
}

// NewEncoder creates an Encoder for the given group shape.
func NewEncoder(config *Config) (*Encoder, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.GroupSize < 1 || config.GroupSize > 256 {
		return nil, fmt.Errorf("fec: invalid group size: %d (must be 1-256)", config.GroupSize)
	}
	if config.ParityShards < 0 || config.ParityShards > 256 {
		return nil, fmt.Errorf("fec: invalid parity shards: %d (must be 0-256)", config.ParityShards)
	}

	enc, err := reedsolomon.New(config.GroupSize, config.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: failed to create Reed-Solomon encoder: %w", err)
	}

	return &Encoder{
		groupSize:    config.GroupSize,
		parityShards: config.ParityShards,
		encoder:      enc,
		groupID:      1,
	}, nil
}

// AddPacket folds one outgoing packet's payload into the current repair
// group, which records the sequence number of its first packet. It
// returns the group's parity packets once the group fills, or ok=false if
// more packets are still needed. firstSeq identifies, for the receiver,
// which data sequence each shard index in the group corresponds to
// (firstSeq+index).
func (e *Encoder) AddPacket(seq seqnum.Num, payload []byte) (groupID uint64, firstSeq seqnum.Num, parity [][]byte, ok bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil || e.current.Complete {
		e.current = &EncodingGroup{
			GroupID:    e.groupID,
			FirstSeq:   seq,
			DataShards: make([][]byte, e.groupSize),
		}
		e.groupID++
	}

	dataCopy := make([]byte, len(payload))
	copy(dataCopy, payload)
	e.current.DataShards[e.current.Count] = dataCopy
	e.current.Count++

	if e.current.Count == e.groupSize {
		if err := e.encodeGroup(); err != nil {
			return 0, 0, nil, false, fmt.Errorf("fec: encode group: %w", err)
		}
		e.current.Complete = true
		return e.current.GroupID, e.current.FirstSeq, e.current.ParityShards, true, nil
	}

	return 0, 0, nil, false, nil
}

func (e *Encoder) encodeGroup() error {
	maxLen := 0
	for _, shard := range e.current.DataShards {
		if len(shard) > maxLen {
			maxLen = len(shard)
		}
	}
	for i := range e.current.DataShards {
		if len(e.current.DataShards[i]) < maxLen {
			padded := make([]byte, maxLen)
			copy(padded, e.current.DataShards[i])
			e.current.DataShards[i] = padded
		}
	}

	e.current.ParityShards = make([][]byte, e.parityShards)
	for i := range e.current.ParityShards {
		e.current.ParityShards[i] = make([]byte, maxLen)
	}

	allShards := append(e.current.DataShards, e.current.ParityShards...)
	if err := e.encoder.Encode(allShards); err != nil {
		return fmt.Errorf("reed-solomon encode: %w", err)
	}
	e.current.ParityShards = allShards[e.groupSize:]
	return nil
}

// Reset drops the in-progress group, e.g. on connection close.
func (e *Encoder) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = nil
}

// GroupShape reports the encoder's configured group size and redundancy.
func (e *Encoder) GroupShape() (groupSize, parityShards int) {
	return e.groupSize, e.parityShards
}

// NewDecoder creates a Decoder matching an Encoder's group shape.
func NewDecoder(config *Config) (*Decoder, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.GroupSize < 1 || config.GroupSize > 256 {
		return nil, fmt.Errorf("fec: invalid group size: %d (must be 1-256)", config.GroupSize)
	}
	if config.ParityShards < 0 || config.ParityShards > 256 {
		return nil, fmt.Errorf("fec: invalid parity shards: %d (must be 0-256)", config.ParityShards)
	}

	enc, err := reedsolomon.New(config.GroupSize, config.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("fec: failed to create Reed-Solomon encoder: %w", err)
	}

	return &Decoder{
		groupSize:    config.GroupSize,
		parityShards: config.ParityShards,
		encoder:      enc,
		groups:       make(map[uint64]*DecodingGroup),
	}, nil
}

// AddShard folds one received data or parity packet into its repair
// group. Once enough shards of the group have arrived it reconstructs any
// missing data packets and returns the group's full set of data shards,
// indexed by shard position; the caller feeds those straight
// back into RecvQueue as if they had arrived directly, never exposing the
// gap as a nack.
func (d *Decoder) AddShard(groupID uint64, shardIndex int, data []byte, isParity bool) (recovered [][]byte, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	group, exists := d.groups[groupID]
	if !exists {
		group = &DecodingGroup{
			GroupID:      groupID,
			DataShards:   make([][]byte, d.groupSize),
			ParityShards: make([][]byte, d.parityShards),
			ReceivedMask: make([]bool, d.groupSize+d.parityShards),
		}
		d.groups[groupID] = group
	}
	if group.Complete {
		return nil, nil
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)

	var maskIndex int
	if isParity {
		if shardIndex < 0 || shardIndex >= d.parityShards {
			return nil, fmt.Errorf("fec: invalid parity shard index: %d", shardIndex)
		}
		group.ParityShards[shardIndex] = dataCopy
		maskIndex = d.groupSize + shardIndex
	} else {
		if shardIndex < 0 || shardIndex >= d.groupSize {
			return nil, fmt.Errorf("fec: invalid data shard index: %d", shardIndex)
		}
		group.DataShards[shardIndex] = dataCopy
		maskIndex = shardIndex
	}

	if !group.ReceivedMask[maskIndex] {
		group.ReceivedMask[maskIndex] = true
		group.ReceivedCount++
	}

	if group.ReceivedCount >= d.groupSize {
		if err := d.reconstructGroup(group); err != nil {
			d.failedRecovery++
			return nil, fmt.Errorf("fec: reconstruct group: %w", err)
		}
		group.Complete = true
		d.totalRecovered += uint64(d.groupSize - group.countReceivedData())
		return group.DataShards, nil
	}

	return nil, nil
}

func (d *Decoder) reconstructGroup(group *DecodingGroup) error {
	allShards := make([][]byte, d.groupSize+d.parityShards)
	copy(allShards, group.DataShards)
	copy(allShards[d.groupSize:], group.ParityShards)

	if err := d.encoder.Reconstruct(allShards); err != nil {
		return fmt.Errorf("reed-solomon reconstruct: %w", err)
	}
	ok, err := d.encoder.Verify(allShards)
	if err != nil {
		return fmt.Errorf("verify reconstruction: %w", err)
	}
	if !ok {
		return fmt.Errorf("reconstruction failed verification")
	}

	for i := 0; i < d.groupSize; i++ {
		if group.DataShards[i] == nil {
			group.DataShards[i] = allShards[i]
		}
	}
	return nil
}

func (group *DecodingGroup) countReceivedData() int {
	count := 0
	for i := 0; i < len(group.DataShards); i++ {
		if group.ReceivedMask[i] {
			count++
		}
	}
	return count
}

// CleanupOldGroups bounds decoder memory by dropping the groups with the
// lowest ids, complete or not, until keepLatest remain.
func (d *Decoder) CleanupOldGroups(keepLatest int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.groups) <= keepLatest {
		return
	}

	ids := make([]uint64, 0, len(d.groups))
	for id := range d.groups {
		ids = append(ids, id)
	}
	for i := 0; i < len(ids)-1; i++ {
		for j := i + 1; j < len(ids); j++ {
			if ids[i] > ids[j] {
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	for i := 0; i < len(ids)-keepLatest; i++ {
		delete(d.groups, ids[i])
	}
}

// Statistics reports recovery counters for observability.
func (d *Decoder) Statistics() map[string]uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return map[string]uint64{
		"total_recovered": d.totalRecovered,
		"failed_recovery": d.failedRecovery,
		"active_groups":   uint64(len(d.groups)),
	}
}

// GroupShape reports the decoder's configured group size and redundancy.
func (d *Decoder) GroupShape() (groupSize, parityShards int) {
	return d.groupSize, d.parityShards
}

// Reset drops all in-progress groups.
func (d *Decoder) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups = make(map[uint64]*DecodingGroup)
}

// Overhead reports the fraction of extra bandwidth a group shape costs.
func Overhead(groupSize, parityShards int) float64 {
	if groupSize == 0 {
		return 0
	}
	return float64(parityShards) / float64(groupSize)
}
