// Package protocol implements the packet-protocol façade: the public
// Send/Process surface that wires bbr.BBR, reliability.RecvQueue,
// reliability.Outstanding, reliability.SendQueue and reliability.AckSender
// together into a single-threaded, callback-driven transport core.
//
// Link and Codec are injected rather than owned: this façade expects an
// already-demultiplexed packet channel and never owns a socket or a cipher
// itself.
package protocol

import (
	"github.com/quantumflow/quantumflow/internal/quantum/bbr"
)

// Link is the packet-sender collaborator: something that can hand a fully-
// encoded wire packet to the network. SendPacket must
// not block indefinitely, since it runs on the single-threaded event loop.
// The façade logs an error returned by SendPacket and otherwise ignores
// it: the packet stays outstanding and no send status changes. Link has no
// separate no-connectivity signal.
type Link interface {
	SendPacket(wire []byte) error
}

// Clock is the excluded timer-service collaborator, reused from bbr.Clock
// so one injected implementation drives both BBR and the façade's own
// retransmit/tail-loss-probe timers.
type Clock = bbr.Clock

// Cancel releases a scheduled timer callback.
type Cancel = bbr.Cancel

// Codec is the codec collaborator: it encodes and
// decodes whatever lives between this façade's framing and the raw
// datagram, e.g. encryption or compression. Border reports the number of
// trailing/leading bytes the codec adds; the façade does not consult it
// when sizing the ack frame or payload.
type Codec interface {
	Encode(plaintext []byte) []byte
	Decode(ciphertext []byte) ([]byte, error)
	Border() int
}

// PlaintextCodec is the trivial reference Codec: identity transform, zero
// border.
type PlaintextCodec struct{}

func (PlaintextCodec) Encode(plaintext []byte) []byte        { return plaintext }
func (PlaintextCodec) Decode(ciphertext []byte) ([]byte, error) { return ciphertext, nil }
func (PlaintextCodec) Border() int                              { return 0 }

// Status names the terminal resolutions of a send. Facade.Send does not
// use it: its completion callback receives a reliability.Outcome
// (OutcomeAcked, OutcomeLost, OutcomeCancelled).
type Status int

const (
	StatusOK Status = iota
	StatusUnavailable
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusUnavailable:
		return "unavailable"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
