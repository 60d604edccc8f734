package wire

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EnvelopeVersion is written into every encoded envelope.
const EnvelopeVersion uint8 = 1

// Type routes an envelope without inspecting its content.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeCiphertext
	TypePreKeyBundle
	TypePlaintextControl
	TypeServerReceipt
)

func (t Type) String() string {
	switch t {
	case TypeCiphertext:
		return "ciphertext"
	case TypePreKeyBundle:
		return "prekey_bundle"
	case TypePlaintextControl:
		return "plaintext_control"
	case TypeServerReceipt:
		return "server_receipt"
	default:
		return "unknown"
	}
}

var ErrMalformedEnvelope = errors.New("wire: malformed envelope")

// Envelope is the atomic unit of delivery. ServerGUID and ServerTimestamp are
// assigned at ingestion by the orchestrator, never accepted from a client.
// SourceService and SourceDevice are absent for sealed-sender messages.
type Envelope struct {
	Version            uint8     `wire:"v"`
	Type               Type      `wire:"t"`
	SourceService      string    `wire:"ss,optional"`
	SourceDevice       uint8     `wire:"sd,optional"`
	DestinationService string    `wire:"ds"`
	ClientTimestamp    uint64    `wire:"ct,optional"`
	ServerTimestamp    uint64    `wire:"st"`
	ServerGUID         uuid.UUID `wire:"g"`
	Content            []byte    `wire:"c,optional"`
	Ephemeral          bool      `wire:"e,optional"`
	Urgent             bool      `wire:"u,optional"`
	ReportSpamToken    []byte    `wire:"rst,optional"`
}

// SealedSender reports whether the envelope carries no source identity.
func (e *Envelope) SealedSender() bool {
	return e.SourceService == ""
}

func EncodeEnvelope(e *Envelope) ([]byte, error) {
	if e.Version == 0 {
		e.Version = EnvelopeVersion
	}
	return Serialize(e)
}

func DecodeEnvelope(buf []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := Deserialize(buf, e); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedEnvelope, err)
	}
	return e, nil
}
