package stream

import (
	"github.com/google/uuid"
	"github.com/meow-io/go-courier/wire"
)

const (
	// server to client, body holds an encoded envelope
	FrameEnvelope uint8 = 1
	// client to server, guid names the envelope being settled
	FrameAck uint8 = 2
	// server to client, the queue is drained
	FrameQueueEmpty uint8 = 3
)

// Frame is the unit of the delivery stream, carried in binary websocket
// messages.
type Frame struct {
	Kind uint8     `wire:"k"`
	GUID uuid.UUID `wire:"g,optional"`
	Body []byte    `wire:"b,optional"`
}

func encodeFrame(f *Frame) ([]byte, error) {
	return wire.Serialize(f)
}

func decodeFrame(buf []byte) (*Frame, error) {
	f := &Frame{}
	if err := wire.Deserialize(buf, f); err != nil {
		return nil, err
	}
	return f, nil
}
