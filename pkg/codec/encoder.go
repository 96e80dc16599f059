package codec

import (
	"fmt"

	"sockline/pkg/core"
)

// FrameType tells the channel how to put a Frame on the wire.
type FrameType int

const (
	// FrameRaw is written to the stream as is.
	FrameRaw FrameType = iota
	FrameText
	FrameBinary
	FramePing
)

func (t FrameType) String() string {
	switch t {
	case FrameRaw:
		return "raw"
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	default:
		return "unknown"
	}
}

// Frame is an encoded payload ready for a channel write.
type Frame struct {
	Type FrameType
	Data []byte
}

// Encoder turns a payload into the frame for one wire mode. Encoders are stateless.
type Encoder interface {
	Encode(p Payload, ping bool) (Frame, error)
}

// NewEncoder returns the encoder for mode.
func NewEncoder(mode core.Mode) Encoder {
	if mode == core.ModeWebSocket {
		return WebSocketEncoder{}
	}
	return PlainEncoder{}
}

// PlainEncoder terminates text with a newline and writes binary unchanged.
// The ping flag has no meaning on a raw stream and is ignored.
type PlainEncoder struct{}

func (PlainEncoder) Encode(p Payload, _ bool) (Frame, error) {
	if IsEmpty(p) {
		return Frame{}, core.ErrEmptyPayload
	}
	switch v := p.(type) {
	case Text:
		data := make([]byte, 0, len(v)+1)
		data = append(data, v...)
		data = append(data, '\n')
		return Frame{Type: FrameRaw, Data: data}, nil
	case Binary:
		return Frame{Type: FrameRaw, Data: v}, nil
	}
	return Frame{}, fmt.Errorf("unsupported payload %T", p)
}

// WebSocketEncoder maps text and binary payloads to their frame opcodes.
// Pings may be empty.
type WebSocketEncoder struct{}

func (WebSocketEncoder) Encode(p Payload, ping bool) (Frame, error) {
	if ping {
		if p == nil {
			return Frame{Type: FramePing}, nil
		}
		return Frame{Type: FramePing, Data: p.Bytes()}, nil
	}
	if IsEmpty(p) {
		return Frame{}, core.ErrEmptyPayload
	}
	switch v := p.(type) {
	case Text:
		return Frame{Type: FrameText, Data: []byte(v)}, nil
	case Binary:
		return Frame{Type: FrameBinary, Data: v}, nil
	}
	return Frame{}, fmt.Errorf("unsupported payload %T", p)
}
