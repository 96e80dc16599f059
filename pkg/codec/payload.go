// Package codec holds the payload types exchanged over a connection and the
// framing used to put them on the wire.
package codec

// Payload is either Text or Binary. The set is closed.
type Payload interface {
	// Bytes returns the payload content.
	Bytes() []byte
	// Len returns the payload length in bytes.
	Len() int
	isPayload()
}

// Text is a UTF-8 payload.
type Text string

func (t Text) Bytes() []byte { return []byte(t) }
func (t Text) Len() int      { return len(t) }
func (t Text) String() string {
	return string(t)
}
func (Text) isPayload() {}

// Binary is an opaque byte payload.
type Binary []byte

func (b Binary) Bytes() []byte { return b }
func (b Binary) Len() int      { return len(b) }
func (Binary) isPayload()      {}

// IsEmpty reports whether p is nil or has no bytes.
func IsEmpty(p Payload) bool {
	return p == nil || p.Len() == 0
}
