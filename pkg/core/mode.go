package core

// Mode represents the wire mode of a connection.
type Mode int

// Mode constants define the available framings.
const (
	// ModePlain frames text by newline over a raw TCP stream.
	ModePlain Mode = iota
	// ModeWebSocket exchanges websocket frames after an HTTP upgrade.
	ModeWebSocket
)

// String returns the string representation of the mode ("plain" or "websocket").
func (m Mode) String() string {
	return [...]string{
		"plain",
		"websocket",
	}[m]
}
