package codec

import "github.com/rs/zerolog"

// Command is one outbound write together with its logging metadata.
// Commands are never queued; they go straight to the channel.
type Command struct {
	Payload Payload
	// Label identifies the command type and id in logs.
	Label string
	// Description is a human-readable note shown in logs.
	Description string
	// ShowLog enables logging of the write.
	ShowLog bool
	// ShowContent includes the payload itself in the log line.
	ShowContent bool
}

// TextCommand wraps s in a Command with logging disabled.
func TextCommand(s string) Command {
	return Command{Payload: Text(s)}
}

// BinaryCommand wraps b in a Command with logging disabled.
func BinaryCommand(b []byte) Command {
	return Command{Payload: Binary(b)}
}

// WithLabel sets the label and description and returns the command.
func (c Command) WithLabel(label, description string) Command {
	c.Label = label
	c.Description = description
	return c
}

// Logged enables logging, optionally with the payload content.
func (c Command) Logged(showContent bool) Command {
	c.ShowLog = true
	c.ShowContent = showContent
	return c
}

// MarshalZerologObject writes the command metadata. Binary content is hex encoded.
func (c Command) MarshalZerologObject(e *zerolog.Event) {
	if c.Label != "" {
		e.Str("label", c.Label)
	}
	if c.Description != "" {
		e.Str("desc", c.Description)
	}
	if c.Payload == nil {
		return
	}
	e.Int("len", c.Payload.Len())
	if !c.ShowContent {
		return
	}
	switch p := c.Payload.(type) {
	case Text:
		e.Str("content", string(p))
	case Binary:
		e.Hex("content", p)
	}
}
