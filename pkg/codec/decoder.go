package codec

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"sockline/pkg/core"
)

// LineDecoder splits a stream into newline-delimited text frames.
// Both "\n" and "\r\n" end a frame and are stripped. Bytes left without a
// delimiter when the stream ends are dropped.
type LineDecoder struct {
	scanner   *bufio.Scanner
	maxLength int
}

// NewLineDecoder reads frames from r. Frames longer than maxLength bytes,
// delimiter excluded, fail with core.ErrFrameTooLong.
func NewLineDecoder(r io.Reader, maxLength int) *LineDecoder {
	if maxLength <= 0 {
		maxLength = core.DefaultMaxLineLength
	}
	d := &LineDecoder{scanner: bufio.NewScanner(r), maxLength: maxLength}
	d.scanner.Buffer(make([]byte, 0, min(4096, maxLength+2)), maxLength+2)
	d.scanner.Split(d.split)
	return d
}

// Next returns the next frame, io.EOF at the end of the stream, or the read error.
func (d *LineDecoder) Next() (Text, error) {
	if d.scanner.Scan() {
		return Text(d.scanner.Bytes()), nil
	}
	err := d.scanner.Err()
	switch {
	case err == nil:
		return "", io.EOF
	case errors.Is(err, bufio.ErrTooLong):
		return "", core.ErrFrameTooLong
	}
	return "", err
}

func (d *LineDecoder) split(data []byte, atEOF bool) (int, []byte, error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line := data[:i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if len(line) > d.maxLength {
			return 0, nil, core.ErrFrameTooLong
		}
		return i + 1, line, nil
	}
	if len(data) > d.maxLength+1 {
		return 0, nil, core.ErrFrameTooLong
	}
	return 0, nil, nil
}
