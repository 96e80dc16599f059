package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"
)

// Sentinel errors for common error conditions.
var (
	// ErrAlreadyReleased is returned when a released client, server or event loop is used again.
	ErrAlreadyReleased = errors.New("transport already released")
	// ErrNotConnected is returned when a write is attempted without a connected channel.
	ErrNotConnected = errors.New("not connected")
	// ErrChannelInactive is returned when writing to a channel that has been closed.
	ErrChannelInactive = errors.New("channel is inactive")
	// ErrEmptyPayload is returned when a command carries no payload bytes.
	ErrEmptyPayload = errors.New("empty payload")
	// ErrHandshakeTimeout is returned when the websocket upgrade does not complete in time.
	ErrHandshakeTimeout = errors.New("websocket handshake timeout")
	// ErrHandshakeAborted is returned when the channel closes before the upgrade completes.
	ErrHandshakeAborted = errors.New("websocket handshake aborted")
	// ErrCircuitOpen is returned when the connect circuit breaker refuses an attempt.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrRateLimited is returned when the outbound command gate denies a write.
	ErrRateLimited = errors.New("command rate limited")
	// ErrServerStopped is returned when starting a server that was already stopped.
	ErrServerStopped = errors.New("server stopped")
	// ErrFrameTooLong is returned when an inbound frame exceeds the configured maximum length.
	ErrFrameTooLong = errors.New("frame exceeds maximum length")
)

// ConnError describes a lifecycle failure reported to a listener.
type ConnError struct {
	// Code is the stable failure identifier.
	Code ErrorCode `json:"code"`
	// Message is the human-readable description.
	Message string `json:"message"`
	// Endpoint is the remote address or URL involved.
	Endpoint string `json:"endpoint"`
	// Cause is the underlying error, if any.
	Cause error `json:"-"`
	// Timestamp is when the failure was observed.
	Timestamp time.Time `json:"timestamp"`
}

func (e *ConnError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s (0x%X): %s: %v", e.Endpoint, e.Code, int(e.Code), e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s (0x%X): %s", e.Endpoint, e.Code, int(e.Code), e.Message)
}

func (e *ConnError) Unwrap() error {
	return e.Cause
}

// NewConnError creates a ConnError stamped with the current time.
func NewConnError(endpoint string, code ErrorCode, message string, cause error) *ConnError {
	return &ConnError{
		Code:      code,
		Message:   message,
		Endpoint:  endpoint,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}

// ClassifyConnectError maps a failed connect or bind to an error code.
// Released resources are fatal, network refusals are connect exceptions,
// and everything else is unexpected.
func ClassifyConnectError(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrCodeUnexpectedException
	case errors.Is(err, ErrAlreadyReleased), errors.Is(err, ErrServerStopped):
		return ErrCodeAlreadyReleased
	case errors.Is(err, ErrCircuitOpen):
		return ErrCodeConnectException
	case errors.Is(err, ErrHandshakeTimeout), errors.Is(err, ErrHandshakeAborted):
		return ErrCodeUnexpectedException
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return ErrCodeCanNotConnectToServer
	}
	if IsNetworkError(err) {
		return ErrCodeConnectException
	}
	return ErrCodeUnexpectedException
}

// IsNetworkError reports whether err is an I/O level failure of the socket,
// as opposed to a protocol or programming error.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// IsTerminalError returns true if the failure must not be retried.
func IsTerminalError(err error) bool {
	var connErr *ConnError
	if errors.As(err, &connErr) {
		return !connErr.Code.Retryable()
	}
	return errors.Is(err, ErrAlreadyReleased)
}
