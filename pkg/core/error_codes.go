package core

import (
	"errors"
	"fmt"
)

// ErrorCode identifies why a connection or server lifecycle step failed.
// Values are stable and reported verbatim to listeners.
type ErrorCode int

// Error code constants reported through listener failure callbacks.
const (
	// ErrCodeAlreadyReleased indicates the transport resources were released and cannot be reused.
	ErrCodeAlreadyReleased ErrorCode = 0x1000
	// ErrCodeCanNotConnectToServer indicates the endpoint could not be resolved or reached at all.
	ErrCodeCanNotConnectToServer ErrorCode = 0x1001
	// ErrCodeConnectException indicates a network-level refusal during connect.
	ErrCodeConnectException ErrorCode = 0x1002
	// ErrCodeUnexpectedException indicates any failure that is not a plain network error.
	ErrCodeUnexpectedException ErrorCode = 0x1003
	// ErrCodeExceedMaxRetryTimes indicates the retry chain was exhausted.
	ErrCodeExceedMaxRetryTimes ErrorCode = 0x1004
	// ErrCodeServerDown indicates the peer closed a live connection.
	ErrCodeServerDown ErrorCode = 0x1005
	// ErrCodeNetworkLost indicates an I/O error on a live connection.
	ErrCodeNetworkLost ErrorCode = 0x1006
	// ErrCodeDisconnectManuallyError indicates a manual disconnect could not complete cleanly.
	ErrCodeDisconnectManuallyError ErrorCode = 0x1007
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeAlreadyReleased:         "ALREADY_RELEASED",
	ErrCodeCanNotConnectToServer:   "CAN_NOT_CONNECT_TO_SERVER",
	ErrCodeConnectException:        "CONNECT_EXCEPTION",
	ErrCodeUnexpectedException:     "UNEXPECTED_EXCEPTION",
	ErrCodeExceedMaxRetryTimes:     "EXCEED_MAX_RETRY_TIMES",
	ErrCodeServerDown:              "SERVER_DOWN",
	ErrCodeNetworkLost:             "NETWORK_LOST",
	ErrCodeDisconnectManuallyError: "DISCONNECT_MANUALLY_ERROR",
}

// String returns the symbolic name of the code, or its hex value when unknown.
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_CODE(0x%X)", int(c))
}

// Retryable reports whether a failure with this code should enter the retry path.
func (c ErrorCode) Retryable() bool {
	switch c {
	case ErrCodeAlreadyReleased, ErrCodeExceedMaxRetryTimes, ErrCodeDisconnectManuallyError:
		return false
	}
	return true
}

// IsErrorCode checks if the error carries the specified error code.
func IsErrorCode(err error, code ErrorCode) bool {
	var connErr *ConnError
	if errors.As(err, &connErr) {
		return connErr.Code == code
	}
	return false
}
