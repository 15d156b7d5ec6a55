package lib

import (
	"github.com/pkg/errors"
)

var (
	ErrConnectionReset   = errors.New("connection reset")
	ErrConnectionRefused = errors.New("connection refused")
	ErrConnectionTimeout = &TimeoutError{msg: "connection request timeout"}
	ErrInvalidState      = errors.New("invalid connection state")
	ErrAddrInUse         = errors.New("address already in use")
	ErrBufferFull        = errors.New("buffer full")
	ErrClosed            = errors.New("use of closed connection")
	ErrChecksum          = errors.New("checksum mismatch")
	ErrMalformed         = errors.New("malformed segment")
)

// TimeoutError satisfies net.Error so callers can test Timeout().
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return false
}
