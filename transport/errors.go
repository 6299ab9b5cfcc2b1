package transport

import (
	"fmt"

	"github.com/juju/errors"
)

var (
	// ErrTimeout is a normal outcome of ReceiveWithTimeout, not a fault.
	ErrTimeout = errors.New("receive timeout")
	ErrClosed  = errors.New("transport closed")
)

// BindError: local port unavailable. Fatal for Connect.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind %s: %v", e.Addr, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// SendError affects one Send call only.
type SendError struct {
	Addr string
	Err  error
}

func (e *SendError) Error() string { return fmt.Sprintf("send %s: %v", e.Addr, e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// ReceiveError is terminal for the transport instance.
type ReceiveError struct {
	Err error
}

func (e *ReceiveError) Error() string { return fmt.Sprintf("receive: %v", e.Err) }
func (e *ReceiveError) Unwrap() error { return e.Err }

func IsTimeout(err error) bool { return err != nil && errors.Cause(err) == ErrTimeout }

func IsBind(err error) bool {
	_, ok := errors.Cause(err).(*BindError)
	return ok
}

func IsSend(err error) bool {
	_, ok := errors.Cause(err).(*SendError)
	return ok
}

// IsFatal reports receive failures after which the transport must be discarded.
func IsFatal(err error) bool {
	_, ok := errors.Cause(err).(*ReceiveError)
	return ok
}

// IsClosed reports receive or send attempted on a closed transport.
func IsClosed(err error) bool {
	switch e := errors.Cause(err).(type) {
	case *ReceiveError:
		return e.Err == ErrClosed
	case *SendError:
		return e.Err == ErrClosed
	}
	return errors.Cause(err) == ErrClosed
}
