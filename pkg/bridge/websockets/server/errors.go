package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/coder/websocket"
)

// SendErrorReason classifies why a push to a client failed.
type SendErrorReason string

const (
	// SendErrorClosed means the client closed or the socket went away.
	SendErrorClosed SendErrorReason = "closed"
	// SendErrorTimeout means the write did not complete within the write timeout.
	SendErrorTimeout SendErrorReason = "timeout"
	// SendErrorCanceled means the connection context ended during the write.
	SendErrorCanceled SendErrorReason = "canceled"
	// SendErrorIO covers any other socket failure.
	SendErrorIO SendErrorReason = "io"
)

// SendError is a failure to deliver a frame to one client. It ends that
// client's connection and nothing else.
type SendError struct {
	Reason SendErrorReason
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("websocket send failed (%s): %v", e.Reason, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// newSendError classifies a write error. writeCtx is the context the write
// was attempted under.
func newSendError(writeCtx context.Context, err error) *SendError {
	reason := SendErrorIO

	switch {
	case websocket.CloseStatus(err) != -1,
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe):
		reason = SendErrorClosed
	case errors.Is(writeCtx.Err(), context.DeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded):
		reason = SendErrorTimeout
	case errors.Is(err, context.Canceled), writeCtx.Err() != nil:
		reason = SendErrorCanceled
	}

	return &SendError{Reason: reason, Err: err}
}
