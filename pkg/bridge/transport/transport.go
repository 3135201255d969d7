// Package transport defines the inbound side of the bridge: a Source the pump
// polls for messages on the bridged topic.
package transport

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoMessage is returned by Poll when nothing arrived within the timeout.
	ErrNoMessage = errors.New("no message within poll timeout")
	// ErrClosed is returned by Poll once the source has been closed.
	ErrClosed = errors.New("transport source closed")
)

// Message is a single raw message as delivered by a transport.
type Message struct {
	Topic   string
	Payload []byte
}

// Source is a subscription to a single topic.
//
// Poll waits up to timeout for the next message. Implementations return
// ErrNoMessage when the timeout elapses and ErrClosed after Close, and must
// return promptly when ctx is done. Poll is called from a single goroutine;
// Close may be called concurrently with it.
type Source interface {
	Poll(ctx context.Context, timeout time.Duration) (Message, error)
	Close() error
}

// Publisher sends payloads to a topic. It is used by the CLI and by tests.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}
