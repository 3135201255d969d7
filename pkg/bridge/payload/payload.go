// Package payload turns raw transport messages into the string value held
// by the bridge.
package payload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/itchyny/gojq"

	"github.com/tsarna/wsbridge/pkg/bridge/transport"
)

// Mode selects how a payload is decoded.
type Mode string

const (
	// ModeRaw uses the payload bytes as the value. They must be valid UTF-8.
	ModeRaw Mode = "raw"
	// ModeJSON expects an object with a string field "data".
	ModeJSON Mode = "json"
	// ModeJQ evaluates a jq expression that must produce exactly one string.
	ModeJQ Mode = "jq"
)

// ParseMode converts a configuration string to a Mode. The empty string
// selects ModeJSON.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeJSON:
		return ModeJSON, nil
	case ModeRaw:
		return ModeRaw, nil
	case ModeJQ:
		return ModeJQ, nil
	default:
		return "", fmt.Errorf("unknown payload mode %q (expected raw, json or jq)", s)
	}
}

// MalformedError reports a message whose payload could not be decoded.
type MalformedError struct {
	Topic string
	Err   error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed message on %q: %v", e.Topic, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// Decoder extracts the string value from a message.
type Decoder interface {
	Decode(ctx context.Context, msg transport.Message) (string, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(ctx context.Context, msg transport.Message) (string, error)

func (f DecoderFunc) Decode(ctx context.Context, msg transport.Message) (string, error) {
	return f(ctx, msg)
}

// NewDecoder returns the decoder for mode. query is only used by ModeJQ.
func NewDecoder(mode Mode, query string) (Decoder, error) {
	switch mode {
	case ModeRaw:
		return DecoderFunc(decodeRaw), nil
	case ModeJSON, "":
		return DecoderFunc(decodeJSON), nil
	case ModeJQ:
		return NewJQDecoder(query)
	default:
		return nil, fmt.Errorf("unknown payload mode %q", mode)
	}
}

func malformed(msg transport.Message, err error) error {
	return &MalformedError{Topic: msg.Topic, Err: err}
}

func decodeRaw(_ context.Context, msg transport.Message) (string, error) {
	if !utf8.Valid(msg.Payload) {
		return "", malformed(msg, errors.New("payload is not valid UTF-8"))
	}
	return string(msg.Payload), nil
}

type stringMessage struct {
	Data *string `json:"data"`
}

func decodeJSON(_ context.Context, msg transport.Message) (string, error) {
	var m stringMessage
	if err := json.Unmarshal(msg.Payload, &m); err != nil {
		return "", malformed(msg, err)
	}
	if m.Data == nil {
		return "", malformed(msg, errors.New(`missing string field "data"`))
	}
	return *m.Data, nil
}

// JQDecoder evaluates a compiled jq query against the JSON payload. The
// topic is available to the query as $topic.
type JQDecoder struct {
	query string
	code  *gojq.Code
}

func NewJQDecoder(query string) (*JQDecoder, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("jq payload mode requires a query")
	}

	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq query '%s': %w", query, err)
	}

	code, err := gojq.Compile(parsed, gojq.WithVariables([]string{"$topic"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq query '%s': %w", query, err)
	}

	return &JQDecoder{query: query, code: code}, nil
}

func (d *JQDecoder) Decode(ctx context.Context, msg transport.Message) (string, error) {
	var input any
	if err := json.Unmarshal(msg.Payload, &input); err != nil {
		return "", malformed(msg, err)
	}

	iter := d.code.RunWithContext(ctx, input, msg.Topic)

	var (
		value string
		count int
	)
	for {
		result, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := result.(error); isErr {
			return "", malformed(msg, fmt.Errorf("jq: %w", err))
		}

		count++
		if count > 1 {
			return "", malformed(msg, fmt.Errorf("jq query %q produced more than one result", d.query))
		}

		s, isString := result.(string)
		if !isString {
			return "", malformed(msg, fmt.Errorf("jq query %q produced %T, not a string", d.query, result))
		}
		value = s
	}

	if count == 0 {
		return "", malformed(msg, fmt.Errorf("jq query %q produced no result", d.query))
	}

	return value, nil
}

// Encode produces a payload that the decoder for mode turns back into
// value. ModeJQ has no inverse and is rejected.
func Encode(mode Mode, value string) ([]byte, error) {
	switch mode {
	case ModeRaw:
		return []byte(value), nil
	case ModeJSON, "":
		return json.Marshal(stringMessage{Data: &value})
	default:
		return nil, fmt.Errorf("cannot encode payloads for mode %q", mode)
	}
}
