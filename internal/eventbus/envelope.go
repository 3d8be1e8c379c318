package eventbus

import (
	"errors"
	"fmt"
	"maps"

	"github.com/bytedance/sonic"
)

const (
	traceContextField = "_traceContext"
	timestampField    = "_timestamp"
)

// ErrMalformed marks a message that is not a valid envelope
var ErrMalformed = errors.New("malformed envelope")

// Envelope is a published message: the application payload plus the trace
// context and publish time that travel with it. On the wire the two extra
// fields sit next to the payload fields.
type Envelope struct {
	Payload      map[string]any
	TraceContext map[string]string
	Timestamp    int64
}

// Encode serializes env into its wire form
func Encode(env Envelope) ([]byte, error) {
	wire := make(map[string]any, len(env.Payload)+2)
	maps.Copy(wire, env.Payload)

	traceContext := env.TraceContext
	if traceContext == nil {
		traceContext = map[string]string{}
	}
	wire[traceContextField] = traceContext
	wire[timestampField] = env.Timestamp

	data, err := sonic.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a wire message. The trace context and timestamp are removed
// from the payload.
func Decode(data []byte) (Envelope, error) {
	var wire map[string]any
	if err := sonic.Unmarshal(data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire == nil {
		return Envelope{}, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	env := Envelope{TraceContext: map[string]string{}}

	if raw, ok := wire[traceContextField]; ok {
		carrier, ok := raw.(map[string]any)
		if !ok && raw != nil {
			return Envelope{}, fmt.Errorf("%w: %s is not an object", ErrMalformed, traceContextField)
		}
		for k, v := range carrier {
			if s, ok := v.(string); ok {
				env.TraceContext[k] = s
			}
		}
		delete(wire, traceContextField)
	}

	if raw, ok := wire[timestampField]; ok {
		switch ts := raw.(type) {
		case float64:
			env.Timestamp = int64(ts)
		case nil:
		default:
			return Envelope{}, fmt.Errorf("%w: %s is not a number", ErrMalformed, timestampField)
		}
		delete(wire, timestampField)
	}

	env.Payload = wire
	return env, nil
}
