// Package rpc implements the bridge between stateless front-ends and the
// backend owning the account databases.
//
// Front-ends keep a single websocket connection to the backend. Requests are
// correlated to responses by id, many can be outstanding at the same time. The
// backend can push events to all connected front-ends, and waits for at least
// one to acknowledge.
//
// Small control frames are sent as text: "ping" and "pong" for keepalive, and
// the 36-byte uuid of a push as acknowledgement. Everything else is a binary
// frame with a msgpack-encoded envelope.
package rpc

import (
	"github.com/vmihailenco/msgpack/v5"
)

// Kind of envelope.
type Kind uint8

const (
	KindRequest  Kind = 1
	KindResponse Kind = 2
	KindPush     Kind = 3
)

// Control frames.
const (
	framePing = "ping"
	framePong = "pong"
	ackSize   = 36 // Length of a uuid in text form.
)

type envelope struct {
	Kind     Kind      `msgpack:"k"`
	Request  *Request  `msgpack:"q,omitempty"`
	Response *Response `msgpack:"r,omitempty"`
	Push     *Push     `msgpack:"p,omitempty"`
}

// Request for an action on the backend.
type Request struct {
	ID        string             `msgpack:"id"` // Correlation id, a uuid.
	Action    string             `msgpack:"action"`
	Payload   msgpack.RawMessage `msgpack:"payload"`
	TimeoutMS int64              `msgpack:"timeout"` // Backend stops working on the request after this time.
}

// Response to a request, with either a result or an error.
type Response struct {
	ID     string             `msgpack:"id"`
	Result msgpack.RawMessage `msgpack:"result,omitempty"`
	Error  *ErrorInfo         `msgpack:"error,omitempty"`
}

// ErrorInfo describes an error from a handler.
type ErrorInfo struct {
	Code    string `msgpack:"code,omitempty"`
	Message string `msgpack:"message"`
}

// Push is an event from the backend, for all front-ends.
type Push struct {
	UUID      string             `msgpack:"uuid"`
	SessionID string             `msgpack:"session,omitempty"`
	Payload   msgpack.RawMessage `msgpack:"payload"`
}

// Payload is the encoded payload of a request or push.
type Payload []byte

// Decode unmarshals the payload into v.
func (p Payload) Decode(v any) error {
	return msgpack.Unmarshal(p, v)
}

func encodePayload(v any) (msgpack.RawMessage, error) {
	return msgpack.Marshal(v)
}

func encodeEnvelope(env envelope) ([]byte, error) {
	return msgpack.Marshal(env)
}

func decodeEnvelope(buf []byte) (envelope, error) {
	var env envelope
	err := msgpack.Unmarshal(buf, &env)
	return env, err
}
