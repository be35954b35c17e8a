package protocol

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformed is returned for frames or payloads that cannot be decoded.
var ErrMalformed = errors.New("malformed message")

// ErrUnknownKind is returned by Decode for a well-formed envelope whose
// kind this build does not know. Callers log and skip such messages.
var ErrUnknownKind = errors.New("unknown message kind")

// Codec turns messages into payload bytes and back.
type Codec interface {
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("protocol: CBOR decoder initialization failed: " + err.Error())
	}
}

type envelope struct {
	Kind Kind            `cbor:"1,keyasint"`
	Body cbor.RawMessage `cbor:"2,keyasint"`
}

// CBORCodec encodes each message as a {kind, body} CBOR map using Core
// Deterministic Encoding.
type CBORCodec struct{}

// Encode implements Codec.
func (CBORCodec) Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("encode: nil message")
	}
	body, err := encMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return encMode.Marshal(envelope{Kind: m.Kind(), Body: body})
}

// Decode implements Codec.
func (CBORCodec) Decode(data []byte) (Message, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	m := newMessage(env.Kind)
	if m == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint16(env.Kind))
	}
	if len(env.Body) > 0 {
		if err := decMode.Unmarshal(env.Body, m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Kind, err)
		}
	}
	return m, nil
}
