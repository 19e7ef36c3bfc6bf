package protocol

import (
	"reflect"

	cbor "github.com/fxamacker/cbor/v2"
)

// Codec serializes SMP payloads.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR returns a deterministic CBOR codec. Generic maps decode as
// map[string]any so payloads can be inspected without a target type.
func NewCBOR() (Codec, error) {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, err
	}
	return cborCodec{enc: em, dec: dm}, nil
}

func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }

// CBOR is the payload codec used by the packet builder and response parser.
var CBOR = mustCBOR()

func mustCBOR() Codec {
	c, err := NewCBOR()
	if err != nil {
		panic(err)
	}
	return c
}

// DecodeMap decodes a payload into a generic map.
func DecodeMap(data []byte) (map[string]any, error) {
	m := map[string]any{}
	if len(data) == 0 {
		return m, nil
	}
	if err := CBOR.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
