package protocol

import (
	"fmt"
	"math"
	"strings"
)

// Scheme is the wire variant a link speaks.
type Scheme int

const (
	// SchemeStandard sends the header followed by the payload.
	SchemeStandard Scheme = iota
	// SchemeCoapBLE embeds the header in the payload map, CoAP over BLE.
	SchemeCoapBLE
	// SchemeCoapUDP embeds the header in the payload map, CoAP over UDP.
	SchemeCoapUDP
)

// HeaderKey is the payload map key carrying the header in CoAP schemes.
const HeaderKey = "_h"

// IsCoap reports whether the header travels inside the payload.
func (s Scheme) IsCoap() bool {
	return s == SchemeCoapBLE || s == SchemeCoapUDP
}

func (s Scheme) String() string {
	switch s {
	case SchemeStandard:
		return "standard"
	case SchemeCoapBLE:
		return "coap-ble"
	case SchemeCoapUDP:
		return "coap-udp"
	default:
		return fmt.Sprintf("scheme(%d)", int(s))
	}
}

// ParseScheme maps a configuration string to a Scheme.
func ParseScheme(s string) (Scheme, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "standard", "smp":
		return SchemeStandard, nil
	case "coap-ble", "coap_ble":
		return SchemeCoapBLE, nil
	case "coap-udp", "coap_udp":
		return SchemeCoapUDP, nil
	default:
		return 0, fmt.Errorf("unknown scheme %q", s)
	}
}

// Build composes the wire bytes for one request.
//
// The header length always covers the payload serialized without HeaderKey.
// For CoAP schemes the encoded header is then added under HeaderKey, unless
// the caller already supplied one, and the whole map becomes the wire bytes.
// The caller's map is not modified.
func Build(scheme Scheme, h Header, payload map[string]any) ([]byte, error) {
	body := make(map[string]any, len(payload))
	for k, v := range payload {
		if k != HeaderKey {
			body[k] = v
		}
	}
	enc, err := CBOR.Marshal(body)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	if len(enc) > math.MaxUint16 {
		return nil, &SerializationError{Err: fmt.Errorf("payload is %d bytes, limit %d", len(enc), math.MaxUint16)}
	}
	h.Length = uint16(len(enc))
	hdr := h.Encode()

	if !scheme.IsCoap() {
		packet := make([]byte, 0, HeaderSize+len(enc))
		packet = append(packet, hdr...)
		return append(packet, enc...), nil
	}

	wire := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		wire[k] = v
	}
	if _, ok := wire[HeaderKey]; !ok {
		wire[HeaderKey] = hdr
	}
	out, err := CBOR.Marshal(wire)
	if err != nil {
		return nil, &SerializationError{Err: err}
	}
	return out, nil
}

// Answers reports whether resp, a standard-scheme frame, carries the
// sequence number of request. Frames too short to hold a header are not
// judged here and report true, leaving the rejection to the parser.
func Answers(request, resp []byte) bool {
	if len(request) < HeaderSize || len(resp) < HeaderSize {
		return true
	}
	return request[6] == resp[6]
}
