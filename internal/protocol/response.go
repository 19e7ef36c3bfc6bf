package protocol

import "fmt"

// Frame is one complete response as delivered by a link.
type Frame struct {
	// Bytes is the message as received. For CoAP schemes this is the whole
	// CoAP message; for the standard scheme it is header plus payload.
	Bytes []byte

	// Payload, CoapClass and CoapDetail are filled in by CoAP links after
	// unwrapping the CoAP envelope.
	Payload    []byte
	CoapClass  uint8
	CoapDetail uint8
}

// Response is a parsed SMP response.
type Response struct {
	Scheme  Scheme
	Raw     []byte
	Header  *Header
	Payload []byte

	// RC is the "rc" field of the payload. An absent field means RCOK.
	RC ReturnCode

	// GroupRC and ErrGroup come from an SMP v2 "err" map.
	GroupRC  int
	ErrGroup Group

	// CoapCode is class*100+detail for CoAP schemes.
	CoapCode int
}

// status is the part of every response payload that carries the result.
type status struct {
	RC  *int      `cbor:"rc"`
	Err *groupErr `cbor:"err"`
	H   []byte    `cbor:"_h"`
}

type groupErr struct {
	Group int `cbor:"group"`
	RC    int `cbor:"rc"`
}

// Err returns an *ApplicationError when the device reported a failure.
func (r *Response) Err() error {
	if r.RC == RCOK && r.GroupRC == 0 {
		return nil
	}
	ae := &ApplicationError{Code: r.RC, GroupCode: r.GroupRC}
	if r.Header != nil {
		ae.Group = r.Header.Group
		ae.ID = r.Header.ID
	}
	if r.GroupRC != 0 {
		ae.Group = r.ErrGroup
	}
	return ae
}

// Decode unmarshals the payload into v.
func (r *Response) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	if err := CBOR.Unmarshal(r.Payload, v); err != nil {
		return &ResponseParseError{Err: err}
	}
	return nil
}

// Parse interprets a response received on a link with no CoAP envelope
// information. See ParseFrame.
func Parse(scheme Scheme, data []byte, v any) (*Response, error) {
	return ParseFrame(scheme, Frame{Bytes: data}, v)
}

// ParseFrame interprets one response and decodes its payload into v, which
// may be nil.
//
// CoAP 4.xx and 5.xx codes fail with *CoapError before any payload decoding.
// A non-zero return code yields the response together with an
// *ApplicationError; v is left untouched in that case because error
// payloads need not match the success shape.
func ParseFrame(scheme Scheme, f Frame, v any) (*Response, error) {
	resp := &Response{Scheme: scheme, Raw: f.Bytes}

	if scheme.IsCoap() {
		if f.CoapClass == 4 || f.CoapClass == 5 {
			return nil, &CoapError{Raw: f.Bytes, Class: f.CoapClass, Detail: f.CoapDetail}
		}
		resp.CoapCode = int(f.CoapClass)*100 + int(f.CoapDetail)
		resp.Payload = f.Payload
		if resp.Payload == nil {
			resp.Payload = f.Bytes
		}
	} else {
		h, err := DecodeHeader(f.Bytes)
		if err != nil {
			return nil, &ResponseParseError{Err: err}
		}
		resp.Header = &h
		payload := f.Bytes[HeaderSize:]
		if int(h.Length) > len(payload) {
			return nil, &ResponseParseError{Err: fmt.Errorf("truncated payload: header says %d bytes, got %d", h.Length, len(payload))}
		}
		resp.Payload = payload[:h.Length]
	}

	var st status
	if len(resp.Payload) > 0 {
		if err := CBOR.Unmarshal(resp.Payload, &st); err != nil {
			return nil, &ResponseParseError{Err: err}
		}
	}
	if resp.Header == nil && len(st.H) >= HeaderSize {
		if h, err := DecodeHeader(st.H); err == nil {
			resp.Header = &h
		}
	}
	if st.RC != nil {
		resp.RC = ReturnCode(*st.RC)
	}
	if st.Err != nil {
		resp.GroupRC = st.Err.RC
		resp.ErrGroup = Group(st.Err.Group)
	}
	if err := resp.Err(); err != nil {
		return resp, err
	}

	if v != nil {
		if err := resp.Decode(v); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// ExpectedLength returns the total packet length announced by the header at
// the start of data: header length field plus HeaderSize.
func ExpectedLength(scheme Scheme, data []byte) (int, error) {
	if scheme.IsCoap() {
		return 0, ErrCoapReassembly
	}
	h, err := DecodeHeader(data)
	if err != nil {
		return 0, err
	}
	return int(h.Length) + HeaderSize, nil
}

// RequiresReassembly reports whether data is shorter than the packet its
// header announces.
func RequiresReassembly(scheme Scheme, data []byte) (bool, error) {
	n, err := ExpectedLength(scheme, data)
	if err != nil {
		return false, err
	}
	return n > len(data), nil
}
