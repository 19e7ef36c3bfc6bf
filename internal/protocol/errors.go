package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformedHeader is returned when fewer than HeaderSize bytes are available.
var ErrMalformedHeader = errors.New("malformed header")

// ErrCoapReassembly is returned by the expected-length helpers for CoAP schemes,
// whose reassembly belongs to the CoAP transport.
var ErrCoapReassembly = errors.New("expected length is not defined for coap schemes")

// TransportError wraps a link failure: write error, timeout or disconnect.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SerializationError indicates a payload could not be encoded.
type SerializationError struct {
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize payload: %v", e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// ResponseParseError indicates the response bytes could not be interpreted.
type ResponseParseError struct {
	Err error
}

func (e *ResponseParseError) Error() string {
	return fmt.Sprintf("parse response: %v", e.Err)
}

func (e *ResponseParseError) Unwrap() error { return e.Err }

// ApplicationError is a non-zero return code reported by the device.
type ApplicationError struct {
	Group Group
	ID    uint8
	Code  ReturnCode

	// GroupCode is the group-scoped code of an SMP v2 "err" map, zero otherwise.
	GroupCode int
}

func (e *ApplicationError) Error() string {
	if e.GroupCode != 0 {
		return fmt.Sprintf("%s/%d: device error: group rc %d", e.Group, e.ID, e.GroupCode)
	}
	return fmt.Sprintf("%s/%d: device error: %s (%d)", e.Group, e.ID, e.Code, int(e.Code))
}

// CoapError is a 4.xx or 5.xx CoAP response.
type CoapError struct {
	Raw    []byte
	Class  uint8
	Detail uint8
}

// Code returns the numeric CoAP code as class*100+detail.
func (e *CoapError) Code() int {
	return int(e.Class)*100 + int(e.Detail)
}

func (e *CoapError) Error() string {
	return fmt.Sprintf("coap error %d.%02d", e.Class, e.Detail)
}

// IsTransportError reports whether err is or wraps a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsApplicationError reports whether err carries a device return code in codes.
// With no codes it matches any ApplicationError.
func IsApplicationError(err error, codes ...ReturnCode) bool {
	var ae *ApplicationError
	if !errors.As(err, &ae) {
		return false
	}
	if len(codes) == 0 {
		return true
	}
	for _, c := range codes {
		if ae.Code == c {
			return true
		}
	}
	return false
}
