// Package logs walks device-side logs page by page.
package logs

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

// Level is a device log level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("LEVEL%d", int(l))
	}
}

// Message is a log entry body. Devices send it as a byte or text string.
type Message []byte

// UnmarshalCBOR accepts either string type.
func (m *Message) UnmarshalCBOR(data []byte) error {
	var v any
	if err := cbor.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*m = nil
	case []byte:
		*m = x
	case string:
		*m = Message(x)
	default:
		return fmt.Errorf("log message: unexpected %T", v)
	}
	return nil
}

func (m Message) String() string {
	if utf8.Valid(m) {
		return string(m)
	}
	return fmt.Sprintf("%x", []byte(m))
}

// Entry is one log record.
type Entry struct {
	Msg    Message `cbor:"msg"`
	TS     int64   `cbor:"ts"`
	Level  Level   `cbor:"level"`
	Index  uint64  `cbor:"index"`
	Module int     `cbor:"module"`
}

// Time converts the device timestamp, in microseconds, to a time.
func (e Entry) Time() time.Time {
	return time.UnixMicro(e.TS)
}

func (e Entry) String() string {
	return fmt.Sprintf("%d %s [%d] %s: %s", e.Index, e.Time().UTC().Format(time.RFC3339Nano), e.Module, e.Level, e.Msg)
}

// Page is one read of one log.
type Page struct {
	Name      string
	Type      int
	NextIndex uint64
	Entries   []Entry
}
