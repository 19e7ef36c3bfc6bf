package protocol

import "fmt"

// Group selects the command family a packet belongs to.
type Group uint16

const (
	GroupDefault Group = 0
	GroupImage   Group = 1
	GroupStats   Group = 2
	GroupConfig  Group = 3
	GroupLogs    Group = 4
	GroupCrash   Group = 5
	GroupSplit   Group = 6
	GroupRun     Group = 7
	GroupFS      Group = 8
	// GroupPerUser is the first id available to application-defined groups.
	GroupPerUser Group = 64
)

var groupNames = map[Group]string{
	GroupDefault: "default",
	GroupImage:   "image",
	GroupStats:   "stats",
	GroupConfig:  "config",
	GroupLogs:    "logs",
	GroupCrash:   "crash",
	GroupSplit:   "split",
	GroupRun:     "run",
	GroupFS:      "fs",
}

func (g Group) String() string {
	if name, ok := groupNames[g]; ok {
		return name
	}
	if g >= GroupPerUser {
		return fmt.Sprintf("user(%d)", uint16(g))
	}
	return fmt.Sprintf("group(%d)", uint16(g))
}

// ReturnCode is the device-reported status of a command.
type ReturnCode int

const (
	RCOK             ReturnCode = 0
	RCUnknown        ReturnCode = 1
	RCNoMemory       ReturnCode = 2
	RCInvalidValue   ReturnCode = 3
	RCTimeout        ReturnCode = 4
	RCNoEntry        ReturnCode = 5
	RCBadState       ReturnCode = 6
	RCTooLarge       ReturnCode = 7
	RCNotSupported   ReturnCode = 8
	RCCorrupt        ReturnCode = 9
	RCBusy           ReturnCode = 10
	RCAccessDenied   ReturnCode = 11
	RCUnsupportedOld ReturnCode = 12
	RCUnsupportedNew ReturnCode = 13
	RCPerUser        ReturnCode = 256
)

var returnCodeNames = map[ReturnCode]string{
	RCOK:             "ok",
	RCUnknown:        "unknown error",
	RCNoMemory:       "out of memory",
	RCInvalidValue:   "invalid value",
	RCTimeout:        "timeout",
	RCNoEntry:        "no such entry",
	RCBadState:       "bad state",
	RCTooLarge:       "response too large",
	RCNotSupported:   "not supported",
	RCCorrupt:        "corrupt",
	RCBusy:           "busy",
	RCAccessDenied:   "access denied",
	RCUnsupportedOld: "protocol version too old",
	RCUnsupportedNew: "protocol version too new",
}

func (rc ReturnCode) String() string {
	if name, ok := returnCodeNames[rc]; ok {
		return name
	}
	if rc >= RCPerUser {
		return fmt.Sprintf("user error %d", int(rc))
	}
	return fmt.Sprintf("rc %d", int(rc))
}
