package bgp

import (
	"errors"
	"fmt"
)

// Notification error codes (RFC 4271 §4.5).
const (
	ErrCodeMessageHeader   uint8 = 1
	ErrCodeOpenMessage     uint8 = 2
	ErrCodeUpdateMessage   uint8 = 3
	ErrCodeHoldTimeExpired uint8 = 4
	ErrCodeFSM             uint8 = 5
	ErrCodeCease           uint8 = 6
)

// Message header error subcodes.
const (
	ErrSubConnectionNotSynchronized uint8 = 1
	ErrSubBadMessageLength          uint8 = 2
	ErrSubBadMessageType            uint8 = 3
)

// OPEN message error subcodes.
const (
	ErrSubOpenUnspecific        uint8 = 0
	ErrSubUnsupportedVersion    uint8 = 1
	ErrSubBadPeerAS             uint8 = 2
	ErrSubBadBGPIdentifier      uint8 = 3
	ErrSubUnsupportedOptParam   uint8 = 4
	ErrSubAuthenticationFailure uint8 = 5 // deprecated by RFC 4271
	ErrSubUnacceptableHoldTime  uint8 = 6
	ErrSubUnsupportedCapability uint8 = 7
)

// UPDATE message error subcodes.
const (
	ErrSubMalformedAttributeList    uint8 = 1
	ErrSubUnrecognizedWellKnownAttr uint8 = 2
	ErrSubMissingWellKnownAttr      uint8 = 3
	ErrSubAttributeFlagsError       uint8 = 4
	ErrSubAttributeLengthError      uint8 = 5
	ErrSubInvalidOrigin             uint8 = 6
	ErrSubInvalidNextHop            uint8 = 8
	ErrSubOptionalAttributeError    uint8 = 9
	ErrSubInvalidNetworkField       uint8 = 10
	ErrSubMalformedASPath           uint8 = 11
)

// Attribute decode failures are all reported with this subcode; the
// offending attribute bytes travel in the notification data.
const ErrSubAttributeDecode = ErrSubUnrecognizedWellKnownAttr

// FSM error subcodes (RFC 6608).
const (
	ErrSubFSMUnspecific          uint8 = 0
	ErrSubFSMUnexpectedOpenSent  uint8 = 1
	ErrSubFSMUnexpectedOpenConf  uint8 = 2
	ErrSubFSMUnexpectedEstablish uint8 = 3
)

// Cease subcodes (RFC 4486).
const (
	ErrSubCeaseAdminShutdown uint8 = 2
	ErrSubCeasePeerDeconfig  uint8 = 3
	ErrSubCeaseAdminReset    uint8 = 4
)

// ErrNotConnected is returned when the transport ends where data was expected.
// The session closes without replying.
var ErrNotConnected = errors.New("bgp: not connected")

// NotifyError is a locally detected protocol violation. The session must send
// it to the peer as a NOTIFICATION before closing.
type NotifyError struct {
	Code    uint8
	Subcode uint8
	Data    []byte
	Reason  string
}

// Notify builds a NotifyError.
func Notify(code, subcode uint8, data []byte, format string, args ...any) *NotifyError {
	return &NotifyError{
		Code:    code,
		Subcode: subcode,
		Data:    data,
		Reason:  fmt.Sprintf(format, args...),
	}
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("bgp: %s (%d/%d): %s", ErrorName(e.Code, e.Subcode), e.Code, e.Subcode, e.Reason)
}

// Notification converts the error into the message sent to the peer.
func (e *NotifyError) Notification() *Notification {
	return &Notification{Code: e.Code, Subcode: e.Subcode, Data: e.Data}
}

// ReceivedNotificationError reports a NOTIFICATION sent by the peer. The
// session closes without replying.
type ReceivedNotificationError struct {
	Notification *Notification
}

func (e *ReceivedNotificationError) Error() string {
	n := e.Notification
	return fmt.Sprintf("bgp: peer sent notification %s (%d/%d)", ErrorName(n.Code, n.Subcode), n.Code, n.Subcode)
}

var errorCodeNames = map[uint8]string{
	ErrCodeMessageHeader:   "message header error",
	ErrCodeOpenMessage:     "open message error",
	ErrCodeUpdateMessage:   "update message error",
	ErrCodeHoldTimeExpired: "hold timer expired",
	ErrCodeFSM:             "finite state machine error",
	ErrCodeCease:           "cease",
}

var errorSubcodeNames = map[uint8]map[uint8]string{
	ErrCodeMessageHeader: {
		ErrSubConnectionNotSynchronized: "connection not synchronized",
		ErrSubBadMessageLength:          "bad message length",
		ErrSubBadMessageType:            "bad message type",
	},
	ErrCodeOpenMessage: {
		ErrSubUnsupportedVersion:    "unsupported version number",
		ErrSubBadPeerAS:             "bad peer AS",
		ErrSubBadBGPIdentifier:      "bad BGP identifier",
		ErrSubUnsupportedOptParam:   "unsupported optional parameter",
		ErrSubAuthenticationFailure: "authentication failure",
		ErrSubUnacceptableHoldTime:  "unacceptable hold time",
		ErrSubUnsupportedCapability: "unsupported capability",
	},
	ErrCodeUpdateMessage: {
		ErrSubMalformedAttributeList:    "malformed attribute list",
		ErrSubUnrecognizedWellKnownAttr: "unrecognized well-known attribute",
		ErrSubMissingWellKnownAttr:      "missing well-known attribute",
		ErrSubAttributeFlagsError:       "attribute flags error",
		ErrSubAttributeLengthError:      "attribute length error",
		ErrSubInvalidOrigin:             "invalid ORIGIN attribute",
		ErrSubInvalidNextHop:            "invalid NEXT_HOP attribute",
		ErrSubOptionalAttributeError:    "optional attribute error",
		ErrSubInvalidNetworkField:       "invalid network field",
		ErrSubMalformedASPath:           "malformed AS_PATH",
	},
	ErrCodeFSM: {
		ErrSubFSMUnexpectedOpenSent:  "unexpected message in OpenSent state",
		ErrSubFSMUnexpectedOpenConf:  "unexpected message in OpenConfirm state",
		ErrSubFSMUnexpectedEstablish: "unexpected message in Established state",
	},
	ErrCodeCease: {
		1:                        "maximum number of prefixes reached",
		ErrSubCeaseAdminShutdown: "administrative shutdown",
		ErrSubCeasePeerDeconfig:  "peer de-configured",
		ErrSubCeaseAdminReset:    "administrative reset",
		5:                        "connection rejected",
		6:                        "other configuration change",
		7:                        "connection collision resolution",
		8:                        "out of resources",
	},
}

// ErrorName returns a readable name for a NOTIFICATION code/subcode pair.
func ErrorName(code, subcode uint8) string {
	name, ok := errorCodeNames[code]
	if !ok {
		return fmt.Sprintf("unknown error code %d", code)
	}
	if sub, ok := errorSubcodeNames[code][subcode]; ok {
		return name + ": " + sub
	}
	return name
}
