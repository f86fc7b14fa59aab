package bgp

import (
	"encoding/binary"
	"fmt"
)

// DecodeOptions carries the per-session parameters that change how message
// bodies are decoded.
type DecodeOptions struct {
	// FourOctetAS selects 4-octet AS numbers in AS_PATH and AGGREGATOR.
	FourOctetAS bool
	// Strict rejects unrecognized message types with a NOTIFICATION
	// instead of passing them through as NoOp.
	Strict bool
}

// marshalMessage prepends the marker/length/type header to body.
func marshalMessage(msgType uint8, body []byte) ([]byte, error) {
	total := HeaderSize + len(body)
	if total > MaxMessageSize {
		return nil, fmt.Errorf("bgp: message of %d bytes exceeds maximum %d", total, MaxMessageSize)
	}
	msg := make([]byte, total)
	for i := 0; i < MarkerSize; i++ {
		msg[i] = 0xFF
	}
	binary.BigEndian.PutUint16(msg[16:18], uint16(total))
	msg[18] = msgType
	copy(msg[HeaderSize:], body)
	return msg, nil
}

// EncodeKeepalive returns a KEEPALIVE message.
func EncodeKeepalive() []byte {
	msg, _ := marshalMessage(MsgTypeKeepalive, nil)
	return msg
}

func lengthField(n int) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(n))
	return b
}

// parseHeader validates the 19-byte header and returns the message type and
// the declared total length.
func parseHeader(hdr []byte) (uint8, int, error) {
	for i := 0; i < MarkerSize; i++ {
		if hdr[i] != 0xFF {
			return 0, 0, Notify(ErrCodeMessageHeader, ErrSubConnectionNotSynchronized, nil,
				"invalid marker at byte %d", i)
		}
	}
	length := int(binary.BigEndian.Uint16(hdr[16:18]))
	if length < HeaderSize || length > MaxMessageSize {
		return 0, 0, Notify(ErrCodeMessageHeader, ErrSubBadMessageLength, lengthField(length),
			"invalid message length %d", length)
	}
	return hdr[18], length, nil
}

// checkBodyLength enforces the per-type minimum (and for KEEPALIVE, exact) sizes.
func checkBodyLength(msgType uint8, length int) error {
	var ok bool
	switch msgType {
	case MsgTypeOpen:
		ok = length >= minOpenSize
	case MsgTypeUpdate:
		ok = length >= minUpdateSize
	case MsgTypeNotification:
		ok = length >= minNotificationSize
	case MsgTypeKeepalive:
		ok = length == keepaliveSize
	default:
		ok = true
	}
	if !ok {
		return Notify(ErrCodeMessageHeader, ErrSubBadMessageLength, lengthField(length),
			"length %d invalid for message type %d", length, msgType)
	}
	return nil
}

// decodeBody dispatches a framed body to its codec. Received NOTIFICATIONs
// surface as *ReceivedNotificationError.
func decodeBody(msgType uint8, body []byte, opts DecodeOptions) (Message, error) {
	switch msgType {
	case MsgTypeOpen:
		return DecodeOpen(body)
	case MsgTypeUpdate:
		return DecodeUpdate(body, opts)
	case MsgTypeNotification:
		n, err := DecodeNotification(body)
		if err != nil {
			return nil, err
		}
		return nil, &ReceivedNotificationError{Notification: n}
	case MsgTypeKeepalive:
		return &Keepalive{}, nil
	}
	if opts.Strict {
		return nil, Notify(ErrCodeMessageHeader, ErrSubBadMessageType, []byte{msgType},
			"unrecognized message type %d", msgType)
	}
	return &NoOp{Type: msgType, Body: body}, nil
}

// ParseMessage decodes one complete message from the front of data and
// returns it with the number of bytes consumed.
func ParseMessage(data []byte, opts DecodeOptions) (Message, int, error) {
	if len(data) < HeaderSize {
		return nil, 0, fmt.Errorf("%w: %d bytes left, need a %d byte header", ErrNotConnected, len(data), HeaderSize)
	}
	msgType, length, err := parseHeader(data[:HeaderSize])
	if err != nil {
		return nil, 0, err
	}
	if len(data) < length {
		return nil, 0, fmt.Errorf("%w: message declares %d bytes, %d available", ErrNotConnected, length, len(data))
	}
	if err := checkBodyLength(msgType, length); err != nil {
		return nil, length, err
	}
	msg, err := decodeBody(msgType, data[HeaderSize:length], opts)
	return msg, length, err
}
