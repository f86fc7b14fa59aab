package bgp

import "fmt"

// Notification is a NOTIFICATION message: error code, subcode and optional diagnostic data.
type Notification struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

func (*Notification) MsgType() uint8 { return MsgTypeNotification }

func (n *Notification) String() string {
	return fmt.Sprintf("%s (%d/%d)", ErrorName(n.Code, n.Subcode), n.Code, n.Subcode)
}

// DecodeNotification decodes a NOTIFICATION body (after the 19-byte header).
func DecodeNotification(body []byte) (*Notification, error) {
	if len(body) < 2 {
		return nil, Notify(ErrCodeMessageHeader, ErrSubBadMessageLength,
			lengthField(HeaderSize+len(body)), "notification body too short (%d bytes)", len(body))
	}
	n := &Notification{Code: body[0], Subcode: body[1]}
	if len(body) > 2 {
		n.Data = append([]byte(nil), body[2:]...)
	}
	return n, nil
}

// Encode returns the complete wire encoding of n. Diagnostic data that would
// push the message past the maximum size is truncated.
func (n *Notification) Encode() []byte {
	data := n.Data
	if max := MaxMessageSize - minNotificationSize; len(data) > max {
		data = data[:max]
	}
	body := make([]byte, 0, 2+len(data))
	body = append(body, n.Code, n.Subcode)
	body = append(body, data...)
	msg, _ := marshalMessage(MsgTypeNotification, body)
	return msg
}
