package bgp

import (
	"fmt"
	"io"
)

// Source is the byte-level transport a Reader pulls from.
type Source interface {
	io.Reader
	// Pending reports whether data can be read without blocking.
	Pending() bool
}

// Reader frames and decodes messages from a Source.
type Reader struct {
	src  Source
	opts DecodeOptions
	hdr  [HeaderSize]byte
}

// NewReader returns a Reader over src.
func NewReader(src Source, opts DecodeOptions) *Reader {
	return &Reader{src: src, opts: opts}
}

// SetFourOctetAS switches AS number width once capabilities are negotiated.
func (r *Reader) SetFourOctetAS(v bool) {
	r.opts.FourOctetAS = v
}

// ReadMessage reads and decodes one message. It returns a NoOp of type 0
// without blocking when the source has nothing pending. Transport failures
// are reported as ErrNotConnected; NOTIFICATIONs from the peer as
// *ReceivedNotificationError; local protocol violations as *NotifyError.
func (r *Reader) ReadMessage() (Message, error) {
	if !r.src.Pending() {
		return &NoOp{}, nil
	}
	if _, err := io.ReadFull(r.src, r.hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrNotConnected, err)
	}
	msgType, length, err := parseHeader(r.hdr[:])
	if err != nil {
		return nil, err
	}

	body := make([]byte, length-HeaderSize)
	if _, err := io.ReadFull(r.src, body); err != nil {
		return nil, fmt.Errorf("%w: reading %d byte body: %v", ErrNotConnected, len(body), err)
	}
	if err := checkBodyLength(msgType, length); err != nil {
		return nil, err
	}
	return decodeBody(msgType, body, r.opts)
}
