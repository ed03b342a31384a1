package apns

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Wire-level command tags.
const (
	commandNotification = 2
	commandError        = 8
)

// Item ids inside a notification frame.
const (
	itemDeviceToken = 1
	itemPayload     = 2
	itemIdentifier  = 3
	itemExpiration  = 4
	itemPriority    = 5
)

const (
	// ErrorFrameSize is the fixed length of an inbound error frame:
	// command, status, identifier.
	ErrorFrameSize = 6

	// feedbackHeaderSize covers the timestamp and token-length fields
	// of one feedback record.
	feedbackHeaderSize = 6

	// maxFrameSize bounds an encoded notification frame. The item
	// section length field is 4 bytes, but the gateway rejects frames
	// anywhere near that large.
	maxFrameSize = 64 * 1024
)

// Codec errors.
var (
	ErrFrameTooLarge  = errors.New("encoded frame exceeds protocol maximum")
	ErrMalformedFrame = errors.New("malformed frame")
)

// EncodeNotification renders a notification into an item-framed wire
// record: command tag, 4-byte big-endian section length, then one item
// per field, each item being id, 2-byte length, data.
//
// Size limits are enforced here so oversize tokens and payloads fail
// locally instead of round-tripping through the gateway.
func EncodeNotification(n *Notification) ([]byte, error) {
	if len(n.Token) == 0 {
		return nil, ErrTokenEmpty
	}
	if len(n.Token) > MaxTokenSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTokenTooLarge, len(n.Token))
	}
	if len(n.Payload) == 0 {
		return nil, ErrPayloadEmpty
	}
	if len(n.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(n.Payload))
	}

	var items bytes.Buffer
	writeItem(&items, itemDeviceToken, n.Token)
	writeItem(&items, itemPayload, n.Payload)

	var ident [4]byte
	binary.BigEndian.PutUint32(ident[:], n.Identifier)
	writeItem(&items, itemIdentifier, ident[:])

	var expiry [4]byte
	binary.BigEndian.PutUint32(expiry[:], n.Expiration)
	writeItem(&items, itemExpiration, expiry[:])

	writeItem(&items, itemPriority, []byte{byte(n.Priority)})

	if items.Len()+5 > maxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, items.Len()+5)
	}

	frame := bytes.NewBuffer(make([]byte, 0, items.Len()+5))
	frame.WriteByte(commandNotification)
	binary.Write(frame, binary.BigEndian, uint32(items.Len()))
	frame.Write(items.Bytes())

	return frame.Bytes(), nil
}

func writeItem(buf *bytes.Buffer, id byte, data []byte) {
	buf.WriteByte(id)
	binary.Write(buf, binary.BigEndian, uint16(len(data)))
	buf.Write(data)
}

// DecodeError parses a fixed 6-byte error frame. A short buffer or an
// unexpected command tag is connection-fatal, not retryable; the
// caller must tear the connection down.
func DecodeError(buf []byte) (Status, uint32, error) {
	if len(buf) < ErrorFrameSize {
		return 0, 0, fmt.Errorf("%w: error frame is %d bytes", ErrMalformedFrame, len(buf))
	}
	if buf[0] != commandError {
		return 0, 0, fmt.Errorf("%w: unexpected command %#x (%s)",
			ErrMalformedFrame, buf[0], hex.EncodeToString(buf[:ErrorFrameSize]))
	}

	status := StatusFromByte(buf[1])
	ident := binary.BigEndian.Uint32(buf[2:6])

	return status, ident, nil
}

// Feedback is one record from the feedback service: a device that has
// become unreachable and the time the service recorded it.
type Feedback struct {
	Token string
	When  time.Time
}

// ParseFeedback extracts one feedback record from the head of buf.
// It returns the record and the unconsumed remainder, or nil and buf
// unchanged when the buffer does not yet hold a complete record. The
// caller accumulates bytes and calls until nil.
func ParseFeedback(buf []byte) (*Feedback, []byte) {
	if len(buf) < feedbackHeaderSize {
		return nil, buf
	}

	timestamp := binary.BigEndian.Uint32(buf[0:4])
	tokenLen := int(binary.BigEndian.Uint16(buf[4:6]))
	total := feedbackHeaderSize + tokenLen

	if len(buf) < total {
		return nil, buf
	}

	fb := &Feedback{
		Token: hex.EncodeToString(buf[feedbackHeaderSize:total]),
		When:  time.Unix(int64(timestamp), 0).UTC(),
	}

	return fb, buf[total:]
}
