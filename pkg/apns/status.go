package apns

import "fmt"

// Status is an APNs error-response status code.
//
// The gateway reports delivery problems asynchronously with a 6-byte
// error frame carrying one of these codes and the identifier of the
// notification that caused it.
type Status uint8

const (
	// StatusOK is never sent by the gateway; it exists only so a zero
	// Status is distinguishable from a real error code.
	StatusOK Status = 0

	StatusProcessing         Status = 1
	StatusMissingToken       Status = 2
	StatusMissingTopic       Status = 3
	StatusMissingPayload     Status = 4
	StatusInvalidTokenSize   Status = 5
	StatusInvalidTopicSize   Status = 6
	StatusInvalidPayloadSize Status = 7
	StatusInvalidToken       Status = 8

	// StatusShutdown means the gateway is closing the connection for
	// maintenance. The named notification is the last one processed
	// before the close; it is not a delivery failure.
	StatusShutdown Status = 10

	StatusUnknown Status = 255
)

var statusDescriptions = map[Status]string{
	StatusOK:                 "no errors encountered",
	StatusProcessing:         "processing error",
	StatusMissingToken:       "missing device token",
	StatusMissingTopic:       "missing topic",
	StatusMissingPayload:     "missing payload",
	StatusInvalidTokenSize:   "invalid token size",
	StatusInvalidTopicSize:   "invalid topic size",
	StatusInvalidPayloadSize: "invalid payload size",
	StatusInvalidToken:       "invalid token",
	StatusShutdown:           "shutdown",
	StatusUnknown:            "unknown",
}

// StatusFromByte maps a raw status byte to a Status. Codes outside the
// published table map to StatusUnknown rather than failing, so newer
// gateway versions cannot break the read loop.
func StatusFromByte(b byte) Status {
	s := Status(b)
	if _, ok := statusDescriptions[s]; !ok {
		return StatusUnknown
	}
	return s
}

func (s Status) String() string {
	if d, ok := statusDescriptions[s]; ok {
		return d
	}
	return "unknown"
}

// Transient reports whether the status describes a connection-level
// condition rather than a fault with a specific notification.
func (s Status) Transient() bool {
	return s == StatusShutdown
}

// Error is a permanent delivery failure reported by the gateway for a
// specific notification. It is delivered at most once per notification
// through the error handler, from an arbitrary worker goroutine.
type Error struct {
	Status Status

	// Notification is the offending notification. It is nil when the
	// error frame named an identifier no longer present in the replay
	// window.
	Notification *Notification
}

func (e *Error) Error() string {
	if e.Notification != nil {
		return fmt.Sprintf("apns: delivery failed for %s: %s (status %d)",
			e.Notification.TokenString(), e.Status, uint8(e.Status))
	}
	return fmt.Sprintf("apns: delivery failed: %s (status %d)", e.Status, uint8(e.Status))
}
