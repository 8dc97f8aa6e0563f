package protocol

import "time"

// EventFrame is one feed entry as sent over the wire.
type EventFrame struct {
	Type    string `json:"type"` // always "event"
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
	Ts      int64  `json:"ts"` // unix millis
}

// NewEvent builds a frame stamped with the current time.
func NewEvent(event string, payload any) *EventFrame {
	return &EventFrame{
		Type:    "event",
		Event:   event,
		Payload: payload,
		Ts:      time.Now().UnixMilli(),
	}
}
