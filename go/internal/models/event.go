package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reserved channel names.
const (
	ChannelEcho           = "echo"
	ChannelState          = "state"
	ChannelDecisions      = "decisions"
	ChannelGroupDecisions = "group_decisions"
	ChannelSubperiod      = "subperiod_group_decisions"
	ChannelReplay         = "replay"
)

// IsServerChannel reports whether only the server may publish on channel.
func IsServerChannel(channel string) bool {
	switch channel {
	case ChannelReplay, ChannelState, ChannelGroupDecisions, ChannelSubperiod:
		return true
	}
	return false
}

// Values carried on the state channel.
const (
	StatePeriodStart = "period_start"
	StatePeriodEnd   = "period_end"
)

// Event is a single append-only entry in a group's log.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	GroupID       string          `json:"group_id"`
	Channel       string          `json:"channel"`
	ParticipantID *string         `json:"participant_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Sequence      int64           `json:"sequence"`
	Payload       json.RawMessage `json:"payload"`
}

// Message returns the wire frame pushed to subscribers for this event.
func (e Event) Message() Message {
	return Message{Channel: e.Channel, Payload: e.Payload}
}

// Message is the JSON frame exchanged with clients: {channel, payload}.
type Message struct {
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}

// Encode marshals the message into a frame ready to be written to a socket.
func (m Message) Encode() ([]byte, error) {
	m.Payload = NormalizePayload(m.Payload)
	return json.Marshal(m)
}

// ReadinessRecord tracks whether a group's ready callback has run.
type ReadinessRecord struct {
	GroupID   string    `json:"group_id"`
	Ran       bool      `json:"ran"`
	Timestamp time.Time `json:"timestamp"`
}

var nullPayload = json.RawMessage("null")

// NormalizePayload maps an absent payload to JSON null.
func NormalizePayload(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return nullPayload
	}
	return p
}

// ValidatePayload normalizes p and rejects anything that is not a JSON value.
func ValidatePayload(p json.RawMessage) (json.RawMessage, error) {
	p = NormalizePayload(p)
	if !json.Valid(p) {
		return nil, ErrInvalidPayload
	}
	return p, nil
}

// EncodePayload converts an arbitrary Go value into a payload. Raw JSON is
// passed through unchanged.
func EncodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case json.RawMessage:
		return ValidatePayload(p)
	case nil:
		return nullPayload, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return b, nil
}
