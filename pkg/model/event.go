package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Channel names one of the per-run event streams.
type Channel string

const (
	ChannelOutput Channel = "output"
	ChannelLog    Channel = "log"
	ChannelStatus Channel = "status"

	// ChannelControl carries run control requests between processes. It is
	// never delivered to subscribers.
	ChannelControl Channel = "control"
)

// Channels lists every durable channel in a stable order.
var Channels = []Channel{ChannelOutput, ChannelLog, ChannelStatus}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelOutput || c == ChannelLog || c == ChannelStatus
}

// EventType is the wire-level type of an event frame.
type EventType string

const (
	EventAgentOutput     EventType = "agent_output"
	EventAgentLog        EventType = "agent_log"
	EventAgentError      EventType = "agent_error"
	EventAgentComplete   EventType = "agent_complete"
	EventVariationStatus EventType = "variation_status"
	EventRunComplete     EventType = "run_complete"
	EventHeartbeat       EventType = "heartbeat"
	EventConnected       EventType = "connected"
	EventControlAck      EventType = "control_ack"
	EventPong            EventType = "pong"
	EventError           EventType = "error"

	EventCancelRequested EventType = "cancel_requested"
	EventCancelAck       EventType = "cancel_ack"
)

// Resumable reports whether frames of this type carry a relay id.
func (t EventType) Resumable() bool {
	switch t {
	case EventAgentOutput, EventAgentLog, EventAgentError, EventAgentComplete,
		EventVariationStatus, EventRunComplete:
		return true
	}
	return false
}

// RunLevel is the Variation value used for events that belong to the whole run.
const RunLevel = -1

// Event is a single message on a run's channel. ID is assigned by the relay
// and is strictly increasing within (run, channel).
type Event struct {
	ID        int64           `json:"message_id,omitempty"`
	RunID     string          `json:"run_id"`
	Variation int             `json:"variation"`
	Channel   Channel         `json:"channel,omitempty"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an event with data marshalled to JSON.
func NewEvent(runID string, variation int, ch Channel, typ EventType, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s data: %w", typ, err)
	}
	return &Event{
		RunID:     runID,
		Variation: variation,
		Channel:   ch,
		Type:      typ,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ChannelKey returns the relay channel name for a run's channel.
func ChannelKey(runID string, ch Channel) string {
	return fmt.Sprintf("run:%s:%s", runID, ch)
}

// ControlKey returns the control channel name for a run.
func ControlKey(runID string) string {
	return ChannelKey(runID, ChannelControl)
}

// OutputData is the payload of agent_output events.
type OutputData struct {
	Line string `json:"line"`
}

// ErrorData is the payload of agent_error events.
type ErrorData struct {
	Variation int    `json:"variation"`
	Message   string `json:"message"`
}

// CompleteData is the payload of agent_complete events.
type CompleteData struct {
	Variation int `json:"variation"`
	Lines     int `json:"lines"`
}

// StatusData is the payload of variation_status events.
type StatusData struct {
	Variation int             `json:"variation"`
	Status    VariationStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
}

// RunCompleteData is the payload of the run_complete event.
type RunCompleteData struct {
	Status    RunStatus `json:"status"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
}
