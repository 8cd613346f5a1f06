package wire

import (
	"fmt"

	"github.com/goccy/go-json"
)

// eventLogKey is the telemetry member carrying device event-log records.
const eventLogKey = "$system/event_log"

// EventLogRecord is one device event-log entry from the telemetry stream.
type EventLogRecord struct {
	Serial           string  `json:"serial"`
	Level            uint8   `json:"level"`
	Timestamp        string  `json:"timestamp"`
	ComponentID      uint32  `json:"component_id"`
	ComponentName    *string `json:"component_name,omitempty"`
	EventID          uint32  `json:"event_id"`
	EventDescription *string `json:"event_description,omitempty"`
}

// LevelString returns the symbolic name of the record level.
func (r EventLogRecord) LevelString() string {
	switch r.Level {
	case 0:
		return "CRITICAL"
	case 1:
		return "ERROR"
	case 2:
		return "WARN"
	case 3:
		return "INFO"
	case 4:
		return "DEBUG"
	case 5:
		return "TRACE"
	}
	return "UNKNOWN"
}

// ParseTelemetry extracts the event-log record from a telemetry payload.
// Telemetry without an event log yields nil without error; the stream
// carries other members the tool does not consume.
func ParseTelemetry(payload []byte) (*EventLogRecord, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(payload, &members); err != nil {
		return nil, fmt.Errorf("telemetry is not a JSON object: %w", err)
	}
	raw, ok := members[eventLogKey]
	if !ok {
		return nil, nil
	}
	var record EventLogRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("cannot decode event log record: %w", err)
	}
	return &record, nil
}
