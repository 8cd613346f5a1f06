package wire

import (
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// StateReport is a sparse delta of the device-reported twin: a flat JSON
// object keyed by dotted property path. Absent paths are untouched on the
// device, not cleared.
type StateReport struct {
	Properties map[string]json.RawMessage
}

// ParseStateReport decodes an inbound reported-state payload. The payload
// must be a JSON object; values stay raw so the twin layer can type them
// against its property descriptors.
func ParseStateReport(payload []byte) (StateReport, error) {
	properties := map[string]json.RawMessage{}
	if err := json.Unmarshal(payload, &properties); err != nil {
		return StateReport{}, fmt.Errorf("state report is not a JSON object: %w", err)
	}
	return StateReport{Properties: properties}, nil
}

// ConfigurationIDKey is the reserved path carrying the generated id of a
// desired-configuration publish.
const ConfigurationIDKey = "configuration_id"

// ReservedStateMember reports whether a state-report member is protocol
// bookkeeping rather than a twin property. Devices embed system information
// and a deployment-status mirror in their state reports; neither belongs in
// the property trees.
func ReservedStateMember(path string) bool {
	switch path {
	case ConfigurationIDKey, "systemInfo", "deploymentStatus":
		return true
	}
	return false
}

// EncodeConfiguration builds an outbound desired-configuration payload from
// dotted paths to JSON values. A fresh configuration id is added so the
// device can distinguish repeated publishes of the same values.
func EncodeConfiguration(desired map[string]json.RawMessage) ([]byte, error) {
	body := make(map[string]json.RawMessage, len(desired)+1)
	for path, value := range desired {
		body[path] = value
	}
	id, err := json.Marshal(uuid.New().String())
	if err != nil {
		return nil, err
	}
	body[ConfigurationIDKey] = id
	return json.Marshal(body)
}
