package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// Category is the handler category an inbound message routes to. Every
// message routes to exactly one category.
type Category int

const (
	// CategoryUnrecognized is the fallback for topics outside the protocol.
	CategoryUnrecognized Category = iota
	// CategoryStateReport is the device-authoritative reported twin.
	CategoryStateReport
	// CategoryConfigurationEcho is the broker echo of a published desired
	// configuration.
	CategoryConfigurationEcho
	// CategoryCommandResponse is the response to a direct command.
	CategoryCommandResponse
	// CategoryDeploymentStatus is the device-reported deployment progress.
	CategoryDeploymentStatus
	// CategoryTelemetry carries device event-log records.
	CategoryTelemetry
)

func (c Category) String() string {
	switch c {
	case CategoryStateReport:
		return "state"
	case CategoryConfigurationEcho:
		return "configuration"
	case CategoryCommandResponse:
		return "rpc-response"
	case CategoryDeploymentStatus:
		return "deployment-status"
	case CategoryTelemetry:
		return "telemetry"
	}
	return "unrecognized"
}

// Route is the result of matching an inbound topic against the topic table.
type Route struct {
	Category  Category
	RequestID uint32 // only set for CategoryCommandResponse
}

// TopicPrefix returns the topic root for the given device.
func TopicPrefix(deviceID string) string {
	return "v1/devices/" + deviceID
}

// StateTopic is the inbound reported-twin topic.
func StateTopic(deviceID string) string {
	return TopicPrefix(deviceID) + "/state"
}

// ConfigurationTopic is the outbound desired-twin topic. Publishes are echoed
// back by the broker for acknowledgement bookkeeping.
func ConfigurationTopic(deviceID string) string {
	return TopicPrefix(deviceID) + "/configuration"
}

// CommandRequestTopic is the outbound topic for the direct command with the
// given request id.
func CommandRequestTopic(deviceID string, requestID uint32) string {
	return fmt.Sprintf("%s/rpc/request/%d", TopicPrefix(deviceID), requestID)
}

// CommandResponseTopic is the inbound topic for the response to the direct
// command with the given request id.
func CommandResponseTopic(deviceID string, requestID uint32) string {
	return fmt.Sprintf("%s/rpc/response/%d", TopicPrefix(deviceID), requestID)
}

// DeploymentStatusTopic is the inbound deployment progress topic.
func DeploymentStatusTopic(deviceID string) string {
	return TopicPrefix(deviceID) + "/deployment/status"
}

// DeploymentManifestTopic is the outbound deployment manifest topic.
func DeploymentManifestTopic(deviceID string) string {
	return TopicPrefix(deviceID) + "/deployment/manifest"
}

// TelemetryTopic is the inbound telemetry topic.
func TelemetryTopic(deviceID string) string {
	return TopicPrefix(deviceID) + "/telemetry"
}

// SubscriptionFilter returns the wildcard filter covering all topics of the
// given device.
func SubscriptionFilter(deviceID string) string {
	return TopicPrefix(deviceID) + "/#"
}

// ParseTopic matches topic against the fixed topic table of the given device.
// Topics outside the table yield CategoryUnrecognized, never an error.
func ParseTopic(deviceID, topic string) Route {
	prefix := TopicPrefix(deviceID) + "/"
	rest, ok := strings.CutPrefix(topic, prefix)
	if !ok {
		return Route{Category: CategoryUnrecognized}
	}

	switch rest {
	case "state":
		return Route{Category: CategoryStateReport}
	case "configuration":
		return Route{Category: CategoryConfigurationEcho}
	case "deployment/status":
		return Route{Category: CategoryDeploymentStatus}
	case "telemetry":
		return Route{Category: CategoryTelemetry}
	}

	if id, ok := strings.CutPrefix(rest, "rpc/response/"); ok {
		requestID, err := strconv.ParseUint(id, 10, 32)
		if err != nil {
			return Route{Category: CategoryUnrecognized}
		}
		return Route{Category: CategoryCommandResponse, RequestID: uint32(requestID)}
	}

	return Route{Category: CategoryUnrecognized}
}
