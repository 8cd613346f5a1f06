// Package router dispatches inbound MQTT messages for one device to the
// component owning their topic category and funnels all outbound publishes
// through a single transport. Every inbound message lands in exactly one
// category; malformed payloads are surfaced as typed parse failures and
// dropped, unrecognized topics are counted and ignored.
package router

import (
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/devicemon/core/logger"
	"github.com/relabs-tech/devicemon/core/schema"
	"github.com/relabs-tech/devicemon/wire"
)

//go:embed *.json
var schemaFS embed.FS

// Transport publishes a payload to an MQTT topic with at-least-once delivery.
type Transport interface {
	Publish(topic string, payload []byte) error
}

// MalformedError describes an inbound payload that matched a protocol topic
// but could not be decoded. The message is dropped, no component state
// changes.
type MalformedError struct {
	Topic    string
	Category wire.Category
	Cause    error
}

func (e MalformedError) Error() string {
	return fmt.Sprintf("malformed %s payload on %s: %v", e.Category, e.Topic, e.Cause)
}

func (e MalformedError) Unwrap() error {
	return e.Cause
}

// Handlers receives decoded inbound messages, one callback per topic
// category. Nil callbacks are skipped. Arrival fires for every
// device-originated message, decodable or not, before the payload is
// inspected.
type Handlers struct {
	StateReport      func(wire.StateReport)
	CommandResponse  func(requestID uint32, response wire.CommandResponse)
	DeploymentStatus func(wire.StatusEnvelope)
	EventLog         func(wire.EventLogRecord)
	Arrival          func()
	Malformed        func(MalformedError)
}

// Builder assembles a Router.
type Builder struct {
	// DeviceID scopes the topic table. Mandatory.
	DeviceID string
	// Transport carries outbound publishes. Mandatory.
	Transport Transport
	// Handlers receive decoded inbound messages.
	Handlers Handlers
	// Logger is optional, a device-scoped logger is derived if nil.
	Logger *logrus.Entry
}

// Router is the single ingress and egress point of a device session.
// Dispatch is safe for concurrent use with the publish methods.
type Router struct {
	deviceID  string
	transport Transport
	handlers  Handlers
	validator *schema.Validator
	log       *logrus.Entry

	malformed    atomic.Uint64
	unrecognized atomic.Uint64
}

// NewRouter creates a router from the builder configuration.
func NewRouter(b Builder) (*Router, error) {
	if b.DeviceID == "" {
		return nil, errors.New("builder lacks device id")
	}
	if b.Transport == nil {
		return nil, errors.New("builder lacks transport")
	}
	validator, err := schema.NewValidatorFromFS(schemaFS)
	if err != nil {
		return nil, fmt.Errorf("cannot load payload schemas: %w", err)
	}
	log := b.Logger
	if log == nil {
		log = logger.ForDevice(b.DeviceID)
	}
	return &Router{
		deviceID:  b.DeviceID,
		transport: b.Transport,
		handlers:  b.Handlers,
		validator: validator,
		log:       log,
	}, nil
}

// Dispatch routes one inbound message. Unrecognized topics and echoes of the
// tool's own publishes are logged and ignored.
func (r *Router) Dispatch(topic string, payload []byte) {
	route := wire.ParseTopic(r.deviceID, topic)

	switch route.Category {
	case wire.CategoryUnrecognized:
		if r.isOwnEcho(topic) {
			r.log.WithField("topic", topic).Trace("own publish echoed back")
			return
		}
		r.unrecognized.Add(1)
		r.log.WithField("topic", topic).Debug("ignoring unrecognized topic")
		return
	case wire.CategoryConfigurationEcho:
		r.log.WithField("topic", topic).Trace("configuration echoed back")
		return
	}

	// Everything below originates from the device, so the connection
	// monitor learns about it even when the payload turns out broken.
	if r.handlers.Arrival != nil {
		r.handlers.Arrival()
	}

	switch route.Category {
	case wire.CategoryStateReport:
		r.dispatchStateReport(topic, payload)
	case wire.CategoryCommandResponse:
		r.dispatchCommandResponse(topic, route.RequestID, payload)
	case wire.CategoryDeploymentStatus:
		r.dispatchDeploymentStatus(topic, payload)
	case wire.CategoryTelemetry:
		r.dispatchTelemetry(topic, payload)
	}
}

func (r *Router) dispatchStateReport(topic string, payload []byte) {
	if err := r.validator.ValidateBytes(payload, "state-report"); err != nil {
		r.fail(topic, wire.CategoryStateReport, err)
		return
	}
	report, err := wire.ParseStateReport(payload)
	if err != nil {
		r.fail(topic, wire.CategoryStateReport, err)
		return
	}
	if r.handlers.StateReport != nil {
		r.handlers.StateReport(report)
	}
}

func (r *Router) dispatchCommandResponse(topic string, requestID uint32, payload []byte) {
	if err := r.validator.ValidateBytes(payload, "command-response"); err != nil {
		r.fail(topic, wire.CategoryCommandResponse, err)
		return
	}
	response, err := wire.ParseCommandResponse(payload)
	if err != nil {
		r.fail(topic, wire.CategoryCommandResponse, err)
		return
	}
	if r.handlers.CommandResponse != nil {
		r.handlers.CommandResponse(requestID, response)
	}
}

func (r *Router) dispatchDeploymentStatus(topic string, payload []byte) {
	if err := r.validator.ValidateBytes(payload, "deployment-status"); err != nil {
		r.fail(topic, wire.CategoryDeploymentStatus, err)
		return
	}
	envelope, err := wire.ParseDeploymentStatus(payload)
	if err != nil {
		r.fail(topic, wire.CategoryDeploymentStatus, err)
		return
	}
	if r.handlers.DeploymentStatus != nil {
		r.handlers.DeploymentStatus(envelope)
	}
}

func (r *Router) dispatchTelemetry(topic string, payload []byte) {
	if err := r.validator.ValidateBytes(payload, "telemetry"); err != nil {
		r.fail(topic, wire.CategoryTelemetry, err)
		return
	}
	record, err := wire.ParseTelemetry(payload)
	if err != nil {
		r.fail(topic, wire.CategoryTelemetry, err)
		return
	}
	if record == nil {
		return
	}
	if r.handlers.EventLog != nil {
		r.handlers.EventLog(*record)
	}
}

func (r *Router) fail(topic string, category wire.Category, cause error) {
	r.malformed.Add(1)
	failure := MalformedError{Topic: topic, Category: category, Cause: cause}
	r.log.WithField("topic", topic).Warn(failure.Error())
	if r.handlers.Malformed != nil {
		r.handlers.Malformed(failure)
	}
}

// isOwnEcho reports whether topic belongs to the outbound half of the
// protocol. The device subscription filter covers the whole device prefix,
// so the broker echoes the tool's own publishes back.
func (r *Router) isOwnEcho(topic string) bool {
	prefix := wire.TopicPrefix(r.deviceID) + "/"
	rest, ok := strings.CutPrefix(topic, prefix)
	if !ok {
		return false
	}
	return strings.HasPrefix(rest, "rpc/request/") || rest == "deployment/manifest"
}

// PublishConfiguration publishes a desired-configuration payload for the
// given dotted paths. Implements the twin layer's publisher.
func (r *Router) PublishConfiguration(desired map[string]json.RawMessage) error {
	payload, err := wire.EncodeConfiguration(desired)
	if err != nil {
		return err
	}
	return r.transport.Publish(wire.ConfigurationTopic(r.deviceID), payload)
}

// PublishCommandRequest publishes a direct command request under its request
// id. Implements the command engine's publisher.
func (r *Router) PublishCommandRequest(requestID uint32, method wire.CommandMethod, params []byte) error {
	payload, err := wire.EncodeCommandRequest(requestID, method, params)
	if err != nil {
		return err
	}
	return r.transport.Publish(wire.CommandRequestTopic(r.deviceID, requestID), payload)
}

// PublishDeploymentManifest publishes a pre-encoded deployment manifest.
// Implements the deployment tracker's publisher.
func (r *Router) PublishDeploymentManifest(payload []byte) error {
	return r.transport.Publish(wire.DeploymentManifestTopic(r.deviceID), payload)
}

// MalformedCount returns the number of dropped malformed payloads.
func (r *Router) MalformedCount() uint64 {
	return r.malformed.Load()
}

// UnrecognizedCount returns the number of ignored unrecognized topics.
func (r *Router) UnrecognizedCount() uint64 {
	return r.unrecognized.Load()
}
