// Package session assembles the per-device protocol components into one
// coherent unit: the topic router, the twin reconciler, the command engine,
// the deployment trackers and the connection monitor, all sharing a single
// transport and a periodic timer.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/devicemon/blob"
	"github.com/relabs-tech/devicemon/core/logger"
	"github.com/relabs-tech/devicemon/deploy"
	"github.com/relabs-tech/devicemon/monitor"
	"github.com/relabs-tech/devicemon/router"
	"github.com/relabs-tech/devicemon/rpc"
	"github.com/relabs-tech/devicemon/twin"
	"github.com/relabs-tech/devicemon/wire"
)

const (
	// DefaultCommandTimeout is the response window per direct command.
	DefaultCommandTimeout = 30 * time.Second
	// DefaultReconcileTimeout is the divergence window for pending desired
	// configuration values.
	DefaultReconcileTimeout = 90 * time.Second
	// DefaultTickInterval drives command timeouts, divergence flagging and
	// liveness checks.
	DefaultTickInterval = time.Second

	eventLogCapacity = 256
)

// Transport publishes a payload to an MQTT topic. Implemented by the mqtt
// client.
type Transport interface {
	Publish(topic string, payload []byte) error
}

// Builder assembles a Session.
type Builder struct {
	// DeviceID is the device this session talks to. Mandatory.
	DeviceID string
	// Transport carries all outbound traffic. Mandatory.
	Transport Transport
	// Store stages deployment packages. Optional; without it deployments
	// must reference pre-staged download URLs.
	Store blob.Store
	// Schema describes the valid twin property paths. Defaults to the
	// built-in device schema.
	Schema *twin.Schema
	// CommandTimeout is the response window per direct command.
	CommandTimeout time.Duration
	// ReconcileTimeout is the divergence window for desired values.
	ReconcileTimeout time.Duration
	// LivenessWindow is the silence duration after which the device counts
	// as disconnected.
	LivenessWindow time.Duration
	// TickInterval drives the periodic timer. Zero selects the default; a
	// negative value disables the timer, Tick must then be called manually.
	TickInterval time.Duration
	// Now is the clock, defaults to time.Now.
	Now func() time.Time
	// Logger is optional, a device-scoped logger is derived if nil.
	Logger *logrus.Entry
}

// Session is the single owner of all protocol state for one device. All
// methods are safe for concurrent use.
type Session struct {
	deviceID string
	log      *logrus.Entry
	now      func() time.Time
	store    blob.Store

	router      *router.Router
	twin        *twin.Reconciler
	commands    *rpc.Engine
	deployments *deploy.Tracker
	monitor     *monitor.Monitor

	mu         sync.Mutex
	events     []wire.EventLogRecord
	eventsNext int
	eventsFull bool

	ticker    *time.Ticker
	done      chan struct{}
	closeOnce sync.Once
}

// New creates and starts a session. The periodic timer runs until Close.
func New(b Builder) (*Session, error) {
	if b.DeviceID == "" {
		return nil, errors.New("builder lacks device id")
	}
	if b.Transport == nil {
		return nil, errors.New("builder lacks transport")
	}

	log := b.Logger
	if log == nil {
		log = logger.ForDevice(b.DeviceID)
	}
	now := b.Now
	if now == nil {
		now = time.Now
	}
	schema := b.Schema
	if schema == nil {
		schema = twin.DefaultSchema()
	}
	commandTimeout := b.CommandTimeout
	if commandTimeout == 0 {
		commandTimeout = DefaultCommandTimeout
	}
	reconcileTimeout := b.ReconcileTimeout
	if reconcileTimeout == 0 {
		reconcileTimeout = DefaultReconcileTimeout
	}

	s := &Session{
		deviceID: b.DeviceID,
		log:      log,
		now:      now,
		store:    b.Store,
		events:   make([]wire.EventLogRecord, eventLogCapacity),
		done:     make(chan struct{}),
	}

	s.monitor = monitor.NewMonitor(b.LivenessWindow, log)

	r, err := router.NewRouter(router.Builder{
		DeviceID:  b.DeviceID,
		Transport: b.Transport,
		Handlers: router.Handlers{
			StateReport:      func(report wire.StateReport) { s.twin.ApplyReported(report) },
			CommandResponse:  func(_ uint32, response wire.CommandResponse) { s.commands.OnResponse(response) },
			DeploymentStatus: func(envelope wire.StatusEnvelope) { s.deployments.OnStatus(envelope) },
			EventLog:         s.recordEvent,
			Arrival:          func() { s.monitor.Touch(s.now()) },
		},
		Logger: log,
	})
	if err != nil {
		return nil, err
	}
	s.router = r

	s.twin = twin.NewReconciler(twin.Builder{
		Schema:           schema,
		Publisher:        r,
		ReconcileTimeout: reconcileTimeout,
		Now:              now,
		Logger:           log,
	})
	// request ids are seeded from the wall clock so they stay unique across
	// quick restarts of the tool
	s.commands = rpc.NewEngine(rpc.Builder{
		Publisher:      r,
		Timeout:        commandTimeout,
		FirstRequestID: uint32(now().Unix()),
		Now:            now,
		Logger:         log,
	})
	s.deployments = deploy.NewTracker(deploy.Builder{
		Publisher: r,
		Now:       now,
		Logger:    log,
	})

	tickInterval := b.TickInterval
	if tickInterval == 0 {
		tickInterval = DefaultTickInterval
	}
	if tickInterval > 0 {
		s.ticker = time.NewTicker(tickInterval)
		go s.run()
	}
	return s, nil
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.ticker.C:
			s.Tick(s.now())
		}
	}
}

// Tick advances all time-driven state: command timeouts, configuration
// divergence and connection liveness. Driven by the internal timer unless
// disabled.
func (s *Session) Tick(now time.Time) {
	s.commands.Tick(now)
	s.twin.Tick(now)
	s.monitor.Tick(now)
}

// HandleMessage feeds one inbound MQTT message into the session. Wired to
// the transport's message callback.
func (s *Session) HandleMessage(topic string, payload []byte) {
	s.router.Dispatch(topic, payload)
}

// Close stops the periodic timer. It does not close the transport, the
// transport outlives its sessions.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.ticker != nil {
			s.ticker.Stop()
		}
	})
}

func (s *Session) recordEvent(record wire.EventLogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[s.eventsNext] = record
	s.eventsNext++
	if s.eventsNext == len(s.events) {
		s.eventsNext = 0
		s.eventsFull = true
	}
}

// EventLog returns the retained device event-log records, oldest first. The
// ring keeps the most recent records and drops the oldest on overflow.
func (s *Session) EventLog() []wire.EventLogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.eventsFull {
		out := make([]wire.EventLogRecord, s.eventsNext)
		copy(out, s.events[:s.eventsNext])
		return out
	}
	out := make([]wire.EventLogRecord, 0, len(s.events))
	out = append(out, s.events[s.eventsNext:]...)
	out = append(out, s.events[:s.eventsNext]...)
	return out
}

// SubmitDesired validates and publishes one desired configuration value.
func (s *Session) SubmitDesired(path string, value twin.Value) error {
	return s.twin.SubmitDesired(path, value)
}

// SendCommand issues a direct command and returns its request id.
func (s *Session) SendCommand(kind rpc.Kind, params []byte) (uint32, error) {
	return s.commands.Send(kind, params)
}

// CommandResult returns the outcome of the last completed command of the
// given kind.
func (s *Session) CommandResult(kind rpc.Kind) (rpc.Result, bool) {
	return s.commands.Result(kind)
}

// ModulePackage describes one EdgeApp module of a deployment. Data is
// staged in the package store; alternatively DownloadURL references an
// already staged package.
type ModulePackage struct {
	Name        string
	EntryPoint  string
	ModuleImpl  string
	Hash        string
	DownloadURL string
	Data        []byte
}

// InstanceBinding binds a deployed module to a runtime instance.
type InstanceBinding struct {
	Name     string
	ModuleID string
	Version  int
}

// EdgeAppDeployment is the operator intent to deploy application modules.
type EdgeAppDeployment struct {
	// DeploymentID is generated if empty.
	DeploymentID string
	Modules      []ModulePackage
	Instances    []InstanceBinding
}

// DeployEdgeApp stages the module packages, publishes the deployment
// manifest and starts tracking device progress. Returns the deployment id.
func (s *Session) DeployEdgeApp(ctx context.Context, deployment EdgeAppDeployment) (string, error) {
	ctx, _ = logger.ContextWithLogger(ctx, s.deviceID)
	deploymentID := deployment.DeploymentID
	if deploymentID == "" {
		deploymentID = uuid.New().String()
	}

	manifest := wire.DeploymentManifest{
		DeploymentID:  deploymentID,
		Modules:       map[string]wire.ModuleSpec{},
		InstanceSpecs: map[string]wire.InstanceSpec{},
	}
	for _, module := range deployment.Modules {
		downloadURL, err := s.stage(ctx, "edgeapp/"+deploymentID+"/"+module.Name, module.DownloadURL, module.Data)
		if err != nil {
			return "", fmt.Errorf("cannot stage module %s: %w", module.Name, err)
		}
		manifest.Modules[module.Name] = wire.ModuleSpec{
			EntryPoint:  module.EntryPoint,
			ModuleImpl:  module.ModuleImpl,
			DownloadURL: downloadURL,
			Hash:        module.Hash,
		}
	}
	for _, instance := range deployment.Instances {
		manifest.InstanceSpecs[instance.Name] = wire.InstanceSpec{
			ModuleID: instance.ModuleID,
			Version:  instance.Version,
		}
	}
	return s.deployments.StartEdgeApp(manifest)
}

// FirmwarePackage describes one OTA target of a firmware deployment.
type FirmwarePackage struct {
	Component  string
	Chip       string
	Version    string
	Hash       string
	Size       int
	PackageURL string
	Data       []byte
}

// FirmwareDeployment is the operator intent to deploy firmware.
type FirmwareDeployment struct {
	// ReqID is generated if empty.
	ReqID   string
	Version string
	Targets []FirmwarePackage
}

// DeployFirmware stages the firmware packages, publishes the firmware
// manifest and starts tracking device progress. Returns the request id.
func (s *Session) DeployFirmware(ctx context.Context, deployment FirmwareDeployment) (string, error) {
	ctx, _ = logger.ContextWithLogger(ctx, s.deviceID)
	reqID := deployment.ReqID
	if reqID == "" {
		reqID = uuid.New().String()
	}

	firmware := wire.FirmwareProperty{
		ReqID:   reqID,
		Version: deployment.Version,
	}
	for _, target := range deployment.Targets {
		packageURL, err := s.stage(ctx, "firmware/"+reqID+"/"+target.Chip+"-"+target.Version, target.PackageURL, target.Data)
		if err != nil {
			return "", fmt.Errorf("cannot stage firmware for %s: %w", target.Chip, err)
		}
		firmware.Targets = append(firmware.Targets, wire.FirmwareTarget{
			Component:  target.Component,
			Chip:       target.Chip,
			Version:    target.Version,
			Hash:       target.Hash,
			Size:       target.Size,
			PackageURL: packageURL,
		})
	}
	return s.deployments.StartFirmware(firmware)
}

// stage uploads data to the package store and returns its download URL. A
// pre-staged URL passes through untouched.
func (s *Session) stage(ctx context.Context, key, downloadURL string, data []byte) (string, error) {
	if len(data) == 0 {
		if downloadURL == "" {
			return "", errors.New("neither package data nor download url given")
		}
		return downloadURL, nil
	}
	if s.store == nil {
		return "", errors.New("no package store configured")
	}
	if err := s.store.Upload(ctx, key, data); err != nil {
		return "", err
	}
	logger.FromContext(ctx).WithField("key", key).Infof("staged package, %d bytes", len(data))
	return s.store.PresignedGetURL(ctx, key, blob.DefaultURLExpiry)
}

// CancelDeployment cancels the running deployment of the given target where
// the protocol supports it.
func (s *Session) CancelDeployment(target deploy.Target) error {
	return s.deployments.Cancel(target)
}

// Snapshot is a deep-copied view of the whole session state.
type Snapshot struct {
	DeviceID           string
	Connection         monitor.ConnectionState
	Twin               twin.Snapshot
	Commands           map[rpc.Kind]rpc.State
	Deployments        map[deploy.Target]deploy.JobSnapshot
	Events             []wire.EventLogRecord
	MalformedPayloads  uint64
	UnrecognizedTopics uint64
	StaleResponses     uint64
}

// Snapshot returns a consistent view for the UI. The copy is detached,
// mutating it has no effect on the session.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		DeviceID:           s.deviceID,
		Connection:         s.monitor.Snapshot(),
		Twin:               s.twin.Snapshot(),
		Commands:           s.commands.Snapshot(),
		Deployments:        s.deployments.Snapshot(),
		Events:             s.EventLog(),
		MalformedPayloads:  s.router.MalformedCount(),
		UnrecognizedTopics: s.router.UnrecognizedCount(),
		StaleResponses:     s.commands.StaleResponses(),
	}
}
