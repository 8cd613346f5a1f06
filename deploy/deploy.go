package deploy

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/devicemon/core/logger"
	"github.com/relabs-tech/devicemon/wire"
)

// Target is the kind of package a deployment ships.
type Target int

const (
	// EdgeAppModule deploys application modules to the device runtime.
	EdgeAppModule Target = iota
	// OtaFirmware deploys firmware/loader images to the device chips.
	OtaFirmware
)

func (t Target) String() string {
	if t == OtaFirmware {
		return "ota-firmware"
	}
	return "edge-app-module"
}

// State is the lifecycle state of a deployment job. All transitions past
// AwaitingDeviceAck are driven by device-reported status, never inferred
// locally.
type State int

const (
	// NotStarted means no deployment was ever started for the target.
	NotStarted State = iota
	// Publishing means the manifest publish is underway.
	Publishing
	// AwaitingDeviceAck means the manifest is out and the device has not
	// reported on it yet.
	AwaitingDeviceAck
	// InProgress means the device reported it is converging on the manifest.
	InProgress
	// Succeeded is terminal.
	Succeeded
	// Failed is terminal.
	Failed
)

func (s State) String() string {
	switch s {
	case Publishing:
		return "publishing"
	case AwaitingDeviceAck:
		return "awaiting device ack"
	case InProgress:
		return "in progress"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "not started"
}

// Terminal reports whether the state ends the job.
func (s State) Terminal() bool { return s == Succeeded || s == Failed }

// ErrDeploymentInProgress rejects starting a deployment while another one
// for the same target is not terminal.
var ErrDeploymentInProgress = errors.New("deployment in progress")

// ErrCancelUnsupported is returned when the wire protocol has no cancel verb
// for the target; the job resolves at the device's own pace.
var ErrCancelUnsupported = errors.New("cancel not supported for target")

// ManifestPublisher publishes a deployment manifest payload. Implemented by
// the topic router.
type ManifestPublisher interface {
	PublishDeploymentManifest(payload []byte) error
}

// JobSnapshot is an immutable view of one deployment job.
type JobSnapshot struct {
	Target       Target
	DeploymentID string
	State        State
	// Cause explains a Failed state.
	Cause error
	// Modules carries the device-reported per-module detail of EdgeApp jobs.
	Modules map[string]wire.ModuleStatus
	// FirmwareTargets carries the device-reported per-target detail of OTA
	// jobs.
	FirmwareTargets []wire.FirmwareTarget
	StartedAt       time.Time
	UpdatedAt       time.Time
}

type job struct {
	snapshot JobSnapshot
}

// Builder assembles a Tracker.
type Builder struct {
	// Publisher emits deployment manifests. This is mandatory.
	Publisher ManifestPublisher
	// Now is the clock, defaults to time.Now.
	Now func() time.Time
	// Logger is optional.
	Logger *logrus.Entry
}

// Tracker drives multi-step deployments and mirrors the device-reported
// deployment status. One job per target; a terminal job may always be
// superseded.
type Tracker struct {
	mu        sync.Mutex
	publisher ManifestPublisher
	now       func() time.Time
	log       *logrus.Entry

	jobs map[Target]*job
}

// NewTracker realizes a Tracker from the builder.
func NewTracker(b Builder) *Tracker {
	if b.Publisher == nil {
		panic("Publisher is missing")
	}
	now := b.Now
	if now == nil {
		now = time.Now
	}
	log := b.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Tracker{
		publisher: b.Publisher,
		now:       now,
		log:       log,
		jobs:      map[Target]*job{},
	}
}

func (t *Tracker) begin(target Target) (*job, error) {
	if existing, ok := t.jobs[target]; ok && !existing.snapshot.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrDeploymentInProgress, target, existing.snapshot.State)
	}
	j := &job{snapshot: JobSnapshot{
		Target:    target,
		State:     Publishing,
		StartedAt: t.now(),
		UpdatedAt: t.now(),
	}}
	t.jobs[target] = j
	return j, nil
}

func (t *Tracker) publish(j *job, payload []byte, err error) error {
	if err == nil {
		err = t.publisher.PublishDeploymentManifest(payload)
	}
	j.snapshot.UpdatedAt = t.now()
	if err != nil {
		j.snapshot.State = Failed
		j.snapshot.Cause = err
		t.log.WithField("target", j.snapshot.Target.String()).Error("manifest publish failed: ", err)
		return err
	}
	j.snapshot.State = AwaitingDeviceAck
	return nil
}

// StartEdgeApp publishes an EdgeApp deployment manifest and starts following
// its status. A missing deployment id is generated. Rejected with
// ErrDeploymentInProgress while a previous EdgeApp job is not terminal.
func (t *Tracker) StartEdgeApp(manifest wire.DeploymentManifest) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, err := t.begin(EdgeAppModule)
	if err != nil {
		return "", err
	}
	if manifest.DeploymentID == "" {
		manifest.DeploymentID = uuid.New().String()
	}
	j.snapshot.DeploymentID = manifest.DeploymentID

	payload, err := wire.EncodeDeploymentManifest(manifest)
	if err := t.publish(j, payload, err); err != nil {
		return "", err
	}
	t.log.WithField("deploymentID", manifest.DeploymentID).Info("edge app deployment started")
	return manifest.DeploymentID, nil
}

// StartFirmware publishes an OTA firmware manifest and starts following its
// status. A missing request id is generated. Rejected with
// ErrDeploymentInProgress while a previous OTA job is not terminal.
func (t *Tracker) StartFirmware(firmware wire.FirmwareProperty) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	j, err := t.begin(OtaFirmware)
	if err != nil {
		return "", err
	}
	if firmware.ReqID == "" {
		firmware.ReqID = uuid.New().String()
	}
	j.snapshot.DeploymentID = firmware.ReqID

	payload, err := wire.EncodeFirmwareManifest(firmware)
	if err := t.publish(j, payload, err); err != nil {
		return "", err
	}
	t.log.WithField("reqID", firmware.ReqID).Info("firmware deployment started")
	return firmware.ReqID, nil
}

// Cancel withdraws a running deployment where the wire protocol allows it.
// For EdgeApp jobs an empty manifest is published, withdrawing all modules;
// OTA firmware has no cancel verb and yields ErrCancelUnsupported.
func (t *Tracker) Cancel(target Target) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if target == OtaFirmware {
		return ErrCancelUnsupported
	}

	j, ok := t.jobs[target]
	if !ok || j.snapshot.State.Terminal() {
		return fmt.Errorf("no running %s deployment to cancel", target)
	}

	withdrawal := wire.DeploymentManifest{DeploymentID: uuid.New().String()}
	payload, err := wire.EncodeDeploymentManifest(withdrawal)
	if err := t.publish(j, payload, err); err != nil {
		return err
	}
	j.snapshot.DeploymentID = withdrawal.DeploymentID
	j.snapshot.Modules = nil
	t.log.WithField("deploymentID", withdrawal.DeploymentID).Info("edge app deployment cancelled")
	return nil
}

// OnStatus mirrors a device-reported deployment status into the matching
// job. Status for unknown or superseded deployments is logged and ignored.
func (t *Tracker) OnStatus(envelope wire.StatusEnvelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if envelope.Deployment != nil {
		t.onEdgeAppStatus(*envelope.Deployment)
	}
	if envelope.Firmware != nil {
		t.onFirmwareStatus(*envelope.Firmware)
	}
}

func (t *Tracker) onEdgeAppStatus(status wire.DeploymentStatus) {
	j, ok := t.jobs[EdgeAppModule]
	if !ok {
		t.log.WithField("deploymentID", status.DeploymentID).Debug("deployment status without a job, ignoring")
		return
	}
	if j.snapshot.DeploymentID != status.DeploymentID {
		t.log.WithFields(logrus.Fields{
			"deploymentID": status.DeploymentID,
			"expected":     j.snapshot.DeploymentID,
		}).Debug("deployment status for superseded deployment, ignoring")
		return
	}

	j.snapshot.Modules = status.Modules
	j.snapshot.UpdatedAt = t.now()

	switch status.ReconcileStatus {
	case wire.ReconcileStatusApplying:
		j.snapshot.State = InProgress
	case wire.ReconcileStatusOK:
		j.snapshot.State = Succeeded
	case wire.ReconcileStatusError:
		j.snapshot.State = Failed
		j.snapshot.Cause = fmt.Errorf("device reconcile error: %v", failureMessages(status.Modules))
	default:
		// forward compatibility: an unknown status keeps the job running
		j.snapshot.State = InProgress
		t.log.WithField("reconcileStatus", string(status.ReconcileStatus)).
			Warn("unknown reconcile status, treating as in progress")
	}
}

func failureMessages(modules map[string]wire.ModuleStatus) string {
	message := ""
	for name, status := range modules {
		if status.FailureMessage == "" {
			continue
		}
		if message != "" {
			message += "; "
		}
		message += name + ": " + status.FailureMessage
	}
	if message == "" {
		return "no detail reported"
	}
	return message
}

func (t *Tracker) onFirmwareStatus(firmware wire.FirmwareProperty) {
	j, ok := t.jobs[OtaFirmware]
	if !ok {
		t.log.Debug("firmware status without a job, ignoring")
		return
	}
	if firmware.ReqID != "" && firmware.ReqID != j.snapshot.DeploymentID {
		t.log.WithFields(logrus.Fields{
			"reqID":    firmware.ReqID,
			"expected": j.snapshot.DeploymentID,
		}).Debug("firmware status for superseded deployment, ignoring")
		return
	}

	j.snapshot.FirmwareTargets = firmware.Targets
	j.snapshot.UpdatedAt = t.now()

	allTerminal := len(firmware.Targets) > 0
	var failure *wire.FirmwareTarget
	for i := range firmware.Targets {
		target := &firmware.Targets[i]
		if !target.ProcessState.Terminal() {
			allTerminal = false
		}
		if target.ProcessState.Failed() && failure == nil {
			failure = target
		}
	}

	switch {
	case failure != nil:
		j.snapshot.State = Failed
		j.snapshot.Cause = fmt.Errorf("target %s/%s reported %s",
			failure.Chip, failure.Component, failure.ProcessState)
	case allTerminal:
		j.snapshot.State = Succeeded
	default:
		j.snapshot.State = InProgress
	}
}

// Snapshot returns an immutable view of all deployment jobs.
func (t *Tracker) Snapshot() map[Target]JobSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snapshot := make(map[Target]JobSnapshot, len(t.jobs))
	for target, j := range t.jobs {
		copied := j.snapshot
		if j.snapshot.Modules != nil {
			copied.Modules = make(map[string]wire.ModuleStatus, len(j.snapshot.Modules))
			for name, status := range j.snapshot.Modules {
				copied.Modules[name] = status
			}
		}
		copied.FirmwareTargets = append([]wire.FirmwareTarget(nil), j.snapshot.FirmwareTargets...)
		snapshot[target] = copied
	}
	return snapshot
}

// State returns the current state of the target's job, NotStarted when no
// deployment was ever started.
func (t *Tracker) State(target Target) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if j, ok := t.jobs[target]; ok {
		return j.snapshot.State
	}
	return NotStarted
}
