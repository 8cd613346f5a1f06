package wire

import (
	"fmt"

	"github.com/goccy/go-json"
)

// ReconcileStatus is the device-reported progress of an EdgeApp deployment.
// Unlisted values are carried through verbatim.
type ReconcileStatus string

const (
	// ReconcileStatusOK means all modules are deployed and running.
	ReconcileStatusOK ReconcileStatus = "ok"
	// ReconcileStatusApplying means the device accepted the manifest and is
	// converging towards it.
	ReconcileStatusApplying ReconcileStatus = "applying"
	// ReconcileStatusError means the device gave up on the manifest.
	ReconcileStatusError ReconcileStatus = "error"
)

// Known reports whether the status is part of the protocol.
func (s ReconcileStatus) Known() bool {
	switch s {
	case ReconcileStatusOK, ReconcileStatusApplying, ReconcileStatusError:
		return true
	}
	return false
}

// ProcessState is the device-reported progress of one OTA firmware target.
// Unlisted values are carried through verbatim.
type ProcessState string

const (
	ProcessStateIdle                ProcessState = "idle"
	ProcessStateRequestReceived     ProcessState = "request_received"
	ProcessStateDownloading         ProcessState = "downloading"
	ProcessStateInstalling          ProcessState = "installing"
	ProcessStateDone                ProcessState = "done"
	ProcessStateFailed              ProcessState = "failed"
	ProcessStateFailedInvalidArg    ProcessState = "failed_invalid_argument"
	ProcessStateFailedTokenExpired  ProcessState = "failed_token_expired"
	ProcessStateFailedRetryExceeded ProcessState = "failed_download_retry_exceeded"
)

// Known reports whether the state is part of the protocol.
func (s ProcessState) Known() bool {
	switch s {
	case ProcessStateIdle, ProcessStateRequestReceived, ProcessStateDownloading,
		ProcessStateInstalling, ProcessStateDone, ProcessStateFailed,
		ProcessStateFailedInvalidArg, ProcessStateFailedTokenExpired,
		ProcessStateFailedRetryExceeded:
		return true
	}
	return false
}

// Terminal reports whether the state ends the OTA process for its target.
func (s ProcessState) Terminal() bool {
	switch s {
	case ProcessStateDone, ProcessStateFailed, ProcessStateFailedInvalidArg,
		ProcessStateFailedTokenExpired, ProcessStateFailedRetryExceeded:
		return true
	}
	return false
}

// Failed reports whether the state is a terminal failure.
func (s ProcessState) Failed() bool {
	return s.Terminal() && s != ProcessStateDone
}

// ModuleStatus is the per-module detail inside an EdgeApp deployment status.
type ModuleStatus struct {
	Status         ReconcileStatus `json:"status"`
	FailureMessage string          `json:"failureMessage,omitempty"`
}

// DeploymentStatus is the device-reported status of an EdgeApp deployment.
type DeploymentStatus struct {
	DeploymentID    string                  `json:"deploymentId"`
	ReconcileStatus ReconcileStatus         `json:"reconcileStatus"`
	Modules         map[string]ModuleStatus `json:"modules,omitempty"`
}

// FirmwareTarget is one chip/component combination of an OTA deployment.
type FirmwareTarget struct {
	Component    string       `json:"component"`
	Chip         string       `json:"chip"`
	Version      string       `json:"version"`
	Progress     int          `json:"progress"`
	ProcessState ProcessState `json:"process_state"`
	PackageURL   string       `json:"package_url,omitempty"`
	Hash         string       `json:"hash,omitempty"`
	Size         int          `json:"size,omitempty"`
}

// FirmwareProperty is the OTA firmware manifest and, on the inbound side, the
// device-reported OTA progress.
type FirmwareProperty struct {
	ReqID   string           `json:"req_id"`
	Version string           `json:"version"`
	Targets []FirmwareTarget `json:"targets"`
	ResInfo *ResInfo         `json:"res_info,omitempty"`
}

// StatusEnvelope is an inbound deployment-status payload: exactly one of the
// members is set, depending on the deployment target.
type StatusEnvelope struct {
	Deployment *DeploymentStatus `json:"deploymentStatus,omitempty"`
	Firmware   *FirmwareProperty `json:"firmware,omitempty"`
}

// ParseDeploymentStatus decodes an inbound deployment-status payload.
func ParseDeploymentStatus(payload []byte) (StatusEnvelope, error) {
	var envelope StatusEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return StatusEnvelope{}, fmt.Errorf("cannot decode deployment status: %w", err)
	}
	if envelope.Deployment == nil && envelope.Firmware == nil {
		return StatusEnvelope{}, fmt.Errorf("deployment status carries neither deploymentStatus nor firmware")
	}
	return envelope, nil
}

// ModuleSpec describes one deployable EdgeApp module. DownloadURL is an
// opaque string resolved by the package store; the device fetches it, the
// tool never does.
type ModuleSpec struct {
	EntryPoint  string `json:"entryPoint"`
	ModuleImpl  string `json:"moduleImpl"`
	DownloadURL string `json:"downloadUrl"`
	Hash        string `json:"hash"`
}

// InstanceSpec binds a module to a runtime instance.
type InstanceSpec struct {
	ModuleID string `json:"moduleId"`
	Version  int    `json:"version"`
}

// DeploymentManifest describes a full EdgeApp deployment.
type DeploymentManifest struct {
	DeploymentID  string                  `json:"deploymentId"`
	Modules       map[string]ModuleSpec   `json:"modules"`
	InstanceSpecs map[string]InstanceSpec `json:"instanceSpecs"`
}

type manifestEnvelope struct {
	Deployment *DeploymentManifest `json:"deployment,omitempty"`
	Firmware   *FirmwareProperty   `json:"firmware,omitempty"`
}

// EncodeDeploymentManifest builds the outbound manifest payload for an
// EdgeApp deployment. An empty manifest (no modules) withdraws all modules
// from the device.
func EncodeDeploymentManifest(manifest DeploymentManifest) ([]byte, error) {
	if manifest.Modules == nil {
		manifest.Modules = map[string]ModuleSpec{}
	}
	if manifest.InstanceSpecs == nil {
		manifest.InstanceSpecs = map[string]InstanceSpec{}
	}
	return json.Marshal(manifestEnvelope{Deployment: &manifest})
}

// EncodeFirmwareManifest builds the outbound manifest payload for an OTA
// firmware deployment.
func EncodeFirmwareManifest(firmware FirmwareProperty) ([]byte, error) {
	return json.Marshal(manifestEnvelope{Firmware: &firmware})
}
