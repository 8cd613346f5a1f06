package wire

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic(t *testing.T) {
	device := "camera-42"

	cases := []struct {
		topic string
		route Route
	}{
		{"v1/devices/camera-42/state", Route{Category: CategoryStateReport}},
		{"v1/devices/camera-42/configuration", Route{Category: CategoryConfigurationEcho}},
		{"v1/devices/camera-42/deployment/status", Route{Category: CategoryDeploymentStatus}},
		{"v1/devices/camera-42/telemetry", Route{Category: CategoryTelemetry}},
		{"v1/devices/camera-42/rpc/response/7", Route{Category: CategoryCommandResponse, RequestID: 7}},
		{"v1/devices/camera-42/rpc/response/abc", Route{Category: CategoryUnrecognized}},
		{"v1/devices/other-device/state", Route{Category: CategoryUnrecognized}},
		{"some/random/topic", Route{Category: CategoryUnrecognized}},
	}

	for _, c := range cases {
		assert.Equal(t, c.route, ParseTopic(device, c.topic), c.topic)
	}
}

func TestParseStateReport(t *testing.T) {
	report, err := ParseStateReport([]byte(`{"network_settings.ip_method":"dhcp","system_settings.led_enabled":true}`))
	require.NoError(t, err)
	assert.Len(t, report.Properties, 2)
	assert.JSONEq(t, `"dhcp"`, string(report.Properties["network_settings.ip_method"]))

	_, err = ParseStateReport([]byte(`[1,2,3]`))
	assert.Error(t, err)

	_, err = ParseStateReport([]byte(`not json`))
	assert.Error(t, err)
}

func TestReservedStateMember(t *testing.T) {
	assert.True(t, ReservedStateMember(ConfigurationIDKey))
	assert.True(t, ReservedStateMember("systemInfo"))
	assert.True(t, ReservedStateMember("deploymentStatus"))
	assert.False(t, ReservedStateMember("system_settings.led_enabled"))
}

func TestEncodeConfiguration(t *testing.T) {
	payload, err := EncodeConfiguration(map[string]json.RawMessage{
		"network_settings.ip_method": json.RawMessage(`"static"`),
	})
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.JSONEq(t, `"static"`, string(decoded["network_settings.ip_method"]))
	// every publish carries a fresh configuration id
	assert.Contains(t, decoded, ConfigurationIDKey)
}

func TestEncodeCommandRequest(t *testing.T) {
	payload, err := EncodeCommandRequest(7, MethodReboot, nil)
	require.NoError(t, err)

	var envelope map[string]map[string]string
	require.NoError(t, json.Unmarshal(payload, &envelope))
	body := envelope["direct-command-request"]
	assert.Equal(t, "7", body["reqid"])
	assert.Equal(t, "reboot", body["method"])

	_, err = EncodeCommandRequest(8, CommandMethod("self_destruct"), nil)
	assert.Error(t, err)
}

func TestParseCommandResponse(t *testing.T) {
	payload := `{"direct-command-response":{"status":"ok","reqid":"1000","response":"{\"res_info\":{\"code\":0,\"detail_msg\":\"ok\"}}"}}`

	response, err := ParseCommandResponse([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, CommandStatusOK, response.Status)
	assert.Equal(t, uint32(1000), response.ReqID)
	assert.Equal(t, 0, response.ResInfo.Code)
	assert.Equal(t, "OK(0)", response.ResInfo.CodeString())
	assert.False(t, response.HasImage())
}

func TestParseCommandResponseWithImage(t *testing.T) {
	// "aGVsbG8=" is base64 for "hello"
	payload := `{"direct-command-response":{"status":"ok","reqid":"1","response":"{\"res_info\":{\"code\":0,\"detail_msg\":\"ok\"},\"image\":\"aGVsbG8=\"}"}}`

	response, err := ParseCommandResponse([]byte(payload))
	require.NoError(t, err)
	require.True(t, response.HasImage())

	data, err := response.DecodeImage()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
}

func TestParseCommandResponseInvalid(t *testing.T) {
	// missing envelope
	_, err := ParseCommandResponse([]byte(`{"foo":"bar"}`))
	assert.Error(t, err)

	// response detail is not a string-embedded JSON document
	_, err = ParseCommandResponse([]byte(`{"direct-command-response":{"status":"ok","reqid":"1","response":"not json"}}`))
	assert.Error(t, err)

	// reqid is not numeric
	_, err = ParseCommandResponse([]byte(`{"direct-command-response":{"status":"ok","reqid":"x","response":"{}"}}`))
	assert.Error(t, err)
}

func TestDecodeImageCorrupt(t *testing.T) {
	response := CommandResponse{Image: "%%%not-base64%%%"}
	_, err := response.DecodeImage()
	assert.Error(t, err)

	_, err = CommandResponse{}.DecodeImage()
	assert.Error(t, err)
}

func TestParseDeploymentStatus(t *testing.T) {
	payload := `{"deploymentStatus":{"deploymentId":"d-1","reconcileStatus":"applying","modules":{"detector":{"status":"applying"}}}}`

	envelope, err := ParseDeploymentStatus([]byte(payload))
	require.NoError(t, err)
	require.NotNil(t, envelope.Deployment)
	assert.Equal(t, "d-1", envelope.Deployment.DeploymentID)
	assert.Equal(t, ReconcileStatusApplying, envelope.Deployment.ReconcileStatus)
	assert.True(t, envelope.Deployment.ReconcileStatus.Known())

	_, err = ParseDeploymentStatus([]byte(`{}`))
	assert.Error(t, err)
}

func TestParseDeploymentStatusFirmware(t *testing.T) {
	payload := `{"firmware":{"req_id":"1","version":"1.1.0","targets":[{"component":"firmware","chip":"ApFw","version":"1.1.0","progress":45,"process_state":"downloading"}]}}`

	envelope, err := ParseDeploymentStatus([]byte(payload))
	require.NoError(t, err)
	require.NotNil(t, envelope.Firmware)
	require.Len(t, envelope.Firmware.Targets, 1)
	assert.Equal(t, ProcessStateDownloading, envelope.Firmware.Targets[0].ProcessState)
	assert.False(t, envelope.Firmware.Targets[0].ProcessState.Terminal())
}

func TestUnknownEnumValuesCarriedThrough(t *testing.T) {
	payload := `{"deploymentStatus":{"deploymentId":"d-2","reconcileStatus":"quantum-flux"}}`

	envelope, err := ParseDeploymentStatus([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, ReconcileStatus("quantum-flux"), envelope.Deployment.ReconcileStatus)
	assert.False(t, envelope.Deployment.ReconcileStatus.Known())

	assert.False(t, ProcessState("warming_up").Known())
	assert.False(t, CommandStatus("maybe").Known())
}

func TestProcessStateTerminal(t *testing.T) {
	assert.True(t, ProcessStateDone.Terminal())
	assert.False(t, ProcessStateDone.Failed())
	assert.True(t, ProcessStateFailedTokenExpired.Terminal())
	assert.True(t, ProcessStateFailedTokenExpired.Failed())
	assert.False(t, ProcessStateInstalling.Terminal())
}

func TestEncodeDeploymentManifest(t *testing.T) {
	payload, err := EncodeDeploymentManifest(DeploymentManifest{
		DeploymentID: "d-3",
		Modules: map[string]ModuleSpec{
			"detector": {EntryPoint: "main", ModuleImpl: "wasm", DownloadURL: "https://blobs/detector.wasm", Hash: "abc"},
		},
	})
	require.NoError(t, err)

	var decoded map[string]DeploymentManifest
	require.NoError(t, json.Unmarshal(payload, &decoded))
	manifest := decoded["deployment"]
	assert.Equal(t, "d-3", manifest.DeploymentID)
	assert.Equal(t, "https://blobs/detector.wasm", manifest.Modules["detector"].DownloadURL)
	assert.NotNil(t, manifest.InstanceSpecs)
}

func TestParseTelemetry(t *testing.T) {
	payload := `{"$system/event_log":{"serial":"SN1","level":1,"timestamp":"2026-08-30T10:00:00Z","component_id":2,"event_id":4112}}`

	record, err := ParseTelemetry([]byte(payload))
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "ERROR", record.LevelString())
	assert.Equal(t, uint32(4112), record.EventID)

	record, err = ParseTelemetry([]byte(`{"other":"member"}`))
	require.NoError(t, err)
	assert.Nil(t, record)

	_, err = ParseTelemetry([]byte(`garbage`))
	assert.Error(t, err)
}
