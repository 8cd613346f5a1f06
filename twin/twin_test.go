package twin

import (
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/devicemon/wire"
)

type capturingPublisher struct {
	published []map[string]json.RawMessage
	err       error
}

func (p *capturingPublisher) PublishConfiguration(desired map[string]json.RawMessage) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, desired)
	return nil
}

func newTestReconciler(t *testing.T, publisher *capturingPublisher, now *time.Time) *Reconciler {
	t.Helper()
	return NewReconciler(Builder{
		Schema:           DefaultSchema(),
		Publisher:        publisher,
		ReconcileTimeout: 90 * time.Second,
		Now:              func() time.Time { return *now },
	})
}

func report(t *testing.T, pairs map[string]string) wire.StateReport {
	t.Helper()
	properties := map[string]json.RawMessage{}
	for path, value := range pairs {
		properties[path] = json.RawMessage(value)
	}
	return wire.StateReport{Properties: properties}
}

func TestApplyReportedLastWriterWins(t *testing.T) {
	now := time.Now()
	r := newTestReconciler(t, &capturingPublisher{}, &now)

	r.ApplyReported(report(t, map[string]string{"network_settings.ip_method": `"dhcp"`}))
	r.ApplyReported(report(t, map[string]string{"network_settings.ip_method": `"static"`}))
	// applying the same delta twice is a no-op
	r.ApplyReported(report(t, map[string]string{"network_settings.ip_method": `"static"`}))

	snapshot := r.Snapshot()
	assert.True(t, snapshot.Reported["network_settings.ip_method"].Equal(EnumValue("static")))
}

func TestApplyReportedSparseDelta(t *testing.T) {
	now := time.Now()
	r := newTestReconciler(t, &capturingPublisher{}, &now)

	r.ApplyReported(report(t, map[string]string{
		"system_settings.led_enabled": `true`,
		"device_state.hours_meter":    `12`,
	}))
	// a later delta without led_enabled leaves it untouched
	r.ApplyReported(report(t, map[string]string{"device_state.hours_meter": `13`}))

	snapshot := r.Snapshot()
	assert.True(t, snapshot.Reported["system_settings.led_enabled"].Equal(BoolValue(true)))
	assert.True(t, snapshot.Reported["device_state.hours_meter"].Equal(IntValue(13)))
}

func TestApplyReportedSkipsUndecodableValues(t *testing.T) {
	now := time.Now()
	r := newTestReconciler(t, &capturingPublisher{}, &now)

	r.ApplyReported(report(t, map[string]string{
		"system_settings.led_enabled": `"not a bool"`,
		"device_state.hours_meter":    `14`,
	}))

	snapshot := r.Snapshot()
	assert.NotContains(t, snapshot.Reported, "system_settings.led_enabled")
	assert.True(t, snapshot.Reported["device_state.hours_meter"].Equal(IntValue(14)))
}

func TestApplyReportedUnknownPathInferred(t *testing.T) {
	now := time.Now()
	r := newTestReconciler(t, &capturingPublisher{}, &now)

	// newer firmware may report paths outside the descriptor table
	r.ApplyReported(report(t, map[string]string{"future.feature_flag": `true`}))

	snapshot := r.Snapshot()
	assert.True(t, snapshot.Reported["future.feature_flag"].Equal(BoolValue(true)))
}

func TestApplyReportedSkipsReservedMembers(t *testing.T) {
	now := time.Now()
	r := newTestReconciler(t, &capturingPublisher{}, &now)

	// devices embed bookkeeping members in their state reports
	r.ApplyReported(report(t, map[string]string{
		"configuration_id":            `"c-1"`,
		"systemInfo":                  `{"os":"evp","arch":"arm"}`,
		"deploymentStatus":            `{"deploymentId":"d-1","reconcileStatus":"ok"}`,
		"system_settings.led_enabled": `true`,
	}))

	snapshot := r.Snapshot()
	assert.NotContains(t, snapshot.Reported, "configuration_id")
	assert.NotContains(t, snapshot.Reported, "systemInfo")
	assert.NotContains(t, snapshot.Reported, "deploymentStatus")
	assert.True(t, snapshot.Reported["system_settings.led_enabled"].Equal(BoolValue(true)))
}

func TestSubmitDesiredUnknownPath(t *testing.T) {
	now := time.Now()
	publisher := &capturingPublisher{}
	r := newTestReconciler(t, publisher, &now)

	err := r.SubmitDesired("no.such.path", TextValue("x"))
	assert.ErrorIs(t, err, ErrUnknownPath)
	assert.Empty(t, publisher.published)

	snapshot := r.Snapshot()
	assert.Empty(t, snapshot.Reported)
	assert.Empty(t, snapshot.Desired)
}

func TestSubmitDesiredSchemaViolation(t *testing.T) {
	now := time.Now()
	publisher := &capturingPublisher{}
	r := newTestReconciler(t, publisher, &now)

	// enum membership
	err := r.SubmitDesired("network_settings.ip_method", EnumValue("bogus"))
	assert.ErrorIs(t, err, ErrSchemaViolation)

	// kind mismatch
	err = r.SubmitDesired("system_settings.led_enabled", TextValue("true"))
	assert.ErrorIs(t, err, ErrSchemaViolation)

	// integer range
	err = r.SubmitDesired("network_settings.proxy_port", IntValue(70000))
	assert.ErrorIs(t, err, ErrSchemaViolation)

	// read-only path
	err = r.SubmitDesired("device_info.serial", TextValue("SN1"))
	assert.ErrorIs(t, err, ErrSchemaViolation)

	assert.Empty(t, publisher.published)
	assert.Empty(t, r.Snapshot().Desired)
}

func TestSubmitDesiredPublishesDelta(t *testing.T) {
	now := time.Now()
	publisher := &capturingPublisher{}
	r := newTestReconciler(t, publisher, &now)

	require.NoError(t, r.SubmitDesired("network_settings.ip_method", EnumValue("static")))

	require.Len(t, publisher.published, 1)
	assert.JSONEq(t, `"static"`, string(publisher.published[0]["network_settings.ip_method"]))

	snapshot := r.Snapshot()
	require.Contains(t, snapshot.Desired, "network_settings.ip_method")
	assert.True(t, snapshot.Desired["network_settings.ip_method"].Value.Equal(EnumValue("static")))
}

func TestSubmitDesiredPublishFailureLeavesStateUnchanged(t *testing.T) {
	now := time.Now()
	publisher := &capturingPublisher{err: errors.New("connection lost")}
	r := newTestReconciler(t, publisher, &now)

	err := r.SubmitDesired("network_settings.ip_method", EnumValue("static"))
	assert.Error(t, err)
	assert.Empty(t, r.Snapshot().Desired)
}

func TestAcknowledgeClearsPendingPath(t *testing.T) {
	now := time.Now()
	r := newTestReconciler(t, &capturingPublisher{}, &now)

	require.NoError(t, r.SubmitDesired("network_settings.ip_method", EnumValue("static")))
	require.Contains(t, r.Snapshot().Desired, "network_settings.ip_method")

	// a reported update with a different value does not acknowledge
	r.ApplyReported(report(t, map[string]string{"network_settings.ip_method": `"dhcp"`}))
	assert.Contains(t, r.Snapshot().Desired, "network_settings.ip_method")

	// the matching update does
	r.ApplyReported(report(t, map[string]string{"network_settings.ip_method": `"static"`}))
	snapshot := r.Snapshot()
	assert.NotContains(t, snapshot.Desired, "network_settings.ip_method")
	assert.True(t, snapshot.Reported["network_settings.ip_method"].Equal(EnumValue("static")))
}

func TestTickFlagsDivergedPaths(t *testing.T) {
	now := time.Now()
	r := newTestReconciler(t, &capturingPublisher{}, &now)

	require.NoError(t, r.SubmitDesired("network_settings.ip_method", EnumValue("static")))

	r.Tick(now.Add(30 * time.Second))
	assert.False(t, r.Snapshot().Desired["network_settings.ip_method"].Diverged)

	r.Tick(now.Add(2 * time.Minute))
	assert.True(t, r.Snapshot().Desired["network_settings.ip_method"].Diverged)

	// acknowledgement still clears a diverged path
	r.ApplyReported(report(t, map[string]string{"network_settings.ip_method": `"static"`}))
	assert.NotContains(t, r.Snapshot().Desired, "network_settings.ip_method")
}

func TestSnapshotIsIsolated(t *testing.T) {
	now := time.Now()
	r := newTestReconciler(t, &capturingPublisher{}, &now)

	r.ApplyReported(report(t, map[string]string{"device_state.hours_meter": `1`}))
	snapshot := r.Snapshot()
	snapshot.Reported["device_state.hours_meter"] = IntValue(999)

	assert.True(t, r.Snapshot().Reported["device_state.hours_meter"].Equal(IntValue(1)))
}
