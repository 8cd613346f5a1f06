package rpc

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/devicemon/wire"
)

type capturingPublisher struct {
	requests []uint32
	methods  []wire.CommandMethod
	err      error
}

func (p *capturingPublisher) PublishCommandRequest(requestID uint32, method wire.CommandMethod, params []byte) error {
	if p.err != nil {
		return p.err
	}
	p.requests = append(p.requests, requestID)
	p.methods = append(p.methods, method)
	return nil
}

func newTestEngine(t *testing.T, publisher *capturingPublisher, now *time.Time) *Engine {
	t.Helper()
	return NewEngine(Builder{
		Publisher:      publisher,
		Timeout:        10 * time.Second,
		FirstRequestID: 7,
		Now:            func() time.Time { return *now },
	})
}

func okResponse(requestID uint32) wire.CommandResponse {
	return wire.CommandResponse{
		Status:  wire.CommandStatusOK,
		ReqID:   requestID,
		ResInfo: wire.ResInfo{Code: 0, DetailMsg: "ok"},
	}
}

func TestSendAndComplete(t *testing.T) {
	now := time.Now()
	publisher := &capturingPublisher{}
	e := newTestEngine(t, publisher, &now)

	requestID, err := e.Send(Reboot, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), requestID)
	assert.Equal(t, []wire.CommandMethod{wire.MethodReboot}, publisher.methods)
	assert.Equal(t, Pending, e.Snapshot()[Reboot])

	e.OnResponse(okResponse(requestID))

	result, ok := e.Result(Reboot)
	require.True(t, ok)
	assert.Equal(t, Completed, result.State)
	assert.Equal(t, requestID, result.RequestID)
	assert.NoError(t, result.Err)
}

func TestAlreadyInFlight(t *testing.T) {
	now := time.Now()
	e := newTestEngine(t, &capturingPublisher{}, &now)

	requestID, err := e.Send(Reboot, nil)
	require.NoError(t, err)

	_, err = e.Send(Reboot, nil)
	assert.ErrorIs(t, err, ErrAlreadyInFlight)

	// a different kind is an independent slot
	_, err = e.Send(FactoryReset, nil)
	assert.NoError(t, err)

	// after resolution the kind is free again
	e.OnResponse(okResponse(requestID))
	next, err := e.Send(Reboot, nil)
	require.NoError(t, err)
	assert.Greater(t, next, requestID)
}

func TestTimeoutFreesSlot(t *testing.T) {
	now := time.Now()
	e := newTestEngine(t, &capturingPublisher{}, &now)

	first, err := e.Send(Reboot, nil)
	require.NoError(t, err)

	e.Tick(now.Add(5 * time.Second))
	assert.Equal(t, Pending, e.Snapshot()[Reboot])

	e.Tick(now.Add(11 * time.Second))
	assert.Equal(t, TimedOut, e.Snapshot()[Reboot])

	result, ok := e.Result(Reboot)
	require.True(t, ok)
	assert.ErrorIs(t, result.Err, ErrCommandTimedOut)

	// the operator may resubmit with a fresh request id
	second, err := e.Send(Reboot, nil)
	require.NoError(t, err)
	assert.Greater(t, second, first)

	// the late response for the first request is stale, it must not
	// resurrect or resolve anything
	e.OnResponse(okResponse(first))
	assert.Equal(t, Pending, e.Snapshot()[Reboot])
	assert.Equal(t, uint64(1), e.StaleResponses())
}

func TestUnmatchedResponseDiscarded(t *testing.T) {
	now := time.Now()
	e := newTestEngine(t, &capturingPublisher{}, &now)

	requestID, err := e.Send(Reboot, nil)
	require.NoError(t, err)

	e.OnResponse(okResponse(9999))
	assert.Equal(t, Pending, e.Snapshot()[Reboot])
	assert.Equal(t, uint64(1), e.StaleResponses())

	// resolving twice: the second response is stale
	e.OnResponse(okResponse(requestID))
	e.OnResponse(okResponse(requestID))
	assert.Equal(t, Completed, e.Snapshot()[Reboot])
	assert.Equal(t, uint64(2), e.StaleResponses())
}

func TestDeviceError(t *testing.T) {
	now := time.Now()
	e := newTestEngine(t, &capturingPublisher{}, &now)

	requestID, err := e.Send(FactoryReset, nil)
	require.NoError(t, err)

	e.OnResponse(wire.CommandResponse{
		Status:  wire.CommandStatusError,
		ReqID:   requestID,
		ResInfo: wire.ResInfo{Code: 9, DetailMsg: "device busy"},
	})

	result, ok := e.Result(FactoryReset)
	require.True(t, ok)
	assert.Equal(t, Failed, result.State)
	assert.ErrorContains(t, result.Err, "FAILED_PRECONDITION")
}

func TestDirectGetImage(t *testing.T) {
	now := time.Now()
	e := newTestEngine(t, &capturingPublisher{}, &now)

	requestID, err := e.Send(DirectGetImage, nil)
	require.NoError(t, err)

	response := okResponse(requestID)
	response.Image = base64.StdEncoding.EncodeToString([]byte("frame"))
	e.OnResponse(response)

	result, ok := e.Result(DirectGetImage)
	require.True(t, ok)
	assert.Equal(t, Completed, result.State)
	assert.Equal(t, []byte("frame"), result.Image)
}

func TestDirectGetImageDecodeFailure(t *testing.T) {
	now := time.Now()
	e := newTestEngine(t, &capturingPublisher{}, &now)

	requestID, err := e.Send(DirectGetImage, nil)
	require.NoError(t, err)

	response := okResponse(requestID)
	response.Image = "%%%corrupt%%%"
	e.OnResponse(response)

	result, ok := e.Result(DirectGetImage)
	require.True(t, ok)
	assert.Equal(t, Failed, result.State)
	assert.ErrorIs(t, result.Err, ErrDecode)
	// never a partially decoded image
	assert.Nil(t, result.Image)

	// the slot is free for a retry
	_, err = e.Send(DirectGetImage, nil)
	assert.NoError(t, err)
}

func TestPublishFailureLeavesSlotIdle(t *testing.T) {
	now := time.Now()
	publisher := &capturingPublisher{err: errors.New("connection lost")}
	e := newTestEngine(t, publisher, &now)

	_, err := e.Send(Reboot, nil)
	assert.Error(t, err)
	assert.Equal(t, Idle, e.Snapshot()[Reboot])

	// the failed attempt must not burn a request id
	publisher.err = nil
	requestID, err := e.Send(Reboot, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), requestID)
}
