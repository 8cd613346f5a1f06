package rpc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/devicemon/core/logger"
	"github.com/relabs-tech/devicemon/wire"
)

// Kind is a direct command the operator can issue.
type Kind int

const (
	// Reboot restarts the device.
	Reboot Kind = iota
	// DirectGetImage captures a single camera frame.
	DirectGetImage
	// FactoryReset wipes the device back to factory state.
	FactoryReset
)

// Method returns the wire name of the command.
func (k Kind) Method() wire.CommandMethod {
	switch k {
	case Reboot:
		return wire.MethodReboot
	case DirectGetImage:
		return wire.MethodDirectGetImage
	case FactoryReset:
		return wire.MethodFactoryReset
	}
	return ""
}

func (k Kind) String() string { return string(k.Method()) }

// Kinds lists all command kinds.
func Kinds() []Kind { return []Kind{Reboot, DirectGetImage, FactoryReset} }

// State is the lifecycle state of a command kind.
type State int

const (
	// Idle means no command of the kind is outstanding.
	Idle State = iota
	// Pending means a request was published and its response is awaited.
	Pending
	// Completed means the last command succeeded.
	Completed
	// Failed means the last command failed.
	Failed
	// TimedOut means the last command received no response in time.
	TimedOut
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	case TimedOut:
		return "timed out"
	}
	return "idle"
}

// ErrAlreadyInFlight rejects a second command of a kind whose previous
// command is still pending. Commands are never queued.
var ErrAlreadyInFlight = errors.New("command already in flight")

// ErrCommandTimedOut is the failure cause of a command without a response
// inside the timeout window.
var ErrCommandTimedOut = errors.New("command timed out")

// ErrDecode is the failure cause of a response whose payload could not be
// decoded, e.g. a corrupt image encoding.
var ErrDecode = errors.New("decode error")

// Result is the outcome of the last command of a kind.
type Result struct {
	Kind      Kind
	State     State
	RequestID uint32
	ResInfo   wire.ResInfo
	// Image is the decoded capture, only set for a completed DirectGetImage.
	Image []byte
	// Err is the failure cause for Failed and TimedOut results.
	Err        error
	ResolvedAt time.Time
}

// RequestPublisher publishes a direct-command request. Implemented by the
// topic router.
type RequestPublisher interface {
	PublishCommandRequest(requestID uint32, method wire.CommandMethod, params []byte) error
}

// Builder assembles an Engine.
type Builder struct {
	// Publisher emits command requests. This is mandatory.
	Publisher RequestPublisher
	// Timeout is the response window per command. This is mandatory.
	Timeout time.Duration
	// FirstRequestID seeds the monotonically increasing request ids,
	// defaults to 1.
	FirstRequestID uint32
	// Now is the clock, defaults to time.Now.
	Now func() time.Time
	// Logger is optional.
	Logger *logrus.Entry
}

type slot struct {
	state     State
	requestID uint32
	issuedAt  time.Time
	result    *Result
}

// Engine correlates direct commands with their responses. At most one
// command per kind is in flight; timeouts free the slot, late responses are
// discarded as stale.
type Engine struct {
	mu        sync.Mutex
	publisher RequestPublisher
	timeout   time.Duration
	now       func() time.Time
	log       *logrus.Entry

	slots         map[Kind]*slot
	nextRequestID uint32
	stale         uint64
}

// NewEngine realizes an Engine from the builder.
func NewEngine(b Builder) *Engine {
	if b.Publisher == nil {
		panic("Publisher is missing")
	}
	if b.Timeout == 0 {
		panic("Timeout is missing")
	}
	now := b.Now
	if now == nil {
		now = time.Now
	}
	log := b.Logger
	if log == nil {
		log = logger.Default()
	}
	first := b.FirstRequestID
	if first == 0 {
		first = 1
	}
	slots := make(map[Kind]*slot, len(Kinds()))
	for _, kind := range Kinds() {
		slots[kind] = &slot{}
	}
	return &Engine{
		publisher:     b.Publisher,
		timeout:       b.Timeout,
		now:           now,
		log:           log,
		slots:         slots,
		nextRequestID: first,
	}
}

// Send publishes a command request and returns its request id. A kind with a
// pending command is rejected with ErrAlreadyInFlight; a publish failure
// leaves the slot idle so the operator can retry immediately.
func (e *Engine) Send(kind Kind, params []byte) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.slots[kind]
	if !ok {
		return 0, fmt.Errorf("unknown command kind %d", kind)
	}
	if s.state == Pending {
		return 0, fmt.Errorf("%w: %s (request %d)", ErrAlreadyInFlight, kind, s.requestID)
	}

	requestID := e.nextRequestID
	if err := e.publisher.PublishCommandRequest(requestID, kind.Method(), params); err != nil {
		return 0, err
	}
	e.nextRequestID++

	s.state = Pending
	s.requestID = requestID
	s.issuedAt = e.now()
	s.result = nil
	e.log.WithFields(logrus.Fields{"command": kind.String(), "requestID": requestID}).Info("command sent")
	return requestID, nil
}

// OnResponse resolves the pending command matching the response's request id.
// Responses without a pending match are counted and discarded; they never
// change command state.
func (e *Engine) OnResponse(response wire.CommandResponse) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for kind, s := range e.slots {
		if s.state != Pending || s.requestID != response.ReqID {
			continue
		}
		result := e.resolve(kind, s.requestID, response)
		s.state = result.State
		s.result = &result
		e.log.WithFields(logrus.Fields{
			"command":   kind.String(),
			"requestID": response.ReqID,
			"state":     result.State.String(),
		}).Info("command resolved")
		return
	}

	e.stale++
	e.log.WithField("requestID", response.ReqID).Debug("discarding stale command response")
}

func (e *Engine) resolve(kind Kind, requestID uint32, response wire.CommandResponse) Result {
	result := Result{
		Kind:       kind,
		RequestID:  requestID,
		ResInfo:    response.ResInfo,
		ResolvedAt: e.now(),
	}

	if response.Status != wire.CommandStatusOK {
		result.State = Failed
		result.Err = fmt.Errorf("device reported %s: %s", response.ResInfo.CodeString(), response.ResInfo.DetailMsg)
		return result
	}

	if kind == DirectGetImage {
		image, err := response.DecodeImage()
		if err != nil {
			result.State = Failed
			result.Err = fmt.Errorf("%w: %v", ErrDecode, err)
			return result
		}
		result.Image = image
	}

	result.State = Completed
	return result
}

// Tick transitions pending commands past the timeout window to TimedOut,
// freeing their slot. No automatic retry is issued. Invoked from the session
// timer.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for kind, s := range e.slots {
		if s.state != Pending || now.Sub(s.issuedAt) <= e.timeout {
			continue
		}
		s.state = TimedOut
		s.result = &Result{
			Kind:       kind,
			State:      TimedOut,
			RequestID:  s.requestID,
			Err:        ErrCommandTimedOut,
			ResolvedAt: now,
		}
		e.log.WithFields(logrus.Fields{"command": kind.String(), "requestID": s.requestID}).Warn("command timed out")
	}
}

// Result returns a copy of the last outcome of the kind, if any.
func (e *Engine) Result(kind Kind) (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.slots[kind]
	if !ok || s.result == nil {
		return Result{}, false
	}
	result := *s.result
	result.Image = append([]byte(nil), s.result.Image...)
	return result, true
}

// Snapshot returns the current state of every command kind.
func (e *Engine) Snapshot() map[Kind]State {
	e.mu.Lock()
	defer e.mu.Unlock()

	snapshot := make(map[Kind]State, len(e.slots))
	for kind, s := range e.slots {
		snapshot[kind] = s.state
	}
	return snapshot
}

// StaleResponses returns the number of discarded unmatched responses,
// for diagnostics.
func (e *Engine) StaleResponses() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stale
}
