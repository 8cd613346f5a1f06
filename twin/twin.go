package twin

import (
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/devicemon/core/logger"
	"github.com/relabs-tech/devicemon/wire"
)

// ConfigurationPublisher publishes a desired-configuration delta. Implemented
// by the topic router; the reconciler never touches MQTT directly.
type ConfigurationPublisher interface {
	PublishConfiguration(desired map[string]json.RawMessage) error
}

// PendingValue is a desired value awaiting device acknowledgement.
type PendingValue struct {
	Value       Value
	SubmittedAt time.Time
	// Diverged is set when the device keeps reporting a different value past
	// the reconcile timeout. The path stays desired; the flag tells the UI
	// the configuration is stuck or was rejected.
	Diverged bool
}

// Snapshot is an immutable, internally consistent view of both trees.
type Snapshot struct {
	Reported map[string]Value
	Desired  map[string]PendingValue
}

// Builder assembles a Reconciler.
type Builder struct {
	// Schema describes the valid property paths. This is mandatory.
	Schema *Schema
	// Publisher emits desired-configuration deltas. This is mandatory.
	Publisher ConfigurationPublisher
	// ReconcileTimeout is the divergence window for pending desired values.
	// Zero disables divergence flagging.
	ReconcileTimeout time.Duration
	// Now is the clock, defaults to time.Now.
	Now func() time.Time
	// Logger is optional.
	Logger *logrus.Entry
}

// Reconciler owns the reported and desired property trees of the device
// session. Writers serialize through the internal mutex; readers get
// deep-copied snapshots.
type Reconciler struct {
	mu               sync.Mutex
	schema           *Schema
	publisher        ConfigurationPublisher
	reconcileTimeout time.Duration
	now              func() time.Time
	log              *logrus.Entry

	reported map[string]Value
	desired  map[string]PendingValue
}

// NewReconciler realizes a Reconciler from the builder.
func NewReconciler(b Builder) *Reconciler {
	if b.Schema == nil {
		panic("Schema is missing")
	}
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
	return &Reconciler{
		schema:           b.Schema,
		publisher:        b.Publisher,
		reconcileTimeout: b.ReconcileTimeout,
		now:              now,
		log:              log,
		reported:         map[string]Value{},
		desired:          map[string]PendingValue{},
	}
}

// ApplyReported merges a sparse reported delta into the reported tree,
// last writer wins per path. Paths whose value cannot be decoded are skipped
// and logged; the rest of the delta still applies. A reported value matching
// a pending desired value acknowledges that path and clears it.
func (r *Reconciler) ApplyReported(report wire.StateReport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for path, raw := range report.Properties {
		if wire.ReservedStateMember(path) {
			continue
		}
		var value Value
		var err error
		if d, ok := r.schema.Lookup(path); ok {
			value, err = DecodeValue(d.Kind, raw)
		} else {
			value, err = InferValue(raw)
		}
		if err != nil {
			r.log.WithField("path", path).Warn("skipping undecodable reported value: ", err)
			continue
		}
		r.reported[path] = value

		if pending, ok := r.desired[path]; ok && pending.Value.Equal(value) {
			delete(r.desired, path)
			r.log.WithField("path", path).Debug("desired value acknowledged")
		}
	}
}

// SubmitDesired validates value against the schema, publishes a
// desired-configuration delta and stages the path as pending. Validation
// failure and publish failure both leave the trees unchanged.
func (r *Reconciler) SubmitDesired(path string, value Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.schema.Validate(path, value); err != nil {
		return err
	}

	raw, err := value.EncodeJSON()
	if err != nil {
		return err
	}
	if err := r.publisher.PublishConfiguration(map[string]json.RawMessage{path: raw}); err != nil {
		return err
	}

	r.desired[path] = PendingValue{Value: value, SubmittedAt: r.now()}
	return nil
}

// Tick flags pending desired paths whose reported value has not converged
// within the reconcile timeout. Invoked from the session timer.
func (r *Reconciler) Tick(now time.Time) {
	if r.reconcileTimeout == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for path, pending := range r.desired {
		if pending.Diverged || now.Sub(pending.SubmittedAt) <= r.reconcileTimeout {
			continue
		}
		pending.Diverged = true
		r.desired[path] = pending
		r.log.WithField("path", path).Warn("desired value not acknowledged within reconcile timeout")
	}
}

// Snapshot returns a deep copy of both trees. Concurrent mutation never
// yields a torn read.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := Snapshot{
		Reported: make(map[string]Value, len(r.reported)),
		Desired:  make(map[string]PendingValue, len(r.desired)),
	}
	for path, value := range r.reported {
		snapshot.Reported[path] = value
	}
	for path, pending := range r.desired {
		snapshot.Desired[path] = pending
	}
	return snapshot
}
