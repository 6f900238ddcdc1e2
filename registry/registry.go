// Package registry implements the sensor registry: a typed,
// timestamped store of per-(uid, parameter) values, per spec.md §4.3.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/fieldcore/runtime/hibike"
)

// ValidationError is returned by Write when a value fails its
// parameter's bounds or choices check, per spec.md §4.3.
type ValidationError struct {
	Param string
	Value hibike.Value
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("registry: value for parameter %q out of bounds or not an allowed choice", e.Param)
}

// ErrNotRegistered is returned by operations addressed to an unknown
// uid.
var ErrNotRegistered = fmt.Errorf("registry: uid not registered")

// ErrUnknownParam is returned by operations addressed to a parameter
// the device type does not declare.
var ErrUnknownParam = fmt.Errorf("registry: unknown parameter")

// ErrNotWritable is returned by Write when the parameter's descriptor
// has writable=false, per spec.md §4.3: only writable parameters
// accept external writes.
var ErrNotWritable = fmt.Errorf("registry: parameter is not writable")

// ErrNotReadable is returned by Read when the parameter's descriptor
// has readable=false, per spec.md §4.3: only readable parameters are
// surfaced to consumers.
var ErrNotReadable = fmt.Errorf("registry: parameter is not readable")

// Stamped pairs a decoded value with the monotonic time it was last
// written, per spec.md §4.3's read() return shape.
type Stamped struct {
	Value hibike.Value
	TS    time.Time
	Dirty bool
}

type entry struct {
	mu         sync.RWMutex
	deviceType hibike.DeviceType
	values     map[string]Stamped
	lastRead   map[string]time.Time
}

func newEntry(dt hibike.DeviceType) *entry {
	e := &entry{
		deviceType: dt,
		values:     make(map[string]Stamped, len(dt.Params)),
		lastRead:   make(map[string]time.Time, len(dt.Params)),
	}
	zero := time.Time{}
	for _, p := range dt.Params {
		e.values[p.Name] = Stamped{Value: p.Default, TS: zero}
	}
	return e
}

func (e *entry) write(param string, v hibike.Value) error {
	idx := e.deviceType.Index(param)
	if idx < 0 {
		return ErrUnknownParam
	}
	p := e.deviceType.Params[idx]
	if !p.Writable {
		return ErrNotWritable
	}
	if !p.InBounds(v) {
		return &ValidationError{Param: param, Value: v}
	}
	e.mu.Lock()
	e.values[param] = Stamped{Value: v, TS: time.Now(), Dirty: true}
	e.mu.Unlock()
	return nil
}

// read returns the current value/timestamp, enforcing spec.md §4.3's
// ordering guarantee: the timestamp seen by a reader never regresses
// relative to a timestamp it previously observed for the same
// parameter.
func (e *entry) read(param string) (Stamped, error) {
	idx := e.deviceType.Index(param)
	if idx < 0 {
		return Stamped{}, ErrUnknownParam
	}
	if !e.deviceType.Params[idx].Readable {
		return Stamped{}, ErrNotReadable
	}
	e.mu.RLock()
	s := e.values[param]
	last := e.lastRead[param]
	e.mu.RUnlock()
	if s.TS.Before(last) {
		s.TS = last
	} else {
		e.mu.Lock()
		e.lastRead[param] = s.TS
		e.mu.Unlock()
	}
	return s, nil
}

// snapshot returns every readable parameter's current value and
// timestamp; write-only parameters are never surfaced to consumers,
// per spec.md §4.3.
func (e *entry) snapshot() map[string]Stamped {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Stamped, len(e.values))
	for _, p := range e.deviceType.Params {
		if !p.Readable {
			continue
		}
		out[p.Name] = e.values[p.Name]
	}
	return out
}

// Handle is a lightweight reference to a registered sensor, returned
// by Register, mirroring spec.md §4.3's register() return value.
type Handle struct {
	UID        hibike.UID
	DeviceType hibike.DeviceType
}

// Registry is the process-wide sensor parameter store. It implements
// hibike.Sink so a *hibike.Link can deliver discovery and data events
// directly into it.
type Registry struct {
	mu      sync.RWMutex
	entries map[hibike.UID]*entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[hibike.UID]*entry)}
}

// RegisterDevice is the public register() operation: idempotent,
// returns a Handle whose fields mirror the device type's parameter
// list. Each parameter starts at its descriptor's Default, which is
// the type-zero value unless the schema sets one.
func (r *Registry) RegisterDevice(uid hibike.UID, dt hibike.DeviceType) Handle {
	r.mu.Lock()
	if _, ok := r.entries[uid]; !ok {
		r.entries[uid] = newEntry(dt)
	}
	r.mu.Unlock()
	return Handle{UID: uid, DeviceType: dt}
}

// Register implements hibike.Sink, discarding the handle that a link
// identification handshake has no use for.
func (r *Registry) Register(uid hibike.UID, dt hibike.DeviceType) {
	r.RegisterDevice(uid, dt)
}

// Unregister removes uid's entry atomically; an in-flight Read or
// Snapshot observes either the old entry or none, never a torn one,
// per spec.md §4.3.
func (r *Registry) Unregister(uid hibike.UID) {
	r.mu.Lock()
	delete(r.entries, uid)
	r.mu.Unlock()
}

func (r *Registry) lookup(uid hibike.UID) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.entries[uid]
	r.mu.RUnlock()
	return e, ok
}

// Write validates value against the parameter's scalar type, bounds,
// and choices, then applies it and stamps it with the current time.
func (r *Registry) Write(uid hibike.UID, param string, v hibike.Value) error {
	e, ok := r.lookup(uid)
	if !ok {
		return ErrNotRegistered
	}
	return e.write(param, v)
}

// Read returns the current value and its last-modified timestamp.
func (r *Registry) Read(uid hibike.UID, param string) (hibike.Value, time.Time, error) {
	e, ok := r.lookup(uid)
	if !ok {
		return hibike.Value{}, time.Time{}, ErrNotRegistered
	}
	s, err := e.read(param)
	if err != nil {
		return hibike.Value{}, time.Time{}, err
	}
	return s.Value, s.TS, nil
}

// Snapshot returns every readable parameter's current value and
// timestamp for uid; non-readable parameters are omitted.
func (r *Registry) Snapshot(uid hibike.UID) (map[string]Stamped, error) {
	e, ok := r.lookup(uid)
	if !ok {
		return nil, ErrNotRegistered
	}
	return e.snapshot(), nil
}

// ApplyDeviceData implements hibike.Sink: the per-link RX task has
// exclusive write access to device-originated parameters, so this
// bypasses Write's bounds check (the device is the source of truth
// for its own readings) and stamps them directly.
func (r *Registry) ApplyDeviceData(uid hibike.UID, values map[string]hibike.Value) {
	e, ok := r.lookup(uid)
	if !ok {
		return
	}
	now := time.Now()
	e.mu.Lock()
	for name, v := range values {
		e.values[name] = Stamped{Value: v, TS: now}
	}
	e.mu.Unlock()
}
