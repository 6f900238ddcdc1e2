// Package hotplug maintains the port_path -> link mapping described in
// spec.md §4.4: it enumerates candidate serial ports, opens a
// hibike.Link for each accepted one, and tears links down on physical
// removal or I/O failure, absorbing a one-cycle reconnect flicker.
package hotplug

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/GoAethereal/cancel"
	"github.com/fsnotify/fsnotify"
	"github.com/tarm/serial"

	"github.com/fieldcore/runtime/hibike"
)

// MinPollPeriod is the floor spec.md §4.4 requires: the original's
// 0.04s default is "too aggressive" and is clamped up to this value.
const MinPollPeriod = time.Second

// PortSource enumerates the serial port paths currently present on
// the host. The default globSource scans /dev/ttyACM* and
// /dev/ttyUSB*; the Observer appends any configured virtual device
// paths to its result.
type PortSource interface {
	List() ([]string, error)
}

type globSource struct {
	globs []string
}

func (g globSource) List() ([]string, error) {
	var out []string
	for _, pattern := range g.globs {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	sort.Strings(out)
	return out, nil
}

// DefaultGlobs is the platform-typical set of candidate device nodes,
// per spec.md §4.4's polling fallback.
var DefaultGlobs = []string{"/dev/ttyACM*", "/dev/ttyUSB*"}

// Opener opens a candidate port as a hibike Transport.
type Opener interface {
	Open(port string, baud int) (hibike.Transport, error)
}

type serialOpener struct{}

func (serialOpener) Open(port string, baud int) (hibike.Transport, error) {
	return serial.OpenPort(&serial.Config{Name: port, Baud: baud})
}

// Sink is the subset of registry.Registry the observer needs:
// hibike's discovery/data sink, plus the ability to tear a sensor's
// entry down once its link is confirmed gone.
type Sink interface {
	hibike.Sink
	Unregister(uid hibike.UID)
}

type pendingDisconnect struct {
	uid          hibike.UID
	nonce        [16]byte
	ticksRemaining int
}

type linkState struct {
	link   *hibike.Link
	cancel func()
	uid    hibike.UID
	hasUID bool
}

// Observer drives the port_path -> link mapping for one process.
type Observer struct {
	Baud       int
	Schema     hibike.Schema
	Sink       Sink
	Source     PortSource
	Opener     Opener
	Accept     func(port string) bool // nil accepts every enumerated port
	PollPeriod time.Duration

	// VirtualDevicesFile, if set, is a newline-delimited text file of
	// additional port paths (e.g. named pipes) always accepted
	// regardless of Accept, per spec.md §4.4's virtual device support.
	VirtualDevicesFile string

	// PollOnly forces the polling fallback as the sole discovery
	// mechanism, skipping the fsnotify watcher entirely (the --poll
	// CLI flag from spec.md §6).
	PollOnly bool

	mu       sync.Mutex
	links    map[string]*linkState
	pending  map[hibike.UID]*pendingDisconnect
	disconnC chan hibike.Disconnect
}

// NewObserver builds an Observer with the default glob-based port
// source and tarm/serial opener. PollPeriod is clamped to
// MinPollPeriod if lower (or zero).
func NewObserver(baud int, schema hibike.Schema, sink Sink, pollPeriod time.Duration) *Observer {
	if pollPeriod < MinPollPeriod {
		pollPeriod = MinPollPeriod
	}
	return &Observer{
		Baud:       baud,
		Schema:     schema,
		Sink:       sink,
		Source:     globSource{globs: DefaultGlobs},
		Opener:     serialOpener{},
		PollPeriod: pollPeriod,
		links:      make(map[string]*linkState),
		pending:    make(map[hibike.UID]*pendingDisconnect),
		disconnC:   make(chan hibike.Disconnect, 16),
	}
}

// Run drives the observer until ctx is canceled: an fsnotify watch on
// /dev for the event-driven path (best-effort; failure to start it
// just leaves the poller as the sole source of truth), plus a
// PollPeriod ticker fallback, per spec.md §4.4.
func (o *Observer) Run(ctx cancel.Context) error {
	var watcher *fsnotify.Watcher
	if !o.PollOnly {
		w, werr := fsnotify.NewWatcher()
		if werr == nil {
			_ = w.Add("/dev")
			defer w.Close()
			watcher = w
		}
	}

	ticker := time.NewTicker(o.PollPeriod)
	defer ticker.Stop()

	o.sync()

	for {
		select {
		case <-ctx.Done():
			o.closeAll()
			return ctx.Err()
		case <-ticker.C:
			o.sync()
			o.ageDisconnects()
		case ev, ok := <-watcherEvents(watcher):
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Remove) != 0 {
				o.sync()
			}
		case d := <-o.disconnC:
			o.holdPending(d)
		}
	}
}

func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

// sync diffs the current port enumeration against the tracked link
// set: new accepted ports are opened, vanished ports are torn down.
func (o *Observer) sync() {
	candidates, err := o.Source.List()
	if err != nil {
		return
	}
	if o.VirtualDevicesFile != "" {
		candidates = append(candidates, o.readVirtualDevices()...)
	}

	present := make(map[string]bool, len(candidates))
	for _, port := range candidates {
		present[port] = true
	}

	o.mu.Lock()
	var toClose []string
	for port := range o.links {
		if !present[port] {
			toClose = append(toClose, port)
		}
	}
	o.mu.Unlock()
	for _, port := range toClose {
		o.closePort(port)
	}

	for _, port := range candidates {
		o.mu.Lock()
		_, known := o.links[port]
		o.mu.Unlock()
		if known {
			continue
		}
		if o.Accept != nil && !o.Accept(port) && !o.isVirtual(port) {
			continue
		}
		o.openPort(port)
	}
}

func (o *Observer) isVirtual(port string) bool {
	if o.VirtualDevicesFile == "" {
		return false
	}
	for _, v := range o.readVirtualDevices() {
		if v == port {
			return true
		}
	}
	return false
}

func (o *Observer) readVirtualDevices() []string {
	data, err := os.ReadFile(o.VirtualDevicesFile)
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range splitLines(string(data)) {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, trimCR(s[start:i]))
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, trimCR(s[start:]))
	}
	return lines
}

func trimCR(s string) string {
	if len(s) > 0 && s[len(s)-1] == '\r' {
		return s[:len(s)-1]
	}
	return s
}

func (o *Observer) openPort(port string) {
	transport, err := o.Opener.Open(port, o.Baud)
	if err != nil {
		return
	}
	link := hibike.NewLink(port, o.Baud, transport, o.Schema, &trackingSink{observer: o, port: port, inner: o.Sink}, o.disconnC)

	sig := cancel.New()
	state := &linkState{link: link, cancel: sig.Cancel}

	o.mu.Lock()
	o.links[port] = state
	o.mu.Unlock()

	go func() {
		_ = link.Run(sig)
		o.mu.Lock()
		delete(o.links, port)
		o.mu.Unlock()
	}()
}

func (o *Observer) closePort(port string) {
	o.mu.Lock()
	state, ok := o.links[port]
	if ok {
		delete(o.links, port)
	}
	o.mu.Unlock()
	if ok {
		state.cancel()
		state.link.Close()
	}
}

func (o *Observer) closeAll() {
	o.mu.Lock()
	ports := make([]string, 0, len(o.links))
	for port := range o.links {
		ports = append(ports, port)
	}
	o.mu.Unlock()
	for _, port := range ports {
		o.closePort(port)
	}
}

// holdPending records an incoming Disconnect for one poll cycle,
// absorbing the case where the same uid reappears with a different
// instance nonce before the cycle elapses (spec.md §4.4).
func (o *Observer) holdPending(d hibike.Disconnect) {
	o.mu.Lock()
	o.pending[d.UID] = &pendingDisconnect{uid: d.UID, nonce: d.InstanceNonce, ticksRemaining: 1}
	o.mu.Unlock()
}

// ageDisconnects advances every pending disconnect by one cycle,
// finalizing (unregistering) any whose hold has elapsed while no
// tracked link is identified under the same uid.
func (o *Observer) ageDisconnects() {
	o.mu.Lock()
	var finalize []hibike.UID
	for uid, p := range o.pending {
		p.ticksRemaining--
		if p.ticksRemaining <= 0 {
			finalize = append(finalize, uid)
		}
	}
	for _, uid := range finalize {
		delete(o.pending, uid)
	}
	o.mu.Unlock()

	for _, uid := range finalize {
		if !o.reconnectedUnderNewNonce(uid) {
			o.Sink.Unregister(uid)
		}
	}
}

// LinkFor returns the Link currently identified under uid, if any, so
// an external consumer (the RPC surface's subscribe_device method) can
// issue a live Subscribe call, per spec.md §4.2's subscription policy.
func (o *Observer) LinkFor(uid hibike.UID) (*hibike.Link, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, state := range o.links {
		if state.hasUID && state.uid == uid {
			return state.link, true
		}
	}
	return nil, false
}

// reconnectedUnderNewNonce reports whether any tracked link is
// identified under uid. The instance nonce is not compared: a link
// that raised a Disconnect is removed from tracking once its Run
// returns (see openPort), so a link still identified under uid is
// taken to be the reconnection.
func (o *Observer) reconnectedUnderNewNonce(uid hibike.UID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, state := range o.links {
		if state.hasUID && state.uid == uid {
			return true
		}
	}
	return false
}

// trackingSink wraps the caller's Sink so the observer learns which
// port registered which uid, without hibike needing to know about
// ports at all.
type trackingSink struct {
	observer *Observer
	port     string
	inner    hibike.Sink
}

func (t *trackingSink) Register(uid hibike.UID, dt hibike.DeviceType) {
	t.observer.mu.Lock()
	if state, ok := t.observer.links[t.port]; ok {
		state.uid = uid
		state.hasUID = true
	}
	t.observer.mu.Unlock()
	t.inner.Register(uid, dt)
}

func (t *trackingSink) ApplyDeviceData(uid hibike.UID, values map[string]hibike.Value) {
	t.inner.ApplyDeviceData(uid, values)
}
