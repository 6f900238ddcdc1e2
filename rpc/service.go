package rpc

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fieldcore/runtime/hibike"
	"github.com/fieldcore/runtime/registry"
)

// Alliance, StartingZone, and Mode mirror
// original_source/runtime/runtime/store.py's field-control enums.
type Alliance string

const (
	AllianceBlue    Alliance = "blue"
	AllianceGold    Alliance = "gold"
	AllianceUnknown Alliance = "unknown"
)

type StartingZone string

const (
	ZoneLeft    StartingZone = "left"
	ZoneRight   StartingZone = "right"
	ZoneVending StartingZone = "vending"
	ZoneShelf   StartingZone = "shelf"
	ZoneUnknown StartingZone = "unknown"
)

type Mode string

const (
	ModeIdle   Mode = "idle"
	ModeAuto   Mode = "auto"
	ModeTeleop Mode = "teleop"
	ModeEstop  Mode = "estop"
)

// VersionInfo answers get_version.
type VersionInfo struct {
	Major int `codec:"major"`
	Minor int `codec:"minor"`
	Patch int `codec:"patch"`
}

// DeviceNameStore persists the uid_hex -> name mapping, injected so
// rpc stays agnostic to whether the backing file is YAML or JSON
// (config.DeviceNames's Load/Save owns that).
type DeviceNameStore interface {
	Load() (map[string]string, error)
	Save(map[string]string) error
}

// Service implements every method of spec.md §6's RPC surface. Field
// parameters live in an injected key/value store (store.Store
// satisfies this) so every worker's RPC service observes the same
// replicated alliance/starting-zone/mode state.
type Service struct {
	Version         VersionInfo
	FieldParams     KV
	Names           DeviceNameStore
	Registry        *registry.Registry
	Schema          hibike.Schema
	Links           LinkSource
	ChallengeFuncs  []func(int) int
	ChallengeTimeout time.Duration

	mu                sync.Mutex
	deviceNames       map[string]string
	challengeSolution *int
}

// KV is the subset of store.Store the field-parameter methods need.
type KV interface {
	Set(key string, value []byte)
	Get(key string) ([]byte, bool)
}

// NewService wires a Service, loading the persisted device names
// eagerly the way StoreService.__init__ does.
func NewService(version VersionInfo, fieldParams KV, names DeviceNameStore, reg *registry.Registry, schema hibike.Schema) *Service {
	s := &Service{
		Version:          version,
		FieldParams:      fieldParams,
		Names:            names,
		Registry:         reg,
		Schema:           schema,
		ChallengeFuncs:   DefaultChallengeFuncs,
		ChallengeTimeout: time.Second,
	}
	if loaded, err := names.Load(); err == nil {
		s.deviceNames = loaded
	} else {
		s.deviceNames = make(map[string]string)
	}
	return s
}

// Bind registers every method on server under its spec.md §6 name.
func (s *Service) Bind(server *Server) {
	server.Register("get_version", s.getVersion)
	server.Register("get_time", s.getTime)
	server.Register("get_field_parameters", s.getFieldParameters)
	server.Register("set_alliance", s.setAlliance)
	server.Register("set_starting_zone", s.setStartingZone)
	server.Register("set_mode", s.setMode)
	server.Register("get_device_names", s.getDeviceNames)
	server.Register("set_device_name", s.setDeviceName)
	server.Register("del_device_name", s.delDeviceName)
	server.Register("subscribe_device", s.subscribeDevice)
	server.Register("run_challenge", s.runChallenge)
	server.Register("get_challenge_solution", s.getChallengeSolution)
}

func (s *Service) getVersion(_ []interface{}) (interface{}, error) {
	return s.Version, nil
}

func (s *Service) getTime(_ []interface{}) (interface{}, error) {
	return float64(time.Now().UnixNano()) / 1e9, nil
}

func (s *Service) getFieldParameters(_ []interface{}) (interface{}, error) {
	alliance, _ := s.FieldParams.Get("fieldcontrol.alliance")
	zone, _ := s.FieldParams.Get("fieldcontrol.startingzone")
	mode, _ := s.FieldParams.Get("fieldcontrol.mode")
	return map[string]interface{}{
		"alliance":     orDefault(alliance, string(AllianceUnknown)),
		"starting_zone": orDefault(zone, string(ZoneUnknown)),
		"mode":         orDefault(mode, string(ModeIdle)),
	}, nil
}

func orDefault(v []byte, def string) string {
	if v == nil {
		return def
	}
	return string(v)
}

func stringParam(params []interface{}, i int) (string, error) {
	if i >= len(params) {
		return "", fmt.Errorf("rpc: missing parameter %d", i)
	}
	s, ok := params[i].(string)
	if !ok {
		return "", fmt.Errorf("rpc: parameter %d is not a string", i)
	}
	return s, nil
}

func (s *Service) setAlliance(params []interface{}) (interface{}, error) {
	v, err := stringParam(params, 0)
	if err != nil {
		return nil, err
	}
	switch Alliance(strings.ToLower(v)) {
	case AllianceBlue, AllianceGold, AllianceUnknown:
		s.FieldParams.Set("fieldcontrol.alliance", []byte(strings.ToLower(v)))
		return nil, nil
	default:
		return nil, fmt.Errorf("rpc: unknown alliance %q", v)
	}
}

func (s *Service) setStartingZone(params []interface{}) (interface{}, error) {
	v, err := stringParam(params, 0)
	if err != nil {
		return nil, err
	}
	switch StartingZone(strings.ToLower(v)) {
	case ZoneLeft, ZoneRight, ZoneVending, ZoneShelf, ZoneUnknown:
		s.FieldParams.Set("fieldcontrol.startingzone", []byte(strings.ToLower(v)))
		return nil, nil
	default:
		return nil, fmt.Errorf("rpc: unknown starting zone %q", v)
	}
}

func (s *Service) setMode(params []interface{}) (interface{}, error) {
	v, err := stringParam(params, 0)
	if err != nil {
		return nil, err
	}
	switch Mode(strings.ToLower(v)) {
	case ModeIdle, ModeAuto, ModeTeleop, ModeEstop:
		s.FieldParams.Set("fieldcontrol.mode", []byte(strings.ToLower(v)))
		return nil, nil
	default:
		return nil, fmt.Errorf("rpc: unknown mode %q", v)
	}
}

func (s *Service) getDeviceNames(_ []interface{}) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.deviceNames))
	for k, v := range s.deviceNames {
		out[k] = v
	}
	return out, nil
}

func (s *Service) setDeviceName(params []interface{}) (interface{}, error) {
	name, err := stringParam(params, 0)
	if err != nil {
		return nil, err
	}
	uid, err := stringParam(params, 1)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.deviceNames[uid] = name
	snapshot := cloneNames(s.deviceNames)
	s.mu.Unlock()
	return nil, s.Names.Save(snapshot)
}

func (s *Service) delDeviceName(params []interface{}) (interface{}, error) {
	uid, err := stringParam(params, 0)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	delete(s.deviceNames, uid)
	snapshot := cloneNames(s.deviceNames)
	s.mu.Unlock()
	return nil, s.Names.Save(snapshot)
}

func cloneNames(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// LinkSource resolves a uid to its live Link, so subscribe_device can
// reach the underlying hibike.Link and issue a real Subscribe call.
// *hotplug.Observer satisfies this; it is expressed here (rather than
// importing hotplug) to keep rpc's dependency graph one-directional.
type LinkSource interface {
	LinkFor(uid hibike.UID) (*hibike.Link, bool)
}

// subscribeDevice is the "external consumer via RPC" half of spec.md
// §4.2's subscription policy: a connected client names the parameters
// it wants and a target period, and the engine re-encodes that into a
// live SubscriptionRequest on the device's link. params are
// (uid_hex, period_ms, param_name...).
func (s *Service) subscribeDevice(params []interface{}) (interface{}, error) {
	uidHex, err := stringParam(params, 0)
	if err != nil {
		return nil, err
	}
	periodMS, ok := toUint16(params, 1)
	if !ok {
		return nil, fmt.Errorf("rpc: subscribe_device requires a numeric period_ms")
	}
	if len(params) < 3 {
		return nil, fmt.Errorf("rpc: subscribe_device requires at least one parameter name")
	}
	names := make([]string, 0, len(params)-2)
	for _, p := range params[2:] {
		name, ok := p.(string)
		if !ok {
			return nil, fmt.Errorf("rpc: subscribe_device parameter names must be strings")
		}
		names = append(names, name)
	}

	uid, err := parseUIDHex(uidHex)
	if err != nil {
		return nil, err
	}
	if s.Links == nil {
		return nil, fmt.Errorf("rpc: subscribe_device is unavailable: no link source configured")
	}
	link, ok := s.Links.LinkFor(uid)
	if !ok {
		return nil, fmt.Errorf("rpc: no active link for uid %q", uidHex)
	}
	if err := link.Subscribe(names, periodMS); err != nil {
		return nil, err
	}
	return nil, nil
}

func toUint16(params []interface{}, i int) (uint16, bool) {
	if i >= len(params) {
		return 0, false
	}
	switch v := params[i].(type) {
	case int64:
		return uint16(v), true
	case uint64:
		return uint16(v), true
	case int:
		return uint16(v), true
	case float64:
		return uint16(v), true
	default:
		return 0, false
	}
}

func parseUIDHex(s string) (hibike.UID, error) {
	if len(s) != 22 {
		return hibike.UID{}, fmt.Errorf("rpc: malformed uid_hex %q", s)
	}
	var deviceType uint16
	var year uint8
	var serial uint64
	if _, err := fmt.Sscanf(s[0:4], "%04x", &deviceType); err != nil {
		return hibike.UID{}, err
	}
	if _, err := fmt.Sscanf(s[4:6], "%02x", &year); err != nil {
		return hibike.UID{}, err
	}
	if _, err := fmt.Sscanf(s[6:22], "%016x", &serial); err != nil {
		return hibike.UID{}, err
	}
	return hibike.MakeUID(deviceType, year, serial), nil
}

// runChallenge folds seed through the configured chain, each stage
// under ChallengeTimeout, per spec.md §4.5's
// `asyncio.wait_for(..., timeout=1.0)` translated to a goroutine+
// timer per stage.
func (s *Service) runChallenge(params []interface{}) (interface{}, error) {
	var seed int
	if len(params) > 0 {
		v, ok := toInt(params[0])
		if !ok {
			return nil, fmt.Errorf("rpc: run_challenge requires a numeric seed")
		}
		seed = v
	}

	s.mu.Lock()
	s.challengeSolution = nil
	s.mu.Unlock()

	solution := seed
	for _, fn := range s.ChallengeFuncs {
		next, err := s.runStage(fn, solution)
		if err != nil {
			return nil, err
		}
		solution = next
	}

	s.mu.Lock()
	s.challengeSolution = &solution
	s.mu.Unlock()
	return solution, nil
}

func (s *Service) runStage(fn func(int) int, input int) (int, error) {
	resultC := make(chan int, 1)
	go func() { resultC <- fn(input) }()
	select {
	case result := <-resultC:
		return result, nil
	case <-time.After(s.ChallengeTimeout):
		return 0, fmt.Errorf("rpc: challenge stage took too long to provide an answer")
	}
}

func toInt(v interface{}) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case uint64:
		return int(t), true
	case float64:
		return int(t), true
	default:
		return 0, false
	}
}

func (s *Service) getChallengeSolution(_ []interface{}) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.challengeSolution == nil {
		return nil, nil
	}
	return *s.challengeSolution, nil
}

// NotifyingRegistry wraps a *registry.Registry so that a real hotplug
// attach/detach both updates the registry and pushes a
// register_device/unregister_device event to every RPC-connected
// dependent, mirroring
// original_source/runtime/runtime/devices.py's SensorService.register/
// unregister (dict mutation plus a `dependent.register_device(uid)`
// call per dependent). Wire this, not the bare *registry.Registry,
// into hotplug.NewObserver's sink argument.
type NotifyingRegistry struct {
	*registry.Registry
	Server *Server
}

// Register implements hibike.Sink: it registers uid in the wrapped
// registry, then pushes the event server-side, never accepting the
// mutation as an inbound client request.
func (n *NotifyingRegistry) Register(uid hibike.UID, dt hibike.DeviceType) {
	n.Registry.Register(uid, dt)
	n.Server.Notify("register_device", uid.String(), dt.ID)
}

// Unregister implements hotplug.Sink's extra method beyond hibike.Sink.
func (n *NotifyingRegistry) Unregister(uid hibike.UID) {
	n.Registry.Unregister(uid)
	n.Server.Notify("unregister_device", uid.String())
}
