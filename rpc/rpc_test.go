package rpc

import (
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoAethereal/cancel"

	"github.com/fieldcore/runtime/hibike"
	"github.com/fieldcore/runtime/registry"
)

func startTestServer(t *testing.T) (*Client, func()) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "rpc.sock")
	server := NewServer("unix", sock, nil)
	server.Register("echo", func(params []interface{}) (interface{}, error) {
		if len(params) == 0 {
			return nil, fmt.Errorf("echo: missing argument")
		}
		return params[0], nil
	})
	server.Register("boom", func(params []interface{}) (interface{}, error) {
		return nil, fmt.Errorf("boom: always fails")
	})

	ctx := cancel.New()
	go func() {
		_ = server.Serve(ctx)
	}()

	var client *Client
	var err error
	for i := 0; i < 100; i++ {
		client, err = Dial("unix", sock)
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to dial test server: %v", err)
	}

	return client, func() {
		client.Close()
		ctx.Cancel()
	}
}

func TestCallRoundTrips(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	result, err := client.Call("echo", "hello")
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if result != "hello" {
		t.Fatalf("Call result = %v, want hello", result)
	}
}

func TestCallPropagatesHandlerError(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	_, err := client.Call("boom")
	if err == nil {
		t.Fatal("expected an error from boom")
	}
}

func TestCallUnknownMethod(t *testing.T) {
	client, stop := startTestServer(t)
	defer stop()

	_, err := client.Call("does_not_exist")
	if err == nil {
		t.Fatal("expected an error for an unknown method")
	}
}

// fakeKV is an in-memory KV for Service tests, standing in for store.Store.
type fakeKV struct {
	data map[string][]byte
}

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string][]byte)} }

func (f *fakeKV) Set(key string, value []byte) { f.data[key] = value }

func (f *fakeKV) Get(key string) ([]byte, bool) {
	v, ok := f.data[key]
	return v, ok
}

// fakeNames is an in-memory DeviceNameStore for Service tests.
type fakeNames struct {
	saved map[string]string
}

func (f *fakeNames) Load() (map[string]string, error) {
	if f.saved == nil {
		return map[string]string{}, nil
	}
	return f.saved, nil
}

func (f *fakeNames) Save(names map[string]string) error {
	f.saved = names
	return nil
}

func newTestService() *Service {
	reg := registry.New()
	return NewService(
		VersionInfo{Major: 1, Minor: 0, Patch: 0},
		newFakeKV(),
		&fakeNames{},
		reg,
		hibike.DefaultSchema,
	)
}

func TestGetVersionReturnsConfiguredVersion(t *testing.T) {
	svc := newTestService()
	result, err := svc.getVersion(nil)
	if err != nil {
		t.Fatalf("getVersion returned error: %v", err)
	}
	v, ok := result.(VersionInfo)
	if !ok || v.Major != 1 {
		t.Fatalf("getVersion result = %v, want Major=1", result)
	}
}

func TestSetAllianceThenGetFieldParameters(t *testing.T) {
	svc := newTestService()
	if _, err := svc.setAlliance([]interface{}{"blue"}); err != nil {
		t.Fatalf("setAlliance returned error: %v", err)
	}
	result, err := svc.getFieldParameters(nil)
	if err != nil {
		t.Fatalf("getFieldParameters returned error: %v", err)
	}
	params := result.(map[string]interface{})
	if params["alliance"] != "blue" {
		t.Fatalf("alliance = %v, want blue", params["alliance"])
	}
	if params["mode"] != string(ModeIdle) {
		t.Fatalf("mode default = %v, want idle", params["mode"])
	}
}

func TestSetAllianceRejectsUnknownValue(t *testing.T) {
	svc := newTestService()
	if _, err := svc.setAlliance([]interface{}{"purple"}); err == nil {
		t.Fatal("expected an error for an unknown alliance")
	}
}

func TestDeviceNameRoundTrip(t *testing.T) {
	svc := newTestService()
	uid := "000d0d0000000000000001"
	if _, err := svc.setDeviceName([]interface{}{"left-flywheel", uid}); err != nil {
		t.Fatalf("setDeviceName returned error: %v", err)
	}

	result, err := svc.getDeviceNames(nil)
	if err != nil {
		t.Fatalf("getDeviceNames returned error: %v", err)
	}
	names := result.(map[string]string)
	if names[uid] != "left-flywheel" {
		t.Fatalf("names[%q] = %q, want left-flywheel", uid, names[uid])
	}

	if _, err := svc.delDeviceName([]interface{}{uid}); err != nil {
		t.Fatalf("delDeviceName returned error: %v", err)
	}
	result, _ = svc.getDeviceNames(nil)
	names = result.(map[string]string)
	if _, ok := names[uid]; ok {
		t.Fatalf("expected %q to be removed after delDeviceName", uid)
	}
}

// TestNotifyingRegistryPushesAttachAndDetachEvents proves
// register_device/unregister_device travel in the direction spec.md §6
// and original_source/runtime/runtime/devices.py's
// `dependent.register_device(uid)` establish: a server-pushed event to
// every RPC-connected client on a real attach/detach, never an inbound
// RPC method a client can call to mutate the registry directly.
func TestNotifyingRegistryPushesAttachAndDetachEvents(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	server := NewServer("unix", sock, nil)
	server.Register("ping", func(params []interface{}) (interface{}, error) {
		return "pong", nil
	})

	ctx := cancel.New()
	go func() { _ = server.Serve(ctx) }()
	defer ctx.Cancel()

	var client *Client
	var err error
	for i := 0; i < 100; i++ {
		client, err = Dial("unix", sock)
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to dial test server: %v", err)
	}
	defer client.Close()

	events := make(chan string, 4)
	var payloads [][]interface{}
	client.NotifyHandler = func(method string, params []interface{}) {
		payloads = append(payloads, params)
		events <- method
	}

	// A round trip guarantees the server has finished registering this
	// connection before we push a notification at it.
	if _, err := client.Call("ping"); err != nil {
		t.Fatalf("ping call returned error: %v", err)
	}

	reg := &NotifyingRegistry{Registry: registry.New(), Server: server}
	uid := hibike.MakeUID(0x0D, 0, 42)

	reg.Register(uid, hibike.DefaultSchema[0x0D])
	select {
	case method := <-events:
		if method != "register_device" {
			t.Fatalf("event = %q, want register_device", method)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for register_device notification")
	}
	if _, err := reg.Snapshot(uid); err != nil {
		t.Fatalf("expected device to be present in the wrapped registry, got error: %v", err)
	}

	reg.Unregister(uid)
	select {
	case method := <-events:
		if method != "unregister_device" {
			t.Fatalf("event = %q, want unregister_device", method)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for unregister_device notification")
	}
	if _, err := reg.Snapshot(uid); err == nil {
		t.Fatal("expected device to be gone from the wrapped registry after unregister")
	}
}

type noopSink struct{}

func (noopSink) Register(hibike.UID, hibike.DeviceType)          {}
func (noopSink) ApplyDeviceData(hibike.UID, map[string]hibike.Value) {}

type fakeLinkSource map[hibike.UID]*hibike.Link

func (f fakeLinkSource) LinkFor(uid hibike.UID) (*hibike.Link, bool) {
	l, ok := f[uid]
	return l, ok
}

func TestSubscribeDeviceReachesTheLiveLink(t *testing.T) {
	svc := newTestService()
	uid := hibike.MakeUID(0x0D, 0, 1)

	transport, device := net.Pipe()
	defer transport.Close()
	defer device.Close()

	link := hibike.NewLink("test-port", 9600, transport, hibike.DefaultSchema, noopSink{}, nil)

	ctx := cancel.New()
	go func() { _ = link.Run(ctx) }()
	defer ctx.Cancel()

	// Play the device side of the identify handshake: answer the Link's
	// Ping with a SubscriptionResponse claiming uid, then keep draining
	// so nothing the link sends afterward (its post-identify silencing
	// request) blocks on an unread pipe.
	go func() {
		buf := make([]byte, 256)
		if _, err := device.Read(buf); err != nil {
			return
		}
		msg := hibike.EncodeSubscriptionResponse(hibike.SubscriptionResponsePayload{UID: uid})
		frame, err := msg.Marshal()
		if err != nil {
			return
		}
		if _, err := device.Write(frame); err != nil {
			return
		}
		for {
			if _, err := device.Read(buf); err != nil {
				return
			}
		}
	}()

	deadline := time.Now().Add(time.Second)
	for link.State() != hibike.Active {
		if time.Now().After(deadline) {
			t.Fatal("link never reached Active state")
		}
		time.Sleep(5 * time.Millisecond)
	}

	svc.Links = fakeLinkSource{uid: link}

	if _, err := svc.subscribeDevice([]interface{}{uid.String(), uint64(50), "duty_cycle", "pid_enabled"}); err != nil {
		t.Fatalf("subscribeDevice returned error: %v", err)
	}
}

func TestSubscribeDeviceRejectsUnknownUID(t *testing.T) {
	svc := newTestService()
	svc.Links = fakeLinkSource{}
	_, err := svc.subscribeDevice([]interface{}{hibike.MakeUID(0x0D, 0, 2).String(), uint64(50), "duty_cycle"})
	if err == nil {
		t.Fatal("expected an error for a uid with no active link")
	}
}

func TestSubscribeDeviceRequiresAtLeastOneParameterName(t *testing.T) {
	svc := newTestService()
	svc.Links = fakeLinkSource{}
	_, err := svc.subscribeDevice([]interface{}{hibike.MakeUID(0x0D, 0, 3).String(), uint64(50)})
	if err == nil {
		t.Fatal("expected an error when no parameter names are given")
	}
}

func TestRunChallengeIsDeterministicForASeed(t *testing.T) {
	svc := newTestService()
	first, err := svc.runChallenge([]interface{}{uint64(7)})
	if err != nil {
		t.Fatalf("runChallenge returned error: %v", err)
	}
	second, err := svc.runChallenge([]interface{}{uint64(7)})
	if err != nil {
		t.Fatalf("runChallenge returned error: %v", err)
	}
	if first != second {
		t.Fatalf("runChallenge(7) = %v then %v, want deterministic repeat", first, second)
	}

	solution, err := svc.getChallengeSolution(nil)
	if err != nil {
		t.Fatalf("getChallengeSolution returned error: %v", err)
	}
	if solution != second {
		t.Fatalf("getChallengeSolution = %v, want %v", solution, second)
	}
}

func TestGetChallengeSolutionBeforeAnyRunIsNil(t *testing.T) {
	svc := newTestService()
	solution, err := svc.getChallengeSolution(nil)
	if err != nil {
		t.Fatalf("getChallengeSolution returned error: %v", err)
	}
	if solution != nil {
		t.Fatalf("getChallengeSolution before any run = %v, want nil", solution)
	}
}
