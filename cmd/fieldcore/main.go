// Command fieldcore is the field-control runtime's process entrypoint:
// it parses §6's CLI surface, wires the shared store, sensor registry,
// hotplug observer, RPC server, and executor stub behind one
// supervisor, and runs until interrupted or a worker goes fatal, per
// original_source/runtime/runtime/monitoring.py's bootstrap.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/GoAethereal/cancel"

	"github.com/fieldcore/runtime/config"
	"github.com/fieldcore/runtime/hibike"
	"github.com/fieldcore/runtime/hotplug"
	"github.com/fieldcore/runtime/internal/logging"
	"github.com/fieldcore/runtime/registry"
	"github.com/fieldcore/runtime/rpc"
	"github.com/fieldcore/runtime/store"
	"github.com/fieldcore/runtime/supervisor"
)

// arduinoMicroVendorID/ProductID are the CDC-ACM ids spec.md §4.4 uses
// as its worked filtering example.
const (
	arduinoMicroVendorID  = 0x2341
	arduinoMicroProductID = 0x8037
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := logging.New("fieldcore")

	schema := hibike.DefaultSchema
	if cfg.DevSchema != "" {
		loaded, err := config.LoadSchema(cfg.DevSchema)
		if err != nil {
			logger.Critical("failed to load device schema", "path", cfg.DevSchema, "err", err.Error())
			os.Exit(1)
		}
		schema = loaded
	}

	devNamesPath := cfg.DevNames
	if devNamesPath == "" {
		devNamesPath = "device_names.yaml"
	}
	names := config.NewDeviceNames(devNamesPath)

	reg := registry.New()

	socketDir := filepath.Join(os.TempDir(), "fieldcore-store")
	sharedStore := store.New(socketDir, logging.New("fieldcore.store"))

	svc := rpc.NewService(
		rpc.VersionInfo{Major: 0, Minor: 1, Patch: 0},
		sharedStore,
		names,
		reg,
		schema,
	)

	rpcServer := rpc.NewServer("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.TCPPort), logging.New("fieldcore.rpc"))
	svc.Bind(rpcServer)

	// NotifyingRegistry is the sink hotplug drives: a real attach/detach
	// both updates reg and pushes register_device/unregister_device to
	// every RPC-connected dependent (spec.md §6's push direction).
	notifyingReg := &rpc.NotifyingRegistry{Registry: reg, Server: rpcServer}

	observer := hotplug.NewObserver(cfg.BaudRate, schema, notifyingReg, cfg.PollPeriod)
	observer.Accept = hotplug.VendorFilter(arduinoMicroVendorID, arduinoMicroProductID)
	if virtual := os.Getenv("FIELDCORE_VIRTUAL_DEVICES"); virtual != "" {
		observer.VirtualDevicesFile = virtual
	}
	observer.PollOnly = cfg.Poll
	svc.Links = observer

	sup := supervisor.New(logging.New("fieldcore.supervisor"))
	sup.MaxRespawns = cfg.MaxRespawns
	sup.RespawnReset = cfg.RespawnReset
	sup.TerminateTimeout = cfg.TerminateTimeout

	sup.Add("store", sharedStore.Run)
	sup.Add("hotplug", observer.Run)
	sup.Add("rpc", rpcServer.Serve)
	sup.Add("executor", executorStub)

	ctx := cancel.New()
	go func() {
		sigC := make(chan os.Signal, 1)
		signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
		<-sigC
		ctx.Cancel()
	}()

	if err := sup.Run(ctx); err != nil {
		var fatal *supervisor.FatalError
		if errors.As(err, &fatal) {
			logger.Critical("supervisor exiting after fatal worker failure", "worker", fatal.Worker, "failures", fatal.Failures)
			os.Exit(1)
		}
	}
}

// executorStub is the sandboxed lifecycle shell spec.md's Non-goals
// section asks for: it never interprets student code, only honors its
// own cancellation, per §2's data-flow diagram placing an executor
// worker alongside the hotplug and RPC workers.
func executorStub(ctx cancel.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
