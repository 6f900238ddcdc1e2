// Package config implements §6's CLI surface and the on-disk
// configuration files: the device schema (YAML, canonical) and the
// device names map (YAML or JSON, selected by file extension, per
// original_source/runtime/runtime/util.py's read_conf_file/
// write_conf_file extension dispatch).
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fieldcore/runtime/hibike"
	"github.com/fieldcore/runtime/supervisor"
)

// Config holds every flag from §6's CLI surface.
type Config struct {
	MaxRespawns      int
	RespawnReset     time.Duration
	TerminateTimeout time.Duration

	Host      string
	TCPPort   int
	UDPSend   int
	UDPRecv   int

	Poll       bool
	PollPeriod time.Duration
	BaudRate   int

	DevSchema string
	DevNames  string
}

// Parse reads args (normally os.Args[1:]) into a Config, applying the
// teacher's own defaults convention (supervisor.Default*).
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("fieldcore", flag.ContinueOnError)

	cfg := Config{}
	var respawnResetSec, terminateTimeoutSec, pollPeriodSec float64

	fs.IntVar(&cfg.MaxRespawns, "max-respawns", supervisor.DefaultMaxRespawns, "number of worker failures within the respawn-reset window at which the process exits")
	fs.Float64Var(&respawnResetSec, "respawn-reset", supervisor.DefaultRespawnReset.Seconds(), "seconds a worker must run before its respawn counter resets")
	fs.Float64Var(&terminateTimeoutSec, "terminate-timeout", supervisor.DefaultTerminateTimeout.Seconds(), "seconds to wait for graceful worker shutdown before giving up")

	fs.StringVar(&cfg.Host, "host", "0.0.0.0", "address the RPC and network workers bind to")
	fs.IntVar(&cfg.TCPPort, "tcp", 9100, "TCP port for the RPC server")
	fs.IntVar(&cfg.UDPSend, "udp-send", 9101, "UDP port used to send field telemetry")
	fs.IntVar(&cfg.UDPRecv, "udp-recv", 9102, "UDP port used to receive field commands")

	fs.BoolVar(&cfg.Poll, "poll", false, "force polling-only hotplug discovery instead of the fsnotify watcher")
	fs.Float64Var(&pollPeriodSec, "poll-period", 1.0, "seconds between hotplug poll cycles (clamped to a 1s minimum)")
	fs.IntVar(&cfg.BaudRate, "baud-rate", 115200, "serial baud rate used for Hibike device links")

	fs.StringVar(&cfg.DevSchema, "dev-schema", "", "path to a YAML device schema file (falls back to the built-in schema when empty)")
	fs.StringVar(&cfg.DevNames, "dev-names", "", "path to a YAML or JSON device names file")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.RespawnReset = time.Duration(respawnResetSec * float64(time.Second))
	cfg.TerminateTimeout = time.Duration(terminateTimeoutSec * float64(time.Second))
	cfg.PollPeriod = time.Duration(pollPeriodSec * float64(time.Second))

	return cfg, nil
}

// deviceSchemaFile is the YAML on-disk shape for --dev-schema: a list
// of device types, each carrying its numeric type id.
type deviceSchemaFile struct {
	Devices []deviceTypeEntry `yaml:"devices"`
}

type deviceTypeEntry struct {
	ID     uint16           `yaml:"id"`
	Name   string           `yaml:"name"`
	Params []parameterEntry `yaml:"params"`
}

type parameterEntry struct {
	Name     string        `yaml:"name"`
	Type     string        `yaml:"type"`
	Readable bool          `yaml:"readable"`
	Writable bool          `yaml:"writable"`
	Lower    *float64      `yaml:"lower,omitempty"`
	Upper    *float64      `yaml:"upper,omitempty"`
	Choices  []interface{} `yaml:"choices,omitempty"`
	Default  interface{}   `yaml:"default,omitempty"`
}

var scalarTypeNames = map[string]hibike.ScalarType{
	"bool":    hibike.Bool,
	"int8":    hibike.Int8,
	"int16":   hibike.Int16,
	"int32":   hibike.Int32,
	"int64":   hibike.Int64,
	"uint8":   hibike.Uint8,
	"uint16":  hibike.Uint16,
	"uint32":  hibike.Uint32,
	"uint64":  hibike.Uint64,
	"float32": hibike.Float32,
	"float64": hibike.Float64,
}

// scalarValue converts a YAML-decoded literal into a hibike.Value
// typed by t, the way json.Unmarshal-based config readers in
// original_source coerce loosely typed config literals into the
// runtime's own value types.
func scalarValue(t hibike.ScalarType, raw interface{}) (hibike.Value, error) {
	switch t {
	case hibike.Bool:
		b, ok := raw.(bool)
		if !ok {
			return hibike.Value{}, fmt.Errorf("config: expected a bool, got %T", raw)
		}
		return hibike.Value{Bool: b}, nil
	case hibike.Int8, hibike.Int16, hibike.Int32, hibike.Int64:
		f, ok := toFloat(raw)
		if !ok {
			return hibike.Value{}, fmt.Errorf("config: expected a number, got %T", raw)
		}
		return hibike.Value{Int: int64(f)}, nil
	case hibike.Uint8, hibike.Uint16, hibike.Uint32, hibike.Uint64:
		f, ok := toFloat(raw)
		if !ok {
			return hibike.Value{}, fmt.Errorf("config: expected a number, got %T", raw)
		}
		return hibike.Value{Uint: uint64(f)}, nil
	case hibike.Float32, hibike.Float64:
		f, ok := toFloat(raw)
		if !ok {
			return hibike.Value{}, fmt.Errorf("config: expected a number, got %T", raw)
		}
		return hibike.Value{Float: f}, nil
	default:
		return hibike.Value{}, fmt.Errorf("config: unknown scalar type %v", t)
	}
}

func toFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// LoadSchema reads path as YAML into a hibike.Schema. An empty path
// fails like any unreadable path; cmd/fieldcore calls it only when
// --dev-schema is set and otherwise uses hibike.DefaultSchema.
func LoadSchema(path string) (hibike.Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file deviceSchemaFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("config: parsing device schema %s: %w", path, err)
	}

	schema := make(hibike.Schema, len(file.Devices))
	for _, d := range file.Devices {
		dt := hibike.DeviceType{Name: d.Name, ID: d.ID}
		for _, p := range d.Params {
			scalarType, ok := scalarTypeNames[p.Type]
			if !ok {
				return nil, fmt.Errorf("config: device %q parameter %q has unknown type %q", d.Name, p.Name, p.Type)
			}
			param := hibike.Parameter{
				Name:     p.Name,
				Type:     scalarType,
				Readable: p.Readable,
				Writable: p.Writable,
			}
			if p.Lower != nil {
				param.Lower = *p.Lower
			}
			if p.Upper != nil {
				param.Upper = *p.Upper
			} else {
				param.Upper = math.MaxFloat64
			}
			for _, c := range p.Choices {
				v, err := scalarValue(scalarType, c)
				if err != nil {
					return nil, fmt.Errorf("config: device %q parameter %q choice: %w", d.Name, p.Name, err)
				}
				param.Choices = append(param.Choices, v)
			}
			if p.Default != nil {
				v, err := scalarValue(scalarType, p.Default)
				if err != nil {
					return nil, fmt.Errorf("config: device %q parameter %q default: %w", d.Name, p.Name, err)
				}
				param.Default = v
			}
			dt.Params = append(dt.Params, param)
		}
		schema[d.ID] = dt
	}
	return schema, nil
}

// DeviceNames implements rpc.DeviceNameStore, persisting to a YAML or
// JSON file chosen by extension, per util.py's CONF_FILE_FORMATS.
type DeviceNames struct {
	path string
}

// NewDeviceNames returns a rpc.DeviceNameStore backed by path. The
// file format (YAML or JSON) is chosen by path's extension; an
// unrecognized extension is rejected by Save, and by Load once the
// file exists. Load of a missing file returns an empty map.
func NewDeviceNames(path string) *DeviceNames {
	return &DeviceNames{path: path}
}

func (d *DeviceNames) Load() (map[string]string, error) {
	raw, err := os.ReadFile(d.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	names := make(map[string]string)
	switch filepath.Ext(d.path) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(raw, &names); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.Unmarshal(raw, &names); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("config: device names file format not recognized: %s", d.path)
	}
	return names, nil
}

func (d *DeviceNames) Save(names map[string]string) error {
	var raw []byte
	var err error
	switch filepath.Ext(d.path) {
	case ".yml", ".yaml":
		raw, err = yaml.Marshal(names)
	case ".json":
		raw, err = json.MarshalIndent(names, "", "  ")
	default:
		return fmt.Errorf("config: device names file format not recognized: %s", d.path)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(d.path, raw, 0o644)
}
