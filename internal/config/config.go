// Package config loads the RTSP control plane's configuration: a YAML
// snapshot on disk, overlaid with CLI flags. Grounded on
// doismellburning-samoyed's deviceid.go (multi-location YAML load via
// gopkg.in/yaml.v3) and its direwolf/main.go (pflag-based CLI).
package config

import (
	"fmt"
	"math"
	"net"
	"os"
	"sync/atomic"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Snapshot is the static configuration loaded at startup, mirroring the
// enumerated option table: port, password, timeout, dont_check_timeout,
// allow_session_interruption, get_coverart, metadata_enabled,
// metadata_pipename, metadata_sockaddr, metadata_sockport,
// metadata_sockmsglength, mqtt_enabled, mqtt_broker, airplay_volume,
// hw_addr, cmd_unfixable, log_level.
type Snapshot struct {
	Port                      int     `yaml:"port"`
	Password                  string  `yaml:"password"`
	TimeoutSeconds            int     `yaml:"timeout"`
	DontCheckTimeout          bool    `yaml:"dont_check_timeout"`
	AllowSessionInterruption  bool    `yaml:"allow_session_interruption"`
	GetCoverArt               bool    `yaml:"get_coverart"`
	MetadataEnabled           bool    `yaml:"metadata_enabled"`
	MetadataPipename          string  `yaml:"metadata_pipename"`
	MetadataSockAddr          string  `yaml:"metadata_sockaddr"`
	MetadataSockPort          int     `yaml:"metadata_sockport"`
	MetadataSockMsgLength     int     `yaml:"metadata_sockmsglength"`
	MQTTEnabled               bool    `yaml:"mqtt_enabled"`
	MQTTBroker                string  `yaml:"mqtt_broker"`
	MQTTTopic                 string  `yaml:"mqtt_topic"`
	AirplayVolume             float64 `yaml:"airplay_volume"`
	HWAddrString              string  `yaml:"hw_addr"`
	CmdUnfixable              string  `yaml:"cmd_unfixable"`
	LogLevel                  string  `yaml:"log_level"`

	// HWAddr is the parsed form of HWAddrString, filled in by Load.
	HWAddr [6]byte `yaml:"-"`
}

// defaults mirrors the original's compiled-in defaults.
func defaults() Snapshot {
	return Snapshot{
		Port:                  5000,
		TimeoutSeconds:        120,
		MetadataSockAddr:      "224.0.0.1",
		MetadataSockPort:      6000,
		MetadataSockMsgLength: 65000,
		LogLevel:              "info",
	}
}

// searchLocations mirrors the original's multi-directory config search
// order so a bare `-config` omission still finds a conventional file.
var searchLocations = []string{
	"raop.yaml",
	"config/raop.yaml",
	"/etc/raop/raop.yaml",
	"/usr/local/etc/raop/raop.yaml",
}

// Load reads the YAML file named by path (or, if empty, the first file
// found under searchLocations), then overlays any flags the caller set on
// fs. fs must already have had Parse called.
func Load(path string, fs *pflag.FlagSet) (*Snapshot, error) {
	snap := defaults()

	data, foundPath, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if data != nil {
		if err := yaml.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", foundPath, err)
		}
	}

	if fs != nil {
		applyOverlay(&snap, fs)
	}

	if snap.HWAddrString != "" {
		addr, err := ParseHWAddr(snap.HWAddrString)
		if err != nil {
			return nil, fmt.Errorf("config: hw_addr: %w", err)
		}
		snap.HWAddr = addr
	}

	return &snap, nil
}

func readConfigFile(path string) (data []byte, foundPath string, err error) {
	if path != "" {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("config: read %s: %w", path, err)
		}
		return data, path, nil
	}
	for _, loc := range searchLocations {
		data, err = os.ReadFile(loc)
		if err == nil {
			return data, loc, nil
		}
	}
	return nil, "", nil
}

// ParseHWAddr parses an "aa:bb:cc:dd:ee:ff" MAC string into a 6-byte array.
func ParseHWAddr(s string) ([6]byte, error) {
	var out [6]byte
	hw, err := net.ParseMAC(s)
	if err != nil {
		return out, err
	}
	if len(hw) != 6 {
		return out, fmt.Errorf("hw_addr %q is not a 6-byte MAC", s)
	}
	copy(out[:], hw)
	return out, nil
}

// RegisterFlags defines the CLI overlay flags on fs, named per the
// configuration table. Call before fs.Parse.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to the YAML configuration file")
	fs.Int("port", 0, "TCP listen port (overrides config file)")
	fs.String("password", "", "Digest password; empty disables authentication")
	fs.Int("timeout", 0, "seconds of inactivity before the watchdog barks")
	fs.Bool("dont-check-timeout", false, "disable the watchdog's stop action")
	fs.Bool("allow-session-interruption", false, "permit preempting an active session")
	fs.Bool("get-coverart", false, "forward image/* metadata bodies")
	fs.Bool("metadata-enabled", false, "enable pipe and multicast metadata sinks")
	fs.String("metadata-pipe", "", "named pipe path for metadata")
	fs.Bool("mqtt-enabled", false, "enable the MQTT metadata sink")
	fs.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	fs.Float64("airplay-volume", 0, "initial reported volume")
	fs.String("hw-addr", "", "MAC address used in the Apple-Challenge response")
	fs.String("cmd-unfixable", "", "command run once after repeated watchdog barks")
	fs.String("log-level", "", "zerolog level (trace/debug/info/warn/error)")
}

func applyOverlay(snap *Snapshot, fs *pflag.FlagSet) {
	if v, err := fs.GetInt("port"); err == nil && fs.Changed("port") {
		snap.Port = v
	}
	if v, err := fs.GetString("password"); err == nil && fs.Changed("password") {
		snap.Password = v
	}
	if v, err := fs.GetInt("timeout"); err == nil && fs.Changed("timeout") {
		snap.TimeoutSeconds = v
	}
	if v, err := fs.GetBool("dont-check-timeout"); err == nil && fs.Changed("dont-check-timeout") {
		snap.DontCheckTimeout = v
	}
	if v, err := fs.GetBool("allow-session-interruption"); err == nil && fs.Changed("allow-session-interruption") {
		snap.AllowSessionInterruption = v
	}
	if v, err := fs.GetBool("get-coverart"); err == nil && fs.Changed("get-coverart") {
		snap.GetCoverArt = v
	}
	if v, err := fs.GetBool("metadata-enabled"); err == nil && fs.Changed("metadata-enabled") {
		snap.MetadataEnabled = v
	}
	if v, err := fs.GetString("metadata-pipe"); err == nil && fs.Changed("metadata-pipe") {
		snap.MetadataPipename = v
	}
	if v, err := fs.GetBool("mqtt-enabled"); err == nil && fs.Changed("mqtt-enabled") {
		snap.MQTTEnabled = v
	}
	if v, err := fs.GetString("mqtt-broker"); err == nil && fs.Changed("mqtt-broker") {
		snap.MQTTBroker = v
	}
	if v, err := fs.GetFloat64("airplay-volume"); err == nil && fs.Changed("airplay-volume") {
		snap.AirplayVolume = v
	}
	if v, err := fs.GetString("hw-addr"); err == nil && fs.Changed("hw-addr") {
		snap.HWAddrString = v
	}
	if v, err := fs.GetString("cmd-unfixable"); err == nil && fs.Changed("cmd-unfixable") {
		snap.CmdUnfixable = v
	}
	if v, err := fs.GetString("log-level"); err == nil && fs.Changed("log-level") {
		snap.LogLevel = v
	}
}

// Runtime holds configuration fields that mutate after startup — currently
// just the reported AirPlay volume, updated by the dispatcher on every
// "volume:" SET_PARAMETER line and read back by GET_PARAMETER. A plain
// float64 field would race under concurrent connections; atomic.Uint64
// stores the IEEE-754 bit pattern instead of adding a mutex, matching the
// rest of the core's preference for lock-free state where a single scalar
// suffices.
type Runtime struct {
	volumeBits atomic.Uint64
}

// NewRuntime seeds Runtime with the configured startup volume.
func NewRuntime(initial float64) *Runtime {
	r := &Runtime{}
	r.SetVolume(initial)
	return r
}

// SetVolume stores v for concurrent readers.
func (r *Runtime) SetVolume(v float64) {
	r.volumeBits.Store(math.Float64bits(v))
}

// Volume returns the last value stored by SetVolume.
func (r *Runtime) Volume() float64 {
	return math.Float64frombits(r.volumeBits.Load())
}
