package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config lists the tunable parameters for a crowdlink node.
type Config struct {
	Node   NodeConfig   `yaml:"node"`
	Server ServerConfig `yaml:"server"`
	LAN    LANConfig    `yaml:"lan"`
	Crowd  CrowdConfig  `yaml:"crowd"`
	Timing TimingConfig `yaml:"timing"`
	GPS    GPSConfig    `yaml:"gps"`
	Log    LogConfig    `yaml:"log"`
}

// NodeConfig identifies the device and the room it hosts or joins.
type NodeConfig struct {
	Role       string `yaml:"role"`
	DeviceName string `yaml:"device_name"`
	EventName  string `yaml:"event_name"`
	EventCode  string `yaml:"event_code"`
	// HostID makes a joiner request to join this host once it is discovered.
	HostID string `yaml:"host_id"`
}

type ServerConfig struct {
	HTTPPort int `yaml:"http_port"`
	// MQTTBind is the relay listen address. Empty disables the relay.
	MQTTBind     string `yaml:"mqtt_bind"`
	DatabasePath string `yaml:"database_path"`
}

type LANConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	DisableMDNS     bool   `yaml:"disable_mdns"`
	SimulatedBase   int    `yaml:"simulated_base"`
	SimulatedJitter int    `yaml:"simulated_jitter"`
	// Peers are static "id@host:port" advertisers, used when mDNS is off.
	Peers []string `yaml:"peers"`
}

type CrowdConfig struct {
	Window           time.Duration `yaml:"window"`
	ClosingInDelta   int           `yaml:"closing_in_delta"`
	NearbyThreshold  int           `yaml:"nearby_threshold"`
	MediumProportion float64       `yaml:"medium_proportion"`
	HighProportion   float64       `yaml:"high_proportion"`
	Tick             time.Duration `yaml:"tick"`
}

type TimingConfig struct {
	SignalSample    time.Duration `yaml:"signal_sample"`
	SignalBroadcast time.Duration `yaml:"signal_broadcast"`
	AnchorBroadcast time.Duration `yaml:"anchor_broadcast"`
	ProximityReport time.Duration `yaml:"proximity_report"`
	// AnchorTTL expires anchors and reports older than this. Zero keeps them.
	AnchorTTL time.Duration `yaml:"anchor_ttl"`
}

// GPSConfig supplies a static fix for devices without a location service.
type GPSConfig struct {
	Latitude    *float64 `yaml:"latitude"`
	Longitude   *float64 `yaml:"longitude"`
	Accuracy    float64  `yaml:"accuracy"`
	Share       bool     `yaml:"share"`
	Participate bool     `yaml:"participate"`
}

// HasFix reports whether both coordinates are configured.
func (g GPSConfig) HasFix() bool {
	return g.Latitude != nil && g.Longitude != nil
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// StaticPeer is a parsed LANConfig.Peers entry.
type StaticPeer struct {
	ID   string
	Addr string
}

var ErrInvalid = errors.New("invalid configuration")

const (
	defaultRole            = "host"
	defaultDeviceName      = "crowdlink"
	defaultEventName       = "CrowdLink Event"
	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultDatabasePath    = "data/crowdlink.db"
	defaultListenAddr      = ":0"
	defaultLogLevel        = "info"
	defaultGPSAccuracy     = 10
)

// Default returns the built-in configuration. Zero crowd and timing values
// select the node's own defaults.
func Default() Config {
	name := defaultDeviceName
	if host, err := os.Hostname(); err == nil && host != "" {
		name = host
	}
	return Config{
		Node: NodeConfig{
			Role:       defaultRole,
			DeviceName: name,
			EventName:  defaultEventName,
		},
		Server: ServerConfig{
			HTTPPort:     defaultHTTPPort,
			MQTTBind:     defaultMQTTBindAddress,
			DatabasePath: defaultDatabasePath,
		},
		LAN: LANConfig{
			ListenAddr: defaultListenAddr,
		},
		GPS: GPSConfig{
			Accuracy: defaultGPSAccuracy,
		},
		Log: LogConfig{
			Level: defaultLogLevel,
		},
	}
}

// Load reads defaults, then the optional YAML file named by
// CROWDLINK_CONFIG_PATH, then CROWDLINK_* environment overrides.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("CROWDLINK_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"CROWDLINK_ROLE", &cfg.Node.Role},
		{"CROWDLINK_DEVICE_NAME", &cfg.Node.DeviceName},
		{"CROWDLINK_EVENT_NAME", &cfg.Node.EventName},
		{"CROWDLINK_EVENT_CODE", &cfg.Node.EventCode},
		{"CROWDLINK_HOST_ID", &cfg.Node.HostID},
		{"CROWDLINK_MQTT_BIND", &cfg.Server.MQTTBind},
		{"CROWDLINK_DATABASE_PATH", &cfg.Server.DatabasePath},
		{"CROWDLINK_LISTEN_ADDR", &cfg.LAN.ListenAddr},
		{"CROWDLINK_LOG_LEVEL", &cfg.Log.Level},
	}
	for _, s := range strs {
		if v, ok := os.LookupEnv(s.key); ok {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CROWDLINK_HTTP_PORT", &cfg.Server.HTTPPort},
		{"CROWDLINK_SIMULATED_BASE", &cfg.LAN.SimulatedBase},
		{"CROWDLINK_SIMULATED_JITTER", &cfg.LAN.SimulatedJitter},
		{"CROWDLINK_CLOSING_IN_DELTA", &cfg.Crowd.ClosingInDelta},
		{"CROWDLINK_NEARBY_THRESHOLD", &cfg.Crowd.NearbyThreshold},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", i.key, err)
			}
			*i.dst = n
		}
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{"CROWDLINK_MEDIUM_PROPORTION", &cfg.Crowd.MediumProportion},
		{"CROWDLINK_HIGH_PROPORTION", &cfg.Crowd.HighProportion},
		{"CROWDLINK_GPS_ACCURACY", &cfg.GPS.Accuracy},
	}
	for _, f := range floats {
		if v := os.Getenv(f.key); v != "" {
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", f.key, err)
			}
			*f.dst = x
		}
	}

	coords := []struct {
		key string
		dst **float64
	}{
		{"CROWDLINK_GPS_LATITUDE", &cfg.GPS.Latitude},
		{"CROWDLINK_GPS_LONGITUDE", &cfg.GPS.Longitude},
	}
	for _, c := range coords {
		if v := os.Getenv(c.key); v != "" {
			x, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", c.key, err)
			}
			*c.dst = &x
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"CROWDLINK_HISTORY_WINDOW", &cfg.Crowd.Window},
		{"CROWDLINK_CROWD_TICK", &cfg.Crowd.Tick},
		{"CROWDLINK_SIGNAL_SAMPLE_INTERVAL", &cfg.Timing.SignalSample},
		{"CROWDLINK_SIGNAL_BROADCAST_INTERVAL", &cfg.Timing.SignalBroadcast},
		{"CROWDLINK_ANCHOR_INTERVAL", &cfg.Timing.AnchorBroadcast},
		{"CROWDLINK_REPORT_INTERVAL", &cfg.Timing.ProximityReport},
		{"CROWDLINK_ANCHOR_TTL", &cfg.Timing.AnchorTTL},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			x, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = x
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"CROWDLINK_DISABLE_MDNS", &cfg.LAN.DisableMDNS},
		{"CROWDLINK_SHARE_GPS", &cfg.GPS.Share},
		{"CROWDLINK_PARTICIPATE", &cfg.GPS.Participate},
	}
	for _, b := range bools {
		if v := os.Getenv(b.key); v != "" {
			x, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", b.key, err)
			}
			*b.dst = x
		}
	}

	if v := os.Getenv("CROWDLINK_LAN_PEERS"); v != "" {
		cfg.LAN.Peers = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.LAN.Peers = append(cfg.LAN.Peers, p)
			}
		}
	}
	return nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Node.Role {
	case "host":
		if strings.TrimSpace(c.Node.EventCode) == "" {
			return fmt.Errorf("%w: a host needs an event code", ErrInvalid)
		}
		if strings.TrimSpace(c.Node.EventName) == "" {
			return fmt.Errorf("%w: a host needs an event name", ErrInvalid)
		}
	case "join":
	default:
		return fmt.Errorf("%w: role %q must be host or join", ErrInvalid, c.Node.Role)
	}

	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("%w: http port %d out of range", ErrInvalid, c.Server.HTTPPort)
	}
	if p := c.Crowd; p.MediumProportion < 0 || p.HighProportion > 1 ||
		(p.MediumProportion > 0 && p.HighProportion > 0 && p.MediumProportion > p.HighProportion) {
		return fmt.Errorf("%w: proportions medium=%v high=%v", ErrInvalid, p.MediumProportion, p.HighProportion)
	}
	if c.GPS.Latitude != nil && (*c.GPS.Latitude < -90 || *c.GPS.Latitude > 90) {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalid, *c.GPS.Latitude)
	}
	if c.GPS.Longitude != nil && (*c.GPS.Longitude < -180 || *c.GPS.Longitude > 180) {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalid, *c.GPS.Longitude)
	}
	if c.GPS.Share && !c.GPS.HasFix() {
		return fmt.Errorf("%w: sharing GPS needs a static latitude and longitude", ErrInvalid)
	}
	for _, d := range []time.Duration{c.Crowd.Window, c.Crowd.Tick, c.Timing.SignalSample, c.Timing.SignalBroadcast,
		c.Timing.AnchorBroadcast, c.Timing.ProximityReport, c.Timing.AnchorTTL} {
		if d < 0 {
			return fmt.Errorf("%w: negative duration %v", ErrInvalid, d)
		}
	}
	if _, err := c.StaticPeers(); err != nil {
		return err
	}
	return nil
}

// StaticPeers parses LAN.Peers.
func (c Config) StaticPeers() ([]StaticPeer, error) {
	out := make([]StaticPeer, 0, len(c.LAN.Peers))
	for _, p := range c.LAN.Peers {
		id, addr, ok := strings.Cut(p, "@")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("%w: static peer %q must be id@host:port", ErrInvalid, p)
		}
		out = append(out, StaticPeer{ID: id, Addr: addr})
	}
	return out, nil
}
