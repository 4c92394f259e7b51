package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CROWDLINK_EVENT_CODE", "4242")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "host", cfg.Node.Role)
	require.Equal(t, defaultEventName, cfg.Node.EventName)
	require.Equal(t, 8080, cfg.Server.HTTPPort)
	require.Equal(t, ":1883", cfg.Server.MQTTBind)
	require.Equal(t, "data/crowdlink.db", cfg.Server.DatabasePath)
	require.Equal(t, "info", cfg.Log.Level)
	require.False(t, cfg.GPS.HasFix())
	require.Zero(t, cfg.Timing.AnchorTTL)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crowdlink.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node:
  role: join
  device_name: gate-phone
  host_id: host-1
server:
  http_port: 9000
lan:
  disable_mdns: true
  peers: ["host-1@10.0.0.5:7000"]
crowd:
  window: 8s
  high_proportion: 0.7
timing:
  anchor_ttl: 30s
gps:
  latitude: 48.85
  longitude: 2.35
  share: true
`), 0o600))

	t.Setenv("CROWDLINK_CONFIG_PATH", path)
	t.Setenv("CROWDLINK_HTTP_PORT", "9100")
	t.Setenv("CROWDLINK_CROWD_TICK", "2s")
	t.Setenv("CROWDLINK_MQTT_BIND", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "join", cfg.Node.Role)
	require.Equal(t, "gate-phone", cfg.Node.DeviceName)
	require.Equal(t, "host-1", cfg.Node.HostID)
	require.Equal(t, 9100, cfg.Server.HTTPPort)
	require.Empty(t, cfg.Server.MQTTBind)
	require.True(t, cfg.LAN.DisableMDNS)
	require.Equal(t, 8*time.Second, cfg.Crowd.Window)
	require.Equal(t, 2*time.Second, cfg.Crowd.Tick)
	require.Equal(t, 0.7, cfg.Crowd.HighProportion)
	require.Equal(t, 30*time.Second, cfg.Timing.AnchorTTL)
	require.True(t, cfg.GPS.HasFix())
	require.Equal(t, 48.85, *cfg.GPS.Latitude)
	require.Equal(t, float64(defaultGPSAccuracy), cfg.GPS.Accuracy)

	peers, err := cfg.StaticPeers()
	require.NoError(t, err)
	require.Equal(t, []StaticPeer{{ID: "host-1", Addr: "10.0.0.5:7000"}}, peers)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		msg  string
	}{
		{"bad port", map[string]string{"CROWDLINK_HTTP_PORT": "http"}, "invalid CROWDLINK_HTTP_PORT"},
		{"bad duration", map[string]string{"CROWDLINK_ANCHOR_TTL": "soon"}, "invalid CROWDLINK_ANCHOR_TTL"},
		{"bad bool", map[string]string{"CROWDLINK_SHARE_GPS": "maybe"}, "invalid CROWDLINK_SHARE_GPS"},
		{"bad latitude", map[string]string{"CROWDLINK_GPS_LATITUDE": "north"}, "invalid CROWDLINK_GPS_LATITUDE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("CROWDLINK_EVENT_CODE", "4242")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.ErrorContains(t, err, tc.msg)
		})
	}
}

func TestValidate(t *testing.T) {
	lat, lng := 91.0, 0.0
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"host without code", func(c *Config) { c.Node.EventCode = "" }},
		{"unknown role", func(c *Config) { c.Node.Role = "observer" }},
		{"port range", func(c *Config) { c.Server.HTTPPort = 70000 }},
		{"inverted proportions", func(c *Config) { c.Crowd.MediumProportion, c.Crowd.HighProportion = 0.8, 0.5 }},
		{"latitude range", func(c *Config) { c.GPS.Latitude, c.GPS.Longitude = &lat, &lng }},
		{"share without fix", func(c *Config) { c.GPS.Share = true }},
		{"negative duration", func(c *Config) { c.Timing.AnchorTTL = -time.Second }},
		{"static peer format", func(c *Config) { c.LAN.Peers = []string{"10.0.0.5:7000"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Node.EventCode = "4242"
			require.NoError(t, cfg.Validate())
			tc.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	joiner := Default()
	joiner.Node.Role = "join"
	require.NoError(t, joiner.Validate())
}
