package config

import "time"

// Config holds runtime settings of the apptsync device client.
//
// Fields:
//   - ServerEndpointAddr: host:port of the sync gRPC endpoint.
//   - ChangeFeedURL: websocket URL of the server change feed.
//   - DeviceID: stable identity of this device; empty means "use the one
//     stored in the local database, creating it on first start".
//   - DatabasePath: SQLite file of the local store.
//   - OnlineCheckInterval: how often the client probes server reachability.
//   - RequestTimeout: upper bound of one sync call.
//   - PushDebounce: quiet window before a local edit is pushed.
//   - PreloadConcurrency: parallel fetches of one preload.
//   - LogLevel: debug, info, warn or error.
type Config struct {
	ServerEndpointAddr  string
	ChangeFeedURL       string
	DeviceID            string
	DatabasePath        string
	OnlineCheckInterval time.Duration
	RequestTimeout      time.Duration
	PushDebounce        time.Duration
	PreloadConcurrency  int
	LogLevel            string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerEndpointAddr = "127.0.0.1:50051"
	c.ChangeFeedURL = "ws://127.0.0.1:8080/v1/changes"
	c.DeviceID = ""
	c.DatabasePath = "apptsync.db"
	c.OnlineCheckInterval = 3 * time.Second
	c.RequestTimeout = 10 * time.Second
	c.PushDebounce = 2 * time.Second
	c.PreloadConcurrency = 4
	c.LogLevel = "info"
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
