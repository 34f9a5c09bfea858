package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/apptsync/internal/flagx"
	"github.com/dmitrijs2005/apptsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Durations
// rely on timex.Duration so JSON can specify them as "3s" or as integer
// nanoseconds.
type JsonConfig struct {
	ServerEndpointAddr  string          `json:"server_endpoint_addr"`
	ChangeFeedURL       string          `json:"change_feed_url"`
	DeviceID            string          `json:"device_id"`
	DatabasePath        string          `json:"database_path"`
	OnlineCheckInterval *timex.Duration `json:"online_check_interval"`
	RequestTimeout      *timex.Duration `json:"request_timeout"`
	PushDebounce        *timex.Duration `json:"push_debounce"`
	PreloadConcurrency  int             `json:"preload_concurrency"`
	LogLevel            string          `json:"log_level"`
}

// parseJson overlays Config with values loaded from the JSON file named by
// -c or -config. Keys missing from the file keep their current value.
// Read or unmarshal errors panic.
func parseJson(cfg *Config) {
	jsonConfigFile := flagx.ConfigPath(os.Args[1:])
	if jsonConfigFile == "" {
		return
	}

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	overlay(&cfg.ServerEndpointAddr, jc.ServerEndpointAddr)
	overlay(&cfg.ChangeFeedURL, jc.ChangeFeedURL)
	overlay(&cfg.DeviceID, jc.DeviceID)
	overlay(&cfg.DatabasePath, jc.DatabasePath)
	if jc.OnlineCheckInterval != nil {
		cfg.OnlineCheckInterval = jc.OnlineCheckInterval.Duration
	}
	if jc.RequestTimeout != nil {
		cfg.RequestTimeout = jc.RequestTimeout.Duration
	}
	if jc.PushDebounce != nil {
		cfg.PushDebounce = jc.PushDebounce.Duration
	}
	overlay(&cfg.PreloadConcurrency, jc.PreloadConcurrency)
	overlay(&cfg.LogLevel, jc.LogLevel)
}

func overlay[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}
