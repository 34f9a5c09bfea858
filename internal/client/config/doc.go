// Package config loads runtime configuration for the apptsync device client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-a string   address:port of the sync gRPC endpoint
//	-f string   change feed websocket URL
//	-device     device identity
//	-d string   local database file
//	-i int      online status check interval (seconds)
//	-r int      request timeout (seconds)
//	-w int      push debounce window (milliseconds)
//	-p int      preload concurrency
//	-l string   log level
//
// # JSON schema
//
// Durations use timex.Duration, so values can be either strings like "3s"
// or integer nanoseconds. Absent keys keep their previous value:
//
//	{
//	  "server_endpoint_addr": "127.0.0.1:50051",
//	  "change_feed_url": "ws://127.0.0.1:8080/v1/changes",
//	  "device_id": "front-desk-ipad",
//	  "database_path": "apptsync.db",
//	  "online_check_interval": "3s",
//	  "request_timeout": "10s",
//	  "push_debounce": "2s",
//	  "preload_concurrency": 4,
//	  "log_level": "info"
//	}
package config
