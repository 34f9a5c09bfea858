package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/apptsync/internal/flagx"
	"github.com/dmitrijs2005/apptsync/internal/timex"
)

// JsonConfig is the on-disk shape of the server configuration. Durations
// accept "90s" style strings or integer nanoseconds. Pointer fields
// distinguish "absent" from "false/zero".
type JsonConfig struct {
	EndpointAddrGRPC        string          `json:"endpoint_addr_grpc"`
	EndpointAddrHTTP        string          `json:"endpoint_addr_http"`
	DatabaseDSN             string          `json:"database_dsn"`
	SecretKey               string          `json:"secret_key"`
	SessionValidityDuration *timex.Duration `json:"session_validity_duration"`
	ArchiveEnabled          *bool           `json:"archive_enabled"`
	S3RootUser              string          `json:"s3_root_user"`
	S3RootPassword          string          `json:"s3_root_password"`
	S3Bucket                string          `json:"s3_bucket"`
	S3Region                string          `json:"s3_region"`
	S3BaseEndpoint          string          `json:"s3_base_endpoint"`
	DeltaPageSize           int             `json:"delta_page_size"`
}

// parseJson overlays values from the JSON file named by -c/-config. Fields
// missing from the file keep their current value. Unreadable or invalid
// files panic.
func parseJson(config *Config) {
	jsonConfigFile := flagx.ConfigPath(os.Args[1:])
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	overlay(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	overlay(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	overlay(&config.DatabaseDSN, c.DatabaseDSN)
	overlay(&config.SecretKey, c.SecretKey)
	if c.SessionValidityDuration != nil {
		config.SessionValidityDuration = c.SessionValidityDuration.Duration
	}
	if c.ArchiveEnabled != nil {
		config.ArchiveEnabled = *c.ArchiveEnabled
	}
	overlay(&config.S3RootUser, c.S3RootUser)
	overlay(&config.S3RootPassword, c.S3RootPassword)
	overlay(&config.S3Bucket, c.S3Bucket)
	overlay(&config.S3Region, c.S3Region)
	overlay(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	overlay(&config.DeltaPageSize, c.DeltaPageSize)
}

func overlay[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}
