package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// parseEnv loads dotenvPath (if it exists) into the process environment and
// then overlays every APPTSYNC_* variable that is set. Variables already
// present in the environment win over the file.
func parseEnv(config *Config, dotenvPath string) {
	if dotenvPath != "" {
		_ = godotenv.Load(dotenvPath)
	}

	setString(&config.EndpointAddrGRPC, "APPTSYNC_GRPC_ADDR")
	setString(&config.EndpointAddrHTTP, "APPTSYNC_HTTP_ADDR")
	setString(&config.DatabaseDSN, "APPTSYNC_DATABASE_DSN")
	setString(&config.SecretKey, "APPTSYNC_SECRET_KEY")
	setDuration(&config.SessionValidityDuration, "APPTSYNC_SESSION_TTL")
	setBool(&config.ArchiveEnabled, "APPTSYNC_ARCHIVE_ENABLED")
	setString(&config.S3RootUser, "APPTSYNC_S3_USER")
	setString(&config.S3RootPassword, "APPTSYNC_S3_PASSWORD")
	setString(&config.S3Bucket, "APPTSYNC_S3_BUCKET")
	setString(&config.S3Region, "APPTSYNC_S3_REGION")
	setString(&config.S3BaseEndpoint, "APPTSYNC_S3_ENDPOINT")
	setInt(&config.DeltaPageSize, "APPTSYNC_DELTA_PAGE_SIZE")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
