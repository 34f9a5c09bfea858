// Package common contains shared constants and sentinel errors used across
// apptsync components.
package common

// AccessTokenHeaderName is the gRPC metadata key used to carry the device
// session token on outbound requests.
const AccessTokenHeaderName = "access_token"

// DeviceIDHeaderName carries the originating device on change-feed requests.
const DeviceIDHeaderName = "device_id"
