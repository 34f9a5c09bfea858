// Package auth issues and verifies device session tokens.
package auth

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Claims carries the registered claims plus the device the session belongs to.
type Claims struct {
	jwt.RegisteredClaims
	DeviceID string `json:"deviceId"`
}

// GenerateToken signs an HS256 session token for deviceID valid for ttl.
func GenerateToken(deviceID string, secretKey []byte, ttl time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Subject:   deviceID,
		},
		DeviceID: deviceID,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return tokenString, expiresAt, nil
}

// GetDeviceIDFromToken validates tokenString and returns its device ID.
// Expired tokens yield common.ErrTokenExpired, anything else unverifiable
// yields common.ErrInvalidToken.
func GetDeviceIDFromToken(tokenString string, secretKey []byte) (string, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", common.ErrTokenExpired
		}
		return "", common.ErrInvalidToken
	}

	if !token.Valid || claims.DeviceID == "" {
		return "", common.ErrInvalidToken
	}

	return claims.DeviceID, nil
}
