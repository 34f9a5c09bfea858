package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/apptsync/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndParse_Success(t *testing.T) {
	t.Parallel()

	secret := []byte("super-secret")
	deviceID := "device-123"

	tok, exp, err := GenerateToken(deviceID, secret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken error: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Fatalf("expiry must be in the future, got %v", exp)
	}

	got, err := GetDeviceIDFromToken(tok, secret)
	if err != nil {
		t.Fatalf("GetDeviceIDFromToken error: %v", err)
	}
	if got != deviceID {
		t.Fatalf("deviceID mismatch: got %q want %q", got, deviceID)
	}
}

func TestGetDeviceIDFromToken_Expired(t *testing.T) {
	t.Parallel()

	tok, _, err := GenerateToken("d1", []byte("secret"), -1*time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken error: %v", err)
	}

	_, err = GetDeviceIDFromToken(tok, []byte("secret"))
	if !errors.Is(err, common.ErrTokenExpired) {
		t.Fatalf("expected common.ErrTokenExpired, got %v", err)
	}
}

func TestGetDeviceIDFromToken_WrongSecret(t *testing.T) {
	t.Parallel()

	tok, _, err := GenerateToken("d2", []byte("right-secret"), time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken error: %v", err)
	}

	_, err = GetDeviceIDFromToken(tok, []byte("wrong-secret"))
	if !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("expected common.ErrInvalidToken, got %v", err)
	}
}

func TestGetDeviceIDFromToken_MalformedString(t *testing.T) {
	t.Parallel()

	_, err := GetDeviceIDFromToken("not.a.jwt", []byte("k"))
	if !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("expected common.ErrInvalidToken, got %v", err)
	}
}

func TestGetDeviceIDFromToken_RejectsOtherAlgorithms(t *testing.T) {
	t.Parallel()

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{DeviceID: "d3"})
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString error: %v", err)
	}

	if _, err := GetDeviceIDFromToken(s, []byte("k")); !errors.Is(err, common.ErrInvalidToken) {
		t.Fatalf("expected common.ErrInvalidToken, got %v", err)
	}
}
