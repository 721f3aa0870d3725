// Package auth produces the credential a device presents in its handshake.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the lifetime of a minted device token.
const DefaultTokenTTL = 5 * time.Minute

// Issuer is the iss claim on minted tokens.
const Issuer = "devicelink"

// DeviceClaims is the JWT payload for a device token.
type DeviceClaims struct {
	DeviceID string `json:"device"`
	jwt.RegisteredClaims
}

// TokenSource hands out a token per dial. It is either static or mints a
// fresh HS256 JWT on every call.
type TokenSource struct {
	static   string
	secret   []byte
	deviceID string
	ttl      time.Duration
	now      func() time.Time
}

// Static returns a TokenSource that always yields token.
func Static(token string) *TokenSource {
	return &TokenSource{static: token}
}

// NewJWT returns a TokenSource that signs device tokens with secret.
func NewJWT(deviceID string, secret []byte, ttl time.Duration) (*TokenSource, error) {
	if deviceID == "" {
		return nil, errors.New("auth: device id is required")
	}
	if len(secret) < 16 {
		return nil, errors.New("auth: signing secret must be at least 16 bytes")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenSource{
		secret:   append([]byte(nil), secret...),
		deviceID: deviceID,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

// Token returns the credential for the next dial.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.secret == nil {
		return s.static, nil
	}

	now := s.now()
	claims := DeviceClaims{
		DeviceID: s.deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.deviceID,
			Issuer:    Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign device token: %w", err)
	}
	return signed, nil
}

// Verify parses a device token signed with secret. Controllers and tests use
// it; the device itself never verifies.
func Verify(tokenString string, secret []byte) (*DeviceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*DeviceClaims); ok && token.Valid {
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}
