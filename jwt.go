package rollupboost

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// iatWindow bounds how far an inbound token's issued-at claim may
// drift from local time.
const iatWindow = 60 * time.Second

// JwtSecret is the 32-byte symmetric key shared with one execution
// endpoint. It validates inbound bearer tokens and signs outbound
// ones.
type JwtSecret [32]byte

func JwtSecretFromHex(s string) (JwtSecret, error) {
	var secret JwtSecret

	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return secret, fmt.Errorf("invalid jwt secret hex: %w", err)
	}
	if len(b) != 32 {
		return secret, fmt.Errorf("jwt secret must be 32 bytes, got %d", len(b))
	}

	copy(secret[:], b)
	return secret, nil
}

// JwtSecretFromFile reads a hex-encoded secret from disk, the same
// format execution nodes consume via --authrpc.jwtsecret.
func JwtSecretFromFile(path string) (JwtSecret, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return JwtSecret{}, fmt.Errorf("failed to read jwt secret file: %w", err)
	}
	return JwtSecretFromHex(string(data))
}

// Token signs a fresh HS256 bearer token. Tokens are minted per
// request, never cached: connection pools outlive the iat window.
func (s JwtSecret) Token() (string, error) {
	claims := jwt.MapClaims{
		"iat": time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s[:])
}

// Validate checks an inbound compact token: HS256 signature under this
// secret and an issued-at claim within the drift window.
func (s JwtSecret) Validate(tokenString string) error {
	token, err := jwt.Parse(tokenString,
		func(*jwt.Token) (any, error) { return s[:], nil },
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return fmt.Errorf("invalid jwt: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return errors.New("invalid jwt claims")
	}
	iat, err := claims.GetIssuedAt()
	if err != nil || iat == nil {
		return errors.New("jwt missing iat claim")
	}

	drift := time.Since(iat.Time)
	if drift < 0 {
		drift = -drift
	}
	if drift > iatWindow {
		return fmt.Errorf("jwt iat outside allowed window: %s", drift)
	}
	return nil
}
