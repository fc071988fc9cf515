package coordinator

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialVerifier checks a display's registration credential. It is
// invoked exactly once per REGISTER; issuance policy lives outside the
// communication core.
type CredentialVerifier interface {
	Verify(deviceID, credential string) error
}

// JWTVerifier validates HS256 credentials signed with a shared secret.
// When the token carries a subject claim it must match the registering
// device id, so a credential cannot be replayed for another display.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier over a shared secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify validates the credential token.
func (v *JWTVerifier) Verify(deviceID, credential string) error {
	if credential == "" {
		return fmt.Errorf("credential is required")
	}

	token, err := jwt.ParseWithClaims(credential, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return fmt.Errorf("failed to parse credential: %w", err)
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("invalid credential")
	}

	if claims.Subject != "" && claims.Subject != deviceID {
		return fmt.Errorf("credential subject %s does not match device %s", claims.Subject, deviceID)
	}

	return nil
}

// GenerateCredential mints a credential for a device id. Exposed for the
// provisioning CLI; coordinators only verify.
func (v *JWTVerifier) GenerateCredential(deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &jwt.RegisteredClaims{
		Subject:   deviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign credential: %w", err)
	}
	return signed, nil
}

// OpenVerifier accepts any non-empty credential. Used when no registration
// secret is configured (closed networks, test mode).
type OpenVerifier struct{}

// Verify accepts any non-empty credential.
func (OpenVerifier) Verify(_, credential string) error {
	if credential == "" {
		return fmt.Errorf("credential is required")
	}
	return nil
}
