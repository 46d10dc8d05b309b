package broker

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Authentication errors.
var (
	ErrAuthFailed    = errors.New("authentication failed")
	ErrNoCredentials = errors.New("no broker credentials configured")
)

// Authenticator validates device tokens presented in the authenticate
// frame. Tokens are HS256 JWTs whose subject must match the device ID; a
// static shared token is accepted as a development fallback.
type Authenticator struct {
	secret      []byte
	staticToken string
}

// NewAuthenticator builds an authenticator from the JWT signing secret and
// an optional static token. At least one must be set.
func NewAuthenticator(secret, staticToken string) (*Authenticator, error) {
	if secret == "" && staticToken == "" {
		return nil, ErrNoCredentials
	}
	return &Authenticator{secret: []byte(secret), staticToken: staticToken}, nil
}

// Verify checks token for deviceID. The JWT path requires the subject claim
// to equal the device ID so one enrolled token cannot impersonate another
// device.
func (a *Authenticator) Verify(deviceID, token string) error {
	if len(a.secret) > 0 {
		claims := &jwt.RegisteredClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return a.secret, nil
		})
		if err == nil && parsed.Valid {
			if claims.Subject != deviceID {
				return fmt.Errorf("%w: token subject does not match device id", ErrAuthFailed)
			}
			return nil
		}
	}

	if a.staticToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(a.staticToken)) == 1 {
		return nil
	}
	return ErrAuthFailed
}
