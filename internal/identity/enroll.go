package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Enroller produces a device identity from an out-of-band enrollment code.
// The enrollment protocol itself is not part of the core; the built-in
// implementation derives credentials offline from a shared broker secret.
type Enroller interface {
	Enroll(code, brokerURL string) (*Identity, error)
}

// TokenEnroller mints an HS256-signed device token from the enrollment
// code. The code doubles as the broker's shared signing secret, handed to
// the operator out of band; the broker validates the token with the same
// secret.
type TokenEnroller struct {
	store *Store
}

// NewTokenEnroller creates an enroller that persists through the given store.
func NewTokenEnroller(store *Store) *TokenEnroller {
	return &TokenEnroller{store: store}
}

// Enroll derives and persists a device identity.
func (e *TokenEnroller) Enroll(code, brokerURL string) (*Identity, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.New("enrollment code is required")
	}
	if strings.TrimSpace(brokerURL) == "" {
		return nil, errors.New("broker url is required")
	}

	deviceID, err := e.store.DeviceID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:  deviceID,
		IssuedAt: jwt.NewNumericDate(now),
	})
	signed, err := token.SignedString([]byte(code))
	if err != nil {
		return nil, err
	}

	id := &Identity{
		DeviceID:    deviceID,
		DeviceToken: signed,
		BrokerURL:   brokerURL,
		EnrolledAt:  now,
	}
	if err := e.store.Save(id); err != nil {
		return nil, err
	}
	return id, nil
}
