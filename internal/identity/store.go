// Package identity persists the endpoint's device identity: the stable
// device ID and the credentials used to authenticate with the broker.
//
// Two files live under the agent config directory, both owner-read-write
// only:
//
//	device.id  plain-text device ID, created once and kept across resets
//	           of the enrollment credentials
//	auth.json  {device_id, device_token, broker_url, enrolled_at}
//
// Absence of auth.json means the device is not enrolled.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	deviceIDFile = "device.id"
	authFile     = "auth.json"

	fileMode = 0o600
	dirMode  = 0o700
)

// ErrNotEnrolled is returned by Load when no enrollment credentials exist.
var ErrNotEnrolled = errors.New("device is not enrolled")

// Identity is the persisted device identity.
type Identity struct {
	DeviceID    string    `json:"device_id"`
	DeviceToken string    `json:"device_token"`
	BrokerURL   string    `json:"broker_url"`
	EnrolledAt  time.Time `json:"enrolled_at"`
}

// Store reads and writes identity files under a config directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at the given config directory.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// DeviceID returns the stable device ID, creating and persisting one on
// first use.
func (s *Store) DeviceID() (string, error) {
	path := filepath.Join(s.dir, deviceIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("read device id: %w", err)
	}

	id := uuid.NewString()
	if err := s.writeFile(path, []byte(id+"\n")); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	return id, nil
}

// Load reads the enrollment credentials. ErrNotEnrolled is returned when
// auth.json does not exist; a corrupt file is a distinct error.
func (s *Store) Load() (*Identity, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, authFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotEnrolled
		}
		return nil, fmt.Errorf("read auth file: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("parse auth file: %w", err)
	}
	if id.DeviceID == "" || id.DeviceToken == "" {
		return nil, errors.New("auth file is missing device credentials")
	}
	return &id, nil
}

// Save persists the enrollment credentials with owner-only permissions.
// The write goes through a temp file and rename so a crash never leaves a
// half-written auth.json.
func (s *Store) Save(id *Identity) error {
	if id == nil || id.DeviceID == "" || id.DeviceToken == "" {
		return errors.New("identity requires device_id and device_token")
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return err
	}
	return s.writeFile(filepath.Join(s.dir, authFile), append(data, '\n'))
}

// Clear removes the enrollment credentials and the device ID.
func (s *Store) Clear() error {
	var firstErr error
	for _, name := range []string{authFile, deviceIDFile} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Enrolled reports whether enrollment credentials exist.
func (s *Store) Enrolled() bool {
	_, err := os.Stat(filepath.Join(s.dir, authFile))
	return err == nil
}

func (s *Store) writeFile(path string, data []byte) error {
	if err := os.MkdirAll(s.dir, dirMode); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, ".identity-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
