package identity

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestLoadNotEnrolled(t *testing.T) {
	store := NewStore(t.TempDir())
	if _, err := store.Load(); !errors.Is(err, ErrNotEnrolled) {
		t.Fatalf("got %v, want ErrNotEnrolled", err)
	}
	if store.Enrolled() {
		t.Error("empty store should not report enrolled")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(t.TempDir())
	id := &Identity{
		DeviceID:    "11111111-2222-3333-4444-555555555555",
		DeviceToken: "token-abc",
		BrokerURL:   "wss://broker.example.com",
		EnrolledAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := store.Save(id); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.DeviceID != id.DeviceID || loaded.DeviceToken != id.DeviceToken ||
		loaded.BrokerURL != id.BrokerURL || !loaded.EnrolledAt.Equal(id.EnrolledAt) {
		t.Errorf("round trip mismatch: %+v vs %+v", id, loaded)
	}
	if !store.Enrolled() {
		t.Error("store should report enrolled after save")
	}
}

func TestIdentityFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix permission bits")
	}
	dir := t.TempDir()
	store := NewStore(dir)

	if _, err := store.DeviceID(); err != nil {
		t.Fatalf("device id: %v", err)
	}
	if err := store.Save(&Identity{DeviceID: "d", DeviceToken: "t"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	for _, name := range []string{"device.id", "auth.json"} {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("stat %s: %v", name, err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("%s has mode %o, want 600", name, perm)
		}
	}
}

func TestDeviceIDStable(t *testing.T) {
	store := NewStore(t.TempDir())
	first, err := store.DeviceID()
	if err != nil {
		t.Fatalf("first device id: %v", err)
	}
	second, err := store.DeviceID()
	if err != nil {
		t.Fatalf("second device id: %v", err)
	}
	if first != second {
		t.Errorf("device id changed between calls: %s vs %s", first, second)
	}
}

func TestLoadCorruptAuthFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "auth.json"), []byte("{broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := NewStore(dir).Load()
	if err == nil {
		t.Fatal("corrupt auth file should error")
	}
	if errors.Is(err, ErrNotEnrolled) {
		t.Error("corrupt file must be distinguishable from not enrolled")
	}
}

func TestClear(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.Save(&Identity{DeviceID: "d", DeviceToken: "t"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if store.Enrolled() {
		t.Error("store should not report enrolled after clear")
	}
	// clearing an empty store is not an error
	if err := store.Clear(); err != nil {
		t.Errorf("second clear: %v", err)
	}
}

func TestEnrollMintsVerifiableToken(t *testing.T) {
	store := NewStore(t.TempDir())
	enroller := NewTokenEnroller(store)

	const code = "shared-enrollment-secret"
	ident, err := enroller.Enroll(code, "wss://broker.example.com")
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if ident.DeviceID == "" || ident.DeviceToken == "" {
		t.Fatal("enrollment produced empty credentials")
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(ident.DeviceToken, claims, func(*jwt.Token) (any, error) {
		return []byte(code), nil
	})
	if err != nil || !parsed.Valid {
		t.Fatalf("token does not verify with the enrollment code: %v", err)
	}
	if claims.Subject != ident.DeviceID {
		t.Errorf("token subject %q, want device id %q", claims.Subject, ident.DeviceID)
	}

	// enrollment persists
	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("load after enroll: %v", err)
	}
	if loaded.DeviceToken != ident.DeviceToken {
		t.Error("persisted token differs from returned token")
	}
}

func TestEnrollRequiresCodeAndURL(t *testing.T) {
	enroller := NewTokenEnroller(NewStore(t.TempDir()))
	if _, err := enroller.Enroll("", "wss://b"); err == nil {
		t.Error("empty code should fail")
	}
	if _, err := enroller.Enroll("code", ""); err == nil {
		t.Error("empty broker url should fail")
	}
}
