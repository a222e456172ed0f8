package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zalando/go-keyring"
)

func isolate(t *testing.T, backend string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("SWITCHBOARD_HOME", "")
	t.Setenv("SWITCHBOARD_SECRETS_MASTER_KEY", "")
	t.Setenv("SWITCHBOARD_SECRETS_BACKEND", backend)
	keyring.MockInit()
	return home
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	sealed, err := Seal([]byte("hello"), key)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	plain, err := Open(sealed, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(plain) != "hello" {
		t.Fatalf("got %q", plain)
	}

	other := make([]byte, 32)
	if _, err := Open(sealed, other); err == nil {
		t.Fatal("expected wrong key to fail")
	}
	if _, err := Open(nil, key); err == nil {
		t.Fatal("expected empty blob error")
	}
	if _, err := Open([]byte(`{"version":"v9","nonce":"x","ciphertext":"y"}`), key); err == nil {
		t.Fatal("expected version error")
	}
}

func TestDecodeMasterKey(t *testing.T) {
	key := make([]byte, 32)
	if _, err := DecodeMasterKey(base64.RawStdEncoding.EncodeToString(key)); err != nil {
		t.Fatalf("valid key: %v", err)
	}
	if _, err := DecodeMasterKey(base64.RawStdEncoding.EncodeToString(key[:16])); err == nil {
		t.Fatal("expected length error")
	}
	if _, err := DecodeMasterKey("!!!"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestKeyringBackend(t *testing.T) {
	isolate(t, BackendKeyring)

	if err := Set("slack-token", "xoxb-1"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := Resolve("secret:slack-token")
	if err != nil || got != "xoxb-1" {
		t.Fatalf("Resolve = %q, %v", got, err)
	}
	if err := Delete("slack-token"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := Get("slack-token"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := Delete("slack-token"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestFileBackend(t *testing.T) {
	home := isolate(t, BackendFile)

	if err := Set("kafka-password", "p4ss"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := Set("api-key", "k"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(home, ".switchboard", vaultFileName))
	if err != nil {
		t.Fatalf("read vault: %v", err)
	}
	if string(data) == "" || strings.Contains(string(data), "p4ss") {
		t.Fatalf("vault should be encrypted: %s", data)
	}
	info, err := os.Stat(filepath.Join(home, ".switchboard", masterKeyFileName))
	if err != nil {
		t.Fatalf("master key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("master key mode = %v", info.Mode().Perm())
	}

	got, err := Get("kafka-password")
	if err != nil || got != "p4ss" {
		t.Fatalf("Get = %q, %v", got, err)
	}
	if err := Delete("kafka-password"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := Get("kafka-password"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got, _ := Get("api-key"); got != "k" {
		t.Fatalf("other entry lost: %q", got)
	}
}

func TestMasterKeyFromEnv(t *testing.T) {
	home := isolate(t, BackendFile)
	key := make([]byte, 32)
	key[0] = 7
	t.Setenv("SWITCHBOARD_SECRETS_MASTER_KEY", base64.RawStdEncoding.EncodeToString(key))

	if err := Set("x", "y"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, ".switchboard", masterKeyFileName)); !os.IsNotExist(err) {
		t.Fatalf("master key file should not be written, stat err=%v", err)
	}

	t.Setenv("SWITCHBOARD_SECRETS_MASTER_KEY", "short")
	if _, err := Get("x"); err == nil {
		t.Fatal("expected invalid master key error")
	}
}

func TestResolvePassThroughAndErrors(t *testing.T) {
	isolate(t, BackendKeyring)

	if v, err := Resolve("plain-value"); err != nil || v != "plain-value" {
		t.Fatalf("plain value changed: %q, %v", v, err)
	}
	if _, err := Resolve("secret:"); err == nil {
		t.Fatal("expected empty reference error")
	}
	if _, err := Resolve("secret:missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := Set("bad name", "v"); err == nil {
		t.Fatal("expected invalid name error")
	}
}

func TestResolveBackend(t *testing.T) {
	for in, want := range map[string]string{"": BackendAuto, "KEYRING": BackendKeyring, "file": BackendFile, "vault": BackendAuto} {
		t.Setenv("SWITCHBOARD_SECRETS_BACKEND", in)
		if got := ResolveBackend(); got != want {
			t.Fatalf("ResolveBackend(%q) = %q, want %q", in, got, want)
		}
	}
}
