// Package secrets keeps credentials out of the config file. A config value
// written as "secret:NAME" is replaced at load time with the value stored
// under NAME in the OS keyring or in the local encrypted vault.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

// RefPrefix marks a config value as a secret reference.
const RefPrefix = "secret:"

const (
	keyringService    = "switchboard"
	vaultFileName     = "secrets.enc"
	masterKeyFileName = "master.key"
)

// Backend names accepted in SWITCHBOARD_SECRETS_BACKEND.
const (
	BackendAuto    = "auto"
	BackendKeyring = "keyring"
	BackendFile    = "file"
)

// ErrNotFound is returned when no backend holds the named secret.
var ErrNotFound = errors.New("secret not found")

// ResolveBackend returns the configured backend. Unknown values fall back to
// auto, which prefers the keyring and uses the vault when the keyring is
// unavailable.
func ResolveBackend() string {
	switch v := strings.ToLower(strings.TrimSpace(os.Getenv("SWITCHBOARD_SECRETS_BACKEND"))); v {
	case BackendKeyring, BackendFile:
		return v
	default:
		return BackendAuto
	}
}

// IsRef reports whether v is a secret reference.
func IsRef(v string) bool {
	return strings.HasPrefix(strings.TrimSpace(v), RefPrefix)
}

// Resolve returns v unchanged unless it is a secret reference, in which case
// the stored value is returned.
func Resolve(v string) (string, error) {
	if !IsRef(v) {
		return v, nil
	}
	name := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), RefPrefix))
	if name == "" {
		return "", errors.New("empty secret reference")
	}
	val, err := Get(name)
	if err != nil {
		return "", fmt.Errorf("secret %q: %w", name, err)
	}
	return val, nil
}

// Set stores value under name.
func Set(name, value string) error {
	if err := validName(name); err != nil {
		return err
	}
	switch ResolveBackend() {
	case BackendKeyring:
		return keyring.Set(keyringService, name, value)
	case BackendFile:
		return vaultSet(name, value)
	default:
		if err := keyring.Set(keyringService, name, value); err == nil {
			return nil
		}
		return vaultSet(name, value)
	}
}

// Get returns the value stored under name.
func Get(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	switch ResolveBackend() {
	case BackendKeyring:
		return keyringGet(name)
	case BackendFile:
		return vaultGet(name)
	default:
		if v, err := keyringGet(name); err == nil {
			return v, nil
		}
		return vaultGet(name)
	}
}

// Delete removes name from every backend that holds it.
func Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	var found bool
	backend := ResolveBackend()
	if backend != BackendFile {
		err := keyring.Delete(keyringService, name)
		switch {
		case err == nil:
			found = true
		case errors.Is(err, keyring.ErrNotFound):
		case backend == BackendKeyring:
			return err
		}
	}
	if backend != BackendKeyring {
		ok, err := vaultDelete(name)
		if err != nil {
			return err
		}
		found = found || ok
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func keyringGet(name string) (string, error) {
	v, err := keyring.Get(keyringService, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	return v, err
}

func validName(name string) error {
	if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \t\n") {
		return fmt.Errorf("invalid secret name %q", name)
	}
	return nil
}

func stateDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("SWITCHBOARD_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			h = filepath.Join(base, h[1:])
		}
		return filepath.Join(h, ".switchboard"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".switchboard"), nil
}
