package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// vaultAAD binds vault ciphertexts to their purpose.
const vaultAAD = "switchboard-secrets-v1"

var vaultMu sync.Mutex

type encryptedBlob struct {
	Version    string `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Seal encrypts plain with AES-256-GCM under key.
func Seal(plain, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := encryptedBlob{
		Version:    "v1",
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(gcm.Seal(nil, nonce, plain, []byte(vaultAAD))),
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Open decrypts a blob produced by Seal.
func Open(data, key []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty encrypted blob")
	}
	var wrapped encryptedBlob
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode blob: %w", err)
	}
	if wrapped.Version != "v1" {
		return nil, fmt.Errorf("unsupported blob version: %q", wrapped.Version)
	}
	nonce, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(wrapped.Nonce))
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(wrapped.Ciphertext))
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, []byte(vaultAAD))
}

// DecodeMasterKey base64-decodes a master key and checks it is 32 bytes.
func DecodeMasterKey(raw string) ([]byte, error) {
	key, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid master key length: %d", len(key))
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// loadOrCreateMasterKey reads SWITCHBOARD_SECRETS_MASTER_KEY, then the key
// file next to the vault, creating the file on first use.
func loadOrCreateMasterKey(dir string) ([]byte, error) {
	if env := strings.TrimSpace(os.Getenv("SWITCHBOARD_SECRETS_MASTER_KEY")); env != "" {
		key, err := DecodeMasterKey(env)
		if err != nil {
			return nil, fmt.Errorf("invalid SWITCHBOARD_SECRETS_MASTER_KEY: %w", err)
		}
		return key, nil
	}
	path := filepath.Join(dir, masterKeyFileName)
	if data, err := os.ReadFile(path); err == nil {
		return DecodeMasterKey(string(data))
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(base64.RawStdEncoding.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func readVault() (map[string]string, []byte, string, error) {
	dir, err := stateDir()
	if err != nil {
		return nil, nil, "", err
	}
	key, err := loadOrCreateMasterKey(dir)
	if err != nil {
		return nil, nil, "", err
	}
	path := filepath.Join(dir, vaultFileName)
	entries := map[string]string{}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return entries, key, path, nil
	}
	if err != nil {
		return nil, nil, "", err
	}
	plain, err := Open(data, key)
	if err != nil {
		return nil, nil, "", fmt.Errorf("open vault %s: %w", path, err)
	}
	if err := json.Unmarshal(plain, &entries); err != nil {
		return nil, nil, "", fmt.Errorf("parse vault: %w", err)
	}
	return entries, key, path, nil
}

func writeVault(path string, key []byte, entries map[string]string) error {
	plain, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	data, err := Seal(plain, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func vaultSet(name, value string) error {
	vaultMu.Lock()
	defer vaultMu.Unlock()
	entries, key, path, err := readVault()
	if err != nil {
		return err
	}
	entries[name] = value
	return writeVault(path, key, entries)
}

func vaultGet(name string) (string, error) {
	vaultMu.Lock()
	defer vaultMu.Unlock()
	entries, _, _, err := readVault()
	if err != nil {
		return "", err
	}
	v, ok := entries[name]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func vaultDelete(name string) (bool, error) {
	vaultMu.Lock()
	defer vaultMu.Unlock()
	entries, key, path, err := readVault()
	if err != nil {
		return false, err
	}
	if _, ok := entries[name]; !ok {
		return false, nil
	}
	delete(entries, name)
	return true, writeVault(path, key, entries)
}
