// Package keystore keeps the user's secret key and signs events with it.
package keystore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mitchellh/go-homedir"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/zalando/go-keyring"
)

const (
	AppID   = "com.nostrgroups.client"
	UserKey = "userkey"

	DefaultDir = "~/.config/nostr/nostrgroups"
)

var ErrNoKey = errors.New("no key stored")

type Keystore interface {
	Save(keyHex string) error
	Erase() error
	Sign(*nostr.Event) error
	PublicKey() (string, error)
}

// Open returns the OS keyring when it is usable and a file keystore under
// dir otherwise.
func Open(dir string, logger *slog.Logger) Keystore {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := keyring.Get(AppID, UserKey); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		logger.Info("keyring unavailable, using file keystore", "dir", dir, "error", err)
		return FileKeystore{Dir: dir}
	}
	return KeyringStore{}
}

// Import stores a secret key given as nsec or hex and returns its public key.
func Import(ks Keystore, value string) (string, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "nsec") {
		prefix, decoded, err := nip19.Decode(value)
		if err != nil {
			return "", fmt.Errorf("decode nsec: %w", err)
		}
		if prefix != "nsec" {
			return "", fmt.Errorf("expected nsec, got %s", prefix)
		}
		value = decoded.(string)
	}

	if raw, err := hex.DecodeString(value); err != nil || len(raw) != 32 {
		return "", fmt.Errorf("invalid secret key: want 64 hex characters or nsec")
	}

	pk, err := nostr.GetPublicKey(value)
	if err != nil {
		return "", fmt.Errorf("invalid secret key: %w", err)
	}
	if !nostr.IsValidPublicKeyHex(pk) {
		return "", fmt.Errorf("invalid secret key")
	}
	if err := ks.Save(value); err != nil {
		return "", fmt.Errorf("save key: %w", err)
	}
	return pk, nil
}

func sign(ev *nostr.Event, sk string) error {
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return err
	}
	ev.PubKey = pk
	return ev.Sign(sk)
}

type KeyringStore struct{}

func (KeyringStore) Save(key string) error {
	return keyring.Set(AppID, UserKey, key)
}

func (KeyringStore) Erase() error {
	return keyring.Delete(AppID, UserKey)
}

func (KeyringStore) load() (string, error) {
	key, err := keyring.Get(AppID, UserKey)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNoKey
	}
	if err != nil {
		return "", fmt.Errorf("couldn't load key from keyring: %w", err)
	}
	return key, nil
}

func (k KeyringStore) Sign(event *nostr.Event) error {
	key, err := k.load()
	if err != nil {
		return err
	}
	return sign(event, key)
}

func (k KeyringStore) PublicKey() (string, error) {
	key, err := k.load()
	if err != nil {
		return "", err
	}
	return nostr.GetPublicKey(key)
}

// FileKeystore stores the raw 32 key bytes in Dir/key.
type FileKeystore struct {
	Dir string
}

func (f FileKeystore) path() (string, error) {
	dir := f.Dir
	if dir == "" {
		dir = DefaultDir
	}
	return homedir.Expand(dir)
}

func (f FileKeystore) Save(key string) error {
	path, err := f.path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}
	keybin, err := hex.DecodeString(key)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, "key"), keybin, 0o600)
}

func (f FileKeystore) Erase() error {
	path, err := f.path()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(path, "key"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (f FileKeystore) load() (string, error) {
	path, err := f.path()
	if err != nil {
		return "", err
	}

	file := filepath.Join(path, "key")
	data, err := os.ReadFile(file)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoKey
	}
	if err != nil {
		return "", fmt.Errorf("failed to read key from file (%s): %w", file, err)
	}
	if len(data) != 32 {
		return "", fmt.Errorf("key (%s) is not 32 bytes", file)
	}
	return hex.EncodeToString(data), nil
}

func (f FileKeystore) Sign(event *nostr.Event) error {
	key, err := f.load()
	if err != nil {
		return err
	}
	return sign(event, key)
}

func (f FileKeystore) PublicKey() (string, error) {
	key, err := f.load()
	if err != nil {
		return "", err
	}
	return nostr.GetPublicKey(key)
}

// MemoryKeystore holds the key for the life of the process.
type MemoryKeystore struct {
	mu  sync.Mutex
	key string
}

func (m *MemoryKeystore) Save(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = key
	return nil
}

func (m *MemoryKeystore) Erase() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.key = ""
	return nil
}

func (m *MemoryKeystore) load() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == "" {
		return "", ErrNoKey
	}
	return m.key, nil
}

func (m *MemoryKeystore) Sign(event *nostr.Event) error {
	key, err := m.load()
	if err != nil {
		return err
	}
	return sign(event, key)
}

func (m *MemoryKeystore) PublicKey() (string, error) {
	key, err := m.load()
	if err != nil {
		return "", err
	}
	return nostr.GetPublicKey(key)
}
