// Package store provides the durable key/value store backing server
// descriptors, token records, and per-session OAuth client state.
//
// The store is deliberately primitive: string keys to string values
// (JSON-encoded by callers), no atomicity across keys, survives process
// restarts. Aggregate keys hold maps keyed by server ID; per-session
// scratch state lives under an "oidc_<serverId>_" prefix so that
// removing a server can delete exactly its namespace.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Well-known keys. See the hint helpers in hint.go for KeyPendingCallback.
const (
	// KeyServers holds the JSON map serverId -> ServerDescriptor.
	KeyServers = "servers"

	// KeyTokens holds the JSON map serverId -> TokenRecord.
	KeyTokens = "tokens"

	// KeyPendingCallback holds the pending-callback hint, cleared on
	// first read.
	KeyPendingCallback = "pending_callback"
)

// SessionKeyPrefix returns the key namespace owned by the session for
// the given server ID.
func SessionKeyPrefix(serverID string) string {
	return "oidc_" + serverID + "_"
}

// Store is a durable string-to-string key/value store. Implementations
// make no atomicity guarantees across keys.
type Store interface {
	// Get returns the value for key. The second return is false when
	// the key does not exist.
	Get(key string) (string, bool, error)

	// Set writes the value for key, overwriting any previous value.
	Set(key, value string) error

	// Delete removes key. Deleting an absent key is a no-op.
	Delete(key string) error

	// Keys returns all keys with the given prefix. An empty prefix
	// returns every key.
	Keys(prefix string) ([]string, error)
}

// MemStore is an in-memory Store for tests and ephemeral use.
type MemStore struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{values: make(map[string]string)}
}

func (s *MemStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemStore) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// FileStore persists each key as one file under a private directory.
//
// SECURITY: values may contain OAuth credentials. The directory is
// created 0700 and files are written 0600; values are never logged.
type FileStore struct {
	mu  sync.RWMutex
	dir string
}

// NewFileStore creates (if needed) the backing directory and returns a
// file-backed store.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("store directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the backing directory.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	return string(data), true, nil
}

func (s *FileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.path(key), []byte(value), 0600); err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list store directory: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := decodeKey(entry.Name())
		if !ok {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, encodeKey(key))
}

// encodeKey maps a store key to a filesystem-safe file name. Keys are
// restricted to a conservative character set; anything else is
// percent-escaped so distinct keys never collide on disk.
func encodeKey(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String() + ".kv"
}

// decodeKey reverses encodeKey. The second return is false for files
// that are not store entries.
func decodeKey(name string) (string, bool) {
	if !strings.HasSuffix(name, ".kv") {
		return "", false
	}
	name = strings.TrimSuffix(name, ".kv")

	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '%' {
			if i+2 >= len(name) {
				return "", false
			}
			var v int
			if _, err := fmt.Sscanf(name[i+1:i+3], "%02X", &v); err != nil {
				return "", false
			}
			b.WriteByte(byte(v))
			i += 2
			continue
		}
		b.WriteByte(c)
	}
	return b.String(), true
}
