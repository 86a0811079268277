package creds

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/assadsharif/fte/go/labels"
	"golang.org/x/crypto/chacha20poly1305"
)

// fileBackend seals all credentials into one XChaCha20-Poly1305 blob at
// <root>/.credentials.enc. The 256-bit key lives next to it with 0600
// permissions and is minted on first use. Every write re-seals the full
// map under a fresh random nonce and lands via tempfile + rename.
type fileBackend struct {
	mu      sync.Mutex
	encPath string
	keyPath string
	key     []byte
}

func newFileBackend(root string) (*fileBackend, error) {
	var fb = &fileBackend{
		encPath: filepath.Join(root, labels.CredentialsFile),
		keyPath: filepath.Join(root, labels.CredentialsKey),
	}
	var err error
	if fb.key, err = fb.loadOrCreateKey(); err != nil {
		return nil, err
	}
	// Prove the backend is usable before accepting writes.
	if _, err = fb.load(); err != nil {
		return nil, err
	}
	return fb, nil
}

func (fb *fileBackend) name() string { return "encrypted-file" }

func (fb *fileBackend) loadOrCreateKey() ([]byte, error) {
	if raw, err := os.ReadFile(fb.keyPath); err == nil {
		if len(raw) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("key file %s has wrong length %d", fb.keyPath, len(raw))
		}
		return raw, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	var key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating encryption key: %w", err)
	}
	if err := os.WriteFile(fb.keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	return key, nil
}

// load decrypts the credential map. A missing file is an empty store.
func (fb *fileBackend) load() (map[string]string, error) {
	var sealed, err = os.ReadFile(fb.encPath)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading credential file: %w", err)
	}

	aead, err := chacha20poly1305.NewX(fb.key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("credential file %s is truncated", fb.encPath)
	}
	var nonce, box = sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting credential file (wrong key or tampering): %w", err)
	}

	var entries map[string]string
	if err = json.Unmarshal(plain, &entries); err != nil {
		return nil, fmt.Errorf("decoding credential file: %w", err)
	}
	return entries, nil
}

func (fb *fileBackend) store(entries map[string]string) error {
	var plain, err = json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	aead, err := chacha20poly1305.NewX(fb.key)
	if err != nil {
		return fmt.Errorf("initializing cipher: %w", err)
	}
	var nonce = make([]byte, aead.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	var sealed = append(nonce, aead.Seal(nil, nonce, plain, nil)...)

	var tmp = fb.encPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating credential tempfile: %w", err)
	}
	if _, err = f.Write(sealed); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing credential tempfile: %w", err)
	}
	if err = os.Rename(tmp, fb.encPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing credential file: %w", err)
	}
	return nil
}

func entryKey(service, user string) string {
	// NUL is not a legal character in service or user names.
	return fmt.Sprintf("%s\x00%s", service, user)
}

func (fb *fileBackend) put(service, user string, secret []byte) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	var entries, err = fb.load()
	if err != nil {
		return err
	}
	entries[entryKey(service, user)] = base64.StdEncoding.EncodeToString(secret)
	return fb.store(entries)
}

func (fb *fileBackend) get(service, user string) ([]byte, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	var entries, err = fb.load()
	if err != nil {
		return nil, err
	}
	var encoded, ok = entries[entryKey(service, user)]
	if !ok {
		return nil, ErrNotFound
	}
	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding stored secret: %w", err)
	}
	return secret, nil
}

func (fb *fileBackend) remove(service, user string) error {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	var entries, err = fb.load()
	if err != nil {
		return err
	}
	var key = entryKey(service, user)
	if _, ok := entries[key]; !ok {
		return ErrNotFound
	}
	delete(entries, key)
	return fb.store(entries)
}

func (fb *fileBackend) list() ([]Key, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	var entries, err = fb.load()
	if err != nil {
		return nil, err
	}
	var keys []Key
	for raw := range entries {
		for i := 0; i < len(raw); i++ {
			if raw[i] == 0 {
				keys = append(keys, Key{Service: raw[:i], User: raw[i+1:]})
				break
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Service != keys[j].Service {
			return keys[i].Service < keys[j].Service
		}
		return keys[i].User < keys[j].User
	})
	return keys, nil
}
