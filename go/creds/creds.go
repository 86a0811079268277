// Package creds stores secrets for action drivers. The OS keyring is
// the preferred backend; when it's unusable (headless hosts, stripped
// containers) an encrypted file under the vault root takes over. Secret
// values never reach the audit log, only the identity of the key that
// was touched.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/assadsharif/fte/go/audit"
	"github.com/assadsharif/fte/go/fault"
	log "github.com/sirupsen/logrus"
	"github.com/zalando/go-keyring"
)

// ErrNotFound reports a missing (service, user) entry.
var ErrNotFound = errors.New("credential not found")

// Key identifies one stored credential.
type Key struct {
	Service string `json:"service"`
	User    string `json:"user"`
}

type backend interface {
	name() string
	put(service, user string, secret []byte) error
	get(service, user string) ([]byte, error)
	remove(service, user string) error
	list() ([]Key, error)
}

// Store fronts whichever backend was selected at open time.
type Store struct {
	backend backend
	auditor *audit.Log
}

// Open probes the OS keyring and falls back to the encrypted file under
// |root|. It returns fault.ErrBackendUnavailable when neither backend
// can be used.
func Open(root string, auditor *audit.Log) (*Store, error) {
	if err := probeKeyring(); err == nil {
		log.Debug("credential store using OS keyring")
		return &Store{backend: &keyringBackend{}, auditor: auditor}, nil
	} else {
		log.WithField("error", err).Debug("OS keyring unavailable, trying encrypted file")
	}
	return OpenEncryptedFile(root, auditor)
}

// OpenEncryptedFile opens the file-backed store directly, bypassing the
// keyring probe. The scheduler uses Open; this entry point exists for
// hosts where the keyring is flaky enough that pinning the backend is
// preferable.
func OpenEncryptedFile(root string, auditor *audit.Log) (*Store, error) {
	var fb, err = newFileBackend(root)
	if err != nil {
		return nil, fmt.Errorf("encrypted file backend: %v: %w", err, fault.ErrBackendUnavailable)
	}
	return &Store{backend: fb, auditor: auditor}, nil
}

// probeKeyring round-trips a throwaway entry to find out whether an OS
// keyring actually works here, not just whether the library loaded.
func probeKeyring() error {
	const service, user = "fte.keyring-probe", "probe"
	if err := keyring.Set(service, user, "ok"); err != nil {
		return err
	}
	if _, err := keyring.Get(service, user); err != nil {
		return err
	}
	return keyring.Delete(service, user)
}

// Put stores |secret| under (service, user), replacing any prior value.
func (s *Store) Put(service, user string, secret []byte) error {
	var err = s.backend.put(service, user, secret)
	s.auditOp("put", service, user, err)
	return err
}

// Get returns the stored secret, or ErrNotFound.
func (s *Store) Get(service, user string) ([]byte, error) {
	var secret, err = s.backend.get(service, user)
	s.auditOp("get", service, user, err)
	return secret, err
}

// Delete removes the entry. Deleting a missing entry is ErrNotFound.
func (s *Store) Delete(service, user string) error {
	var err = s.backend.remove(service, user)
	s.auditOp("delete", service, user, err)
	return err
}

// List enumerates stored credential identities.
func (s *Store) List() ([]Key, error) {
	var keys, err = s.backend.list()
	s.auditOp("list", "", "", err)
	return keys, err
}

// Rotate atomically replaces the secret for an existing entry. Rotating
// a missing entry fails with ErrNotFound rather than creating it, so a
// typo can't silently mint a new credential.
func (s *Store) Rotate(service, user string, newSecret []byte) error {
	var err = func() error {
		if _, err := s.backend.get(service, user); err != nil {
			return err
		}
		return s.backend.put(service, user, newSecret)
	}()
	s.auditOp("rotate", service, user, err)
	return err
}

// Backend names the selected backend, for health and status output.
func (s *Store) Backend() string { return s.backend.name() }

func (s *Store) auditOp(op, service, user string, err error) {
	if s.auditor == nil {
		return
	}
	var outcome = audit.OutcomeOK
	var level = audit.LevelInfo
	if err != nil {
		outcome = audit.OutcomeErr
		level = audit.LevelWarn
	}
	s.auditor.Security(audit.Event{
		Level:     level,
		EventType: audit.TypeCredentialOp,
		Actor:     "creds",
		Outcome:   outcome,
		Context: map[string]string{
			"op":      op,
			"service": service,
			"user":    user,
			"backend": s.backend.name(),
		},
	})
}

// keyringBackend delegates to the OS keyring. The keyring API has no
// enumeration, so an index entry under a reserved service keeps List
// working.
type keyringBackend struct{}

const indexService = "fte.credential-index"

func (k *keyringBackend) name() string { return "keyring" }

func (k *keyringBackend) put(service, user string, secret []byte) error {
	if err := keyring.Set(service, user, string(secret)); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return k.updateIndex(func(keys []Key) []Key {
		for _, key := range keys {
			if key.Service == service && key.User == user {
				return keys
			}
		}
		return append(keys, Key{Service: service, User: user})
	})
}

func (k *keyringBackend) get(service, user string) ([]byte, error) {
	var secret, err = keyring.Get(service, user)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("keyring get: %w", err)
	}
	return []byte(secret), nil
}

func (k *keyringBackend) remove(service, user string) error {
	var err = keyring.Delete(service, user)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("keyring delete: %w", err)
	}
	return k.updateIndex(func(keys []Key) []Key {
		var out = keys[:0]
		for _, key := range keys {
			if key.Service != service || key.User != user {
				out = append(out, key)
			}
		}
		return out
	})
}

func (k *keyringBackend) list() ([]Key, error) {
	var raw, err = keyring.Get(indexService, "index")
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("keyring index: %w", err)
	}
	var keys []Key
	if err = json.Unmarshal([]byte(raw), &keys); err != nil {
		return nil, fmt.Errorf("decoding keyring index: %w", err)
	}
	return keys, nil
}

func (k *keyringBackend) updateIndex(mutate func([]Key) []Key) error {
	var keys, err = k.list()
	if err != nil {
		return err
	}
	var encoded, merr = json.Marshal(mutate(keys))
	if merr != nil {
		return fmt.Errorf("encoding keyring index: %w", merr)
	}
	if err = keyring.Set(indexService, "index", string(encoded)); err != nil {
		return fmt.Errorf("keyring index update: %w", err)
	}
	return nil
}
