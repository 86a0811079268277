// Package trust pins the SHA-256 digests of external action drivers and
// verifies binaries against them before every invocation.
package trust

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/assadsharif/fte/go/audit"
	"github.com/assadsharif/fte/go/fault"
	"github.com/assadsharif/fte/go/labels"
)

// Signature pins one driver binary.
type Signature struct {
	Algorithm    string    `json:"algorithm"`
	Digest       string    `json:"digest"`
	Source       string    `json:"source,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Entry is a Signature together with its driver name, for listings.
type Entry struct {
	Name string
	Signature
}

type registryFile struct {
	Drivers map[string]Signature `json:"drivers"`
}

// Registry reads and writes the trust registry file at the vault root.
// Verification re-reads the registry and re-hashes the binary on every
// call, so a swapped binary or edited registry takes effect immediately.
type Registry struct {
	mu      sync.Mutex
	path    string
	auditor *audit.Log
}

// NewRegistry returns a Registry over |root|'s trust registry file.
// The file is created on first registration.
func NewRegistry(root string, auditor *audit.Log) *Registry {
	return &Registry{
		path:    filepath.Join(root, labels.TrustRegistryFile),
		auditor: auditor,
	}
}

// Register pins |digest| for driver |name|. The digest must be 64 hex
// characters (SHA-256); |source| records where the binary came from and
// may be empty. Re-registering a driver replaces its pin.
func (r *Registry) Register(name, digest, source string) error {
	digest = strings.ToLower(digest)
	if name == "" {
		return fmt.Errorf("driver name is empty: %w", fault.ErrValidation)
	}
	if !validDigest(digest) {
		return fmt.Errorf("digest %q is not 64 hex characters: %w", digest, fault.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, err := r.load()
	if err != nil {
		return err
	}
	reg.Drivers[name] = Signature{
		Algorithm:    "sha256",
		Digest:       digest,
		Source:       source,
		RegisteredAt: time.Now().UTC().Truncate(time.Second),
	}
	return r.store(reg)
}

// RegisterBinary hashes the executable at |path| and registers the
// result for |name|, returning the digest it pinned.
func (r *Registry) RegisterBinary(name, path, source string) (string, error) {
	var digest, err = HashFile(path)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	if err = r.Register(name, digest, source); err != nil {
		return "", err
	}
	return digest, nil
}

// Verify re-hashes the binary at |path| and compares it against the pin
// for |name|. Unknown drivers, unreadable binaries, and digest
// mismatches all fail with ErrVerification: when the binary cannot be
// proven to match, it does not run. Each failure is recorded on the
// security audit channel.
func (r *Registry) Verify(name, path string) error {
	r.mu.Lock()
	reg, err := r.load()
	r.mu.Unlock()
	if err != nil {
		return err
	}

	var sig, ok = reg.Drivers[name]
	if !ok {
		r.auditFailure(name, "driver is not registered", nil)
		return fmt.Errorf("driver %q is not registered: %w", name, fault.ErrVerification)
	}
	if sig.Algorithm != "sha256" {
		r.auditFailure(name, fmt.Sprintf("unsupported digest algorithm %q", sig.Algorithm), nil)
		return fmt.Errorf("driver %q pinned with unsupported algorithm %q: %w",
			name, sig.Algorithm, fault.ErrVerification)
	}

	digest, err := HashFile(path)
	if err != nil {
		r.auditFailure(name, "binary unreadable", map[string]string{"detail": err.Error()})
		return fmt.Errorf("reading driver binary %s: %v: %w", path, err, fault.ErrVerification)
	}
	if digest != sig.Digest {
		r.auditFailure(name, "digest mismatch", map[string]string{
			"expected": DigestPrefix(sig.Digest),
			"actual":   DigestPrefix(digest),
		})
		return fmt.Errorf("driver %q digest mismatch (expected %s.., got %s..): %w",
			name, DigestPrefix(sig.Digest), DigestPrefix(digest), fault.ErrVerification)
	}
	return nil
}

// List returns all pinned drivers ordered by name.
func (r *Registry) List() ([]Entry, error) {
	r.mu.Lock()
	reg, err := r.load()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out = make([]Entry, 0, len(reg.Drivers))
	for name, sig := range reg.Drivers {
		out = append(out, Entry{Name: name, Signature: sig})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Registry) load() (registryFile, error) {
	var reg = registryFile{Drivers: map[string]Signature{}}

	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return reg, nil
	} else if err != nil {
		return reg, fmt.Errorf("reading trust registry: %v: %w", err, fault.ErrFileSystem)
	}
	if err = json.Unmarshal(raw, &reg); err != nil {
		return reg, fmt.Errorf("decoding trust registry %s: %w", r.path, err)
	}
	if reg.Drivers == nil {
		reg.Drivers = map[string]Signature{}
	}
	return reg, nil
}

func (r *Registry) store(reg registryFile) error {
	var raw, err = json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding trust registry: %w", err)
	}
	raw = append(raw, '\n')

	var tmp = r.path + ".tmp"
	if err = os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("writing trust registry tempfile: %v: %w", err, fault.ErrFileSystem)
	}
	if err = os.Rename(tmp, r.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing trust registry: %v: %w", err, fault.ErrFileSystem)
	}
	return nil
}

func (r *Registry) auditFailure(name, reason string, extra map[string]string) {
	if r.auditor == nil {
		return
	}
	var ctx = map[string]string{"reason": reason}
	for k, v := range extra {
		ctx[k] = v
	}
	r.auditor.Security(audit.Event{
		Level:     audit.LevelCritical,
		EventType: audit.TypeVerificationFailed,
		Actor:     "trust",
		Driver:    name,
		Outcome:   audit.OutcomeErr,
		Context:   ctx,
	})
}

// HashFile streams the file at |path| through SHA-256 and returns the
// lowercase hex digest.
func HashFile(path string) (string, error) {
	var f, err = os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var h = sha256.New()
	if _, err = io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestPrefix shortens a digest for logs and audit events. Full hex
// digests are long high-entropy runs that the redactor would mask.
func DigestPrefix(digest string) string {
	if len(digest) <= 12 {
		return digest
	}
	return digest[:12]
}

func validDigest(digest string) bool {
	if len(digest) != sha256.Size*2 {
		return false
	}
	for _, c := range digest {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
