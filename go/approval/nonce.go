package approval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/assadsharif/fte/go/fault"
	"github.com/assadsharif/fte/go/labels"
)

// NonceRegistry is the durable set of consumed approval nonces. Consume
// is the only mutator; a nonce enters the set exactly once, so a replay
// of the same approval file is refused even across restarts.
type NonceRegistry struct {
	mu   sync.Mutex
	path string
}

type nonceFile struct {
	Used map[string]time.Time `json:"used"`
}

// OpenNonces returns the registry stored at |root|'s nonce file.
func OpenNonces(root string) *NonceRegistry {
	return &NonceRegistry{path: filepath.Join(root, labels.NonceRegistryFile)}
}

// Consume marks |nonce| used. A second call for the same nonce fails
// with ErrNonceReused and changes nothing. The registry write lands via
// fsync and rename before Consume returns, so a crash cannot forget a
// consumed nonce.
func (n *NonceRegistry) Consume(nonce string) error {
	if nonce == "" {
		return fmt.Errorf("empty nonce: %w", fault.ErrValidation)
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	reg, err := n.load()
	if err != nil {
		return err
	}
	if _, used := reg.Used[nonce]; used {
		return fault.ErrNonceReused
	}
	reg.Used[nonce] = time.Now().UTC()
	return n.store(reg)
}

// Used reports whether |nonce| has been consumed.
func (n *NonceRegistry) Used(nonce string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	reg, err := n.load()
	if err != nil {
		return false, err
	}
	_, used := reg.Used[nonce]
	return used, nil
}

func (n *NonceRegistry) load() (nonceFile, error) {
	var reg = nonceFile{Used: map[string]time.Time{}}
	raw, err := os.ReadFile(n.path)
	if os.IsNotExist(err) {
		return reg, nil
	} else if err != nil {
		return reg, fmt.Errorf("reading nonce registry: %v: %w", err, fault.ErrFileSystem)
	}
	if err = json.Unmarshal(raw, &reg); err != nil {
		return reg, fmt.Errorf("decoding nonce registry %s: %w", n.path, err)
	}
	if reg.Used == nil {
		reg.Used = map[string]time.Time{}
	}
	return reg, nil
}

func (n *NonceRegistry) store(reg nonceFile) error {
	raw, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encoding nonce registry: %w", err)
	}

	var tmp = n.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating nonce registry tempfile: %v: %w", err, fault.ErrFileSystem)
	}
	if _, err = f.Write(raw); err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing nonce registry: %v: %w", err, fault.ErrFileSystem)
	}
	if err = os.Rename(tmp, n.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing nonce registry: %v: %w", err, fault.ErrFileSystem)
	}
	return nil
}
