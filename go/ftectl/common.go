package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/assadsharif/fte/go/audit"
	"github.com/assadsharif/fte/go/config"
	"github.com/assadsharif/fte/go/fault"
	"github.com/assadsharif/fte/go/labels"
	"github.com/assadsharif/fte/go/ops"
	"github.com/assadsharif/fte/go/secrets"
	"github.com/assadsharif/fte/go/vault"
)

// logOptions mirror the config file's log section; flags win so an
// operator can turn on debug output for one command.
type logOptions struct {
	Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" choice:"fatal" description:"Logging level"`
	Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" description:"Logging output format"`
}

// vaultOptions are the flags every command shares.
type vaultOptions struct {
	Vault  string     `long:"vault" env:"FTE_VAULT" description:"Vault root directory"`
	Config string     `long:"config" env:"FTE_CONFIG" description:"Configuration file (default <vault>/fte.yaml)"`
	Log    logOptions `group:"Logging" namespace:"log" env-namespace:"FTE_LOG"`
}

// loadConfig resolves the configuration for a command: an explicit
// --config must exist; otherwise <vault>/fte.yaml is used when present
// and the documented defaults apply when not. --vault overrides the
// file's vault_path either way.
func (o *vaultOptions) loadConfig() (*config.Config, error) {
	ops.InitLog(o.Log.Level, o.Log.Format)

	var path = o.Config
	if path == "" && o.Vault != "" {
		path = config.DefaultPath(o.Vault)
	}

	var cfg config.Config
	switch _, statErr := os.Stat(path); {
	case path == "" || (os.IsNotExist(statErr) && o.Config == ""):
		cfg = config.Default()
	default:
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if o.Vault != "" {
		cfg.VaultPath = o.Vault
	}
	if cfg.VaultPath == "" {
		return nil, fmt.Errorf("no vault: pass --vault or set vault_path in the config: %w",
			fault.ErrValidation)
	}
	return &cfg, nil
}

// core is the minimal stack shared by vault-touching commands: the
// scanner, the audit log, and the opened vault.
type core struct {
	cfg     *config.Config
	scanner *secrets.Scanner
	auditor *audit.Log
	vault   *vault.Vault
}

func (o *vaultOptions) openCore() (*core, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	var scanner = secrets.NewScanner()
	auditor, err := audit.Open(filepath.Join(cfg.VaultPath, labels.Logs), scanner)
	if err != nil {
		return nil, err
	}
	v, err := vault.Open(cfg.VaultPath, auditor)
	if err != nil {
		_ = auditor.Close()
		return nil, err
	}
	return &core{cfg: cfg, scanner: scanner, auditor: auditor, vault: v}, nil
}

func (c *core) close() {
	_ = c.auditor.Close()
}
