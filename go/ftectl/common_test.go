package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/assadsharif/fte/go/config"
	"github.com/assadsharif/fte/go/fault"
)

func TestLoadConfigDefaultsWhenVaultHasNoFile(t *testing.T) {
	var opts = vaultOptions{Vault: t.TempDir()}
	opts.Log.Level, opts.Log.Format = "info", "text"

	cfg, err := opts.loadConfig()
	require.NoError(t, err)
	require.Equal(t, opts.Vault, cfg.VaultPath)
	require.Equal(t, config.Default().MaxConcurrentTasks, cfg.MaxConcurrentTasks)
}

func TestLoadConfigExplicitPathMustExist(t *testing.T) {
	var opts = vaultOptions{
		Vault:  t.TempDir(),
		Config: filepath.Join(t.TempDir(), "nope.yaml"),
	}
	opts.Log.Level, opts.Log.Format = "info", "text"

	var _, err = opts.loadConfig()
	require.Error(t, err)
}

func TestLoadConfigVaultFlagOverridesFile(t *testing.T) {
	var fileVault = t.TempDir()
	var flagVault = t.TempDir()
	var path = config.DefaultPath(fileVault)
	require.NoError(t, os.WriteFile(path,
		[]byte("vault_path: "+fileVault+"\nmax_concurrent_tasks: 3\n"), 0644))

	var opts = vaultOptions{Vault: flagVault, Config: path}
	opts.Log.Level, opts.Log.Format = "info", "text"

	cfg, err := opts.loadConfig()
	require.NoError(t, err)
	require.Equal(t, flagVault, cfg.VaultPath)
	require.Equal(t, 3, cfg.MaxConcurrentTasks)
}

func TestLoadConfigNoVaultAnywhereIsValidationError(t *testing.T) {
	var opts = vaultOptions{}
	opts.Log.Level, opts.Log.Format = "info", "text"

	var _, err = opts.loadConfig()
	require.ErrorIs(t, err, fault.ErrValidation)
}
