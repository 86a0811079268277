package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/assadsharif/fte/go/sched"
)

type cmdCheckpoint struct {
	vaultOptions
}

func (cmd cmdCheckpoint) Execute(_ []string) error {
	cfg, err := cmd.loadConfig()
	if err != nil {
		return err
	}
	cp, err := sched.NewCheckpointStore(cfg.VaultPath).Load()
	if err != nil {
		return err
	}
	var enc = json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(cp); err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	return nil
}
