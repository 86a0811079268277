package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/assadsharif/fte/go/labels"
)

type cmdBreakerReset struct {
	vaultOptions

	Args struct {
		Driver string `positional-arg-name:"driver" required:"true"`
	} `positional-args:"true"`
}

func (cmd cmdBreakerReset) Execute(_ []string) error {
	cfg, err := cmd.loadConfig()
	if err != nil {
		return err
	}
	var path = filepath.Join(cfg.VaultPath, labels.BreakerResetFile)
	if err := os.WriteFile(path, []byte(cmd.Args.Driver+"\n"), 0644); err != nil {
		return fmt.Errorf("writing breaker reset request: %w", err)
	}
	fmt.Printf("reset requested for %q; the scheduler applies it on its next tick\n",
		cmd.Args.Driver)
	return nil
}
