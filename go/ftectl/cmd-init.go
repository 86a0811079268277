package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/assadsharif/fte/go/config"
	"github.com/assadsharif/fte/go/ops"
	"github.com/assadsharif/fte/go/vault"
)

type cmdInit struct {
	Vault string     `long:"vault" env:"FTE_VAULT" required:"true" description:"Vault root directory to create"`
	Log   logOptions `group:"Logging" namespace:"log" env-namespace:"FTE_LOG"`
}

func (cmd cmdInit) Execute(_ []string) error {
	ops.InitLog(cmd.Log.Level, cmd.Log.Format)

	if err := vault.Init(cmd.Vault); err != nil {
		return err
	}
	log.WithField("vault", cmd.Vault).Info("vault layout created")

	var cfgPath = config.DefaultPath(cmd.Vault)
	if _, err := os.Stat(cfgPath); err == nil {
		log.WithField("config", cfgPath).Info("existing configuration kept")
		return nil
	}
	if err := os.WriteFile(cfgPath, []byte(config.Starter(cmd.Vault)), 0644); err != nil {
		return fmt.Errorf("writing starter configuration: %w", err)
	}
	log.WithField("config", cfgPath).Info("starter configuration written")
	return nil
}
