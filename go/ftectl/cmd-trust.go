package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/assadsharif/fte/go/trust"
)

type cmdTrustRegister struct {
	vaultOptions
	Digest string `long:"digest" description:"Pin this sha256 hex digest instead of hashing a binary"`
	Source string `long:"source" description:"Where the pin came from, recorded for audit"`

	Args struct {
		Name string `positional-arg-name:"driver" required:"true"`
		Path string `positional-arg-name:"path"`
	} `positional-args:"true"`
}

func (cmd cmdTrustRegister) Execute(_ []string) error {
	c, err := cmd.openCore()
	if err != nil {
		return err
	}
	defer c.close()
	var registry = trust.NewRegistry(c.cfg.VaultPath, c.auditor)

	var digest = cmd.Digest
	if digest == "" {
		if cmd.Args.Path == "" {
			return fmt.Errorf("pass a binary path to hash, or --digest to pin directly")
		}
		digest, err = registry.RegisterBinary(cmd.Args.Name, cmd.Args.Path, cmd.Source)
		if err != nil {
			return err
		}
	} else if err := registry.Register(cmd.Args.Name, digest, cmd.Source); err != nil {
		return err
	}
	fmt.Printf("registered %s sha256:%s\n", cmd.Args.Name, digest)
	return nil
}

type cmdTrustVerify struct {
	vaultOptions

	Args struct {
		Name string `positional-arg-name:"driver" required:"true"`
		Path string `positional-arg-name:"path" required:"true"`
	} `positional-args:"true"`
}

func (cmd cmdTrustVerify) Execute(_ []string) error {
	c, err := cmd.openCore()
	if err != nil {
		return err
	}
	defer c.close()

	if err := trust.NewRegistry(c.cfg.VaultPath, c.auditor).
		Verify(cmd.Args.Name, cmd.Args.Path); err != nil {
		return err
	}
	fmt.Printf("%s matches its registered digest\n", cmd.Args.Name)
	return nil
}

type cmdTrustList struct {
	vaultOptions
}

func (cmd cmdTrustList) Execute(_ []string) error {
	c, err := cmd.openCore()
	if err != nil {
		return err
	}
	defer c.close()

	entries, err := trust.NewRegistry(c.cfg.VaultPath, c.auditor).List()
	if err != nil {
		return err
	}
	var w = tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DRIVER\tDIGEST\tREGISTERED\tSOURCE")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s:%s\t%s\t%s\n",
			e.Name, e.Algorithm, e.Digest,
			e.RegisteredAt.UTC().Format(time.RFC3339), e.Source)
	}
	return w.Flush()
}
