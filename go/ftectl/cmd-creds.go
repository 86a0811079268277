package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	log "github.com/sirupsen/logrus"

	"github.com/assadsharif/fte/go/creds"
)

// credsArgs are the positional (service, user) pair every credential
// command addresses.
type credsArgs struct {
	Service string `positional-arg-name:"service" required:"true"`
	User    string `positional-arg-name:"user" required:"true"`
}

func openCreds(o *vaultOptions) (*creds.Store, func(), error) {
	c, err := o.openCore()
	if err != nil {
		return nil, nil, err
	}
	store, err := creds.Open(c.cfg.VaultPath, c.auditor)
	if err != nil {
		c.close()
		return nil, nil, err
	}
	log.WithField("backend", store.Backend()).Debug("credential store opened")
	return store, c.close, nil
}

// readSecret reads the secret from stdin so it never shows up in argv,
// shell history, or the process table.
func readSecret() ([]byte, error) {
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading secret from stdin: %w", err)
	}
	raw = bytes.TrimRight(raw, "\r\n")
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty secret on stdin")
	}
	return raw, nil
}

type cmdCredsSet struct {
	vaultOptions
	Args credsArgs `positional-args:"true"`
}

func (cmd cmdCredsSet) Execute(_ []string) error {
	store, done, err := openCreds(&cmd.vaultOptions)
	if err != nil {
		return err
	}
	defer done()

	secret, err := readSecret()
	if err != nil {
		return err
	}
	return store.Put(cmd.Args.Service, cmd.Args.User, secret)
}

type cmdCredsGet struct {
	vaultOptions
	Args credsArgs `positional-args:"true"`
}

func (cmd cmdCredsGet) Execute(_ []string) error {
	store, done, err := openCreds(&cmd.vaultOptions)
	if err != nil {
		return err
	}
	defer done()

	secret, err := store.Get(cmd.Args.Service, cmd.Args.User)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(secret, '\n'))
	return err
}

type cmdCredsRm struct {
	vaultOptions
	Args credsArgs `positional-args:"true"`
}

func (cmd cmdCredsRm) Execute(_ []string) error {
	store, done, err := openCreds(&cmd.vaultOptions)
	if err != nil {
		return err
	}
	defer done()
	return store.Delete(cmd.Args.Service, cmd.Args.User)
}

type cmdCredsLs struct {
	vaultOptions
}

func (cmd cmdCredsLs) Execute(_ []string) error {
	store, done, err := openCreds(&cmd.vaultOptions)
	if err != nil {
		return err
	}
	defer done()

	keys, err := store.List()
	if err != nil {
		return err
	}
	var w = tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tUSER")
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\n", k.Service, k.User)
	}
	return w.Flush()
}

type cmdCredsRotate struct {
	vaultOptions
	Args credsArgs `positional-args:"true"`
}

func (cmd cmdCredsRotate) Execute(_ []string) error {
	store, done, err := openCreds(&cmd.vaultOptions)
	if err != nil {
		return err
	}
	defer done()

	secret, err := readSecret()
	if err != nil {
		return err
	}
	return store.Rotate(cmd.Args.Service, cmd.Args.User, secret)
}
