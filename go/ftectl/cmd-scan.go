package main

import (
	"fmt"
	"io"
	"os"

	"github.com/assadsharif/fte/go/ops"
	"github.com/assadsharif/fte/go/secrets"
)

type cmdScan struct {
	Redact bool       `long:"redact" description:"Write the redacted text to stdout instead of a findings report"`
	Log    logOptions `group:"Logging" namespace:"log" env-namespace:"FTE_LOG"`

	Args struct {
		File string `positional-arg-name:"file"`
	} `positional-args:"true"`
}

func (cmd cmdScan) Execute(_ []string) error {
	ops.InitLog(cmd.Log.Level, cmd.Log.Format)

	var text []byte
	var err error
	if cmd.Args.File == "" || cmd.Args.File == "-" {
		text, err = io.ReadAll(os.Stdin)
	} else {
		text, err = os.ReadFile(cmd.Args.File)
	}
	if err != nil {
		return err
	}

	var scanner = secrets.NewScanner()
	if cmd.Redact {
		fmt.Print(scanner.Redact(string(text)))
		return nil
	}

	var findings = scanner.Scan(string(text))
	for _, f := range findings {
		fmt.Printf("line %d: %s %s\n", f.Line, f.Kind, f.Excerpt)
	}
	if len(findings) > 0 {
		return fmt.Errorf("%d potential secrets found", len(findings))
	}
	fmt.Println("no secrets found")
	return nil
}
