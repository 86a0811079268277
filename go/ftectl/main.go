// ftectl is the operator CLI of the vault orchestrator: it hosts the
// scheduler (serve) and the commands that act on a vault from the
// outside (init, approvals, trust, credentials, scanning, debugging).
package main

import (
	"errors"
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
)

// errRuntime marks a failure that happened after successful
// initialization; main maps it to exit code 2 per the process contract.
var errRuntime = errors.New("unrecoverable runtime error")

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	_, _ = parser.AddCommand("init", "Initialize a vault", `
Create the workflow folder layout under the vault root and write a
commented starter configuration if none exists. Idempotent: existing
folders and task files are never touched.
`, &cmdInit{})

	_, _ = parser.AddCommand("serve", "Run the scheduler", `
Run the scheduler until signalled (SIGINT/SIGTERM), the stop hook plus
max_iterations ends the loop, or an unrecoverable error occurs. Exits 0
on graceful stop, 1 on initialization errors, 2 on runtime errors.
`, &cmdServe{})

	_, _ = parser.AddCommand("approve", "Approve a pending approval", `
Record an operator's approval decision. The approver must match the
authorized_approvers patterns for the approval's action type.
`, &cmdApprove{})

	_, _ = parser.AddCommand("reject", "Reject a pending approval", `
Record an operator's rejection with a reason.
`, &cmdReject{})

	_, _ = parser.AddCommand("approvals", "List approvals", `
List approval files and their states, optionally filtered by status.
`, &cmdApprovals{})

	_, _ = parser.AddCommand("tasks", "List tasks per workflow folder", `
List task files per workflow folder, with priority scores for tasks
waiting in Needs_Action.
`, &cmdTasks{})

	trust, _ := parser.AddCommand("trust", "Manage the driver trust registry", "", &struct{}{})
	_, _ = trust.AddCommand("register", "Pin a driver binary", `
Register a driver in the trust registry. With --digest the given pin is
recorded as-is; otherwise the binary at the given path is hashed.
`, &cmdTrustRegister{})
	_, _ = trust.AddCommand("verify", "Verify a driver binary", `
Recompute the binary's digest and compare it against the registry.
`, &cmdTrustVerify{})
	_, _ = trust.AddCommand("list", "List registered drivers", "", &cmdTrustList{})

	creds, _ := parser.AddCommand("creds", "Manage stored credentials", "", &struct{}{})
	_, _ = creds.AddCommand("set", "Store a secret", `
Store a secret for (service, user). The secret is read from stdin so it
never appears in argv or shell history.
`, &cmdCredsSet{})
	_, _ = creds.AddCommand("get", "Print a secret", "", &cmdCredsGet{})
	_, _ = creds.AddCommand("rm", "Delete a secret", "", &cmdCredsRm{})
	_, _ = creds.AddCommand("ls", "List stored credential keys", "", &cmdCredsLs{})
	_, _ = creds.AddCommand("rotate", "Replace an existing secret", `
Replace the secret for an existing (service, user). The new secret is
read from stdin. Rotation refuses to mint entries that do not exist.
`, &cmdCredsRotate{})

	_, _ = parser.AddCommand("scan", "Scan text for secrets", `
Run the secrets scanner over a file or stdin and report findings. With
--redact the redacted text is written to stdout.
`, &cmdScan{})

	breaker, _ := parser.AddCommand("breaker", "Circuit breaker operations", "", &struct{}{})
	_, _ = breaker.AddCommand("reset", "Request a manual circuit reset", `
Ask the running scheduler to reset a driver's circuit breaker (or all of
them with *). The request is a control file consumed on the next
scheduler tick.
`, &cmdBreakerReset{})

	_, _ = parser.AddCommand("checkpoint", "Print the scheduler checkpoint", "", &cmdCheckpoint{})

	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		log.WithField("error", err).Error("command failed")
		if errors.Is(err, errRuntime) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
