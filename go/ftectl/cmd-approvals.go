package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/assadsharif/fte/go/approval"
)

type cmdApprovals struct {
	vaultOptions
	Status string `long:"status" choice:"pending" choice:"approved" choice:"rejected" choice:"timeout" description:"Only list approvals in this state"`
}

func (cmd cmdApprovals) Execute(_ []string) error {
	c, err := cmd.openCore()
	if err != nil {
		return err
	}
	defer c.close()

	store, err := approval.NewStore(c.vault, c.cfg, c.auditor)
	if err != nil {
		return err
	}
	list, err := store.List(cmd.Status)
	if err != nil {
		return err
	}

	var w = tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "APPROVAL\tTASK\tACTION\tRISK\tSTATUS\tEXPIRES\tAPPROVER")
	for _, a := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.Frontmatter.ApprovalID,
			a.Frontmatter.TaskID,
			a.Frontmatter.ActionType,
			a.Frontmatter.RiskLevel,
			a.Frontmatter.Status,
			a.Frontmatter.ExpiresAt.UTC().Format(time.RFC3339),
			a.Frontmatter.Approver,
		)
	}
	return w.Flush()
}
