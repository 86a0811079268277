package main

import (
	"context"
	"fmt"

	"github.com/assadsharif/fte/go/approval"
)

type cmdReject struct {
	vaultOptions
	Approver string `long:"approver" env:"FTE_APPROVER" required:"true" description:"Approver identity, matched against authorized_approvers"`
	Reason   string `long:"reason" required:"true" description:"Why the action is denied"`

	Args struct {
		ApprovalID string `positional-arg-name:"approval-id" required:"true"`
	} `positional-args:"true"`
}

func (cmd cmdReject) Execute(_ []string) error {
	c, err := cmd.openCore()
	if err != nil {
		return err
	}
	defer c.close()

	store, err := approval.NewStore(c.vault, c.cfg, c.auditor)
	if err != nil {
		return err
	}
	if err := store.Reject(context.Background(), cmd.Args.ApprovalID, cmd.Approver, cmd.Reason); err != nil {
		return err
	}
	fmt.Printf("rejected %s as %s\n", cmd.Args.ApprovalID, cmd.Approver)
	return nil
}
