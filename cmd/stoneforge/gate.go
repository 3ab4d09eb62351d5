package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kingrea/stoneforge/internal/config"
	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/gate"
)

func newGateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gate",
		Short: "Approve or satisfy awaits gates",
	}
	cmd.AddCommand(
		newApprovalCmd(c, "approve", "Record an approval on the gate <blocked> awaits on <blocker>", c.recordApproval),
		newApprovalCmd(c, "unapprove", "Withdraw an approval", c.removeApproval),
		newSatisfyCmd(c),
	)
	return cmd
}

type approvalFunc func(cmd *cobra.Command, blockedID, blockerID, approver string) (gate.ApprovalResult, error)

func (c *cli) recordApproval(cmd *cobra.Command, blockedID, blockerID, approver string) (gate.ApprovalResult, error) {
	return c.engine.RecordApproval(cmd.Context(), blockedID, blockerID, approver)
}

func (c *cli) removeApproval(cmd *cobra.Command, blockedID, blockerID, approver string) (gate.ApprovalResult, error) {
	return c.engine.RemoveApproval(cmd.Context(), blockedID, blockerID, approver)
}

func newApprovalCmd(c *cli, use, short string, fn approvalFunc) *cobra.Command {
	var approver string
	cmd := &cobra.Command{
		Use:   use + " <blocked> <blocker>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			who := approver
			if who == "" {
				who = c.actor()
			}
			if who == "" {
				return element.Constraintf("an approver is required: pass --as or --actor, or set %s", config.ActorEnv)
			}
			res, err := fn(cmd, args[0], args[1], who)
			if err != nil {
				return err
			}
			if !res.Success {
				return element.NotFoundf("no approval gate on %s -> %s", args[0], args[1])
			}
			return c.emit(cmd, res, func(w io.Writer) {
				state := blockedStyle.Render("waiting")
				if res.Satisfied {
					state = readyStyle.Render("satisfied")
				}
				fmt.Fprintf(w, "%d/%d approvals, %s\n", res.CurrentCount, res.RequiredCount, state)
			})
		},
	}
	cmd.Flags().StringVar(&approver, "as", "", "Approver (default: the actor)")
	return cmd
}

func newSatisfyCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "satisfy <blocked> <blocker>",
		Short: "Mark a gate satisfied regardless of its kind",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := c.engine.SatisfyGate(cmd.Context(), args[0], args[1], c.actor())
			if err != nil {
				return err
			}
			if !ok {
				return element.NotFoundf("no awaits edge %s -> %s", args[0], args[1])
			}
			res := map[string]any{"blockedId": args[0], "blockerId": args[1], "satisfied": true}
			return c.emit(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "gate %s -> %s %s\n", args[0], args[1], readyStyle.Render("satisfied"))
			})
		},
	}
}
