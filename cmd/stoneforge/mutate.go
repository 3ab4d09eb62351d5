package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kingrea/stoneforge/internal/element"
)

func newStatusCmd(c *cli, use, short string, status element.Status) *cobra.Command {
	var expect string
	cmd := &cobra.Command{
		Use:   use + " <id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expected, err := parseTimeFlag("expect", expect)
			if err != nil {
				return err
			}
			if expected != nil && len(args) > 1 {
				return element.Constraintf("--expect applies to a single id")
			}
			var updated []element.Element
			for _, id := range args {
				el, err := c.engine.UpdateStatus(cmd.Context(), id, status, expected)
				if err != nil {
					return err
				}
				updated = append(updated, el)
			}
			return c.emit(cmd, updated, func(w io.Writer) {
				for _, el := range updated {
					fmt.Fprintf(w, "%s %s\n", idStyle.Render(el.ID), statusText(el.Status))
				}
			})
		},
	}
	cmd.Flags().StringVar(&expect, "expect", "", "Fail unless the element's updatedAt equals this RFC3339 time")
	return cmd
}

func newCloseCmd(c *cli) *cobra.Command {
	return newStatusCmd(c, "close", "Close tasks, unblocking their dependents", element.StatusClosed)
}

func newReopenCmd(c *cli) *cobra.Command {
	return newStatusCmd(c, "reopen", "Reopen closed tasks", element.StatusOpen)
}

func newDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Soft-delete elements; their edges stop blocking",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var deleted []element.Element
			for _, id := range args {
				el, err := c.engine.Delete(cmd.Context(), id, c.actor())
				if err != nil {
					return err
				}
				deleted = append(deleted, el)
			}
			return c.emit(cmd, deleted, func(w io.Writer) {
				for _, el := range deleted {
					fmt.Fprintf(w, "%s deleted by %s\n", idStyle.Render(el.ID), el.DeletedBy)
				}
			})
		},
	}
}
