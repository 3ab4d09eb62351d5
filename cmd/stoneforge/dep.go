package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/stoneforge/internal/element"
	"github.com/kingrea/stoneforge/internal/gate"
	"github.com/kingrea/stoneforge/internal/graph"
)

func newDepCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dep",
		Short: "Add, remove and inspect dependencies",
	}
	cmd.AddCommand(newDepAddCmd(c), newDepRemoveCmd(c), newDepListCmd(c), newDepTreeCmd(c))
	return cmd
}

// gateFlags describe the AWAITS gate attached by `dep add --type awaits`.
type gateFlags struct {
	kind           string
	waitUntil      string
	approvers      []string
	approvalCount  int
	externalSystem string
	externalID     string
}

func (gf *gateFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVar(&gf.kind, "gate", "", "Gate kind for awaits edges: timer, approval or external")
	flags.StringVar(&gf.waitUntil, "wait-until", "", "Timer gate: RFC3339 time the gate opens")
	flags.StringSliceVar(&gf.approvers, "approvers", nil, "Approval gate: required approvers")
	flags.IntVar(&gf.approvalCount, "approval-count", 0, "Approval gate: approvals needed (default: all)")
	flags.StringVar(&gf.externalSystem, "external-system", "", "External gate: system name")
	flags.StringVar(&gf.externalID, "external-id", "", "External gate: id in that system")
}

func (gf *gateFlags) metadata(cmd *cobra.Command) (element.Metadata, error) {
	switch gate.Kind(strings.ToLower(gf.kind)) {
	case "":
		return nil, nil
	case gate.KindTimer:
		at, err := parseTimeFlag("wait-until", gf.waitUntil)
		if err != nil {
			return nil, err
		}
		if at == nil {
			return nil, element.Constraintf("timer gates need --wait-until")
		}
		return gate.Encode(gate.Timer{WaitUntil: *at}), nil
	case gate.KindApproval:
		g := gate.Approval{RequiredApprovers: gf.approvers}
		if cmd.Flags().Changed("approval-count") {
			n := gf.approvalCount
			g.ApprovalCount = &n
		}
		return gate.Encode(g), nil
	case gate.KindExternal:
		return gate.Encode(gate.External{System: gf.externalSystem, ID: gf.externalID}), nil
	default:
		return nil, element.Constraintf("unknown gate kind %q", gf.kind)
	}
}

func newDepAddCmd(c *cli) *cobra.Command {
	var depType string
	gf := &gateFlags{}
	cmd := &cobra.Command{
		Use:   "add <blocked> <blocker>",
		Short: "Make <blocked> wait on <blocker>",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := element.ParseDependencyType(depType)
			if err != nil {
				return err
			}
			meta, err := gf.metadata(cmd)
			if err != nil {
				return err
			}
			if meta != nil && t != element.DepAwaits {
				return element.Constraintf("--gate only applies to awaits edges")
			}
			dep, err := c.engine.AddDependency(cmd.Context(), graph.AddRequest{
				BlockedID: args[0],
				BlockerID: args[1],
				Type:      t,
				Metadata:  meta,
				Actor:     c.actor(),
			})
			if err != nil {
				return err
			}
			return c.emit(cmd, dep, func(w io.Writer) {
				fmt.Fprintf(w, "%s -[%s]-> %s\n", idStyle.Render(dep.BlockedID), dep.Type, idStyle.Render(dep.BlockerID))
			})
		},
	}
	cmd.Flags().StringVar(&depType, "type", string(element.DepBlocks), "Dependency type: blocks, parent-child, awaits, relates-to, references")
	gf.register(cmd)
	return cmd
}

func newDepRemoveCmd(c *cli) *cobra.Command {
	var depType string
	cmd := &cobra.Command{
		Use:   "remove <blocked> <blocker>",
		Short: "Remove a dependency",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := element.ParseDependencyType(depType)
			if err != nil {
				return err
			}
			if err := c.engine.RemoveDependency(cmd.Context(), args[0], args[1], t); err != nil {
				return err
			}
			res := map[string]any{"blockedId": args[0], "blockerId": args[1], "type": t, "removed": true}
			return c.emit(cmd, res, func(w io.Writer) {
				fmt.Fprintf(w, "removed %s -[%s]-> %s\n", args[0], t, args[1])
			})
		},
	}
	cmd.Flags().StringVar(&depType, "type", string(element.DepBlocks), "Dependency type")
	return cmd
}

func parseTypes(values []string) ([]element.DependencyType, error) {
	var out []element.DependencyType
	for _, v := range values {
		t, err := element.ParseDependencyType(v)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func newDepListCmd(c *cli) *cobra.Command {
	var (
		types   []string
		reverse bool
	)
	cmd := &cobra.Command{
		Use:   "list <id>",
		Short: "List what <id> waits on (or, with --reverse, what waits on it)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTypes(types)
			if err != nil {
				return err
			}
			var deps []element.Dependency
			if reverse {
				deps, err = c.engine.Dependents(cmd.Context(), args[0], ts...)
			} else {
				deps, err = c.engine.Dependencies(cmd.Context(), args[0], ts...)
			}
			if err != nil {
				return err
			}
			return c.emit(cmd, deps, func(w io.Writer) { printDependencies(w, deps, reverse) })
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "Only these dependency types")
	cmd.Flags().BoolVarP(&reverse, "reverse", "r", false, "List dependents instead")
	return cmd
}

func newDepTreeCmd(c *cli) *cobra.Command {
	var (
		types    []string
		reverse  bool
		maxDepth int
	)
	cmd := &cobra.Command{
		Use:   "tree <id>",
		Short: "Print the dependency tree rooted at <id>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ts, err := parseTypes(types)
			if err != nil {
				return err
			}
			nodes, err := c.engine.DependencyTree(cmd.Context(), args[0], graph.TreeOptions{
				MaxDepth: maxDepth,
				Reverse:  reverse,
				Types:    ts,
			})
			if err != nil {
				return err
			}
			return c.emit(cmd, nodes, func(w io.Writer) { printTree(w, nodes) })
		},
	}
	cmd.Flags().StringSliceVar(&types, "type", nil, "Only follow these dependency types")
	cmd.Flags().BoolVarP(&reverse, "reverse", "r", false, "Walk dependents instead")
	cmd.Flags().IntVarP(&maxDepth, "max-depth", "d", graph.DefaultMaxDepth, "Maximum depth")
	return cmd
}
