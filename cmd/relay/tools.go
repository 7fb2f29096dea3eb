// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"
	"slices"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

func newToolsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "tools [server]",
		Short: "List tool servers and their tools",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runTools(cmd, args)
		},
	}
}

func (c *cli) runTools(cmd *cobra.Command, args []string) error {
	rt, err := c.wire(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	out := cmd.OutOrStdout()
	if rt.Tools == nil {
		_, err := fmt.Fprintln(out, "No tool servers configured.")
		return err
	}

	servers := rt.Tools.Servers()
	if len(args) == 1 {
		if !slices.Contains(servers, args[0]) {
			return relayerr.Errorf(relayerr.CodeCLIInputInvalid, "unknown tool server %q (configured: %v)", args[0], servers)
		}
		servers = []string{args[0]}
	}

	for i, name := range servers {
		if i > 0 {
			_, _ = fmt.Fprintln(out)
		}
		_, _ = fmt.Fprintln(out, color.CyanString(name))
		tools, err := rt.Tools.ListTools(cmd.Context(), name)
		if err != nil {
			_, _ = fmt.Fprintf(out, "  %s %v\n", color.RedString("unreachable:"), err)
			continue
		}
		for _, t := range tools {
			if t.Description == "" {
				_, _ = fmt.Fprintf(out, "  %s\n", t.Name)
				continue
			}
			_, _ = fmt.Fprintf(out, "  %s  %s\n", t.Name, color.HiBlackString(t.Description))
		}
	}
	return nil
}
