// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newProvidersCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Probe the configured LLM providers",
		Long:  "Probe every configured provider and print its availability in fallback order. The active provider is the one the next turn would use.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runProviders(cmd)
		},
	}

	cmd.Flags().Bool("models", false, "also list the models each provider offers")

	return cmd
}

func (c *cli) runProviders(cmd *cobra.Command) error {
	rt, err := c.wire(cmd.Context())
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	out := cmd.OutOrStdout()
	statuses := rt.Selector.Status(cmd.Context())
	if len(statuses) == 0 {
		_, err := fmt.Fprintln(out, "No providers configured.")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROVIDER\tKIND\tMODEL\tSTATUS\t")
	for _, st := range statuses {
		status := color.RedString("unreachable")
		if st.Available {
			status = color.GreenString("available")
		}
		name := st.Provider
		if st.Active {
			name = color.New(color.Bold).Sprint("* " + name)
		} else {
			name = "  " + name
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n", name, st.Kind, st.Model, status)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if models, _ := cmd.Flags().GetBool("models"); models {
		for _, a := range rt.Selector.Adapters() {
			_, _ = fmt.Fprintf(out, "\n%s\n", color.CyanString(a.Name()))
			for _, m := range a.ListModels(cmd.Context()) {
				_, _ = fmt.Fprintf(out, "  %s\n", m)
			}
		}
	}

	for _, st := range statuses {
		if st.Active {
			return nil
		}
	}
	_, err = fmt.Fprintln(out, color.YellowString("\nNo provider is reachable; turns will fail until one comes up."))
	return err
}
