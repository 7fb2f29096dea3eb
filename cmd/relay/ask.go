// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sigil-dev/relay/internal/orchestrator"
	"github.com/sigil-dev/relay/internal/provider"
)

func newAskCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer one question and exit",
		Long:  "Run a single conversation turn: route the question, consult the matching tool server if any, and print the answer.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runAsk(cmd, strings.Join(args, " "))
		},
	}

	cmd.Flags().String("system", "", "system prompt for this turn")
	cmd.Flags().Bool("heuristic", false, "route with keyword heuristics only")
	cmd.Flags().Bool("json", false, "print the full turn result as JSON")

	return cmd
}

func (c *cli) runAsk(cmd *cobra.Command, question string) error {
	var opts []wireOption
	if heuristic, _ := cmd.Flags().GetBool("heuristic"); heuristic {
		opts = append(opts, withHeuristicRouting())
	}
	rt, err := c.wire(cmd.Context(), opts...)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	var msgs []provider.ChatMessage
	if system, _ := cmd.Flags().GetString("system"); system != "" {
		msgs = append(msgs, provider.NewMessage(provider.RoleSystem, system))
	}
	msgs = append(msgs, provider.NewMessage(provider.RoleUser, question))

	resp, err := rt.Orchestrator.Turn(cmd.Context(), msgs)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	if _, err := fmt.Fprintln(out, resp.Content); err != nil {
		return err
	}
	_, err = color.New(color.FgHiBlack).Fprintln(cmd.ErrOrStderr(), turnSummary(resp))
	return err
}

// turnSummary names the provider and the tool a turn used.
func turnSummary(resp *orchestrator.Response) string {
	parts := []string{"via " + resp.Provider}
	if t := resp.Tool; t != nil {
		tool := t.Server + "/" + t.Tool
		switch {
		case t.Error != "":
			tool += " (failed)"
		case len(t.StrategiesTried) > 0:
			tool += fmt.Sprintf(" (recovered: %s, %d attempts)", t.Strategy, t.Attempts)
		}
		parts = append(parts, tool)
	}
	return strings.Join(parts, ", ")
}
