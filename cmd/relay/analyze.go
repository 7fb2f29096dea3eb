// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sigil-dev/relay/internal/analyzer"
	"github.com/sigil-dev/relay/internal/provider"
)

func newAnalyzeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <text>",
		Short: "Show how a question would be routed",
		Long:  "Classify a question the way a turn would and print the resulting analysis as YAML. No tool is called and no answer is generated.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runAnalyze(cmd, strings.Join(args, " "))
		},
	}

	cmd.Flags().Bool("heuristic", false, "skip the LLM classifier and use keyword heuristics only")

	return cmd
}

func (c *cli) runAnalyze(cmd *cobra.Command, text string) error {
	var qa analyzer.QueryAnalysis
	if heuristic, _ := cmd.Flags().GetBool("heuristic"); heuristic {
		qa = analyzer.Heuristic(text)
	} else {
		rt, err := c.wire(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close() }()
		qa, err = rt.Orchestrator.Analyze(cmd.Context(), []provider.ChatMessage{provider.NewMessage(provider.RoleUser, text)})
		if err != nil {
			return err
		}
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(qa); err != nil {
		return err
	}
	return enc.Close()
}
