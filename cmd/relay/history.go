// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/sigil-dev/relay/internal/recovery"
	"github.com/sigil-dev/relay/internal/store"
	relayerr "github.com/sigil-dev/relay/pkg/errors"
)

func newHistoryCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent turns from the audit trail",
		Long:  "Print the most recent turns recorded by the audit store, newest first. Only the sqlite backend keeps turns across processes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.runHistory(cmd)
		},
	}

	cmd.Flags().IntP("limit", "n", 20, "maximum number of turns")
	cmd.Flags().String("provider", "", "only turns answered by this provider")
	cmd.Flags().Bool("failed", false, "only turns whose tool call failed")
	cmd.Flags().Duration("since", 0, "only turns within this long ago, e.g. 1h")
	cmd.Flags().Bool("json", false, "print the records as JSON")

	return cmd
}

func (c *cli) runHistory(cmd *cobra.Command) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch cfg.Audit.Backend {
	case "":
		_, err := fmt.Fprintln(out, "The audit trail is disabled (audit.backend is empty).")
		return err
	case store.BackendMemory:
		_, err := fmt.Fprintln(out, "The memory audit backend only lives inside a running server; query GET /api/v1/turns instead.")
		return err
	}

	audit, err := store.Open(cfg.Audit)
	if err != nil {
		return err
	}
	defer func() { _ = audit.Close() }()

	filter := store.TurnFilter{}
	filter.Limit, _ = cmd.Flags().GetInt("limit")
	filter.Provider, _ = cmd.Flags().GetString("provider")
	filter.FailedOnly, _ = cmd.Flags().GetBool("failed")
	if since, _ := cmd.Flags().GetDuration("since"); since > 0 {
		filter.From = time.Now().Add(-since)
	}
	if filter.Limit <= 0 {
		return relayerr.Errorf(relayerr.CodeCLIInputInvalid, "--limit must be positive, got %d", filter.Limit)
	}

	turns, err := audit.Query(cmd.Context(), filter)
	if err != nil {
		return err
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		if turns == nil {
			turns = []*store.TurnRecord{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(turns)
	}

	if len(turns) == 0 {
		_, err := fmt.Fprintln(out, "No turns recorded.")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tPROVIDER\tTOOL\tRECOVERY\tQUESTION\t")
	for _, rec := range turns {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n",
			rec.Timestamp.Local().Format(time.DateTime),
			rec.Provider,
			historyTool(rec),
			historyRecovery(rec),
			truncate(rec.Question, 60),
		)
	}
	return tw.Flush()
}

func historyTool(rec *store.TurnRecord) string {
	if rec.Tool == "" {
		return "-"
	}
	ref := rec.Server + "/" + rec.Tool
	if rec.ToolError != "" {
		return color.RedString(ref)
	}
	return ref
}

func historyRecovery(rec *store.TurnRecord) string {
	if rec.Strategy == "" || rec.Strategy == string(recovery.StrategyNone) {
		return "-"
	}
	return fmt.Sprintf("%s (%d attempts)", rec.Strategy, rec.Attempts)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
