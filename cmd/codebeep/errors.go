// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/codebeep/cmd/codebeep/cli"
	"github.com/bureau-foundation/codebeep/lib/config"
	"github.com/bureau-foundation/codebeep/lib/netutil"
	"github.com/bureau-foundation/codebeep/store"
)

// rawPreview is how much of each payload the table shows.
const rawPreview = 60

func errorsCommand(ctx context.Context, stdout io.Writer) *cli.Command {
	var (
		configPath string
		limit      int
		raw        bool
	)
	return &cli.Command{
		Name:    "errors",
		Summary: "List archived agent server protocol errors",
		Description: `List the agent server responses that failed to decode, newest first.
The bridge archives each one with its raw payload so a server upgrade
that changes field names can be diagnosed after the fact.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("errors", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			flagSet.IntVarP(&limit, "limit", "n", 20, "number of records to show")
			flagSet.BoolVar(&raw, "raw", false, "print each full payload after its record")
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Show the latest payload in full", Command: "codebeep errors -n 1 --raw"},
		},
		Run: func([]string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return err
			}
			st, err := store.Open(ctx, store.Config{Path: settings.State.Database})
			if err != nil {
				return err
			}
			defer st.Close()
			return listProtocolErrors(ctx, stdout, st, limit, raw)
		},
	}
}

func listProtocolErrors(ctx context.Context, w io.Writer, st *store.Store, limit int, raw bool) error {
	if limit < 1 {
		return fmt.Errorf("--limit must be at least 1")
	}
	records, err := st.ProtocolErrors(ctx, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No protocol errors recorded.")
		return nil
	}
	if raw {
		for _, record := range records {
			fmt.Fprintf(w, "#%d %s %s: %s\n%s\n\n", record.ID, record.Recorded.Format(time.RFC3339), record.Op, record.Detail, record.Raw)
		}
		return nil
	}
	table := tabwriter.NewWriter(w, 2, 0, 2, ' ', 0)
	fmt.Fprintln(table, "ID\tRECORDED\tOPERATION\tDETAIL\tPAYLOAD")
	for _, record := range records {
		fmt.Fprintf(table, "%d\t%s\t%s\t%s\t%s\n",
			record.ID, record.Recorded.Format(time.RFC3339), record.Op, record.Detail, netutil.Truncate(record.Raw, rawPreview))
	}
	return table.Flush()
}
