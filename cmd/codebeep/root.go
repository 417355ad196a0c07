// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/codebeep/cmd/codebeep/cli"
	"github.com/bureau-foundation/codebeep/lib/config"
	"github.com/bureau-foundation/codebeep/lib/version"
)

// root builds the command tree. Command output goes to stdout; logs
// and help go to stderr.
func root(ctx context.Context, stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name: "codebeep",
		Description: `codebeep bridges a Matrix account to an OpenCode-style agent server.
Chat commands such as /build start agent sessions; the outcome of each
session is posted back to the room that started it.`,
		Subcommands: []*cli.Command{
			runCommand(ctx),
			initCommand(stdout),
			checkCommand(ctx, stdout),
			errorsCommand(ctx, stdout),
			versionCommand(stdout),
		},
	}
}

// configFlag registers --config on flagSet. The default is empty so
// config.Load falls back to $CODEBEEP_CONFIG.
func configFlag(flagSet *pflag.FlagSet, path *string) {
	flagSet.StringVarP(path, "config", "c", "", "config file (default $"+config.EnvVar+")")
}

func versionCommand(stdout io.Writer) *cli.Command {
	var full bool
	return &cli.Command{
		Name:    "version",
		Summary: "Print the build version",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("version", pflag.ContinueOnError)
			flagSet.BoolVar(&full, "full", false, "include the Go toolchain and platform")
			return flagSet
		},
		Run: func([]string) error {
			if full {
				fmt.Fprintf(stdout, "codebeep %s\n", version.Full())
			} else {
				fmt.Fprintf(stdout, "codebeep %s\n", version.Info())
			}
			return nil
		},
	}
}
