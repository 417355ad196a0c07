// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/codebeep/cmd/codebeep/cli"
	"github.com/bureau-foundation/codebeep/lib/config"
)

const templateHeader = `# codebeep configuration. Fill in the matrix account, export
# CODEBEEP_PASSWORD, then run: codebeep check --config <this file>
`

func initCommand(stdout io.Writer) *cli.Command {
	var (
		output string
		force  bool
	)
	return &cli.Command{
		Name:    "init",
		Summary: "Write a starter config file",
		Description: `Write the default configuration, with placeholder account details, to
--output. Use "-" to print it instead. An existing file is kept unless
--force is given.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("init", pflag.ContinueOnError)
			flagSet.StringVarP(&output, "output", "o", "config.yaml", `output path, or "-" for stdout`)
			flagSet.BoolVar(&force, "force", false, "overwrite an existing file")
			return flagSet
		},
		Run: func([]string) error {
			data, err := config.Template().Marshal()
			if err != nil {
				return err
			}
			data = append([]byte(templateHeader), data...)
			if output == "-" {
				_, err := stdout.Write(data)
				return err
			}

			flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
			if force {
				flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
			}
			file, err := os.OpenFile(output, flags, 0o600)
			if errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("%s already exists (pass --force to overwrite)", output)
			}
			if err != nil {
				return err
			}
			if _, err := file.Write(data); err != nil {
				file.Close()
				return err
			}
			if err := file.Close(); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "Created config file: %s\n", output)
			return nil
		},
	}
}
