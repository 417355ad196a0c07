// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/codebeep/cmd/codebeep/cli"
	"github.com/bureau-foundation/codebeep/lib/config"
	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/messaging"
	"github.com/bureau-foundation/codebeep/opencode"
	"github.com/bureau-foundation/codebeep/store"
)

// checkTimeout bounds each probe.
const checkTimeout = 10 * time.Second

type checkStatus int

const (
	checkPass checkStatus = iota
	checkWarn
	checkFail
)

type checkResult struct {
	name    string
	status  checkStatus
	message string
}

func checkCommand(ctx context.Context, stdout io.Writer) *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "check",
		Summary: "Check the config and both servers",
		Description: `Validate the config, then probe the homeserver, the account, the agent
server and the state database. Exits 1 when any check fails.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("check", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			return flagSet
		},
		Run: func([]string) error {
			settings, err := config.Load(configPath)
			if err != nil {
				return err
			}
			results := runChecks(ctx, settings)
			if !printChecks(stdout, results) {
				return &cli.ExitError{Code: 1}
			}
			return nil
		},
	}
}

func runChecks(ctx context.Context, settings *config.Config) []checkResult {
	var results []checkResult
	probe := func(name string, fn func(ctx context.Context) (checkStatus, string)) {
		probeCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		defer cancel()
		status, message := fn(probeCtx)
		results = append(results, checkResult{name: name, status: status, message: message})
	}
	httpClient := &http.Client{Timeout: checkTimeout}

	matrixClient, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: settings.Matrix.Homeserver, HTTPClient: httpClient})
	if err != nil {
		results = append(results, checkResult{"homeserver", checkFail, err.Error()})
	} else {
		probe("homeserver", func(ctx context.Context) (checkStatus, string) {
			versions, err := matrixClient.ServerVersions(ctx)
			if err != nil {
				return checkFail, err.Error()
			}
			if len(versions.Versions) == 0 {
				return checkWarn, "reachable, no client API versions advertised"
			}
			return checkPass, fmt.Sprintf("%s (latest %s)", settings.Matrix.Homeserver, versions.Versions[len(versions.Versions)-1])
		})
		probe("account", func(ctx context.Context) (checkStatus, string) {
			return checkAccount(ctx, matrixClient, settings)
		})
	}

	agent, err := opencode.NewClient(opencode.ClientConfig{
		BaseURL:    settings.OpenCode.ServerURL,
		HTTPClient: httpClient,
		Directory:  settings.OpenCode.Directory,
	})
	if err != nil {
		results = append(results, checkResult{"agent server", checkFail, err.Error()})
	} else {
		probe("agent server", func(ctx context.Context) (checkStatus, string) {
			health, err := agent.Health(ctx)
			if err != nil {
				return checkFail, err.Error()
			}
			if !health.Healthy {
				return checkFail, fmt.Sprintf("%s reports unhealthy", settings.OpenCode.ServerURL)
			}
			return checkPass, fmt.Sprintf("%s (version %s)", settings.OpenCode.ServerURL, health.Version)
		})
		probe("default agent", func(ctx context.Context) (checkStatus, string) {
			agents, err := agent.ListAgents(ctx)
			if err != nil {
				return checkWarn, err.Error()
			}
			names := make([]string, 0, len(agents))
			for _, candidate := range agents {
				if candidate.Name == settings.OpenCode.DefaultAgent {
					return checkPass, candidate.Name
				}
				names = append(names, candidate.Name)
			}
			return checkFail, fmt.Sprintf("%q not offered (have %s)", settings.OpenCode.DefaultAgent, strings.Join(names, ", "))
		})
	}

	probe("state database", func(ctx context.Context) (checkStatus, string) {
		if err := settings.EnsurePaths(); err != nil {
			return checkFail, err.Error()
		}
		st, err := store.Open(ctx, store.Config{Path: settings.State.Database})
		if err != nil {
			return checkFail, err.Error()
		}
		defer st.Close()
		sessions, err := st.ListSessions(ctx)
		if err != nil {
			return checkFail, err.Error()
		}
		return checkPass, fmt.Sprintf("%s (%d sessions)", settings.State.Database, len(sessions))
	})
	return results
}

// checkAccount verifies the access token. Password logins are not
// attempted: each would register a new device.
func checkAccount(ctx context.Context, client *messaging.Client, settings *config.Config) (checkStatus, string) {
	if settings.Matrix.AccessToken == "" {
		return checkWarn, fmt.Sprintf("password login as %s, not verified", settings.Matrix.Username)
	}
	userID, err := ref.ParseUserID(settings.Matrix.UserID)
	if err != nil {
		return checkFail, err.Error()
	}
	session, err := client.SessionFromToken(userID, settings.Matrix.AccessToken)
	if err != nil {
		return checkFail, err.Error()
	}
	defer session.Close()
	actual, err := session.WhoAmI(ctx)
	if err != nil {
		return checkFail, err.Error()
	}
	if actual != userID {
		return checkFail, fmt.Sprintf("token belongs to %s, not %s", actual, userID)
	}
	return checkPass, actual.String()
}

// printChecks writes the report and reports whether nothing failed.
// Colour follows the writer: none when it is not a terminal.
func printChecks(w io.Writer, results []checkResult) bool {
	renderer := lipgloss.NewRenderer(w)
	labels := map[checkStatus]string{
		checkPass: renderer.NewStyle().Foreground(lipgloss.Color("2")).Bold(true).Render("PASS"),
		checkWarn: renderer.NewStyle().Foreground(lipgloss.Color("3")).Bold(true).Render("WARN"),
		checkFail: renderer.NewStyle().Foreground(lipgloss.Color("1")).Bold(true).Render("FAIL"),
	}
	nameStyle := renderer.NewStyle().Width(16)
	detailStyle := renderer.NewStyle().Faint(true)

	failed := 0
	for _, result := range results {
		if result.status == checkFail {
			failed++
		}
		fmt.Fprintf(w, "[%s]  %s  %s\n", labels[result.status], nameStyle.Render(result.name), detailStyle.Render(result.message))
	}
	fmt.Fprintln(w)
	if failed > 0 {
		fmt.Fprintf(w, "%d check(s) failed.\n", failed)
		return false
	}
	fmt.Fprintln(w, "All checks passed.")
	return true
}
