// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/codebeep/bridge"
	"github.com/bureau-foundation/codebeep/cmd/codebeep/cli"
	"github.com/bureau-foundation/codebeep/lib/config"
	"github.com/bureau-foundation/codebeep/lib/ref"
	"github.com/bureau-foundation/codebeep/lib/secret"
	"github.com/bureau-foundation/codebeep/lib/version"
	"github.com/bureau-foundation/codebeep/messaging"
	"github.com/bureau-foundation/codebeep/opencode"
	"github.com/bureau-foundation/codebeep/store"
)

func runCommand(ctx context.Context) *cli.Command {
	var configPath string
	return &cli.Command{
		Name:    "run",
		Summary: "Run the bridge until interrupted",
		Description: `Run the bridge until SIGINT or SIGTERM.

Logs in to the homeserver, creates the command room when enabled,
resumes watching sessions left running by the previous run, and then
serves commands from every joined room.`,
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
			configFlag(flagSet, &configPath)
			return flagSet
		},
		Examples: []cli.Example{
			{Description: "Run with an explicit config", Command: "codebeep run --config ~/.config/codebeep/config.yaml"},
		},
		Run: func([]string) error {
			return runBridge(ctx, configPath)
		},
	}
}

func runBridge(ctx context.Context, configPath string) error {
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := cli.NewLogger(settings.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting codebeep", "version", version.Info())

	if err := settings.EnsurePaths(); err != nil {
		return err
	}
	st, err := store.Open(ctx, store.Config{
		Path:   settings.State.Database,
		Logger: logger.With("component", "store"),
	})
	if err != nil {
		return err
	}
	defer st.Close()

	session, err := login(ctx, settings, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	agent, err := newAgentClient(settings, logger)
	if err != nil {
		return err
	}

	b, err := bridge.New(ctx, bridge.Config{
		Settings: settings,
		Session:  session,
		Agent:    agent,
		Store:    st,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	return b.Run(ctx)
}

// login returns a session from the configured access token, checked
// with WhoAmI, or from a password login.
func login(ctx context.Context, settings *config.Config, logger *slog.Logger) (*messaging.DirectSession, error) {
	client, err := messaging.NewClient(messaging.ClientConfig{
		HomeserverURL: settings.Matrix.Homeserver,
		Logger:        logger.With("component", "matrix"),
	})
	if err != nil {
		return nil, err
	}

	if settings.Matrix.AccessToken != "" {
		userID, err := ref.ParseUserID(settings.Matrix.UserID)
		if err != nil {
			return nil, fmt.Errorf("matrix.user_id: %w", err)
		}
		session, err := client.SessionFromToken(userID, settings.Matrix.AccessToken)
		if err != nil {
			return nil, err
		}
		actual, err := session.WhoAmI(ctx)
		if err != nil {
			session.Close()
			return nil, fmt.Errorf("checking access token: %w", err)
		}
		if actual != userID {
			session.Close()
			return nil, fmt.Errorf("access token belongs to %s, not %s", actual, userID)
		}
		return session, nil
	}

	password, err := secret.NewFromString(settings.Matrix.Password)
	if err != nil {
		return nil, err
	}
	defer password.Close()
	return client.Login(ctx, settings.Matrix.Username, password, settings.Matrix.DeviceName)
}

func newAgentClient(settings *config.Config, logger *slog.Logger) (*opencode.Client, error) {
	var schema *opencode.Schema
	if settings.OpenCode.SchemaFile != "" {
		loaded, err := opencode.LoadSchema(settings.OpenCode.SchemaFile)
		if err != nil {
			return nil, err
		}
		schema = loaded
	}
	return opencode.NewClient(opencode.ClientConfig{
		BaseURL:    settings.OpenCode.ServerURL,
		HTTPClient: &http.Client{Timeout: settings.OpenCode.RequestTimeout},
		Schema:     schema,
		Directory:  settings.OpenCode.Directory,
		Logger:     logger.With("component", "opencode"),
	})
}
