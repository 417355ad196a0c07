// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/codebeep/lib/config"
)

// NewLogger builds the process logger from the logging section. Format
// "auto" picks slog.TextHandler when stderr is a terminal and
// slog.JSONHandler otherwise, so a service manager collects JSON.
func NewLogger(settings config.LoggingConfig) (*slog.Logger, error) {
	return newLogger(settings, os.Stderr, term.IsTerminal(int(os.Stderr.Fd())))
}

func newLogger(settings config.LoggingConfig, w io.Writer, terminal bool) (*slog.Logger, error) {
	level, err := config.ParseLevel(settings.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	options := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch settings.Format {
	case "text":
		handler = slog.NewTextHandler(w, options)
	case "json":
		handler = slog.NewJSONHandler(w, options)
	case "", "auto":
		if terminal {
			handler = slog.NewTextHandler(w, options)
		} else {
			handler = slog.NewJSONHandler(w, options)
		}
	default:
		return nil, fmt.Errorf("logging: unknown format %q", settings.Format)
	}
	return slog.New(handler), nil
}
