// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command framework behind the codebeep
// binary: a tree of [Command] values parsed with pflag, help output
// with typo suggestions, [ExitError] for commands that report their
// own failures, and [NewLogger] for the process logger.
package cli
