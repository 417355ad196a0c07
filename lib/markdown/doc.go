// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package markdown prepares agent output for Matrix: ToHTML renders
// the formatted_body, Split chunks replies that exceed the configured
// message length.
package markdown
