// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret keeps the Matrix access token and password out of the
// garbage-collected heap and out of logs.
package secret
