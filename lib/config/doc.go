// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the bridge's YAML configuration.
//
// Configuration comes from exactly one file, named by --config or the
// CODEBEEP_CONFIG environment variable. There is no discovery and no
// per-field environment override; the file may reference variables
// explicitly as ${VAR} or ${VAR:-default}, which keeps credentials out
// of the file without hiding where a value came from.
//
//	matrix:
//	  username: codebeep
//	  password: ${MATRIX_PASSWORD}
//	  allowed_users: ["@me:beeper.com"]
//	opencode:
//	  server_url: http://127.0.0.1:4096
package config
