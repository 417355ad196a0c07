// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/bureau-foundation/codebeep/lib/config"
)

func TestNewLoggerFormats(t *testing.T) {
	tests := []struct {
		format   string
		terminal bool
		json     bool
	}{
		{"json", true, true},
		{"text", false, false},
		{"auto", true, false},
		{"auto", false, true},
	}
	for _, test := range tests {
		var output bytes.Buffer
		logger, err := newLogger(config.LoggingConfig{Level: "info", Format: test.format}, &output, test.terminal)
		if err != nil {
			t.Fatalf("%s: %v", test.format, err)
		}
		logger.Info("bridge running", "user_id", "@codebeep:test.local")
		line := strings.TrimSpace(output.String())
		isJSON := json.Valid([]byte(line))
		if isJSON != test.json {
			t.Errorf("format %q terminal=%v wrote %q", test.format, test.terminal, line)
		}
	}
}

func TestNewLoggerLevel(t *testing.T) {
	var output bytes.Buffer
	logger, err := newLogger(config.LoggingConfig{Level: "warn", Format: "text"}, &output, false)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown")
	if strings.Contains(output.String(), "hidden") || !strings.Contains(output.String(), "shown") {
		t.Errorf("output = %q", output.String())
	}

	if _, err := newLogger(config.LoggingConfig{Level: "loud"}, &output, false); err == nil {
		t.Error("unknown level accepted")
	}
	if _, err := newLogger(config.LoggingConfig{Level: "info", Format: "xml"}, &output, false); err == nil {
		t.Error("unknown format accepted")
	}
}
