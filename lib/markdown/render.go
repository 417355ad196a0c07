// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package markdown

import (
	"bytes"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// The goldmark instance is immutable after construction and safe to
// share; Convert allocates per-call parser state.
var (
	converter     goldmark.Markdown
	converterOnce sync.Once
)

func instance() goldmark.Markdown {
	converterOnce.Do(func() {
		converter = goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			// Agent output uses single newlines as line breaks, and
			// chat clients render them that way in the plain body.
			goldmark.WithRendererOptions(html.WithHardWraps()),
		)
	})
	return converter
}

// ToHTML renders source as the HTML subset Matrix clients accept in
// formatted_body. Raw HTML in the source is escaped, not passed through.
// The second result is false when the rendering adds nothing over the
// plain text (a single unformatted paragraph), in which case callers
// send a plain body only.
func ToHTML(source string) (string, bool) {
	if strings.TrimSpace(source) == "" {
		return "", false
	}
	var out bytes.Buffer
	if err := instance().Convert([]byte(source), &out); err != nil {
		return "", false
	}
	rendered := strings.TrimSpace(out.String())

	inner, single := strings.CutPrefix(rendered, "<p>")
	if single {
		inner, single = strings.CutSuffix(inner, "</p>")
	}
	if single && !strings.Contains(inner, "<") && !strings.Contains(inner, "&") {
		return "", false
	}
	return rendered, true
}
