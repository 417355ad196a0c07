// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package markdown

import (
	"strings"
	"unicode/utf8"
)

// Split breaks text into chunks of at most limit bytes, preferring line
// boundaries. A single line longer than limit is cut at a rune
// boundary. An open ``` fence is closed at the end of a chunk and
// reopened at the start of the next so each chunk renders on its own.
// A non-positive limit returns text unchanged; limits under 20 bytes
// behave as 20.
func Split(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	const fence = "```"
	var (
		chunks  []string
		current strings.Builder
		inFence bool
	)
	flush := func() {
		chunk := strings.TrimRight(current.String(), "\n")
		if inFence {
			chunk += "\n" + fence
		}
		if strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
		if inFence {
			current.WriteString(fence + "\n")
		}
	}
	// Room for the closing fence a chunk may need. Tiny limits are
	// raised so a reopened fence always leaves space for content.
	budget := max(limit-len(fence)-1, 16)

	for _, line := range strings.SplitAfter(text, "\n") {
		for len(line) > 0 {
			room := budget - current.Len()
			if len(line) <= room {
				current.WriteString(line)
				if strings.HasPrefix(strings.TrimSpace(line), fence) {
					inFence = !inFence
				}
				line = ""
				continue
			}
			if current.Len() > 0 && len(line) <= budget {
				flush()
				continue
			}
			if room <= 0 {
				flush()
				continue
			}
			cut := room
			for cut > 0 && !utf8.RuneStart(line[cut]) {
				cut--
			}
			if cut == 0 {
				flush()
				continue
			}
			current.WriteString(line[:cut])
			line = line[cut:]
			flush()
		}
	}
	if current.Len() > 0 {
		inFence = false
		if chunk := strings.TrimRight(current.String(), "\n"); strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}
