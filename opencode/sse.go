// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package opencode

import (
	"bufio"
	"io"
	"strings"
)

// sseScanner reads Server-Sent Events. Events are delimited by blank
// lines; multiple "data:" lines are joined with newlines. "event:",
// "id:", "retry:" and comment lines carry nothing the bridge uses and
// are skipped.
type sseScanner struct {
	reader  *bufio.Reader
	current string
	err     error
}

func newSSEScanner(reader io.Reader) *sseScanner {
	return &sseScanner{reader: bufio.NewReaderSize(reader, 64*1024)}
}

// next advances to the next event with data. Returns false at EOF or
// on a read error; err distinguishes the two.
func (scanner *sseScanner) next() bool {
	scanner.current = ""
	if scanner.err != nil {
		return false
	}

	var dataLines []string
	for {
		line, err := scanner.reader.ReadString('\n')
		if err != nil && line == "" {
			scanner.err = err
			// A final event without a trailing blank line still counts.
			if err == io.EOF && len(dataLines) > 0 {
				scanner.current = strings.Join(dataLines, "\n")
				return true
			}
			return false
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(dataLines) > 0 {
				scanner.current = strings.Join(dataLines, "\n")
				return true
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		if field == "data" {
			dataLines = append(dataLines, strings.TrimPrefix(value, " "))
		}
	}
}

// data returns the payload of the current event.
func (scanner *sseScanner) data() string { return scanner.current }

// failure returns the read error that ended the scan, or nil at a
// clean EOF.
func (scanner *sseScanner) failure() error {
	if scanner.err == io.EOF {
		return nil
	}
	return scanner.err
}
