// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package client

import (
	"bufio"
	"io"
	"strings"
)

// sseDecoder yields the data payload of each server-sent event.
// Comment lines and non-data fields are skipped.
type sseDecoder struct {
	scanner *bufio.Scanner
}

func newSSEDecoder(r io.Reader) *sseDecoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &sseDecoder{scanner: sc}
}

// Next returns the next data payload, io.EOF at end of stream.
func (d *sseDecoder) Next() (string, error) {
	for d.scanner.Scan() {
		line := d.scanner.Text()
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			return strings.TrimSpace(data), nil
		}
	}
	if err := d.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}
