// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"iter"
)

// An event is a server-sent event, as defined by the SSE wire format:
// https://developer.mozilla.org/en-US/docs/Web/API/Server-sent_events/Using_server-sent_events#fields
type event struct {
	name string
	id   string
	data []byte
}

// writeEvent writes evt to w in the SSE wire format, and flushes w if it
// implements [http.Flusher].
func writeEvent(w io.Writer, evt event) (int, error) {
	var b bytes.Buffer
	if evt.name != "" {
		fmt.Fprintf(&b, "event: %s\n", evt.name)
	}
	if evt.id != "" {
		fmt.Fprintf(&b, "id: %s\n", evt.id)
	}
	fmt.Fprintf(&b, "data: %s\n\n", evt.data)
	n, err := w.Write(b.Bytes())
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
	return n, err
}

// flusher matches http.Flusher, without importing net/http here.
type flusher interface {
	Flush()
}

// scanEvents parses r as a stream of server-sent events. Each iteration
// yields either one complete event, or an error if the stream was malformed
// or reading failed; the sequence ends after the first error.
//
// Consecutive "data" fields within an event are joined with newlines, as the
// SSE spec requires. Fields other than "event", "id", and "data" are
// ignored, and comment lines (starting with ":") are skipped.
func scanEvents(r io.Reader) iter.Seq2[event, error] {
	return func(yield func(event, error) bool) {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var (
			evt         event
			lastWasData bool
			hasContent  bool
		)
		reset := func() {
			evt = event{}
			lastWasData = false
			hasContent = false
		}

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				if hasContent {
					if !yield(evt, nil) {
						return
					}
					reset()
				}
				continue
			}
			if line[0] == ':' {
				continue // comment line
			}
			before, after, found := bytes.Cut(line, []byte{':'})
			if !found {
				yield(event{}, fmt.Errorf("malformed line in SSE stream: %q", string(line)))
				return
			}
			value := bytes.TrimPrefix(after, []byte{' '})
			hasContent = true
			switch {
			case bytes.Equal(before, []byte("event")):
				evt.name = string(value)
			case bytes.Equal(before, []byte("id")):
				evt.id = string(value)
			case bytes.Equal(before, []byte("data")):
				if lastWasData {
					evt.data = append(append(evt.data, '\n'), value...)
				} else {
					evt.data = append([]byte(nil), value...)
				}
				lastWasData = true
			}
		}
		if err := scanner.Err(); err != nil {
			yield(event{}, err)
			return
		}
		if hasContent {
			yield(evt, nil)
		}
	}
}
