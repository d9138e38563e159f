// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/coremcp/go-mcp/internal/jsonrpc2"
	"github.com/coremcp/go-mcp/jsonrpc"
)

// TestIOConnBatchesWrites checks that ioConn buffers writes until the
// configured batch size is reached: with a batch size of 2, a reader
// blocked on Read should see nothing until the second Write, at which point
// both buffered messages arrive together.
func TestIOConnBatchesWrites(t *testing.T) {
	ctx := context.Background()

	r, w := io.Pipe()
	conn := newIOConn(rwc{r, w})
	conn.outgoingBatch = make([]jsonrpc.Message, 0, 2)

	read := make(chan jsonrpc.Message)
	go func() {
		for range 2 {
			msg, _ := conn.Read(ctx)
			read <- msg
		}
	}()

	conn.Write(ctx, &jsonrpc.Request{ID: jsonrpc2.Int64ID(100), Method: "ping"})
	select {
	case got := <-read:
		t.Fatalf("reader observed %v before the batch filled", got)
	default:
	}

	conn.Write(ctx, &jsonrpc.Request{ID: jsonrpc2.StringID("second"), Method: "ping"})
	first := (<-read).(*jsonrpc.Request)
	if got, want := first.ID.Raw(), int64(100); got != want {
		t.Errorf("first message ID = %v, want %v", got, want)
	}
	second := (<-read).(*jsonrpc.Request)
	if got, want := second.ID.String(), "second"; got != want {
		t.Errorf("second message ID = %q, want %q", got, want)
	}
}

func TestIOConnReadTrailingData(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "trailing comma",
			body:    `{"jsonrpc":"2.0","id":1,"method":"test","params":{}},`,
			wantErr: "invalid trailing data ',' at the end of stream",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := newIOConn(rwc{rc: io.NopCloser(strings.NewReader(tc.body))})
			_, err := conn.Read(context.Background())
			if err == nil {
				t.Fatalf("Read() succeeded, want error %q", tc.wantErr)
			}
			if err.Error() != tc.wantErr {
				t.Errorf("Read() error = %q, want %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestIOConnReadCleanJSON(t *testing.T) {
	conn := newIOConn(rwc{rc: io.NopCloser(strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping","params":{}}`))})
	msg, err := conn.Read(context.Background())
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		t.Fatalf("Read() returned %T, want *jsonrpc.Request", msg)
	}
	if req.Method != "ping" {
		t.Errorf("Method = %q, want %q", req.Method, "ping")
	}
}
