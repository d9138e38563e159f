// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/coremcp/go-mcp/internal/jsonrpc2"
	"github.com/coremcp/go-mcp/jsonrpc"
)

// JSONRPCMessage is a single JSON-RPC 2.0 message exchanged over a
// [Connection]: a *JSONRPCRequest, *JSONRPCNotification, or *JSONRPCResponse.
type JSONRPCMessage = jsonrpc.Message

// JSONRPCID identifies a JSON-RPC request and correlates it with its
// response.
type JSONRPCID = jsonrpc.ID

// JSONRPCRequest is a call that expects a correlated JSONRPCResponse.
type JSONRPCRequest = jsonrpc.Request

// JSONRPCNotification is a call that expects no reply.
type JSONRPCNotification = jsonrpc.Notification

// JSONRPCResponse is the reply to a JSONRPCRequest with a matching ID.
type JSONRPCResponse = jsonrpc.Response

// A Transport connects to an MCP endpoint, producing a bidirectional stream
// of JSON-RPC messages once connected.
//
// Transports are reusable only to the extent their documentation says so;
// implementations should treat a single [Transport] value as good for
// exactly one logical session.
type Transport interface {
	// Connect establishes the connection and returns the resulting message
	// stream.
	Connect(ctx context.Context) (Connection, error)
}

// A Connection is a bidirectional JSON-RPC message stream produced by a
// [Transport].
//
// Read and Write may be called concurrently with each other, but each must
// not be called concurrently with itself: a [Connection] has at most one
// reader and at most one writer.
type Connection interface {
	// Read reads the next message from the connection. It returns io.EOF
	// once no further messages will be produced.
	Read(ctx context.Context) (JSONRPCMessage, error)
	// Write writes a message to the connection.
	Write(ctx context.Context, msg JSONRPCMessage) error
	// Close closes the connection. Subsequent Read and Write calls fail.
	Close() error
}

// readBatch decodes data as either a single JSON-RPC message or a JSON array
// of messages, returning the decoded messages and whether the payload was a
// batch (array).
func readBatch(data []byte) ([]JSONRPCMessage, bool, error) {
	trimmed := bytes.TrimSpace(data)
	isBatch := len(trimmed) > 0 && trimmed[0] == '['
	msgs, err := jsonrpc2.DecodeBatch(data)
	return msgs, isBatch, err
}

// NewInMemoryTransports returns two [Transport] values directly wired
// together: messages written to one side's [Connection] are delivered to the
// other's, with no serialization in between. It is used for testing and for
// in-process client/server pairs that don't need a real wire format.
func NewInMemoryTransports() (client, server Transport) {
	c2s := make(chan JSONRPCMessage, 1)
	s2c := make(chan JSONRPCMessage, 1)
	done := make(chan struct{})
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() { close(done) })
	}
	return &inMemoryTransport{send: c2s, recv: s2c, done: done, closeFn: closeBoth},
		&inMemoryTransport{send: s2c, recv: c2s, done: done, closeFn: closeBoth}
}

type inMemoryTransport struct {
	send    chan<- JSONRPCMessage
	recv    <-chan JSONRPCMessage
	done    chan struct{}
	closeFn func()
}

func (t *inMemoryTransport) Connect(context.Context) (Connection, error) {
	return t, nil
}

func (t *inMemoryTransport) Read(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, io.EOF
	case msg := <-t.recv:
		return msg, nil
	}
}

func (t *inMemoryTransport) Write(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return io.ErrClosedPipe
	case t.send <- msg:
		return nil
	}
}

func (t *inMemoryTransport) Close() error {
	t.closeFn()
	return nil
}

// rwc adapts a separate io.Reader and io.WriteCloser into a single
// io.ReadWriteCloser, for use with stdio-style transports where reads and
// writes happen on independent pipes (for example, a child process's stdout
// and stdin).
type rwc struct {
	rc io.ReadCloser
	wc io.WriteCloser
}

func (r rwc) Read(p []byte) (int, error)  { return r.rc.Read(p) }
func (r rwc) Write(p []byte) (int, error) { return r.wc.Write(p) }
func (r rwc) Close() error {
	err := r.rc.Close()
	if werr := r.wc.Close(); err == nil {
		err = werr
	}
	return err
}

// IOTransport is a [Transport] that communicates using newline-delimited
// JSON (or batched JSON arrays) over an [io.ReadWriteCloser], as used by the
// stdio transport.
type IOTransport struct {
	rwc io.ReadWriteCloser
}

// NewIOTransport returns a Transport that frames messages as
// newline-delimited JSON over rwc.
func NewIOTransport(rwc io.ReadWriteCloser) *IOTransport {
	return &IOTransport{rwc: rwc}
}

func (t *IOTransport) Connect(context.Context) (Connection, error) {
	return newIOConn(t.rwc), nil
}

// ioConn implements Connection by framing messages as newline-delimited
// JSON. Writes may be batched: setting outgoingBatch to a non-nil, non-full
// slice defers sending until the batch fills, at which point all buffered
// messages are flushed as a single JSON array.
type ioConn struct {
	rwc io.ReadWriteCloser

	mu            sync.Mutex
	scanner       *bufio.Scanner
	writer        io.Writer
	outgoingBatch []jsonrpc.Message
	pending       []JSONRPCMessage // messages decoded from a batch line, not yet returned
}

func newIOConn(rwc io.ReadWriteCloser) *ioConn {
	scanner := bufio.NewScanner(rwc)
	scanner.Buffer(make([]byte, 4096), 100*1024*1024)
	scanner.Split(splitNDJSON)
	return &ioConn{rwc: rwc, scanner: scanner, writer: rwc}
}

func (c *ioConn) Read(ctx context.Context) (JSONRPCMessage, error) {
	if len(c.pending) > 0 {
		msg := c.pending[0]
		c.pending = c.pending[1:]
		return msg, nil
	}

	type result struct {
		msg []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		if c.scanner.Scan() {
			ch <- result{msg: append([]byte(nil), c.scanner.Bytes()...)}
		} else {
			err := c.scanner.Err()
			if err == nil {
				err = io.EOF
			}
			ch <- result{err: err}
		}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		msgs, err := jsonrpc2.DecodeBatch(r.msg)
		if err != nil {
			return nil, err
		}
		c.pending = msgs
		return c.Read(ctx)
	}
}

func (c *ioConn) Write(ctx context.Context, msg JSONRPCMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.outgoingBatch != nil {
		c.outgoingBatch = append(c.outgoingBatch, msg)
		if len(c.outgoingBatch) < cap(c.outgoingBatch) {
			return nil
		}
		batch := c.outgoingBatch
		c.outgoingBatch = c.outgoingBatch[:0]
		return c.writeBatch(batch)
	}
	return c.writeBatch([]jsonrpc.Message{msg})
}

func (c *ioConn) writeBatch(batch []jsonrpc.Message) error {
	data, err := jsonrpc2.EncodeBatch(batch)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = c.writer.Write(data)
	return err
}

func (c *ioConn) Close() error {
	return c.rwc.Close()
}

// splitNDJSON is a bufio.SplitFunc that splits on newlines, rejecting
// trailing non-whitespace data after a complete JSON value on the same
// line (a common message-smuggling vector).
func splitNDJSON(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		line := data[:i]
		if err := checkNoTrailingData(line); err != nil {
			return 0, nil, err
		}
		return i + 1, bytes.TrimSpace(line), nil
	}
	if atEOF && len(data) > 0 {
		if err := checkNoTrailingData(data); err != nil {
			return 0, nil, err
		}
		return len(data), bytes.TrimSpace(data), nil
	}
	return 0, nil, nil
}

// checkNoTrailingData verifies that line is a single JSON value with no
// trailing garbage, returning a descriptive error otherwise.
func checkNoTrailingData(line []byte) error {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if rest := bytes.TrimSpace(trimmed[dec.InputOffset():]); len(rest) > 0 {
		return fmt.Errorf("invalid trailing data %q at the end of stream", rune(rest[0]))
	}
	return nil
}

// LoggingTransport wraps a Transport, logging every message read from or
// written to the underlying connection to Writer. It is intended for
// debugging: wrap a production transport during development to see the raw
// JSON-RPC traffic on the wire.
type LoggingTransport struct {
	Transport Transport
	Writer    io.Writer
}

// NewLoggingTransport returns a LoggingTransport wrapping transport, writing
// logged messages to w.
func NewLoggingTransport(transport Transport, w io.Writer) *LoggingTransport {
	return &LoggingTransport{Transport: transport, Writer: w}
}

// Connect connects the underlying transport and wraps its Connection so that
// every message is logged.
func (t *LoggingTransport) Connect(ctx context.Context) (Connection, error) {
	conn, err := t.Transport.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConn{conn: conn, w: t.Writer}, nil
}

type loggingConn struct {
	conn Connection
	mu   sync.Mutex
	w    io.Writer
}

func (c *loggingConn) Read(ctx context.Context) (JSONRPCMessage, error) {
	msg, err := c.conn.Read(ctx)
	if err == nil {
		c.log("read", msg)
	}
	return msg, err
}

func (c *loggingConn) Write(ctx context.Context, msg JSONRPCMessage) error {
	c.log("write", msg)
	return c.conn.Write(ctx, msg)
}

func (c *loggingConn) Close() error { return c.conn.Close() }

func (c *loggingConn) log(dir string, msg JSONRPCMessage) {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		data = []byte(fmt.Sprintf("<!%v>", err))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%s: %s\n", dir, data)
}
