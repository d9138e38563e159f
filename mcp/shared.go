// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/coremcp/go-mcp/internal/jsonrpc2"
)

// Standard JSON-RPC 2.0 error codes, for use in errors returned from tool,
// resource, and prompt handlers that need to signal a specific wire-level
// error code rather than an opaque internal error.
const (
	CodeParseError     = jsonrpc2.CodeParseError
	CodeInvalidRequest = jsonrpc2.CodeInvalidRequest
	CodeMethodNotFound = jsonrpc2.CodeMethodNotFound
	CodeInvalidParams  = jsonrpc2.CodeInvalidParams
	CodeInternalError  = jsonrpc2.CodeInternalError

	// CodeResourceNotFound is the error code returned when a resource
	// handler reports that no resource exists for the requested URI. It
	// is not one of the standard JSON-RPC codes, but is reserved by the
	// Model Context Protocol for this purpose.
	CodeResourceNotFound = -32002
)

// ResourceNotFoundError returns an error that, when returned from a
// ResourceHandler, is reported to the client as a CodeResourceNotFound
// error rather than an opaque internal error.
func ResourceNotFoundError(uri string) error {
	return &jsonrpc2.WireError{
		Code:    CodeResourceNotFound,
		Message: fmt.Sprintf("resource %q not found", uri),
	}
}

// toWireError adapts err for transmission as a JSON-RPC error response,
// mapping the sentinel errors used internally by the dispatch logic to
// their standard error codes. An error that is already a *WireError (for
// example one built by ResourceNotFoundError, or returned directly by a
// handler) passes through unchanged.
func toWireError(err error) error {
	if err == nil {
		return nil
	}
	var we *jsonrpc2.WireError
	if errors.As(err, &we) {
		return we
	}
	switch {
	case errors.Is(err, errMethodNotFound):
		return &jsonrpc2.WireError{Code: CodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, errInvalidParams):
		return &jsonrpc2.WireError{Code: CodeInvalidParams, Message: err.Error()}
	}
	return err
}

// Meta holds protocol-reserved "_meta" metadata attached to params and
// results. Keys beginning with "modelcontextprotocol.io/" and "mcp.io/" are
// reserved by the spec.
type Meta map[string]any

// GetMeta returns m itself, so that any struct embedding Meta satisfies
// the Params and Result interfaces' GetMeta method via promotion.
func (m Meta) GetMeta() Meta { return m }

// Params is implemented by every *Params type: CallToolParams,
// InitializeParams, and so on.
type Params interface {
	isParams()
	GetMeta() Meta
}

// Result is implemented by every *Result type.
type Result interface {
	isResult()
}

const progressTokenKey = "progressToken"

// progressCapableParams is implemented by *Params types that support
// request cancellation progress tokens.
type progressCapableParams interface {
	GetProgressToken() any
	SetProgressToken(any)
}

// getProgressToken extracts the progress token from p's Meta field, using
// reflection to reach the embedded Meta regardless of p's concrete type.
func getProgressToken(p any) any {
	v := reflect.ValueOf(p)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	f := v.FieldByName("Meta")
	if !f.IsValid() {
		return nil
	}
	meta, _ := f.Interface().(Meta)
	if meta == nil {
		return nil
	}
	return meta[progressTokenKey]
}

// setProgressToken sets the progress token on p's embedded Meta field. p
// must be a pointer to a struct embedding Meta.
func setProgressToken(p any, token any) {
	v := reflect.ValueOf(p)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return
	}
	v = v.Elem()
	f := v.FieldByName("Meta")
	if !f.IsValid() || !f.CanSet() {
		return
	}
	meta, _ := f.Interface().(Meta)
	if meta == nil {
		meta = Meta{}
	}
	meta[progressTokenKey] = token
	f.Set(reflect.ValueOf(meta))
}

// setMeta replaces p's embedded Meta field wholesale. p must be a pointer
// to a struct embedding Meta.
func setMeta(p any, m Meta) {
	v := reflect.ValueOf(p)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return
	}
	v = v.Elem()
	f := v.FieldByName("Meta")
	if !f.IsValid() || !f.CanSet() {
		return
	}
	f.Set(reflect.ValueOf(m))
}

// ServerSessionOptions configures an individual ServerSession created by
// Server.Connect. Currently reserved for future per-session overrides; the
// zero value is the default.
type ServerSessionOptions struct{}

// ClientSessionOptions configures an individual ClientSession created by
// Client.Connect. Currently reserved for future per-session overrides; the
// zero value is the default.
type ClientSessionOptions struct{}

// A ServerRequest bundles the session and decoded parameters for an
// incoming server-bound request or notification.
type ServerRequest[P Params] struct {
	Session *ServerSession
	Params  P

	// id is the JSON-RPC request ID, valid only for calls (not notifications).
	// It lets transports (e.g. the Streamable HTTP handler) correlate
	// server-initiated sends back to the request that caused them.
	id JSONRPCID
}

// A ClientRequest bundles the session and decoded parameters for an
// incoming client-bound request or notification.
type ClientRequest[P Params] struct {
	Session *ClientSession
	Params  P

	id JSONRPCID
}

// requestIDContextKey carries the identity of the current request through
// context.Context, so that handlers and transports can correlate
// server-initiated sends with the request that triggered them.
type requestIDContextKey struct{}

func contextWithRequestID(ctx context.Context, id JSONRPCID) context.Context {
	return context.WithValue(ctx, requestIDContextKey{}, id)
}

// requestIDFromContext returns the JSON-RPC ID of the inbound request being
// handled by ctx, if any.
func requestIDFromContext(ctx context.Context) (JSONRPCID, bool) {
	id, ok := ctx.Value(requestIDContextKey{}).(JSONRPCID)
	return id, ok
}

// A RequestResponder is a handle to an in-flight request that lets a
// session reply to it exactly once, out of band from the ordinary
// request/response machinery. No code in this package creates one.
type RequestResponder struct {
	id      JSONRPCID
	session *sharedSession
	once    sync.Once
}

// Respond sends result (or err) as the reply to the responder's request.
// Respond may be called at most once; subsequent calls are no-ops.
func (r *RequestResponder) Respond(ctx context.Context, result any, err error) error {
	var sendErr error
	r.once.Do(func() {
		resp, merr := jsonrpc2.NewResponse(r.id, result, err)
		if merr != nil {
			sendErr = merr
			return
		}
		sendErr = r.session.mcpConn.Write(ctx, resp)
	})
	return sendErr
}

// sharedSession implements the bookkeeping common to ClientSession and
// ServerSession: request ID correlation, in-flight response channels, and
// shutdown. The read loop that dispatches to handlers belongs to
// ClientSession and ServerSession themselves.
//
// It is not exported; ClientSession and ServerSession each embed one,
// configured with their respective method tables.
type sharedSession struct {
	mcpConn Connection
	logger *slog.Logger

	nextID atomic.Int64

	mu       sync.Mutex
	inFlight map[JSONRPCID]chan *JSONRPCResponse // requests we sent, awaiting reply
	closed   bool
	closeErr error
	done     chan struct{}

	wg sync.WaitGroup // outstanding handler goroutines
}

func newSharedSession(conn Connection, logger *slog.Logger) *sharedSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &sharedSession{
		mcpConn:  conn,
		logger:   logger,
		inFlight: make(map[JSONRPCID]chan *JSONRPCResponse),
		done:     make(chan struct{}),
	}
}

// newRequestID returns a fresh JSON-RPC ID, unique within this session, for
// an outgoing request.
func (s *sharedSession) newRequestID() JSONRPCID {
	return jsonrpc2.Int64ID(s.nextID.Add(1))
}

// call sends a request and waits for the correlated response.
func (s *sharedSession) call(ctx context.Context, method string, params any, result any) error {
	id := s.newRequestID()
	req, err := jsonrpc2.NewCall(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *JSONRPCResponse, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("session closed")
	}
	s.inFlight[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inFlight, id)
		s.mu.Unlock()
	}()

	if err := s.mcpConn.Write(ctx, req); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		s.mu.Lock()
		err := s.closeErr
		s.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("session closed before response received")
		}
		return err
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || resp.Result == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, result)
	}
}

// notify sends a one-way notification.
func (s *sharedSession) notify(ctx context.Context, method string, params any) error {
	note, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}
	return s.mcpConn.Write(ctx, note)
}

// deliverResponse routes an incoming JSONRPCResponse to the goroutine
// awaiting it, if any.
func (s *sharedSession) deliverResponse(resp *JSONRPCResponse) {
	s.mu.Lock()
	ch, ok := s.inFlight[resp.ID]
	s.mu.Unlock()
	if ok {
		ch <- resp
	}
}

// close marks the session closed, waking any pending calls, and waits for
// in-flight handler goroutines to finish.
func (s *sharedSession) close(err error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.closeErr = err
	close(s.done)
	s.mu.Unlock()

	s.wg.Wait()
	return s.mcpConn.Close()
}

func (s *sharedSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// assert panics with msg if cond is false. It marks an invariant that a
// sharedSession (or its callers) must never violate during normal dispatch.
func assert(cond bool, msg string) {
	if !cond {
		panic(msg)
	}
}

// randText returns a random, URL-safe identifier suitable for a session or
// stream ID. It is not a cryptographic secret, but is drawn from
// crypto/rand so that IDs are unguessable across sessions.
func randText() string {
	return rand.Text()
}

// remarshal marshals from to JSON, and then unmarshals into to, which must be
// a pointer type. No code in this package calls it.
func remarshal(from, to any) error {
	data, err := json.Marshal(from)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, to); err != nil {
		return err
	}
	return nil
}

