// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/coremcp/go-mcp/internal/jsonrpc2"
)

// A StreamableHTTPHandler is an http.Handler that serves streamable MCP
// sessions, as defined by the [MCP spec].
//
// [MCP spec]: https://modelcontextprotocol.io/2025/03/26/streamable-http-transport.html
type StreamableHTTPHandler struct {
	getServer    func(*http.Request) *Server
	stateless    bool
	maxBodyBytes int64
	limiter      *perAddrLimiter // nil unless RateLimit is set

	sessionsMu sync.Mutex
	sessions   map[string]*StreamableServerTransport // keyed by IDs (from Mcp-Session-Id header)
}

// StreamableHTTPOptions configures a [StreamableHTTPHandler].
//
// TODO(rfindley): support configurable session ID generation and event
// store, session retention, and event retention.
type StreamableHTTPOptions struct {
	// Stateless configures the handler to serve every POST request with a
	// fresh, ephemeral server connection, rather than persisting sessions
	// across requests. In stateless mode, no Mcp-Session-Id header is issued
	// or required, and GET (standalone SSE) and DELETE requests are rejected,
	// since there is no session to attach or terminate.
	Stateless bool

	// MaxBodyBytes bounds the size, in bytes, of accepted POST request
	// bodies. The zero value uses [DefaultMaxBodyBytes]; a negative value
	// disables the limit.
	MaxBodyBytes int64

	// RateLimit, if positive, bounds the rate of accepted POST requests per
	// remote address (requests/sec), with a burst of RateLimitBurst (or 1,
	// if RateLimitBurst is zero). Requests over the limit receive a 429.
	// The zero value disables rate limiting.
	RateLimit      float64
	RateLimitBurst int
}

// NewStreamableHTTPHandler returns a new [StreamableHTTPHandler].
//
// The getServer function is used to create or look up servers for new
// sessions. It is OK for getServer to return the same server multiple times.
func NewStreamableHTTPHandler(getServer func(*http.Request) *Server, opts *StreamableHTTPOptions) *StreamableHTTPHandler {
	h := &StreamableHTTPHandler{
		getServer: getServer,
		sessions:  make(map[string]*StreamableServerTransport),
	}
	if opts != nil {
		h.stateless = opts.Stateless
		h.maxBodyBytes = opts.MaxBodyBytes
		if opts.RateLimit > 0 {
			burst := opts.RateLimitBurst
			if burst == 0 {
				burst = 1
			}
			h.limiter = newPerAddrLimiter(rate.Limit(opts.RateLimit), burst)
		}
	}
	return h
}

// closeAll closes all ongoing sessions.
//
// TODO(rfindley): investigate the best API for callers to configure their
// session lifecycle.
func (h *StreamableHTTPHandler) closeAll() {
	h.sessionsMu.Lock()
	defer h.sessionsMu.Unlock()
	for _, s := range h.sessions {
		s.Close()
	}
	h.sessions = nil
}

func (h *StreamableHTTPHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if limit := effectiveMaxBodyBytes(h.maxBodyBytes); limit > 0 {
		req.Body = http.MaxBytesReader(w, req.Body, limit)
	}

	if req.Method == http.MethodPost && h.limiter != nil {
		host, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			host = req.RemoteAddr
		}
		if !h.limiter.allow(host) {
			w.Header().Set("Retry-After", "1")
			writeTooManyRequests(w)
			return
		}
	}

	// Allow multiple 'Accept' headers.
	// https://developer.mozilla.org/en-US/docs/Web/HTTP/Reference/Headers/Accept#syntax
	accept := strings.Split(strings.Join(req.Header.Values("Accept"), ","), ",")
	var jsonOK, streamOK bool
	for _, c := range accept {
		switch strings.TrimSpace(c) {
		case "application/json":
			jsonOK = true
		case "text/event-stream":
			streamOK = true
		}
	}

	if req.Method == http.MethodGet {
		if !streamOK {
			http.Error(w, "Accept must contain 'text/event-stream' for GET requests", http.StatusBadRequest)
			return
		}
	} else if !jsonOK || !streamOK {
		http.Error(w, "Accept must contain both 'application/json' and 'text/event-stream'", http.StatusBadRequest)
		return
	}

	if h.stateless {
		h.serveStateless(w, req)
		return
	}

	var session *StreamableServerTransport
	if id := req.Header.Get("Mcp-Session-Id"); id != "" {
		h.sessionsMu.Lock()
		session = h.sessions[id]
		h.sessionsMu.Unlock()
		if session == nil {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
	}

	// TODO(rfindley): simplify the locking so that each request has only one
	// critical section.
	if req.Method == http.MethodDelete {
		if session == nil {
			// => Mcp-Session-Id was not set; else we'd have returned NotFound above.
			http.Error(w, "DELETE requires an Mcp-Session-Id header", http.StatusBadRequest)
			return
		}
		h.sessionsMu.Lock()
		delete(h.sessions, session.id)
		h.sessionsMu.Unlock()
		session.Close()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch req.Method {
	case http.MethodPost, http.MethodGet:
	default:
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
		return
	}

	if session == nil {
		s := NewStreamableServerTransport(randText())
		server := h.getServer(req)
		// Derive from req.Context(), to allow middleware to add context values,
		// but detach its cancellation: the session outlives this request.
		if _, err := server.Connect(context.WithoutCancel(req.Context()), s, nil); err != nil {
			http.Error(w, "failed connection", http.StatusInternalServerError)
			return
		}
		h.sessionsMu.Lock()
		h.sessions[s.id] = s
		h.sessionsMu.Unlock()
		session = s
	}

	session.ServeHTTP(w, req)
}

// serveStateless handles a single request in stateless mode: every POST
// spawns an ephemeral session that is torn down once the request completes,
// with no Mcp-Session-Id persisted across requests.
func (h *StreamableHTTPHandler) serveStateless(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "stateless mode supports only POST", http.StatusMethodNotAllowed)
		return
	}
	s := NewStreamableServerTransport(randText())
	s.stateless = true
	server := h.getServer(req)
	ss, err := server.Connect(req.Context(), s, nil)
	if err != nil {
		http.Error(w, "failed connection", http.StatusInternalServerError)
		return
	}
	// No initialize precedes the request on an ephemeral session, so mark it
	// initialized before any message is delivered.
	ss.initParams.Store(&InitializeParams{})
	defer s.Close()
	s.ServeHTTP(w, req)
}

// NewStreamableServerTransport returns a new [StreamableServerTransport] with
// the given session ID.
//
// A StreamableServerTransport implements the server-side of the streamable
// transport.
//
// TODO(rfindley): consider adding options here, to configure event storage
// policy.
func NewStreamableServerTransport(sessionID string) *StreamableServerTransport {
	return &StreamableServerTransport{
		id:               sessionID,
		incoming:         make(chan JSONRPCMessage, 10),
		done:             make(chan struct{}),
		outgoingMessages: make(map[streamID][]*streamableMsg),
		signals:          make(map[streamID]chan struct{}),
		requestStreams:   make(map[JSONRPCID]streamID),
		streamRequests:   make(map[streamID]map[JSONRPCID]struct{}),
	}
}

// Connect implements Transport by returning t itself, since
// StreamableServerTransport is already a Connection once constructed: the
// HTTP handler owns the session's lifecycle and connects it exactly once.
func (t *StreamableServerTransport) Connect(context.Context) (Connection, error) {
	return t, nil
}

func (t *StreamableServerTransport) SessionID() string {
	return t.id
}

// A StreamableServerTransport implements the [Transport] interface for a
// single session.
type StreamableServerTransport struct {
	nextStreamID atomic.Int64 // incrementing next stream ID

	id        string
	stateless bool // set by [StreamableHTTPHandler] in stateless mode; suppresses Mcp-Session-Id
	incoming  chan JSONRPCMessage // messages from the client to the server

	mu sync.Mutex

	// Sessions are closed exactly once.
	isDone bool
	done   chan struct{}

	// Sessions can have multiple logical connections, corresponding to HTTP
	// requests. Additionally, logical sessions may be resumed by subsequent HTTP
	// requests, when the session is terminated unexpectedly.
	//
	// Therefore, we use a logical connection ID to key the connection state, and
	// perform the accounting described below when incoming HTTP requests are
	// handled.
	//
	// The accounting is complicated. It is tempting to merge some of the maps
	// below, but they each have different lifecycles, as indicated by Lifecycle:
	// comments.
	//
	// TODO(rfindley): simplify.

	// outgoingMessages is the collection of outgoingMessages messages, keyed by the logical
	// stream ID where they should be delivered.
	//
	// streamID 0 is used for messages that don't correlate with an incoming
	// request.
	//
	// Lifecycle: outgoingMessages persists for the duration of the session.
	//
	// TODO(rfindley): garbage collect this data. For now, we save all outgoingMessages
	// messages for the lifespan of the transport.
	outgoingMessages map[streamID][]*streamableMsg

	// signals maps a logical stream ID to a 1-buffered channel, owned by an
	// incoming HTTP request, that signals that there are messages available to
	// write into the HTTP response. Signals guarantees that at most one HTTP
	// response can receive messages for a logical stream. After claiming
	// the stream, incoming requests should read from outgoing, to ensure
	// that no new messages are missed.
	//
	// Lifecycle: signals persists for the duration of an HTTP POST or GET
	// request for the given streamID.
	signals map[streamID]chan struct{}

	// requestStreams maps incoming requests to their logical stream ID.
	//
	// Lifecycle: requestStreams persists for the duration of the session.
	//
	// TODO(rfindley): clean up once requests are handled.
	requestStreams map[JSONRPCID]streamID

	// streamRequests tracks the set of unanswered incoming RPCs for each logical
	// stream.
	//
	// When the server has responded to each request, the stream should be
	// closed.
	//
	// Lifecycle: streamRequests values persist as until the requests have been
	// replied to by the server. Notably, NOT until they are sent to an HTTP
	// response, as delivery is not guaranteed.
	streamRequests map[streamID]map[JSONRPCID]struct{}
}

type streamID int64

// a streamableMsg is an SSE event with an index into its logical stream.
type streamableMsg struct {
	idx   int
	event event
}

// We track the incoming request ID inside the handler context using
// requestIDContextKey, so that notifications and server->client calls that occur in
// the course of handling incoming requests are correlated with the incoming
// request that caused them, and can be dispatched as server-sent events to the
// correct HTTP request.
//
// Currently, this is implemented in [ServerSession.handleIncomingRequest]. This is not ideal,
// because it means that a user of the MCP package couldn't implement the
// streamable transport, as they'd lack this privileged access.
//
// If we ever wanted to expose this mechanism, we have a few options:
//  1. Make ServerSession an interface, and provide an implementation of
//     ServerSession to handlers that closes over the incoming request ID.
//  2. Expose a 'HandlerTransport' interface that allows transports to provide
//     a handler middleware, so that we don't hard-code this behavior in
//     ServerSession.handleIncomingRequest.
//  3. Add a `func ForRequest(context.Context) JSONRPCID` accessor that lets
//     any transport access the incoming request ID.
//
// For now, by giving only the StreamableServerTransport access to the request
// ID, we avoid having to make this API decision.

// ServeHTTP handles a single HTTP request for the session.
func (t *StreamableServerTransport) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		t.serveGET(w, req)
	case http.MethodPost:
		t.servePOST(w, req)
	default:
		// Should not be reached, as this is checked in StreamableHTTPHandler.ServeHTTP.
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "unsupported method", http.StatusMethodNotAllowed)
	}
}

func (t *StreamableServerTransport) serveGET(w http.ResponseWriter, req *http.Request) {
	// connID 0 corresponds to the default GET request.
	id, nextIdx := streamID(0), 0
	if len(req.Header.Values("Last-Event-ID")) > 0 {
		eid := req.Header.Get("Last-Event-ID")
		var ok bool
		id, nextIdx, ok = parseEventID(eid)
		if !ok {
			http.Error(w, fmt.Sprintf("malformed Last-Event-ID %q", eid), http.StatusBadRequest)
			return
		}
		nextIdx++
	}

	t.mu.Lock()
	if _, ok := t.signals[id]; ok {
		http.Error(w, "stream ID conflicts with ongoing stream", http.StatusBadRequest)
		t.mu.Unlock()
		return
	}
	signal := make(chan struct{}, 1)
	t.signals[id] = signal
	t.mu.Unlock()

	t.streamResponse(w, req, id, nextIdx, signal)
}

func (t *StreamableServerTransport) servePOST(w http.ResponseWriter, req *http.Request) {
	if len(req.Header.Values("Last-Event-ID")) > 0 {
		http.Error(w, "can't send Last-Event-ID for POST request", http.StatusBadRequest)
		return
	}

	// Read incoming messages.
	body, err := io.ReadAll(req.Body)
	if err != nil {
		if isMaxBytesError(err) {
			writeRequestBodyTooLarge(w)
			return
		}
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) == 0 {
		http.Error(w, "POST requires a non-empty body", http.StatusBadRequest)
		return
	}
	incoming, _, err := readBatch(body)
	if err != nil {
		http.Error(w, fmt.Sprintf("malformed payload: %v", err), http.StatusBadRequest)
		return
	}
	requests := make(map[JSONRPCID]struct{})
	for _, msg := range incoming {
		if req, ok := msg.(*JSONRPCRequest); ok && req.ID.IsValid() {
			requests[req.ID] = struct{}{}
		}
	}

	// Update accounting for this request.
	id := streamID(t.nextStreamID.Add(1))
	signal := make(chan struct{}, 1)
	t.mu.Lock()
	if len(requests) > 0 {
		t.streamRequests[id] = make(map[JSONRPCID]struct{})
	}
	for reqID := range requests {
		t.requestStreams[reqID] = id
		t.streamRequests[id][reqID] = struct{}{}
	}
	t.signals[id] = signal
	t.mu.Unlock()

	// Publish incoming messages.
	for _, msg := range incoming {
		t.incoming <- msg
	}

	// TODO(rfindley): consider optimizing for a single incoming request, by
	// responding with application/json when there is only a single message in
	// the response.
	t.streamResponse(w, req, id, 0, signal)
}

func (t *StreamableServerTransport) streamResponse(w http.ResponseWriter, req *http.Request, id streamID, nextIndex int, signal chan struct{}) {
	defer func() {
		t.mu.Lock()
		delete(t.signals, id)
		t.mu.Unlock()
	}()

	// Stream resumption: adjust outgoing index based on what the user says
	// they've received.
	if nextIndex > 0 {
		t.mu.Lock()
		// Clamp nextIndex to outgoing messages.
		outgoing := t.outgoingMessages[id]
		if nextIndex > len(outgoing) {
			nextIndex = len(outgoing)
		}
		t.mu.Unlock()
	}

	if !t.stateless {
		w.Header().Set(sessionIDHeader, t.id)
	}
	w.Header().Set("Content-Type", "text/event-stream") // Accept checked in [StreamableHTTPHandler]
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")

	writes := 0
stream:
	for {
		// Send outgoing messages
		t.mu.Lock()
		outgoing := t.outgoingMessages[id][nextIndex:]
		t.mu.Unlock()

		for _, msg := range outgoing {
			if _, err := writeEvent(w, msg.event); err != nil {
				// Connection closed or broken.
				return
			}
			writes++
			nextIndex++
		}

		t.mu.Lock()
		nOutstanding := len(t.streamRequests[id])
		nOutgoing := len(t.outgoingMessages[id])
		t.mu.Unlock()
		// If all requests have been handled and replied to, we can terminate this
		// connection. However, in the case of a sequencing violation from the server
		// (a send on the request context after the request has been handled), we
		// loop until we've written all messages.
		//
		// TODO(rfindley): should we instead refuse to send messages after the last
		// response? Decide, write a test, and change the behavior.
		if nextIndex < nOutgoing {
			continue // more to send
		}
		if req.Method == http.MethodPost && nOutstanding == 0 {
			if writes == 0 {
				// Spec: If the server accepts the input, the server MUST return HTTP
				// status code 202 Accepted with no body.
				w.WriteHeader(http.StatusAccepted)
			}
			return
		}

		select {
		case <-signal:
		case <-t.done:
			if writes == 0 {
				http.Error(w, "session terminated", http.StatusGone)
			}
			break stream
		case <-req.Context().Done():
			if writes == 0 {
				w.WriteHeader(http.StatusNoContent)
			}
			break stream
		}
	}
}

// Event IDs: encode both the logical connection ID and the index, as
// <streamID>_<idx>, to be consistent with the typescript implementation.

// formatEventID returns the event ID to use for the logical connection ID
// streamID and message index idx.
//
// See also [parseEventID].
func formatEventID(sid streamID, idx int) string {
	return fmt.Sprintf("%d_%d", sid, idx)
}

// parseEventID parses a Last-Event-ID value into a logical stream id and
// index.
//
// See also [formatEventID].
func parseEventID(eventID string) (sid streamID, idx int, ok bool) {
	parts := strings.Split(eventID, "_")
	if len(parts) != 2 {
		return 0, 0, false
	}
	stream, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || stream < 0 {
		return 0, 0, false
	}
	idx, err = strconv.Atoi(parts[1])
	if err != nil || idx < 0 {
		return 0, 0, false
	}
	return streamID(stream), idx, true
}

// Read implements the [Connection] interface.
func (t *StreamableServerTransport) Read(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-t.incoming:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-t.done:
		return nil, io.EOF
	}
}

// Write implements the [Connection] interface.
func (t *StreamableServerTransport) Write(ctx context.Context, msg JSONRPCMessage) error {
	// Find the incoming request that this write relates to, if any.
	var forRequest, replyTo JSONRPCID
	if resp, ok := msg.(*JSONRPCResponse); ok {
		// If the message is a response, it relates to its request (of course).
		forRequest = resp.ID
		replyTo = resp.ID
	} else {
		// Otherwise, we check to see if it request was made in the context of an
		// ongoing request. This may not be the case if the request way made with
		// an unrelated context.
		if id, ok := requestIDFromContext(ctx); ok {
			forRequest = id
		}
	}

	// Find the logical connection corresponding to this request.
	//
	// For messages sent outside of a request context, this is the default
	// connection 0.
	var forConn streamID
	if forRequest.IsValid() {
		t.mu.Lock()
		forConn = t.requestStreams[forRequest]
		t.mu.Unlock()
	}

	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isDone {
		return fmt.Errorf("session is closed") // TODO: should this be EOF?
	}

	if _, ok := t.streamRequests[forConn]; !ok && forConn != 0 {
		// No outstanding requests for this connection, which means it is logically
		// done. This is a sequencing violation from the server, so we should report
		// a side-channel error here. Put the message on the general queue to avoid
		// dropping messages.
		forConn = 0
	}

	idx := len(t.outgoingMessages[forConn])
	t.outgoingMessages[forConn] = append(t.outgoingMessages[forConn], &streamableMsg{
		idx: idx,
		event: event{
			name: "message",
			id:   formatEventID(forConn, idx),
			data: data,
		},
	})
	if replyTo.IsValid() {
		// Once we've put the reply on the queue, it's no longer outstanding.
		delete(t.streamRequests[forConn], replyTo)
		if len(t.streamRequests[forConn]) == 0 {
			delete(t.streamRequests, forConn)
		}
	}

	// Signal work.
	if c, ok := t.signals[forConn]; ok {
		select {
		case c <- struct{}{}:
		default:
		}
	}
	return nil
}

// Close implements the [Connection] interface.
func (t *StreamableServerTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.isDone {
		t.isDone = true
		close(t.done)
	}
	return nil
}

// Header names used by the streamable HTTP transport.
const (
	sessionIDHeader       = "Mcp-Session-Id"
	protocolVersionHeader = "MCP-Protocol-Version"
	lastEventIDHeader     = "Last-Event-ID"
)

// reconnectInitialDelay is the initial backoff used when resuming a request
// stream that was cut before yielding its response, or when reconnecting the
// standalone SSE stream. It is a package variable so tests can shrink it.
var reconnectInitialDelay = time.Second

// A StreamableClientTransport is a [Transport] that can communicate with an MCP
// endpoint serving the streamable HTTP transport defined by the 2025-03-26
// version of the spec.
type StreamableClientTransport struct {
	// Endpoint is the URL of the streamable HTTP MCP endpoint.
	Endpoint string

	// HTTPClient is the client to use for making HTTP requests. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client

	// MaxRetries specifies the maximum number of retries for sending a message:
	// a POST is attempted at most MaxRetries+1 times, and if 0, a failed POST
	// is not retried. A request stream that ends before its response is
	// resumed with up to MaxRetries+1 GET requests.
	MaxRetries int

	// InitialBackoff is the initial duration to wait before the first retry
	// of a failed POST. Subsequent retries use exponential backoff. If 0, a
	// default of 1 second is used.
	InitialBackoff time.Duration

	// DisableStandaloneSSE, if set, prevents the client from opening the
	// standalone GET stream used to receive server-initiated messages that
	// are not correlated with any request.
	DisableStandaloneSSE bool

	// strict causes the client to treat a non-conformant status code from the
	// initialized notification or the standalone GET as a connection error,
	// rather than silently tolerating a server that doesn't implement that
	// part of the transport.
	strict bool
}

// StreamableClientTransportOptions provides options for the
// [NewStreamableClientTransport] constructor.
type StreamableClientTransportOptions struct {
	// HTTPClient is the client to use for making HTTP requests. If nil,
	// http.DefaultClient is used.
	HTTPClient *http.Client
	// MaxRetries specifies the maximum number of retries for sending a message
	// or re-establishing a hanging GET connection. If 0, no retries are performed
	// beyond the initial attempt.
	MaxRetries int

	// InitialBackoff is the initial duration to wait before the first retry
	// attempt. Subsequent retries use exponential backoff. If 0, a default
	// of 1 second is used.
	InitialBackoff time.Duration
}

// NewStreamableClientTransport returns a new client transport that connects to
// the streamable HTTP server at the provided URL.
func NewStreamableClientTransport(url string, opts *StreamableClientTransportOptions) *StreamableClientTransport {
	t := &StreamableClientTransport{Endpoint: url}
	if opts != nil {
		t.HTTPClient = opts.HTTPClient
		t.MaxRetries = opts.MaxRetries
		t.InitialBackoff = opts.InitialBackoff
	}
	if t.InitialBackoff == 0 {
		t.InitialBackoff = time.Second
	}
	return t
}

// Connect implements the [Transport] interface.
//
// The resulting [Connection] writes messages via POST requests to the
// transport URL with the Mcp-Session-Id header set, and reads messages from
// hanging requests.
//
// When closed, the connection issues a DELETE request to terminate the logical
// session.
func (t *StreamableClientTransport) Connect(ctx context.Context) (Connection, error) {
	client := t.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	initialBackoff := t.InitialBackoff
	if initialBackoff == 0 {
		initialBackoff = time.Second
	}
	conn := &streamableClientConn{
		url:                  t.Endpoint,
		client:               client,
		incoming:             make(chan []byte, 100),
		done:                 make(chan struct{}),
		maxRetries:           t.MaxRetries,
		initialBackoff:       initialBackoff,
		strict:               t.strict,
		disableStandaloneSSE: t.DisableStandaloneSSE,
		randSource:           rand.New(rand.NewSource(time.Now().UnixNano())), // Seed for jitter
	}
	conn.sessionID.Store("")
	conn.protocolVersion.Store("")

	return conn, nil
}

type streamableClientConn struct {
	url string
	// sessionID stores the current session ID, assigned by the server on the
	// first POST.
	sessionID atomic.Value
	// protocolVersion stores the version negotiated during initialize, sent
	// as a header on every subsequent request.
	protocolVersion atomic.Value
	client          *http.Client
	incoming        chan []byte
	done            chan struct{}

	strict               bool
	disableStandaloneSSE bool

	closeOnce sync.Once
	closeErr  error

	mu sync.Mutex // protects the fields below
	// lastEventID stores the ID of the last successfully processed SSE event,
	// used for resuming the stream.
	lastEventID string
	// err stores the error that caused the connection to be deemed broken,
	// if any: set only for errors (like 401 and 404) that indicate the
	// logical session itself, rather than a single call, is no longer valid.
	err error
	// standaloneCancel cancels the standalone SSE stream opened after the
	// initialized notification, if any.
	standaloneCancel context.CancelFunc

	// Retry configuration.
	maxRetries     int
	initialBackoff time.Duration
	randSource     *rand.Rand // protected by mu; used for jittering backoff
}

func (s *streamableClientConn) SessionID() string {
	sid, _ := s.sessionID.Load().(string)
	return sid
}

// SetProtocolVersion records the protocol version negotiated during
// initialize, so that it can be sent on subsequent requests.
func (s *streamableClientConn) SetProtocolVersion(v string) {
	s.protocolVersion.Store(v)
}

func (s *streamableClientConn) protocolVersionStr() string {
	v, _ := s.protocolVersion.Load().(string)
	return v
}

func (s *streamableClientConn) getLastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

func (s *streamableClientConn) setLastEventID(id string) {
	s.mu.Lock()
	s.lastEventID = id
	s.mu.Unlock()
}

// closedErr returns the error to report for operations attempted after the
// connection has been closed.
func (s *streamableClientConn) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	return io.EOF
}

// Read implements the [Connection] interface.
func (s *streamableClientConn) Read(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, s.closedErr()
	case data := <-s.incoming:
		return jsonrpc2.DecodeMessage(data)
	}
}

// Write implements the [Connection] interface. It POSTs msg to the server
// and, if the message is a request, blocks until the correlated response
// has been observed (either in the synchronous JSON reply, or somewhere in
// the resulting SSE stream, resuming as needed).
//
// The resulting JSON-RPC messages (including the eventual response, and any
// notifications interleaved with it) are delivered asynchronously via the
// incoming channel, read by Read.
func (s *streamableClientConn) Write(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return s.closedErr()
	default:
	}

	var wantID JSONRPCID
	var wantsResponse bool
	if req, ok := msg.(*JSONRPCRequest); ok && req.ID.IsValid() {
		wantID, wantsResponse = req.ID, true
	}
	var isInitialized bool
	if note, ok := msg.(*JSONRPCNotification); ok && note.Method == notificationInitialized {
		isInitialized = true
	}

	resp, err := s.postWithRetry(ctx, msg)
	if err != nil {
		if s.sessionBroken(err) {
			s.mu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.mu.Unlock()
			s.Close()
		}
		return err
	}
	statusCode := resp.StatusCode

	ct, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	switch strings.TrimSpace(ct) {
	case "text/event-stream":
		if err := s.consumeRequestStream(ctx, resp, wantID, wantsResponse); err != nil {
			return err
		}
	default:
		body, rerr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if rerr != nil {
			return fmt.Errorf("reading response body: %w", rerr)
		}
		if len(body) > 0 {
			select {
			case s.incoming <- body:
			case <-s.done:
			}
		}
	}

	if isInitialized {
		if s.strict && statusCode != http.StatusAccepted {
			return fmt.Errorf("server returned non-conformant status %d for notifications/initialized", statusCode)
		}
		if !s.disableStandaloneSSE {
			if err := s.openStandaloneStream(); err != nil {
				return err
			}
		}
	}
	return nil
}

// sessionBroken reports whether err indicates that the logical session
// itself (not just one call) is no longer usable.
func (s *streamableClientConn) sessionBroken(err error) bool {
	var herr *httpStatusError
	if errors.As(err, &herr) {
		return herr.StatusCode == http.StatusUnauthorized || herr.StatusCode == http.StatusNotFound
	}
	return false
}

// postWithRetry POSTs msg, retrying transient failures up to s.maxRetries
// times with exponential backoff.
func (s *streamableClientConn) postWithRetry(ctx context.Context, msg JSONRPCMessage) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		resp, err := s.postOnce(ctx, msg)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || attempt == s.maxRetries {
			break
		}
		if err := s.backoff(ctx, s.initialBackoff, attempt); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// postOnce sends a single JSON-RPC message via an HTTP POST request,
// returning the (successful) response for the caller to consume.
func (s *streamableClientConn) postOnce(ctx context.Context, msg JSONRPCMessage) (*http.Response, error) {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating POST request: %w", err)
	}
	if sid := s.SessionID(); sid != "" {
		req.Header.Set(sessionIDHeader, sid)
	}
	if pv := s.protocolVersionStr(); pv != "" {
		req.Header.Set(protocolVersionHeader, pv)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST request failed: %w", err)
	}
	if sid := resp.Header.Get(sessionIDHeader); sid != "" {
		s.sessionID.Store(sid)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, readStatusError(resp)
	}
	return resp, nil
}

// ErrSessionMissing indicates that the server no longer recognizes the
// client's session ID, typically because the session was terminated
// (explicitly, or by server restart). The client must establish a new
// session by calling Connect again; the existing ClientSession is no
// longer usable.
var ErrSessionMissing = errors.New("session not found")

// readStatusError drains and closes resp.Body, returning an *httpStatusError
// describing the non-2xx response.
func readStatusError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	detail := strings.TrimSpace(string(body))
	if resp.StatusCode == http.StatusNotFound {
		err := error(ErrSessionMissing)
		if detail != "" {
			err = fmt.Errorf("%w: %s", ErrSessionMissing, detail)
		}
		return &httpStatusError{StatusCode: resp.StatusCode, Err: err}
	}
	msg := resp.Status
	if detail != "" {
		msg = fmt.Sprintf("%s: %s", resp.Status, detail)
	}
	return &httpStatusError{StatusCode: resp.StatusCode, Err: errors.New(msg)}
}

// backoff waits out an exponential, jittered delay before a retry attempt,
// or returns early if ctx is done or the connection is closed.
func (s *streamableClientConn) backoff(ctx context.Context, base time.Duration, attempt int) error {
	delay := base * time.Duration(1<<uint(attempt))
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	s.mu.Lock()
	jitter := time.Duration(s.randSource.Int63n(int64(delay/2) + 1))
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.closedErr()
	case <-time.After(delay + jitter):
		return nil
	}
}

// doGet issues a single GET request for the SSE stream, without interpreting
// the response status.
func (s *streamableClientConn) doGet(ctx context.Context, sessionID, lastEventID string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating GET request: %w", err)
	}
	if sessionID != "" {
		req.Header.Set(sessionIDHeader, sessionID)
	}
	if pv := s.protocolVersionStr(); pv != "" {
		req.Header.Set(protocolVersionHeader, pv)
	}
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set(lastEventIDHeader, lastEventID)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET request failed: %w", err)
	}
	return resp, nil
}

// getStream issues a GET request to resume a request-scoped or standalone
// stream, requiring a conformant 200 text/event-stream response.
func (s *streamableClientConn) getStream(ctx context.Context, sessionID, lastEventID string) (*http.Response, error) {
	resp, err := s.doGet(ctx, sessionID, lastEventID)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readStatusError(resp)
	}
	ct, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	if strings.TrimSpace(ct) != "text/event-stream" {
		resp.Body.Close()
		return nil, fmt.Errorf("GET response has unexpected content type %q", ct)
	}
	return resp, nil
}

// consumeRequestStream drains the SSE response to a POST request, returning
// once the response correlated with wantID has been observed (if
// wantsResponse), resuming the stream with Last-Event-ID as needed.
func (s *streamableClientConn) consumeRequestStream(ctx context.Context, resp *http.Response, wantID JSONRPCID, wantsResponse bool) error {
	lastEventID, resolved, err := s.drainEvents(resp, wantID, wantsResponse)
	if err != nil {
		return err
	}
	if !wantsResponse || resolved {
		return nil
	}
	if lastEventID == "" {
		return fmt.Errorf("request stream terminated without response and no events to resume from")
	}

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := s.backoff(ctx, reconnectInitialDelay, attempt); err != nil {
			return err
		}
		next, err := s.getStream(ctx, s.SessionID(), lastEventID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		newLastEventID, resolved, _ := s.drainEvents(next, wantID, wantsResponse)
		if resolved {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if newLastEventID != "" {
			lastEventID = newLastEventID
		}
	}
	return fmt.Errorf("request stream terminated without response: exceeded retries without progress")
}

// drainEvents reads evt, err pairs from resp's SSE body, forwarding every
// event's data onto s.incoming and tracking the last seen event ID. If
// wantsResponse, it also reports whether an event correlated with wantID was
// observed.
func (s *streamableClientConn) drainEvents(resp *http.Response, wantID JSONRPCID, wantsResponse bool) (lastEventID string, resolved bool, err error) {
	defer resp.Body.Close()
	for evt, scanErr := range scanEvents(resp.Body) {
		if scanErr != nil {
			if scanErr == io.EOF {
				return lastEventID, resolved, nil
			}
			return lastEventID, resolved, fmt.Errorf("reading SSE stream: %w", scanErr)
		}
		if evt.id != "" {
			lastEventID = evt.id
			s.setLastEventID(evt.id)
		}
		select {
		case s.incoming <- evt.data:
		case <-s.done:
			return lastEventID, resolved, io.EOF
		}
		if wantsResponse && !resolved {
			if id, ok := peekResponseID(evt.data); ok && id == wantID {
				return lastEventID, true, nil
			}
		}
	}
	return lastEventID, resolved, nil
}

// peekResponseID reports whether data decodes to a JSON-RPC response, and
// if so, returns its ID.
func peekResponseID(data []byte) (JSONRPCID, bool) {
	msg, err := jsonrpc2.DecodeMessage(data)
	if err != nil {
		return JSONRPCID{}, false
	}
	if r, ok := msg.(*JSONRPCResponse); ok {
		return r.ID, true
	}
	return JSONRPCID{}, false
}

// openStandaloneStream opens the GET stream used to receive server-initiated
// messages that are not correlated with any particular request. A server
// that doesn't support this stream signals so with 405, which is always
// tolerated; a 5xx response is always an error; other non-conformant
// responses are tolerated unless s.strict.
func (s *streamableClientConn) openStandaloneStream() error {
	ctx, cancel := context.WithCancel(context.Background())
	resp, err := s.doGet(ctx, s.SessionID(), s.getLastEventID())
	if err != nil {
		cancel()
		return fmt.Errorf("opening standalone SSE stream: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		resp.Body.Close()
		cancel()
		return nil
	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		return fmt.Errorf("standalone SSE stream failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		resp.Body.Close()
		cancel()
		if s.strict {
			return fmt.Errorf("server returned non-conformant status %s for standalone SSE stream", resp.Status)
		}
		return nil
	}

	ct, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	if strings.TrimSpace(ct) != "text/event-stream" {
		resp.Body.Close()
		cancel()
		if s.strict {
			return fmt.Errorf("server returned unexpected content type %q for standalone SSE stream", ct)
		}
		return nil
	}

	s.mu.Lock()
	s.standaloneCancel = cancel
	s.mu.Unlock()
	go s.runStandaloneStream(ctx, resp)
	return nil
}

// runStandaloneStream consumes the standalone SSE stream until it ends or
// the connection is closed, reconnecting on transient failures up to
// s.maxRetries times.
func (s *streamableClientConn) runStandaloneStream(ctx context.Context, first *http.Response) {
	resp := first
	for attempt := 0; ; {
		_, _, err := s.drainEvents(resp, JSONRPCID{}, false)
		if err == nil {
			return
		}
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}
		if attempt >= s.maxRetries {
			return
		}
		if err := s.backoff(ctx, reconnectInitialDelay, attempt); err != nil {
			return
		}
		attempt++
		next, err := s.getStream(ctx, s.SessionID(), s.getLastEventID())
		if err != nil {
			return
		}
		resp = next
	}
}

// isRetryable checks if a given error indicates a transient condition
// that warrants a retry.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Check if the error is an httpStatusError and if its status code is retryable.
	var httpErr *httpStatusError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case http.StatusRequestTimeout, // 408
			http.StatusTooEarly,            // 425
			http.StatusTooManyRequests,     // 429
			http.StatusInternalServerError, // 500
			http.StatusBadGateway,          // 502
			http.StatusServiceUnavailable,  // 503
			http.StatusGatewayTimeout:      // 504
			return true
		default:
			return false // Non-retryable HTTP status code
		}
	}

	// Check for network-related errors
	if netErr, ok := err.(net.Error); ok {
		if netErr.Timeout() {
			return true // Retry on timeout errors
		}
	}

	// Context cancellation should be non-retryable if it's explicitly from the caller.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return false // Default to not retry for unknown errors
}

// Close implements the [Connection] interface.
// It ensures that all background goroutines are stopped and
// sends a DELETE request to the server to terminate the logical session.
func (s *streamableClientConn) Close() error {
	s.closeOnce.Do(func() {
		close(s.done) // Signal all goroutines to stop

		s.mu.Lock()
		if s.standaloneCancel != nil {
			s.standaloneCancel()
		}
		s.mu.Unlock()

		// Send DELETE request to terminate the session on the server. This is
		// best-effort: termination failure doesn't prevent Close from
		// returning successfully to the caller. If the session is already
		// known broken (e.g. the server returned 401 or 404 for an earlier
		// call), the server has already discarded it, so deleting it again
		// would be redundant.
		s.mu.Lock()
		skipDelete := s.err != nil && s.sessionBroken(s.err)
		s.mu.Unlock()
		sessionID := s.SessionID()
		if sessionID != "" && !skipDelete {
			req, err := http.NewRequest(http.MethodDelete, s.url, nil)
			if err != nil {
				s.closeErr = fmt.Errorf("failed to create DELETE request: %w", err)
			} else {
				req.Header.Set(sessionIDHeader, sessionID)
				if pv := s.protocolVersionStr(); pv != "" {
					req.Header.Set(protocolVersionHeader, pv)
				}
				resp, err := s.client.Do(req)
				if err != nil {
					s.closeErr = fmt.Errorf("failed to send DELETE request to terminate session: %w", err)
				} else {
					resp.Body.Close()
				}
			}
		}
	})
	return s.closeErr
}

// httpStatusError wraps an error and includes an HTTP status code.
type httpStatusError struct {
	StatusCode int
	Err        error
}

func (e *httpStatusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("HTTP status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("HTTP status %d", e.StatusCode)
}

func (e *httpStatusError) Unwrap() error {
	return e.Err
}
