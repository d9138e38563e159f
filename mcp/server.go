// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coremcp/go-mcp/internal/jsonrpc2"
)

// ErrConnectionClosed is returned by session operations performed after the
// underlying connection has been closed.
var ErrConnectionClosed = errors.New("connection closed")

// A MethodHandler processes one method call (request or notification) for a
// session of type S (*ClientSession or *ServerSession). Handlers are
// composed via AddReceivingMiddleware and AddSendingMiddleware: each
// middleware wraps the next handler in the chain, innermost being either the
// library's own dispatch logic (for receiving) or the actual network send
// (for sending).
type MethodHandler[S any] func(ctx context.Context, session S, method string, params Params) (Result, error)

// ServerOptions configures a Server.
type ServerOptions struct {
	// Logger is used for structured logging of protocol-level events. If
	// nil, slog.Default() is used.
	Logger *slog.Logger

	// Instructions are sent to clients in InitializeResult, describing how
	// to use the server.
	Instructions string

	// PageSize is the default page size used for list operations when the
	// client does not request pagination explicitly. If zero, all results
	// are returned in a single page.
	PageSize int

	// CompletionHandler, if set, answers completion/complete requests for
	// prompt and resource template arguments. If nil, completion/complete
	// always returns an empty result.
	CompletionHandler func(context.Context, *CompleteRequest) (*CompleteResult, error)

	// SubscribeHandler and UnsubscribeHandler, if both set, back the
	// resources/subscribe and resources/unsubscribe methods and cause the
	// server to advertise Resources.Subscribe capability. If either is nil,
	// the capability is not advertised; a request whose handler is nil is
	// accepted and has no effect.
	SubscribeHandler   func(context.Context, *SubscribeRequest) error
	UnsubscribeHandler func(context.Context, *UnsubscribeRequest) error

	// HasPrompts, HasResources, and HasTools cause the server to advertise
	// the corresponding capability even before any prompt, resource, or tool
	// has been registered. Useful when a server registers its features
	// lazily, after the initial handshake.
	HasPrompts   bool
	HasResources bool
	HasTools     bool

	// KeepAlive, if positive, is the interval at which each ServerSession
	// pings its client after the initialize handshake completes. The
	// session is closed if a ping fails.
	KeepAlive time.Duration

	// Store, if non-nil, persists each session's InitializeParams and
	// LogLevel as they change, keyed by the session ID reported by the
	// underlying Connection (see ServerSession.ID). On Connect, a session
	// whose ID already has stored state resumes with that state rather
	// than starting blank; this lets a session survive a transport-level
	// reconnect (for example, a client re-attaching to a session previously
	// served by a different StreamableHTTPHandler replica) without
	// repeating the initialize handshake. Sessions not identified by the
	// transport (Store's key would be empty) are not persisted.
	Store SessionStore
}

// A Server is an MCP server: a registry of tools, resources, and prompts
// that can be connected to any number of client sessions via Connect.
type Server struct {
	impl *Implementation
	opts ServerOptions

	mu            sync.Mutex
	tools         map[string]*serverTool
	resources     map[string]*Resource
	resourceFuncs map[string]ResourceHandler
	templates     map[string]*serverResourceTemplate
	prompts       map[string]*serverPrompt
	sessions      map[*ServerSession]struct{}

	receivingMW []func(MethodHandler[*ServerSession]) MethodHandler[*ServerSession]
	sendingMW   []func(MethodHandler[*ServerSession]) MethodHandler[*ServerSession]
}

// NewServer creates a new Server with the given implementation identity.
// If opts is nil, default options are used.
func NewServer(impl *Implementation, opts *ServerOptions) *Server {
	s := &Server{
		impl:          impl,
		tools:         make(map[string]*serverTool),
		resources:     make(map[string]*Resource),
		resourceFuncs: make(map[string]ResourceHandler),
		templates:     make(map[string]*serverResourceTemplate),
		prompts:       make(map[string]*serverPrompt),
		sessions:      make(map[*ServerSession]struct{}),
	}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.Logger == nil {
		s.opts.Logger = slog.Default()
	}
	return s
}

// AddReceivingMiddleware appends middleware applied, in the given order, to
// every request or notification the server receives from a client.
func (s *Server) AddReceivingMiddleware(mw ...func(MethodHandler[*ServerSession]) MethodHandler[*ServerSession]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivingMW = append(s.receivingMW, mw...)
}

// AddSendingMiddleware appends middleware applied, in the given order, to
// every request the server sends to a client.
func (s *Server) AddSendingMiddleware(mw ...func(MethodHandler[*ServerSession]) MethodHandler[*ServerSession]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendingMW = append(s.sendingMW, mw...)
}

// capabilities returns the server's current ServerCapabilities, derived from
// what's registered.
func (s *Server) capabilities() *ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	caps := &ServerCapabilities{
		Logging: &LoggingCapabilities{},
	}
	if s.opts.CompletionHandler != nil {
		caps.Completions = &CompletionCapabilities{}
	}
	if s.opts.HasTools || len(s.tools) > 0 {
		caps.Tools = &ToolCapabilities{ListChanged: true}
	}
	if s.opts.HasResources || len(s.resources) > 0 || len(s.templates) > 0 {
		caps.Resources = &ResourceCapabilities{
			ListChanged: true,
			Subscribe:   s.opts.SubscribeHandler != nil && s.opts.UnsubscribeHandler != nil,
		}
	}
	if s.opts.HasPrompts || len(s.prompts) > 0 {
		caps.Prompts = &PromptCapabilities{ListChanged: true}
	}
	return caps
}

// Connect connects the server to a client over t, starting a new
// ServerSession. The session runs until the connection is closed or its
// context is cancelled.
func (s *Server) Connect(ctx context.Context, t Transport, opts *ServerSessionOptions) (*ServerSession, error) {
	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, err
	}
	ss := &ServerSession{
		sharedSession: newSharedSession(conn, s.opts.Logger),
		server:        s,
	}
	ss.logLevel.Store(LoggingLevel("info"))

	if s.opts.Store != nil {
		if id := ss.ID(); id != "" {
			if state, err := s.opts.Store.Load(ctx, id); err == nil {
				ss.initParams.Store(state.InitializeParams)
				ss.initOnce.Store(state.InitializeParams != nil)
				ss.logLevel.Store(state.LogLevel)
			} else if !errors.Is(err, ErrNoSession) {
				s.opts.Logger.Warn("loading persisted session state", "sessionID", id, "error", err)
			}
		}
	}

	s.mu.Lock()
	s.sessions[ss] = struct{}{}
	s.mu.Unlock()

	ss.wg.Add(1)
	go func() {
		defer ss.wg.Done()
		ss.readLoop(ctx)
		s.mu.Lock()
		delete(s.sessions, ss)
		s.mu.Unlock()
	}()
	return ss, nil
}

// A ServerSession is an MCP session from the server's point of view,
// connected to exactly one client over a single Connection.
type ServerSession struct {
	*sharedSession
	server *Server

	initOnce   atomic.Bool // whether notifications/initialized has been processed
	initParams atomic.Pointer[InitializeParams]
	clientCaps atomic.Pointer[ClientCapabilities]
	logLevel   atomic.Value // LoggingLevel

	// keepaliveCancel stops the keepalive ping goroutine, if one was
	// started by initialized. It is set at most once, guarded by initOnce.
	keepaliveCancel context.CancelFunc
}

// ID returns a stable identifier for this session, if the underlying
// Connection exposes one (as StreamableServerTransport does).
func (ss *ServerSession) ID() string {
	if idr, ok := ss.mcpConn.(interface{ SessionID() string }); ok {
		return idr.SessionID()
	}
	return ""
}

// Wait blocks until the session's connection is closed, returning the error
// that caused the closure, if any.
func (ss *ServerSession) Wait() error {
	<-ss.done
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.closeErr
}

// Close closes the session's connection.
func (ss *ServerSession) Close() error {
	if ss.keepaliveCancel != nil {
		ss.keepaliveCancel()
	}
	return ss.close(nil)
}

// readLoop reads and dispatches incoming messages until the connection is
// closed.
func (ss *ServerSession) readLoop(ctx context.Context) {
	for {
		msg, err := ss.mcpConn.Read(ctx)
		if err != nil {
			if ss.keepaliveCancel != nil {
				ss.keepaliveCancel()
			}
			ss.close(err)
			return
		}
		switch m := msg.(type) {
		case *JSONRPCRequest:
			ss.wg.Add(1)
			go func() {
				defer ss.wg.Done()
				ss.handleIncomingRequest(ctx, m)
			}()
		case *JSONRPCNotification:
			ss.wg.Add(1)
			go func() {
				defer ss.wg.Done()
				ss.handleIncomingNotification(ctx, m)
			}()
		case *JSONRPCResponse:
			ss.deliverResponse(m)
		}
	}
}

func (ss *ServerSession) handleIncomingRequest(ctx context.Context, req *JSONRPCRequest) {
	ctx = contextWithRequestID(ctx, req.ID)
	params, err := decodeServerParams(req.Method, req.Params)
	if err != nil {
		ss.replyError(ctx, req.ID, fmt.Errorf("%w: %v", errInvalidParams, err))
		return
	}

	h := MethodHandler[*ServerSession](ss.dispatch)
	mw := ss.server.receivingMiddlewareSnapshot()
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	result, err := h(ctx, ss, req.Method, params)
	if err != nil {
		ss.replyError(ctx, req.ID, err)
		return
	}
	resp, err := jsonrpc2.NewResponse(req.ID, result, nil)
	if err != nil {
		ss.server.opts.Logger.Error("marshaling response", "method", req.Method, "error", err)
		return
	}
	if err := ss.mcpConn.Write(ctx, resp); err != nil {
		ss.server.opts.Logger.Warn("writing response", "method", req.Method, "error", err)
	}
}

func (ss *ServerSession) replyError(ctx context.Context, id JSONRPCID, err error) {
	resp, merr := jsonrpc2.NewResponse(id, nil, toWireError(err))
	if merr != nil {
		return
	}
	if werr := ss.mcpConn.Write(ctx, resp); werr != nil {
		ss.server.opts.Logger.Warn("writing error response", "error", werr)
	}
}

func (ss *ServerSession) handleIncomingNotification(ctx context.Context, note *JSONRPCNotification) {
	params, err := decodeServerParams(note.Method, note.Params)
	if err != nil {
		ss.server.opts.Logger.Warn("decoding notification params", "method", note.Method, "error", err)
		return
	}
	h := MethodHandler[*ServerSession](ss.dispatch)
	mw := ss.server.receivingMiddlewareSnapshot()
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	if _, err := h(ctx, ss, note.Method, params); err != nil {
		ss.server.opts.Logger.Warn("handling notification", "method", note.Method, "error", err)
	}
}

func (s *Server) receivingMiddlewareSnapshot() []func(MethodHandler[*ServerSession]) MethodHandler[*ServerSession] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]func(MethodHandler[*ServerSession]) MethodHandler[*ServerSession]{}, s.receivingMW...)
}

func (s *Server) sendingMiddlewareSnapshot() []func(MethodHandler[*ServerSession]) MethodHandler[*ServerSession] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]func(MethodHandler[*ServerSession]) MethodHandler[*ServerSession]{}, s.sendingMW...)
}

var errInvalidParams = errors.New("invalid params")

// dispatch is the terminal receiving MethodHandler: the server's actual
// request/notification logic.
func (ss *ServerSession) dispatch(ctx context.Context, _ *ServerSession, method string, params Params) (Result, error) {
	if method != "initialize" && ss.initParams.Load() == nil {
		return nil, fmt.Errorf("method %q is invalid during session initialization", method)
	}
	switch method {
	case "initialize":
		return ss.initialize(ctx, params.(*InitializeParams))
	case "notifications/initialized":
		return ss.initialized(ctx, params.(*InitializedParams))
	case "ping":
		return &emptyResult{}, nil
	case "tools/list":
		return ss.handleListTools(ctx, params.(*ListToolsParams))
	case "tools/call":
		return ss.handleCallTool(ctx, params.(*CallToolParamsRaw))
	case "resources/list":
		return ss.handleListResources(ctx, params.(*ListResourcesParams))
	case "resources/templates/list":
		return ss.handleListResourceTemplates(ctx, params.(*ListResourceTemplatesParams))
	case "resources/read":
		return ss.handleReadResource(ctx, params.(*ReadResourceParams))
	case "resources/subscribe":
		return ss.handleSubscribe(ctx, params.(*SubscribeParams))
	case "resources/unsubscribe":
		return ss.handleUnsubscribe(ctx, params.(*UnsubscribeParams))
	case "prompts/list":
		return ss.handleListPrompts(ctx, params.(*ListPromptsParams))
	case "prompts/get":
		return ss.handleGetPrompt(ctx, params.(*GetPromptParams))
	case "completion/complete":
		return ss.handleComplete(ctx, params.(*CompleteParams))
	case "logging/setLevel":
		p := params.(*SetLoggingLevelParams)
		ss.logLevel.Store(p.Level)
		ss.persistState(ctx)
		return &emptyResult{}, nil
	case "notifications/cancelled", "notifications/progress", "notifications/roots/list_changed":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: method %q not handled", errMethodNotFound, method)
	}
}

var errMethodNotFound = errors.New("method not found")

// initialize handles the initialize request: it records the client's
// declared capabilities and returns the server's own.
func (ss *ServerSession) initialize(ctx context.Context, params *InitializeParams) (*InitializeResult, error) {
	ss.initParams.Store(params)
	ss.clientCaps.Store(params.Capabilities)
	ss.persistState(ctx)
	return &InitializeResult{
		ProtocolVersion: latestProtocolVersion,
		Capabilities:    ss.server.capabilities(),
		ServerInfo:      ss.server.impl,
		Instructions:    ss.server.opts.Instructions,
	}, nil
}

// persistState writes the session's current InitializeParams and LogLevel
// to the server's SessionStore, if one is configured and the session has a
// stable ID. Store errors are logged, not returned: persistence is
// best-effort and must never fail the request that triggered it.
func (ss *ServerSession) persistState(ctx context.Context) {
	store := ss.server.opts.Store
	if store == nil {
		return
	}
	id := ss.ID()
	if id == "" {
		return
	}
	level, _ := ss.logLevel.Load().(LoggingLevel)
	state := &SessionState{
		InitializeParams: ss.initParams.Load(),
		LogLevel:         level,
	}
	if err := store.Store(ctx, id, state); err != nil {
		ss.server.opts.Logger.Warn("persisting session state", "sessionID", id, "error", err)
	}
}

// initialized handles the notifications/initialized notification that
// concludes the handshake. It may be processed at most once per session; a
// second call reports the duplicate rather than restarting the keepalive
// mechanism.
func (ss *ServerSession) initialized(ctx context.Context, params *InitializedParams) (*emptyResult, error) {
	if !ss.initOnce.CompareAndSwap(false, true) {
		return nil, errors.New("duplicate initialized received")
	}
	if ss.server.opts.KeepAlive > 0 {
		ss.startKeepalive(ss.server.opts.KeepAlive)
	}
	return &emptyResult{}, nil
}

// startKeepalive pings the client at the given interval until the session
// closes or the ping fails, at which point the session is closed.
func (ss *ServerSession) startKeepalive(interval time.Duration) {
	kaCtx, cancel := context.WithCancel(context.Background())
	ss.keepaliveCancel = cancel
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-kaCtx.Done():
				return
			case <-ticker.C:
				if err := ss.Ping(kaCtx, nil); err != nil {
					ss.close(err)
					return
				}
			}
		}
	}()
}

func (ss *ServerSession) handleSubscribe(ctx context.Context, params *SubscribeParams) (*emptyResult, error) {
	if h := ss.server.opts.SubscribeHandler; h != nil {
		if err := h(ctx, &SubscribeRequest{Session: ss, Params: params}); err != nil {
			return nil, err
		}
	}
	return &emptyResult{}, nil
}

func (ss *ServerSession) handleUnsubscribe(ctx context.Context, params *UnsubscribeParams) (*emptyResult, error) {
	if h := ss.server.opts.UnsubscribeHandler; h != nil {
		if err := h(ctx, &UnsubscribeRequest{Session: ss, Params: params}); err != nil {
			return nil, err
		}
	}
	return &emptyResult{}, nil
}

// latestProtocolVersion is the protocol version this server implements.
const latestProtocolVersion = "2025-06-18"

// Ping sends a ping request to the client.
func (ss *ServerSession) Ping(ctx context.Context, params *PingParams) error {
	_, err := ss.sendRequest(ctx, "ping", params, &emptyResult{})
	return err
}

// ListRoots asks the client for its configured roots.
func (ss *ServerSession) ListRoots(ctx context.Context, params *ListRootsParams) (*ListRootsResult, error) {
	result := &ListRootsResult{}
	if _, err := ss.sendRequest(ctx, "roots/list", params, result); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateMessage asks the client to sample from its configured LLM.
func (ss *ServerSession) CreateMessage(ctx context.Context, params *CreateMessageParams) (*CreateMessageResult, error) {
	result := &CreateMessageResult{}
	if _, err := ss.sendRequest(ctx, "sampling/createMessage", params, result); err != nil {
		return nil, err
	}
	return result, nil
}

// NotifyProgress sends a progress notification to the client.
func (ss *ServerSession) NotifyProgress(ctx context.Context, params *ProgressNotificationParams) error {
	return ss.notify(ctx, "notifications/progress", params)
}

// Log sends a logging message notification to the client, if the client's
// requested logging level permits it.
func (ss *ServerSession) Log(ctx context.Context, params *LoggingMessageParams) error {
	severity := map[LoggingLevel]int{"debug": 0, "info": 1, "notice": 2, "warning": 3, "error": 4, "critical": 5, "alert": 6, "emergency": 7}
	if level, ok := ss.logLevel.Load().(LoggingLevel); ok {
		if threshold, known := severity[level]; known && severity[params.Level] < threshold {
			return nil
		}
	}
	return ss.notify(ctx, "notifications/message", params)
}

// sendRequest performs an outgoing request through the server's sending
// middleware chain.
func (ss *ServerSession) sendRequest(ctx context.Context, method string, params Params, result Result) (Result, error) {
	h := MethodHandler[*ServerSession](func(ctx context.Context, s *ServerSession, method string, params Params) (Result, error) {
		if err := s.sharedSession.call(ctx, method, params, result); err != nil {
			return nil, err
		}
		return result, nil
	})
	mw := ss.server.sendingMiddlewareSnapshot()
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h(ctx, ss, method, params)
}

// emptyResult is the result of methods (like ping) that carry no data.
type emptyResult struct{}

func (*emptyResult) isResult() {}

func (*emptyResult) MarshalJSON() ([]byte, error) { return []byte("{}"), nil }

// decodeServerParams decodes raw into the concrete *Params type expected for
// method, as received by a server.
func decodeServerParams(method string, raw json.RawMessage) (Params, error) {
	newParams, ok := serverParamTypes[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errMethodNotFound, method)
	}
	p := newParams()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

var serverParamTypes = map[string]func() Params{
	"initialize":                    func() Params { return &InitializeParams{} },
	"notifications/initialized":     func() Params { return &InitializedParams{} },
	"ping":                          func() Params { return &PingParams{} },
	"tools/list":                    func() Params { return &ListToolsParams{} },
	"tools/call":                    func() Params { return &CallToolParamsRaw{} },
	"resources/list":                func() Params { return &ListResourcesParams{} },
	"resources/templates/list":      func() Params { return &ListResourceTemplatesParams{} },
	"resources/read":                func() Params { return &ReadResourceParams{} },
	"resources/subscribe":           func() Params { return &SubscribeParams{} },
	"resources/unsubscribe":         func() Params { return &UnsubscribeParams{} },
	"prompts/list":                  func() Params { return &ListPromptsParams{} },
	"prompts/get":                   func() Params { return &GetPromptParams{} },
	"completion/complete":           func() Params { return &CompleteParams{} },
	"logging/setLevel":              func() Params { return &SetLoggingLevelParams{} },
	"notifications/cancelled":       func() Params { return &CancelledParams{} },
	"notifications/progress":        func() Params { return &ProgressNotificationParams{} },
	"notifications/roots/list_changed": func() Params { return &RootsListChangedParams{} },
}

// --- Application layer: tools -----------------------------------------

// ResourceHandler serves the contents of a resource or resource template
// match.
type ResourceHandler func(ctx context.Context, req *ServerRequest[*ReadResourceParams]) (*ReadResourceResult, error)

// serverResourceTemplate pairs a ResourceTemplate with its handler and
// compiled URI template matcher.
type serverResourceTemplate struct {
	template *ResourceTemplate
	handler  ResourceHandler
	matcher  uriTemplateMatcher
}

// serverPrompt pairs a Prompt with its handler.
type serverPrompt struct {
	prompt  *Prompt
	handler PromptHandler
}

// PromptHandler handles a call to prompts/get.
type PromptHandler func(ctx context.Context, req *GetPromptRequest) (*GetPromptResult, error)

// AddTool registers a tool whose input (and optionally structured output) is
// described by an explicit JSON schema on t, with a handler that receives
// already-validated, strongly-typed arguments.
func AddTool[In, Out any](s *Server, t *Tool, h TypedToolHandler[In, Out]) {
	st, err := newTypedServerTool(t, h)
	if err != nil {
		panic(fmt.Sprintf("AddTool %q: %v", t.Name, err))
	}
	s.mu.Lock()
	s.tools[t.Name] = st
	s.mu.Unlock()
}

// AddRawTool registers a tool with an untyped handler: the handler receives
// the arguments as a *map[string]any, after they have been validated against
// t.InputSchema, and decides for itself how to interpret them.
func AddRawTool(s *Server, t *Tool, h ToolHandler) {
	st, err := newServerTool(t, h)
	if err != nil {
		panic(fmt.Sprintf("AddRawTool %q: %v", t.Name, err))
	}
	s.mu.Lock()
	s.tools[t.Name] = st
	s.mu.Unlock()
}

// AddTool is a method form of AddRawTool, for registering an untyped tool
// directly on a Server value.
func (s *Server) AddTool(t *Tool, h ToolHandler) {
	AddRawTool(s, t, h)
}

// RemoveTool removes the named tool, if registered.
func (s *Server) RemoveTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tools, name)
}

func (ss *ServerSession) handleListTools(ctx context.Context, params *ListToolsParams) (*ListToolsResult, error) {
	s := ss.server
	s.mu.Lock()
	fs := newFeatureSet(func(t *Tool) string { return t.Name })
	for _, st := range s.tools {
		fs.add(st.tool)
	}
	pageSize := s.opts.PageSize
	s.mu.Unlock()
	return paginateList(fs, pageSize, params, &ListToolsResult{}, func(r *ListToolsResult, items []*Tool) {
		r.Tools = items
	})
}

func (ss *ServerSession) handleCallTool(ctx context.Context, raw *CallToolParamsRaw) (*CallToolResult, error) {
	s := ss.server
	s.mu.Lock()
	st, ok := s.tools[raw.Name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: tool %q not found", errInvalidParams, raw.Name)
	}
	req := &ServerRequest[*CallToolParams]{
		Session: ss,
		Params: &CallToolParams{
			Meta:      raw.Meta,
			Name:      raw.Name,
			Arguments: raw.Arguments,
		},
	}
	return st.handler(ctx, req)
}

// --- Application layer: resources -------------------------------------

// AddResource registers a static resource served by h.
func (s *Server) AddResource(r *Resource, h ResourceHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[r.URI] = r
	s.resourceFuncs[r.URI] = h
}

// AddResourceTemplate registers a URI-templated resource family served by h.
// The template's URITemplate field is compiled with yosida95/uritemplate to
// match the URIs of incoming resources/read requests; template variables are
// not extracted for the handler. A malformed template panics, the same as a
// malformed tool schema in AddTool.
func (s *Server) AddResourceTemplate(t *ResourceTemplate, h ResourceHandler) {
	m, err := newURITemplateMatcher(t.URITemplate)
	if err != nil {
		panic(fmt.Sprintf("AddResourceTemplate %q: %v", t.Name, err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.Name] = &serverResourceTemplate{template: t, handler: h, matcher: m}
}

func (ss *ServerSession) handleListResources(ctx context.Context, params *ListResourcesParams) (*ListResourcesResult, error) {
	s := ss.server
	s.mu.Lock()
	fs := newFeatureSet(func(r *Resource) string { return r.URI })
	for _, r := range s.resources {
		fs.add(r)
	}
	pageSize := s.opts.PageSize
	s.mu.Unlock()
	return paginateList(fs, pageSize, params, &ListResourcesResult{}, func(r *ListResourcesResult, items []*Resource) {
		r.Resources = items
	})
}

func (ss *ServerSession) handleListResourceTemplates(ctx context.Context, params *ListResourceTemplatesParams) (*ListResourceTemplatesResult, error) {
	s := ss.server
	s.mu.Lock()
	fs := newFeatureSet(func(t *ResourceTemplate) string { return t.Name })
	for _, t := range s.templates {
		fs.add(t.template)
	}
	pageSize := s.opts.PageSize
	s.mu.Unlock()
	return paginateList(fs, pageSize, params, &ListResourceTemplatesResult{}, func(r *ListResourceTemplatesResult, items []*ResourceTemplate) {
		r.ResourceTemplates = items
	})
}

func (ss *ServerSession) handleReadResource(ctx context.Context, params *ReadResourceParams) (*ReadResourceResult, error) {
	s := ss.server
	s.mu.Lock()
	h, ok := s.resourceFuncs[params.URI]
	s.mu.Unlock()
	if ok {
		return h(ctx, &ServerRequest[*ReadResourceParams]{Session: ss, Params: params})
	}

	s.mu.Lock()
	templates := make([]*serverResourceTemplate, 0, len(s.templates))
	for _, t := range s.templates {
		templates = append(templates, t)
	}
	s.mu.Unlock()
	for _, t := range templates {
		if t.matcher.Match(params.URI) {
			return t.handler(ctx, &ServerRequest[*ReadResourceParams]{Session: ss, Params: params})
		}
	}
	return nil, ResourceNotFoundError(params.URI)
}

// --- Application layer: prompts ----------------------------------------

// AddPrompt registers a prompt served by h.
func (s *Server) AddPrompt(p *Prompt, h PromptHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts[p.Name] = &serverPrompt{prompt: p, handler: h}
}

func (ss *ServerSession) handleListPrompts(ctx context.Context, params *ListPromptsParams) (*ListPromptsResult, error) {
	s := ss.server
	s.mu.Lock()
	fs := newFeatureSet(func(p *Prompt) string { return p.Name })
	for _, p := range s.prompts {
		fs.add(p.prompt)
	}
	pageSize := s.opts.PageSize
	s.mu.Unlock()
	return paginateList(fs, pageSize, params, &ListPromptsResult{}, func(r *ListPromptsResult, items []*Prompt) {
		r.Prompts = items
	})
}

func (ss *ServerSession) handleGetPrompt(ctx context.Context, params *GetPromptParams) (*GetPromptResult, error) {
	s := ss.server
	s.mu.Lock()
	p, ok := s.prompts[params.Name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: prompt %q not found", errInvalidParams, params.Name)
	}
	return p.handler(ctx, &GetPromptRequest{Session: ss, Params: params})
}

// --- Application layer: completion --------------------------------------

func (ss *ServerSession) handleComplete(ctx context.Context, params *CompleteParams) (*CompleteResult, error) {
	if h := ss.server.opts.CompletionHandler; h != nil {
		return h(ctx, &CompleteRequest{Session: ss, Params: params})
	}
	// No registry of completable arguments is maintained by default; a
	// server that wants completion/complete must set ServerOptions.CompletionHandler.
	return &CompleteResult{
		Completion: CompletionResultDetails{Values: nil},
	}, nil
}
