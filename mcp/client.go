// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/coremcp/go-mcp/internal/jsonrpc2"
)

// ClientOptions configures a Client.
type ClientOptions struct {
	// Logger is used for structured logging of protocol-level events. If
	// nil, slog.Default() is used.
	Logger *slog.Logger

	// Roots lists the filesystem roots this client exposes to servers. If
	// empty, the client reports no roots capability.
	Roots []*Root

	// CreateMessageHandler, if set, lets this client service a server's
	// sampling/createMessage requests (the client acts as the LLM sampling
	// provider). If nil, the client reports no sampling capability and such
	// requests fail.
	CreateMessageHandler func(context.Context, *CreateMessageRequest) (*CreateMessageResult, error)

	// ProgressNotificationHandler, if set, is called for every
	// notifications/progress notification a server sends this client.
	ProgressNotificationHandler func(context.Context, *ClientSession, *ProgressNotificationParams)
}

// A Client is an MCP client: it can connect to any number of MCP servers via
// Connect, each producing an independent ClientSession.
type Client struct {
	impl *Implementation
	opts ClientOptions

	receivingMW []func(MethodHandler[*ClientSession]) MethodHandler[*ClientSession]
	sendingMW   []func(MethodHandler[*ClientSession]) MethodHandler[*ClientSession]
}

// NewClient creates a new Client with the given implementation identity. If
// opts is nil, default options are used.
func NewClient(impl *Implementation, opts *ClientOptions) *Client {
	c := &Client{impl: impl}
	if opts != nil {
		c.opts = *opts
	}
	if c.opts.Logger == nil {
		c.opts.Logger = slog.Default()
	}
	return c
}

// AddReceivingMiddleware appends middleware applied, in the given order, to
// every request or notification the client receives from a server.
func (c *Client) AddReceivingMiddleware(mw ...func(MethodHandler[*ClientSession]) MethodHandler[*ClientSession]) {
	c.receivingMW = append(c.receivingMW, mw...)
}

// AddSendingMiddleware appends middleware applied, in the given order, to
// every request the client sends to a server and to the
// notifications/initialized notification sent by Connect.
func (c *Client) AddSendingMiddleware(mw ...func(MethodHandler[*ClientSession]) MethodHandler[*ClientSession]) {
	c.sendingMW = append(c.sendingMW, mw...)
}

func (c *Client) capabilities() *ClientCapabilities {
	caps := &ClientCapabilities{}
	if len(c.opts.Roots) > 0 {
		caps.Roots.ListChanged = true
		caps.RootsV2 = &RootCapabilities{ListChanged: true}
	}
	if c.opts.CreateMessageHandler != nil {
		caps.Sampling = &SamplingCapabilities{}
	}
	return caps
}

// Connect connects the client to a server over t, performing the
// initialize/initialized handshake before returning.
func (c *Client) Connect(ctx context.Context, t Transport, opts *ClientSessionOptions) (*ClientSession, error) {
	conn, err := t.Connect(ctx)
	if err != nil {
		return nil, err
	}
	cs := &ClientSession{
		sharedSession: newSharedSession(conn, c.opts.Logger),
		client:        c,
	}

	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		cs.readLoop(ctx)
	}()

	initResult := &InitializeResult{}
	initParams := &InitializeParams{
		ProtocolVersion: latestProtocolVersion,
		Capabilities:    c.capabilities(),
		ClientInfo:      c.impl,
	}
	if _, err := cs.sendRequest(ctx, "initialize", initParams.toV2(), initResult); err != nil {
		cs.close(err)
		return nil, fmt.Errorf("initialize: %w", err)
	}
	cs.serverCaps.Store(initResult.Capabilities)
	cs.state.InitializeResult = initResult
	if pv, ok := cs.mcpConn.(interface{ SetProtocolVersion(string) }); ok {
		pv.SetProtocolVersion(initResult.ProtocolVersion)
	}

	notifyH := MethodHandler[*ClientSession](func(ctx context.Context, s *ClientSession, method string, params Params) (Result, error) {
		return nil, s.sharedSession.notify(ctx, method, params)
	})
	for i := len(c.sendingMW) - 1; i >= 0; i-- {
		notifyH = c.sendingMW[i](notifyH)
	}
	if _, err := notifyH(ctx, cs, "notifications/initialized", &InitializedParams{}); err != nil {
		cs.close(err)
		return nil, fmt.Errorf("notifications/initialized: %w", err)
	}
	return cs, nil
}

// clientSessionState holds the results of the initialize handshake, set
// once during Connect and read-only thereafter.
type clientSessionState struct {
	InitializeResult *InitializeResult
}

// A ClientSession is an MCP session from the client's point of view,
// connected to exactly one server over a single Connection.
type ClientSession struct {
	*sharedSession
	client *Client

	serverCaps atomic.Pointer[ServerCapabilities]
	state      clientSessionState
}

// ID returns a stable identifier for this session, if the underlying
// Connection exposes one (as StreamableClientTransport does).
func (cs *ClientSession) ID() string {
	if idr, ok := cs.mcpConn.(interface{ SessionID() string }); ok {
		return idr.SessionID()
	}
	return ""
}

// Wait blocks until the session's connection is closed, returning the error
// that caused the closure, if any.
func (cs *ClientSession) Wait() error {
	<-cs.done
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.closeErr
}

// Close closes the session's connection.
func (cs *ClientSession) Close() error {
	return cs.close(nil)
}

func (cs *ClientSession) readLoop(ctx context.Context) {
	for {
		msg, err := cs.mcpConn.Read(ctx)
		if err != nil {
			cs.close(err)
			return
		}
		switch m := msg.(type) {
		case *JSONRPCRequest:
			cs.wg.Add(1)
			go func() {
				defer cs.wg.Done()
				cs.handleIncomingRequest(ctx, m)
			}()
		case *JSONRPCNotification:
			cs.wg.Add(1)
			go func() {
				defer cs.wg.Done()
				cs.handleIncomingNotification(ctx, m)
			}()
		case *JSONRPCResponse:
			cs.deliverResponse(m)
		}
	}
}

func (cs *ClientSession) handleIncomingRequest(ctx context.Context, req *JSONRPCRequest) {
	ctx = contextWithRequestID(ctx, req.ID)
	params, err := decodeClientParams(req.Method, req.Params)
	if err != nil {
		cs.replyError(ctx, req.ID, fmt.Errorf("%w: %v", errInvalidParams, err))
		return
	}

	h := MethodHandler[*ClientSession](cs.dispatch)
	for i := len(cs.client.receivingMW) - 1; i >= 0; i-- {
		h = cs.client.receivingMW[i](h)
	}
	result, err := h(ctx, cs, req.Method, params)
	if err != nil {
		cs.replyError(ctx, req.ID, err)
		return
	}
	resp, err := jsonrpc2.NewResponse(req.ID, result, nil)
	if err != nil {
		cs.client.opts.Logger.Error("marshaling response", "method", req.Method, "error", err)
		return
	}
	if err := cs.mcpConn.Write(ctx, resp); err != nil {
		cs.client.opts.Logger.Warn("writing response", "method", req.Method, "error", err)
	}
}

func (cs *ClientSession) replyError(ctx context.Context, id JSONRPCID, err error) {
	resp, merr := jsonrpc2.NewResponse(id, nil, toWireError(err))
	if merr != nil {
		return
	}
	if werr := cs.mcpConn.Write(ctx, resp); werr != nil {
		cs.client.opts.Logger.Warn("writing error response", "error", werr)
	}
}

func (cs *ClientSession) handleIncomingNotification(ctx context.Context, note *JSONRPCNotification) {
	params, err := decodeClientParams(note.Method, note.Params)
	if err != nil {
		cs.client.opts.Logger.Warn("decoding notification params", "method", note.Method, "error", err)
		return
	}
	h := MethodHandler[*ClientSession](cs.dispatch)
	for i := len(cs.client.receivingMW) - 1; i >= 0; i-- {
		h = cs.client.receivingMW[i](h)
	}
	if _, err := h(ctx, cs, note.Method, params); err != nil {
		cs.client.opts.Logger.Warn("handling notification", "method", note.Method, "error", err)
	}
}

// dispatch is the terminal receiving MethodHandler: the client's actual
// request/notification logic.
func (cs *ClientSession) dispatch(ctx context.Context, _ *ClientSession, method string, params Params) (Result, error) {
	switch method {
	case "ping":
		return &emptyResult{}, nil
	case "roots/list":
		return &ListRootsResult{Roots: cs.client.opts.Roots}, nil
	case "sampling/createMessage":
		if cs.client.opts.CreateMessageHandler == nil {
			return nil, fmt.Errorf("%w: client does not support sampling", errMethodNotFound)
		}
		return cs.client.opts.CreateMessageHandler(ctx, &CreateMessageRequest{Session: cs, Params: params.(*CreateMessageParams)})
	case "logging/message":
		return nil, nil
	case "notifications/progress":
		if h := cs.client.opts.ProgressNotificationHandler; h != nil {
			h(ctx, cs, params.(*ProgressNotificationParams))
		}
		return nil, nil
	case "notifications/message", "notifications/cancelled",
		"notifications/tools/list_changed", "notifications/resources/list_changed",
		"notifications/resources/updated", "notifications/prompts/list_changed":
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: method %q not handled", errMethodNotFound, method)
	}
}

func decodeClientParams(method string, raw json.RawMessage) (Params, error) {
	newParams, ok := clientParamTypes[method]
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

var clientParamTypes = map[string]func() Params{
	"ping":                     func() Params { return &PingParams{} },
	"roots/list":               func() Params { return &ListRootsParams{} },
	"sampling/createMessage":   func() Params { return &CreateMessageParams{} },
	"notifications/message":    func() Params { return &LoggingMessageParams{} },
	"notifications/progress":   func() Params { return &ProgressNotificationParams{} },
	"notifications/cancelled":  func() Params { return &CancelledParams{} },
	"notifications/tools/list_changed":     func() Params { return &ToolListChangedParams{} },
	"notifications/resources/list_changed": func() Params { return &ResourceListChangedParams{} },
	"notifications/resources/updated":      func() Params { return &ResourceUpdatedNotificationParams{} },
	"notifications/prompts/list_changed":   func() Params { return &PromptListChangedParams{} },
}

// sendRequest performs an outgoing request through the client's sending
// middleware chain.
func (cs *ClientSession) sendRequest(ctx context.Context, method string, params Params, result Result) (Result, error) {
	if cs.isClosed() {
		return nil, ErrConnectionClosed
	}
	h := MethodHandler[*ClientSession](func(ctx context.Context, s *ClientSession, method string, params Params) (Result, error) {
		if err := s.sharedSession.call(ctx, method, params, result); err != nil {
			if s.isClosed() {
				return nil, ErrConnectionClosed
			}
			return nil, err
		}
		return result, nil
	})
	for i := len(cs.client.sendingMW) - 1; i >= 0; i-- {
		h = cs.client.sendingMW[i](h)
	}
	return h(ctx, cs, method, params)
}

// Ping sends a ping request to the server.
func (cs *ClientSession) Ping(ctx context.Context, params *PingParams) error {
	_, err := cs.sendRequest(ctx, "ping", params, &emptyResult{})
	return err
}

// ListTools lists the tools the server offers.
func (cs *ClientSession) ListTools(ctx context.Context, params *ListToolsParams) (*ListToolsResult, error) {
	if params == nil {
		params = &ListToolsParams{}
	}
	result := &ListToolsResult{}
	if _, err := cs.sendRequest(ctx, "tools/list", params, result); err != nil {
		return nil, err
	}
	return result, nil
}

// CallTool invokes a tool on the server.
func (cs *ClientSession) CallTool(ctx context.Context, params *CallToolParams) (*CallToolResult, error) {
	result := &CallToolResult{}
	if _, err := cs.sendRequest(ctx, "tools/call", params, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ListResources lists the resources the server offers.
func (cs *ClientSession) ListResources(ctx context.Context, params *ListResourcesParams) (*ListResourcesResult, error) {
	if params == nil {
		params = &ListResourcesParams{}
	}
	result := &ListResourcesResult{}
	if _, err := cs.sendRequest(ctx, "resources/list", params, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ListResourceTemplates lists the resource templates the server offers.
func (cs *ClientSession) ListResourceTemplates(ctx context.Context, params *ListResourceTemplatesParams) (*ListResourceTemplatesResult, error) {
	if params == nil {
		params = &ListResourceTemplatesParams{}
	}
	result := &ListResourceTemplatesResult{}
	if _, err := cs.sendRequest(ctx, "resources/templates/list", params, result); err != nil {
		return nil, err
	}
	return result, nil
}

// ReadResource reads the contents of a resource.
func (cs *ClientSession) ReadResource(ctx context.Context, params *ReadResourceParams) (*ReadResourceResult, error) {
	result := &ReadResourceResult{}
	if _, err := cs.sendRequest(ctx, "resources/read", params, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Subscribe subscribes to updates for a resource.
func (cs *ClientSession) Subscribe(ctx context.Context, params *SubscribeParams) error {
	_, err := cs.sendRequest(ctx, "resources/subscribe", params, &emptyResult{})
	return err
}

// Unsubscribe cancels a previous Subscribe.
func (cs *ClientSession) Unsubscribe(ctx context.Context, params *UnsubscribeParams) error {
	_, err := cs.sendRequest(ctx, "resources/unsubscribe", params, &emptyResult{})
	return err
}

// ListPrompts lists the prompts the server offers.
func (cs *ClientSession) ListPrompts(ctx context.Context, params *ListPromptsParams) (*ListPromptsResult, error) {
	if params == nil {
		params = &ListPromptsParams{}
	}
	result := &ListPromptsResult{}
	if _, err := cs.sendRequest(ctx, "prompts/list", params, result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetPrompt fetches a prompt, rendered with the given arguments.
func (cs *ClientSession) GetPrompt(ctx context.Context, params *GetPromptParams) (*GetPromptResult, error) {
	result := &GetPromptResult{}
	if _, err := cs.sendRequest(ctx, "prompts/get", params, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Complete requests completion suggestions for a prompt or resource template
// argument.
func (cs *ClientSession) Complete(ctx context.Context, params *CompleteParams) (*CompleteResult, error) {
	result := &CompleteResult{}
	if _, err := cs.sendRequest(ctx, "completion/complete", params, result); err != nil {
		return nil, err
	}
	return result, nil
}

// SetLoggingLevel asks the server to send only log messages at or above
// the given level.
func (cs *ClientSession) SetLoggingLevel(ctx context.Context, level LoggingLevel) error {
	_, err := cs.sendRequest(ctx, "logging/setLevel", &SetLoggingLevelParams{Level: level}, &emptyResult{})
	return err
}

// NotifyProgress sends a progress notification to the server.
func (cs *ClientSession) NotifyProgress(ctx context.Context, params *ProgressNotificationParams) error {
	return cs.notify(ctx, "notifications/progress", params)
}

// NotifyRootsListChanged tells the server that the client's roots have
// changed.
func (cs *ClientSession) NotifyRootsListChanged(ctx context.Context) error {
	return cs.notify(ctx, "notifications/roots/list_changed", &RootsListChangedParams{})
}
