// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/coremcp/go-mcp/internal/jsonrpc2"
)

// A ToolHandler handles a call to tools/call. Before it is called, the
// arguments are validated against the tool's input schema (with defaults
// applied) and unmarshaled into a *map[string]any, passed as args. It is
// the handler shape taken by [AddRawTool] and [Server.AddTool]; the typed
// [AddTool] takes a [TypedToolHandler] instead.
type ToolHandler func(ctx context.Context, req *CallToolRequest, args any) (*CallToolResult, error)

type rawToolHandler func(ctx context.Context, req *CallToolRequest) (*CallToolResult, error)

// A serverTool is a tool definition that is bound to a tool handler.
type serverTool struct {
	tool    *Tool
	handler rawToolHandler
	// Resolved tool schemas. Set in newServerTool.
	inputResolved, outputResolved *jsonschema.Resolved
}

// A TypedToolHandler handles a call to tools/call with typed arguments and
// results. This is the handler shape expected by [AddTool].
type TypedToolHandler[In, Out any] func(context.Context, *CallToolRequest, In) (*CallToolResult, Out, error)

func newServerTool(t *Tool, h ToolHandler) (*serverTool, error) {
	st := &serverTool{tool: t}
	if t.newArgs == nil {
		t.newArgs = func() any { return &map[string]any{} }
	}
	if t.InputSchema == nil {
		// This prevents the tool author from forgetting to write a schema where
		// one should be provided. If we papered over this by supplying the empty
		// schema, then every input would be validated and the problem wouldn't be
		// discovered until runtime, when the LLM sent bad data.
		return nil, errors.New("missing input schema")
	}
	var err error
	st.inputResolved, err = t.InputSchema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
	if err != nil {
		return nil, fmt.Errorf("input schema: %w", err)
	}
	if t.OutputSchema != nil {
		st.outputResolved, err = t.OutputSchema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
	}
	if err != nil {
		return nil, fmt.Errorf("output schema: %w", err)
	}
	// Ignore output schema.
	st.handler = func(ctx context.Context, req *CallToolRequest) (*CallToolResult, error) {
		rawArgs := req.Params.Arguments.(json.RawMessage)
		args := t.newArgs()
		if err := unmarshalSchema(rawArgs, st.inputResolved, args); err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidParams, err)
		}
		res, err := h(ctx, req, args)
		if err != nil {
			// A handler that returns a *jsonrpc2.WireError is signaling a
			// protocol-level error (e.g. invalid params), which must be
			// returned as a JSON-RPC error response, not embedded in the
			// tool result content where the model would never see it as
			// anything but ordinary tool output.
			var wireErr *jsonrpc2.WireError
			if errors.As(err, &wireErr) {
				return nil, err
			}
			errRes := &CallToolResult{}
			errRes.SetError(err)
			return errRes, nil
		}
		// TODO(jba): if t.OutputSchema != nil, check that StructuredContent is present and validates.
		return res, nil
	}
	return st, nil
}

// newTypedServerTool creates a serverTool from a tool and a handler.
//
// Unlike the upstream SDK, the input (and, if used, output) schema is never
// inferred by reflecting over In/Out: the caller must set t.InputSchema (and
// t.OutputSchema, if the handler returns structured content) explicitly.
// This keeps tool registration schema-first, matching how resources and
// prompts are registered elsewhere in this package.
func newTypedServerTool[In, Out any](t *Tool, h TypedToolHandler[In, Out]) (*serverTool, error) {
	assert(t.newArgs == nil, "newArgs already set")
	t.newArgs = func() any { var x In; return &x }

	toolHandler := func(ctx context.Context, req *CallToolRequest, args any) (*CallToolResult, error) {
		res, out, err := h(ctx, req, *args.(*In))
		if err != nil {
			return nil, err
		}
		if res == nil {
			res = &CallToolResult{}
		}
		// TODO: return the serialized JSON in a TextContent block, as per spec?
		// https://modelcontextprotocol.io/specification/2025-06-18/server/tools#structured-content
		res.StructuredContent = out
		return res, nil
	}
	return newServerTool(t, toolHandler)
}

// applySchema unmarshals raw into a generic value, applies the schema's
// defaults to any missing fields, validates the result, and re-marshals it.
func applySchema(raw json.RawMessage, resolved *jsonschema.Resolved) (json.RawMessage, error) {
	var v any
	if len(raw) == 0 {
		v = map[string]any{}
	} else if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("unmarshaling: %w", err)
	}
	if resolved != nil {
		if err := resolved.ApplyDefaults(&v); err != nil {
			return nil, fmt.Errorf("applying defaults from \n\t%s\nto\n\t%s:\n%w", schemaJSON(resolved.Schema()), raw, err)
		}
		if err := resolved.Validate(v); err != nil {
			return nil, fmt.Errorf("validating\n\t%s\nagainst\n\t %s:\n %w", raw, schemaJSON(resolved.Schema()), err)
		}
	}
	return json.Marshal(v)
}

// unmarshalSchema unmarshals data into v, after applying the schema's
// defaults and validating the result.
func unmarshalSchema(data json.RawMessage, resolved *jsonschema.Resolved, v any) error {
	applied, err := applySchema(data, resolved)
	if err != nil {
		return err
	}

	// Disallow unknown fields.
	// Otherwise, if the tool was built with a struct, the client could send extra
	// fields and json.Unmarshal would ignore them, so the schema would never get
	// a chance to declare the extra args invalid.
	dec := json.NewDecoder(bytes.NewReader(applied))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("unmarshaling: %w", err)
	}
	return nil
}

// schemaJSON returns the JSON value for s as a string, or a string indicating an error.
func schemaJSON(s *jsonschema.Schema) string {
	m, err := json.Marshal(s)
	if err != nil {
		return fmt.Sprintf("<!%s>", err)
	}
	return string(m)
}
