// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc2 implements the JSON-RPC 2.0 wire format: message framing,
// IDs, and the envelope types shared by every MCP transport.
package jsonrpc2

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// ID is a JSON-RPC request identifier: either a string or an int64. The zero
// ID is invalid; use Int64ID or StringID to construct one.
type ID struct {
	value any // nil, int64, or string
}

// Int64ID returns an ID holding the integer i.
func Int64ID(i int64) ID { return ID{value: i} }

// StringID returns an ID holding the string s.
func StringID(s string) ID { return ID{value: s} }

// IsValid reports whether id was constructed by Int64ID or StringID.
func (id ID) IsValid() bool { return id.value != nil }

// Raw returns the underlying int64 value of id, or 0 if id does not hold an
// int64.
func (id ID) Raw() int64 {
	i, _ := id.value.(int64)
	return i
}

// String returns a human-readable representation of id, for use in error
// messages and logging.
func (id ID) String() string {
	switch v := id.value.(type) {
	case int64:
		return fmt.Sprintf("%d", v)
	case string:
		return v
	default:
		return "<invalid>"
	}
}

func (id ID) MarshalJSON() ([]byte, error) {
	switch v := id.value.(type) {
	case int64:
		return json.Marshal(v)
	case string:
		return json.Marshal(v)
	default:
		return []byte("null"), nil
	}
}

func (id *ID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		id.value = nil
	case float64:
		id.value = int64(x)
	case string:
		id.value = x
	default:
		return fmt.Errorf("jsonrpc2: invalid id type %T", x)
	}
	return nil
}

// Message is the common interface implemented by Request, Response, and
// Notification: a single JSON-RPC 2.0 message, batched or not.
type Message interface {
	isMessage()
}

// Request is a JSON-RPC call that expects a Response correlated by ID.
type Request struct {
	ID     ID
	Method string
	Params json.RawMessage
}

func (*Request) isMessage() {}

// Notification is a JSON-RPC call that expects no reply.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (*Notification) isMessage() {}

// Response is the reply to a Request with a matching ID.
type Response struct {
	ID     ID
	Result json.RawMessage
	Error  *WireError
}

func (*Response) isMessage() {}

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// WireError is the on-the-wire representation of a JSON-RPC error.
type WireError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error is an alias for WireError, for callers that prefer the shorter name.
type Error = WireError

func (e *WireError) Error() string {
	return e.Message
}

// NewCall constructs a Request, marshaling params to JSON.
func NewCall(id ID, method string, params any) (*Request, error) {
	data, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Request{ID: id, Method: method, Params: data}, nil
}

// NewNotification constructs a Notification, marshaling params to JSON.
func NewNotification(method string, params any) (*Notification, error) {
	data, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Notification{Method: method, Params: data}, nil
}

// NewResponse constructs a Response carrying a result.
func NewResponse(id ID, result any, rerr error) (*Response, error) {
	if rerr != nil {
		var we *WireError
		if !asWireError(rerr, &we) {
			we = &WireError{Code: CodeInternalError, Message: rerr.Error()}
		}
		return &Response{ID: id, Error: we}, nil
	}
	data, err := marshalParams(result)
	if err != nil {
		return nil, err
	}
	return &Response{ID: id, Result: data}, nil
}

func asWireError(err error, we **WireError) bool {
	if w, ok := err.(*WireError); ok {
		*we = w
		return true
	}
	return false
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil || isNilValue(v) {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// isNilValue reports whether v holds a typed nil (a nil pointer, map,
// slice, or interface boxed in v), which should be treated the same as an
// untyped nil: as "no params" rather than a JSON "null".
func isNilValue(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return rv.IsNil()
	default:
		return false
	}
}

// wireMsg is the on-the-wire envelope shared by requests, notifications, and
// responses: which fields are present distinguishes the kind of message.
type wireMsg struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// EncodeMessage encodes a single Message to its wire form.
func EncodeMessage(msg Message) ([]byte, error) {
	w := wireMsg{JSONRPC: "2.0"}
	switch m := msg.(type) {
	case *Request:
		id := m.ID
		w.ID = &id
		w.Method = m.Method
		w.Params = m.Params
	case *Notification:
		w.Method = m.Method
		w.Params = m.Params
	case *Response:
		id := m.ID
		w.ID = &id
		w.Result = m.Result
		w.Error = m.Error
	default:
		return nil, fmt.Errorf("jsonrpc2: unknown message type %T", msg)
	}
	return json.Marshal(w)
}

// DecodeMessage decodes a single wire-format JSON-RPC message. Payloads that
// carry keys differing only in case at any nesting level are rejected.
func DecodeMessage(data []byte) (Message, error) {
	if err := validateNoDuplicateKeys(data); err != nil {
		return nil, fmt.Errorf("jsonrpc2: %w", err)
	}
	var w wireMsg
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("jsonrpc2: %w", err)
	}
	if w.JSONRPC != "2.0" {
		return nil, fmt.Errorf("jsonrpc2: invalid or missing jsonrpc version %q", w.JSONRPC)
	}
	switch {
	case w.Method != "" && w.ID != nil:
		return &Request{ID: *w.ID, Method: w.Method, Params: w.Params}, nil
	case w.Method != "":
		return &Notification{Method: w.Method, Params: w.Params}, nil
	case w.ID != nil:
		return &Response{ID: *w.ID, Result: w.Result, Error: w.Error}, nil
	default:
		return nil, fmt.Errorf("jsonrpc2: message has neither method nor id")
	}
}

// DecodeBatch decodes a JSON value that is either a single message or a JSON
// array of messages, returning the messages in order.
func DecodeBatch(data []byte) ([]Message, error) {
	trimmed := trimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("jsonrpc2: empty payload")
	}
	if trimmed[0] != '[' {
		msg, err := DecodeMessage(data)
		if err != nil {
			return nil, err
		}
		return []Message{msg}, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("jsonrpc2: %w", err)
	}
	msgs := make([]Message, 0, len(raws))
	for _, raw := range raws {
		msg, err := DecodeMessage(raw)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// EncodeBatch encodes msgs as a JSON array if there is more than one
// message, or as a single message otherwise.
func EncodeBatch(msgs []Message) ([]byte, error) {
	if len(msgs) == 1 {
		return EncodeMessage(msgs[0])
	}
	parts := make([]json.RawMessage, len(msgs))
	for i, msg := range msgs {
		data, err := EncodeMessage(msg)
		if err != nil {
			return nil, err
		}
		parts[i] = data
	}
	return json.Marshal(parts)
}

func trimSpace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}
