// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package jsonrpc exposes the JSON-RPC 2.0 message types used by MCP
// transports, for callers that implement a custom [mcp.Transport] outside
// this module.
package jsonrpc

import "github.com/coremcp/go-mcp/internal/jsonrpc2"

// Message is a single JSON-RPC 2.0 message: a Request, Notification, or
// Response.
type Message = jsonrpc2.Message

// ID is a JSON-RPC request identifier.
type ID = jsonrpc2.ID

// Request is a JSON-RPC call expecting a correlated Response.
type Request = jsonrpc2.Request

// Notification is a JSON-RPC call with no reply.
type Notification = jsonrpc2.Notification

// Response is the reply to a Request with a matching ID.
type Response = jsonrpc2.Response

// WireError is the on-the-wire representation of a JSON-RPC error.
type WireError = jsonrpc2.WireError

// Error is an alias for WireError, for callers that prefer the shorter name.
type Error = jsonrpc2.Error

// Standard JSON-RPC 2.0 error codes.
const (
	CodeParseError     = jsonrpc2.CodeParseError
	CodeInvalidRequest = jsonrpc2.CodeInvalidRequest
	CodeMethodNotFound = jsonrpc2.CodeMethodNotFound
	CodeInvalidParams  = jsonrpc2.CodeInvalidParams
	CodeInternalError  = jsonrpc2.CodeInternalError
)

// Int64ID returns an ID holding the integer i.
func Int64ID(i int64) ID { return jsonrpc2.Int64ID(i) }

// StringID returns an ID holding the string s.
func StringID(s string) ID { return jsonrpc2.StringID(s) }

// EncodeMessage encodes a single Message to its wire form.
func EncodeMessage(msg Message) ([]byte, error) { return jsonrpc2.EncodeMessage(msg) }

// DecodeMessage decodes a single wire-format JSON-RPC message.
func DecodeMessage(data []byte) (Message, error) { return jsonrpc2.DecodeMessage(data) }

// EncodeBatch encodes msgs as a JSON array if there is more than one
// message, or as a single message otherwise.
func EncodeBatch(msgs []Message) ([]byte, error) { return jsonrpc2.EncodeBatch(msgs) }

// DecodeBatch decodes a JSON value that is either a single message or a JSON
// array of messages.
func DecodeBatch(data []byte) ([]Message, error) { return jsonrpc2.DecodeBatch(data) }
