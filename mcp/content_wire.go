// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"encoding/json"
	"fmt"

	internaljson "github.com/coremcp/go-mcp/internal/json"
)

// wireContent is the wire format for content.
// It represents the protocol types TextContent, ImageContent, AudioContent,
// ResourceLink, and EmbeddedResource. The Type field distinguishes them. In
// the protocol, each type has a constant value for the field.
type wireContent struct {
	Type        string            `json:"type"`
	Text        string            `json:"text,omitempty"`        // TextContent
	MIMEType    string            `json:"mimeType,omitempty"`    // ImageContent, AudioContent, ResourceLink
	Data        []byte            `json:"data,omitempty"`        // ImageContent, AudioContent
	Resource    *ResourceContents `json:"resource,omitempty"`    // EmbeddedResource
	URI         string            `json:"uri,omitempty"`         // ResourceLink
	Name        string            `json:"name,omitempty"`        // ResourceLink
	Title       string            `json:"title,omitempty"`       // ResourceLink
	Description string            `json:"description,omitempty"` // ResourceLink
	Size        *int64            `json:"size,omitempty"`        // ResourceLink
	Meta        Meta              `json:"_meta,omitempty"`       // all types
	Annotations *Annotations      `json:"annotations,omitempty"` // all types
	Icons       []Icon            `json:"icons,omitempty"`       // ResourceLink
}

// unmarshalContent unmarshals JSON that is either a single content object or
// an array of content objects. A single object is wrapped in a one-element slice.
func unmarshalContent(raw json.RawMessage, allow map[string]bool) ([]Content, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("nil content")
	}
	// Try array first, then fall back to single object.
	var wires []*wireContent
	if err := internaljson.Unmarshal(raw, &wires); err == nil {
		return contentsFromWire(wires, allow)
	}
	var wire wireContent
	if err := internaljson.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	c, err := contentFromWire(&wire, allow)
	if err != nil {
		return nil, err
	}
	return []Content{c}, nil
}

func contentsFromWire(wires []*wireContent, allow map[string]bool) ([]Content, error) {
	blocks := make([]Content, 0, len(wires))
	for _, wire := range wires {
		block, err := contentFromWire(wire, allow)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// contentKinds maps each wire "type" discriminator to a constructor for the
// corresponding Content implementation, so contentFromWire can dispatch
// without a type switch that needs editing every time a content kind is
// added or removed (as ToolUseContent/ToolResultContent were, for this
// module's trimmed application-layer slice; see DESIGN.md).
var contentKinds = map[string]func() Content{
	"text":          func() Content { return new(TextContent) },
	"image":         func() Content { return new(ImageContent) },
	"audio":         func() Content { return new(AudioContent) },
	"resource_link": func() Content { return new(ResourceLink) },
	"resource":      func() Content { return new(EmbeddedResource) },
}

func contentFromWire(wire *wireContent, allow map[string]bool) (Content, error) {
	if wire == nil {
		return nil, fmt.Errorf("nil content")
	}
	if allow != nil && !allow[wire.Type] {
		return nil, fmt.Errorf("invalid content type %q", wire.Type)
	}
	newContent, ok := contentKinds[wire.Type]
	if !ok {
		return nil, fmt.Errorf("unrecognized content type %q", wire.Type)
	}
	c := newContent()
	c.fromWire(wire)
	return c, nil
}
