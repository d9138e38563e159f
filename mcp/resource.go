// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/yosida95/uritemplate/v3"
)

// uriTemplateMatcher matches candidate resource URIs against a compiled
// RFC 6570 URI template, by compiling the template to a regular expression.
type uriTemplateMatcher struct {
	re *regexp.Regexp
}

func newURITemplateMatcher(raw string) (uriTemplateMatcher, error) {
	tmpl, err := uritemplate.New(raw)
	if err != nil {
		return uriTemplateMatcher{}, fmt.Errorf("parsing URI template %q: %w", raw, err)
	}
	re, err := tmpl.Regexp()
	if err != nil {
		return uriTemplateMatcher{}, fmt.Errorf("compiling URI template %q: %w", raw, err)
	}
	return uriTemplateMatcher{re: re}, nil
}

// Match reports whether uri matches the template.
func (m uriTemplateMatcher) Match(uri string) bool {
	return m.re.MatchString(uri)
}

// fileResourceHandler returns a ResourceHandler that serves files rooted at
// dir, mapping a "file://" resource URI's path to a file beneath dir.
//
// It refuses to serve any path that escapes dir after cleaning, so
// "file:///../../etc/passwd"-style traversal attempts fail closed.
func fileResourceHandler(dir string) ResourceHandler {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}
	return func(ctx context.Context, req *ServerRequest[*ReadResourceParams]) (*ReadResourceResult, error) {
		u, err := url.Parse(req.Params.URI)
		if err != nil {
			return nil, fmt.Errorf("parsing resource URI %q: %w", req.Params.URI, err)
		}
		if u.Scheme != "file" {
			return nil, fmt.Errorf("unsupported scheme %q for file resource handler", u.Scheme)
		}
		rel := filepath.FromSlash(strings.TrimPrefix(u.Path, "/"))
		full := filepath.Join(absDir, rel)
		if !strings.HasPrefix(full, absDir) {
			return nil, fmt.Errorf("resource URI %q escapes served directory", req.Params.URI)
		}
		data, err := os.ReadFile(full)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ResourceNotFoundError(req.Params.URI)
			}
			return nil, fmt.Errorf("reading resource %q: %w", req.Params.URI, err)
		}
		mimeType := mime.TypeByExtension(filepath.Ext(full))
		if mimeType == "" {
			mimeType = "application/octet-stream"
		}
		return &ReadResourceResult{
			Contents: []*ResourceContents{
				{URI: req.Params.URI, MIMEType: mimeType, Text: string(data)},
			},
		}, nil
	}
}
