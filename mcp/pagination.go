// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"bytes"
	"encoding/base64"
	"encoding/gob"
	"fmt"
	"sort"
	"sync"
)

// cursorParams is implemented by the Params type of a paginated list
// request: the pointer to its Cursor field.
type cursorParams interface {
	cursorPtr() *string
}

// cursorResult is implemented by the Result type of a paginated list
// response: the pointer to its NextCursor field.
type cursorResult interface {
	nextCursorPtr() *string
}

// featureSet is a set of items of type T, keyed by a stable string ID, that
// supports cursor-based pagination over a deterministic (sorted) ordering.
// It is safe for concurrent use.
type featureSet[T any] struct {
	keyFunc func(T) string

	mu    sync.Mutex
	items map[string]T
}

// newFeatureSet creates an empty featureSet, using keyFunc to derive each
// item's unique, sortable ID.
func newFeatureSet[T any](keyFunc func(T) string) *featureSet[T] {
	return &featureSet[T]{keyFunc: keyFunc, items: make(map[string]T)}
}

// add inserts or replaces items in the set, keyed by keyFunc.
func (fs *featureSet[T]) add(items ...T) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, it := range items {
		fs.items[fs.keyFunc(it)] = it
	}
}

// remove deletes the item with the given key, if present.
func (fs *featureSet[T]) remove(key string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	delete(fs.items, key)
}

// sortedKeys returns the set's keys in sorted order.
func (fs *featureSet[T]) sortedKeys() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	keys := make([]string, 0, len(fs.items))
	for k := range fs.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (fs *featureSet[T]) get(key string) T {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.items[key]
}

// encodeCursor encodes id as an opaque pagination cursor.
func encodeCursor(id string) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(id); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

// decodeCursor decodes a cursor produced by encodeCursor.
func decodeCursor(cursor string) (string, error) {
	data, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return "", fmt.Errorf("decoding cursor: %w", err)
	}
	var id string
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&id); err != nil {
		return "", fmt.Errorf("decoding cursor: %w", err)
	}
	return id, nil
}

// paginateList returns one page of fs's items, starting just after the
// cursor recorded in params, writing at most pageSize items (or all
// remaining items, if pageSize <= 0) into result via setItems, and
// recording a cursor for the next page in result if any items remain.
func paginateList[T any, P cursorParams, R cursorResult](fs *featureSet[T], pageSize int, params P, result R, setItems func(R, []T)) (R, error) {
	var after string
	if cursor := *params.cursorPtr(); cursor != "" {
		id, err := decodeCursor(cursor)
		if err != nil {
			return result, err
		}
		after = id
	}

	keys := fs.sortedKeys()
	start := 0
	if after != "" {
		start = sort.SearchStrings(keys, after)
		if start < len(keys) && keys[start] == after {
			start++
		}
	}

	end := len(keys)
	if pageSize > 0 && start+pageSize < end {
		end = start + pageSize
	}

	var items []T
	for _, k := range keys[start:end] {
		items = append(items, fs.get(k))
	}
	setItems(result, items)

	next := ""
	if end < len(keys) {
		var err error
		next, err = encodeCursor(keys[end-1])
		if err != nil {
			return result, err
		}
	}
	*result.nextCursorPtr() = next
	return result, nil
}
