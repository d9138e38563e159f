// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"fmt"
	"sync"
)

// An EventStore persists the messages sent on a logical SSE stream of a
// Streamable HTTP session, so that a client that lost its connection can
// resume from its last received event ID.
//
// Implementations must be safe for concurrent use.
type EventStore interface {
	// StoreEvent appends msg to the stream identified by streamID and
	// returns an opaque event ID that a client can later present in a
	// Last-Event-ID header to resume after it.
	StoreEvent(ctx context.Context, streamID string, msg JSONRPCMessage) (eventID string, err error)

	// ReplayEventsAfter replays every event stored after lastEventID on its
	// stream, in order, via send. It returns the stream ID that
	// lastEventID belonged to, or "" if lastEventID is unknown.
	//
	// If send returns an error, ReplayEventsAfter stops replaying and
	// returns that error.
	ReplayEventsAfter(ctx context.Context, lastEventID string, send func(eventID string, msg JSONRPCMessage) error) (streamID string, err error)
}

// MemoryEventStore is an in-memory EventStore, suitable for a single
// server process. Events are retained for the lifetime of the process;
// callers that need bounded memory should evict old streams themselves
// (for example, when the owning session is closed) or supply their own
// EventStore backed by persistent storage.
type MemoryEventStore struct {
	mu      sync.Mutex
	streams map[string][]storedEvent
}

type storedEvent struct {
	idx int
	msg JSONRPCMessage
}

// NewMemoryEventStore returns a new MemoryEventStore.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{streams: make(map[string][]storedEvent)}
}

// StoreEvent implements EventStore.
func (s *MemoryEventStore) StoreEvent(ctx context.Context, streamID string, msg JSONRPCMessage) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := len(s.streams[streamID])
	s.streams[streamID] = append(s.streams[streamID], storedEvent{idx: idx, msg: msg})
	return formatEventID(streamIDFromString(streamID), idx), nil
}

// ReplayEventsAfter implements EventStore.
func (s *MemoryEventStore) ReplayEventsAfter(ctx context.Context, lastEventID string, send func(string, JSONRPCMessage) error) (string, error) {
	sid, idx, ok := parseEventID(lastEventID)
	if !ok {
		return "", fmt.Errorf("malformed event ID %q", lastEventID)
	}
	streamKey := sid.String()

	s.mu.Lock()
	stored, known := s.streams[streamKey]
	events := append([]storedEvent(nil), stored...)
	s.mu.Unlock()
	if !known {
		return "", nil
	}

	for _, e := range events {
		if e.idx <= idx {
			continue
		}
		if err := ctx.Err(); err != nil {
			return streamKey, err
		}
		if err := send(formatEventID(sid, e.idx), e.msg); err != nil {
			return streamKey, err
		}
	}
	return streamKey, nil
}

// DeleteStream forgets all retained events for streamID, e.g. when its
// owning session is closed.
func (s *MemoryEventStore) DeleteStream(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, streamID)
}

func (id streamID) String() string { return fmt.Sprintf("%d", int64(id)) }

func streamIDFromString(s string) streamID {
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return streamID(n)
}
