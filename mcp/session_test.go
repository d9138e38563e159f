// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestMemorySessionStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	const id = "sess-1"

	if _, err := store.Load(ctx, id); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Load() on empty store: got %v, want ErrNoSession", err)
	}

	want := &SessionState{
		InitializeParams: &InitializeParams{ProtocolVersion: latestProtocolVersion},
		LogLevel:         "debug",
	}
	if err := store.Store(ctx, id, want); err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, err := store.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.LogLevel != want.LogLevel {
		t.Errorf("Load() LogLevel = %q, want %q", got.LogLevel, want.LogLevel)
	}
	if got.InitializeParams == nil || got.InitializeParams.ProtocolVersion != want.InitializeParams.ProtocolVersion {
		t.Errorf("Load() InitializeParams = %+v, want %+v", got.InitializeParams, want.InitializeParams)
	}

	// A second Store for the same ID overwrites rather than merges.
	overwrite := &SessionState{LogLevel: "error"}
	if err := store.Store(ctx, id, overwrite); err != nil {
		t.Fatalf("Store() (overwrite) error = %v", err)
	}
	got, err = store.Load(ctx, id)
	if err != nil {
		t.Fatalf("Load() after overwrite error = %v", err)
	}
	if got.InitializeParams != nil {
		t.Errorf("Load() after overwrite InitializeParams = %+v, want nil", got.InitializeParams)
	}

	if err := store.Delete(ctx, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := store.Load(ctx, id); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Load() after Delete(): got %v, want ErrNoSession", err)
	}
	// Delete of an ID that was never stored is a no-op, not an error.
	if err := store.Delete(ctx, "never-stored"); err != nil {
		t.Fatalf("Delete() of unknown ID error = %v", err)
	}
}

func TestMemorySessionStoreConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "concurrent"
			_ = store.Store(ctx, id, &SessionState{LogLevel: LoggingLevel("debug")})
			_, _ = store.Load(ctx, id)
			if i%2 == 0 {
				_ = store.Delete(ctx, id)
			}
		}(i)
	}
	wg.Wait()
	// No assertion beyond "the race detector and mutex don't deadlock or
	// panic": store/load/delete interleaving correctness is exercised by
	// TestMemorySessionStoreLifecycle.
}

// TestServerSessionPersistsState verifies that a Server configured with a
// SessionStore persists nothing for a session whose transport reports no
// session ID.
func TestServerSessionPersistsState(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySessionStore()
	server := NewServer(testImpl, &ServerOptions{Store: store})

	cT, sT := NewInMemoryTransports()
	ss, err := server.Connect(ctx, sT, nil)
	if err != nil {
		t.Fatalf("server Connect() error = %v", err)
	}
	defer ss.Close()

	cc, err := NewClient(testImpl, nil).Connect(ctx, cT, nil)
	if err != nil {
		t.Fatalf("client Connect() error = %v", err)
	}
	defer cc.Close()

	// A transport that reports no SessionID (the in-memory pipe used here)
	// means persistence is a no-op: Store is never called, since there's no
	// stable key to persist under.
	if ss.ID() != "" {
		t.Fatalf("expected in-memory transport to report no session ID, got %q", ss.ID())
	}
	if _, err := store.Load(ctx, ""); !errors.Is(err, ErrNoSession) {
		t.Errorf("Load(\"\") = %v, want ErrNoSession (persistState must skip empty IDs)", err)
	}
}
