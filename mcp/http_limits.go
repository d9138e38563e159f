// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"errors"
	"net/http"
	"sync"

	"golang.org/x/time/rate"
)

// DefaultMaxBodyBytes is the default maximum size (in bytes) for HTTP request
// bodies accepted by [StreamableHTTPHandler].
//
// This limit exists to prevent accidental or malicious large requests from
// exhausting server resources.
const DefaultMaxBodyBytes int64 = 1_000_000

// effectiveMaxBodyBytes converts the user-configured maxBodyBytes value to an
// effective limit.
//
// Semantics:
//   - maxBodyBytes == 0: use DefaultMaxBodyBytes
//   - maxBodyBytes  < 0: no limit
//   - maxBodyBytes  > 0: use maxBodyBytes
func effectiveMaxBodyBytes(maxBodyBytes int64) int64 {
	switch {
	case maxBodyBytes == 0:
		return DefaultMaxBodyBytes
	case maxBodyBytes < 0:
		return 0
	default:
		return maxBodyBytes
	}
}

func isMaxBytesError(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func writeRequestBodyTooLarge(w http.ResponseWriter) {
	// Even though http.MaxBytesReader will try to close the connection after the
	// limit is exceeded, explicitly request closure here too.
	w.Header().Set("Connection", "close")
	http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
}

// perAddrLimiter applies a rate.Limiter independently to each remote
// address, for coarse protection against POST floods from a single client.
// This is ambient protection, not a protocol requirement, and is OFF unless
// StreamableHTTPOptions.RateLimit is set. It shares the defensive-limits
// concern of DefaultMaxBodyBytes above: both reject an oversized or
// overly-frequent request before it reaches session dispatch.
type perAddrLimiter struct {
	r   rate.Limit
	b   int
	mu  sync.Mutex
	per map[string]*rate.Limiter
}

func newPerAddrLimiter(r rate.Limit, b int) *perAddrLimiter {
	return &perAddrLimiter{r: r, b: b, per: make(map[string]*rate.Limiter)}
}

// allow reports whether a request from addr is admitted, lazily creating a
// limiter for addrs seen for the first time. Per-address limiters are never
// evicted; this is acceptable for the coarse, best-effort protection this
// provides, but a long-lived server fielding many distinct client addresses
// will accumulate one limiter per address.
func (l *perAddrLimiter) allow(addr string) bool {
	l.mu.Lock()
	lim, ok := l.per[addr]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.per[addr] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

func writeTooManyRequests(w http.ResponseWriter) {
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
}
