// Copyright 2025 The CoreMCP Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"context"
	"errors"
)

var ErrNoProgressToken = errors.New("no progress token")

// Progress reports progress on the current request.
//
// An error is returned if sending progress failed. If there was no progress
// token, this error is ErrNoProgressToken.
//
// In stateless mode the HTTP response for the request that carried the
// progress token may already have been written and the connection torn
// down by the time a handler reports progress (stateless sessions live only
// as long as a single POST). That case is not a caller error: it is logged
// at Debug and swallowed rather than returned, so handlers that report
// progress don't need to special-case stateless deployments.
func (r *ServerRequest[P]) Progress(ctx context.Context, msg string, progress, total float64) error {
	token, ok := r.Params.GetMeta()[progressTokenKey]
	if !ok {
		return ErrNoProgressToken
	}
	params := &ProgressNotificationParams{
		Message:       msg,
		ProgressToken: token,
		Progress:      progress,
		Total:         total,
	}
	err := r.Session.NotifyProgress(ctx, params)
	if errors.Is(err, ErrConnectionClosed) {
		r.Session.logger.Debug("dropping progress notification after session close",
			"method", "notifications/progress", "progressToken", token)
		return nil
	}
	return err
}
