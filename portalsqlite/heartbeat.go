// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package portalsqlite

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jacopersonal1-sys/1st-line-training-portal-sub000/portalsync"
)

// heartbeatLoop runs presence ticks on the role cadence, independent of the
// document sync machinery. Failures are silent; the next tick retries.
func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.intervalFor(c.config.HeartbeatIntervals))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if atomic.LoadInt32(&c.paused) == 1 {
			continue
		}
		if err := c.HeartbeatOnce(ctx); err != nil {
			c.logger.Debug("Heartbeat failed", "error", err, "identity", c.Session.Identity)
		}
	}
}

// HeartbeatOnce performs a single presence tick: it upserts the liveness row
// (identity, role, idle flag derived from the session's interaction clock)
// and executes any pending remote command addressed to this identity. The
// server clears the command before returning it, so a command runs at most
// once even if this client crashes mid-execution.
func (c *Client) HeartbeatOnce(ctx context.Context) error {
	req := portalsync.HeartbeatRequest{
		Role: c.Session.Role,
		Idle: c.Session.IdleFor(c.config.IdleThreshold),
	}
	var resp portalsync.HeartbeatResponse
	if err := c.doJSON(ctx, http.MethodPost, "/presence/heartbeat", &req, &resp); err != nil {
		return err
	}

	if resp.Command != "" {
		c.logger.Info("Executing remote command", "command", resp.Command, "identity", c.Session.Identity)
		if c.config.OnCommand != nil {
			c.config.OnCommand(resp.Command)
		}
	}
	return nil
}
