// Package portalsqlite provides the SQLite-backed client engine for
// offline-first synchronization of the training portal dataset.
//
// Every client keeps a full local replica of the shared collections and
// reconciles it against the remote document store through a per-collection
// merge policy, with tombstones carrying deletions across merges.
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package portalsqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacopersonal1-sys/1st-line-training-portal-sub000/portalsync"
)

// SyncStatus is reported through Config.OnStatus for UI indicator binding
type SyncStatus string

const (
	StatusIdle    SyncStatus = "idle"
	StatusSyncing SyncStatus = "syncing"
	StatusSuccess SyncStatus = "success"
	StatusError   SyncStatus = "error"
)

// Client manages the local replica and two-way sync against the remote
// document store
type Client struct {
	DB       *sql.DB
	BaseURL  string
	Token    func(context.Context) (string, error) // returns JWT
	Session  *Session
	DeviceID string
	HTTP     *http.Client

	replica *Replica
	merger  *Merger
	config  *Config
	logger  *slog.Logger
	writeMu sync.Mutex // Serialize pull/push cycles against the replica

	// Pause switch (atomic): lets callers suspend scheduled sync activity
	// deterministically
	paused int32

	migrated int32 // Set once the empty-store bootstrap has completed
}

// Config holds configuration for the sync client
type Config struct {
	Collections *Schema

	// Scheduler cadence by role; FallbackInterval applies to unknown roles
	PullIntervals      map[string]time.Duration
	HeartbeatIntervals map[string]time.Duration
	FallbackInterval   time.Duration

	// IdleThreshold drives the presence idle flag
	IdleThreshold time.Duration
	// RefreshQuietWindow is how long input must be quiet before a silent
	// pull may trigger a UI refresh
	RefreshQuietWindow time.Duration

	OnStatus  func(SyncStatus) // UI status glyph binding
	OnRefresh func()           // Pull-triggered UI refresh (guarded)
	OnCommand func(string)     // Remote command execution (e.g. forced sign-out)
}

// DefaultConfig returns the standard portal configuration. Administrators
// poll on a short cadence, trainees on a long one; heartbeats run shorter
// than pulls across the board.
func DefaultConfig() *Config {
	return &Config{
		Collections: DefaultSchema(),
		PullIntervals: map[string]time.Duration{
			portalsync.RoleAdmin:   15 * time.Second,
			portalsync.RoleLead:    30 * time.Second,
			portalsync.RoleTrainee: 60 * time.Second,
		},
		HeartbeatIntervals: map[string]time.Duration{
			portalsync.RoleAdmin:   10 * time.Second,
			portalsync.RoleLead:    20 * time.Second,
			portalsync.RoleTrainee: 30 * time.Second,
		},
		FallbackInterval:   60 * time.Second,
		IdleThreshold:      2 * time.Minute,
		RefreshQuietWindow: 3 * time.Second,
	}
}

// NewClient creates a new sync client over an open SQLite handle. The
// replica tables are created and seeded on first run, and a persistent
// device ID is established.
func NewClient(db *sql.DB, baseURL string, session *Session, tok func(ctx context.Context) (string, error), config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Collections == nil {
		return nil, fmt.Errorf("config.Collections must be provided")
	}
	if session == nil {
		return nil, fmt.Errorf("session must be provided")
	}

	replica, err := NewReplica(db, config.Collections)
	if err != nil {
		return nil, err
	}
	deviceID, err := EnsureDeviceID(db)
	if err != nil {
		return nil, err
	}

	return &Client{
		DB:       db,
		BaseURL:  baseURL,
		Token:    tok,
		Session:  session,
		DeviceID: deviceID,
		HTTP:     &http.Client{Timeout: 30 * time.Second},
		replica:  replica,
		merger:   NewMerger(config.Collections),
		config:   config,
		logger:   slog.Default(),
	}, nil
}

// Replica exposes the local replica for the presentation layer, which reads
// and mutates collections directly before calling Push.
func (c *Client) Replica() *Replica { return c.replica }

// SetLogger replaces the default logger
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// Pause suspends scheduled sync activity (explicit Pull/Push still work)
func (c *Client) Pause() { atomic.StoreInt32(&c.paused, 1) }

// Resume resumes scheduled sync activity
func (c *Client) Resume() { atomic.StoreInt32(&c.paused, 0) }

// Start starts the pull and heartbeat loops. Both stop when ctx is done.
func (c *Client) Start(ctx context.Context) error {
	go c.pullLoop(ctx)
	go c.heartbeatLoop(ctx)
	return nil
}

// pullLoop runs silent pulls on the role cadence. There is no backoff:
// a failed tick leaves the replica untouched and the next tick retries.
func (c *Client) pullLoop(ctx context.Context) {
	ticker := time.NewTicker(c.intervalFor(c.config.PullIntervals))
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
		if err := c.Pull(ctx, nil, true); err != nil {
			c.logger.Debug("Scheduled pull failed", "error", err, "identity", c.Session.Identity)
		}
	}
}

func (c *Client) intervalFor(byRole map[string]time.Duration) time.Duration {
	if d, ok := byRole[c.Session.Role]; ok {
		return d
	}
	if c.config.FallbackInterval > 0 {
		return c.config.FallbackInterval
	}
	return time.Minute
}

// setStatus reports a status transition to the UI indicator, if bound
func (c *Client) setStatus(status SyncStatus) {
	if c.config.OnStatus != nil {
		c.config.OnStatus(status)
	}
}

// SaveResult is the observable handle of a background push. Callers decide
// whether to wait; tests assert on completion instead of racing timers.
type SaveResult struct {
	done chan struct{}
	err  error
}

// Done is closed when the background push has finished
func (r *SaveResult) Done() <-chan struct{} { return r.done }

// Err returns the push outcome. Valid only after Done is closed.
func (r *SaveResult) Err() error { return r.err }

// Wait blocks until the push finishes or ctx is done
func (r *SaveResult) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.done:
		return r.err
	}
}

// PushBackground runs Push without blocking the caller and returns an
// observable result instead of discarding the outcome.
func (c *Client) PushBackground(ctx context.Context, collections []string, force bool) *SaveResult {
	result := &SaveResult{done: make(chan struct{})}
	go func() {
		defer close(result.done)
		result.err = c.Push(ctx, collections, force)
	}()
	return result
}
