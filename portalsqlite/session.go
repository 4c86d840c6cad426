// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package portalsqlite

import (
	"sync/atomic"
	"time"
)

// Session is the explicit per-client context: the signed-in identity, its
// role, and the interaction state the UI-interference guard reads. One
// process can hold several sessions (e.g. simulated clients in tests);
// nothing here is global.
type Session struct {
	Identity string
	Role     string

	lastInteraction atomic.Int64 // Unix nanoseconds of the last pointer/keyboard event
	editing         atomic.Int32 // Nesting count of in-progress form edits
}

// NewSession creates a session for one signed-in identity. The interaction
// clock starts at creation time so a fresh session is not instantly idle.
func NewSession(identity, role string) *Session {
	s := &Session{Identity: identity, Role: role}
	s.Touch()
	return s
}

// Touch records a user interaction (pointer or keyboard event). The UI layer
// calls this from its input listeners.
func (s *Session) Touch() {
	s.lastInteraction.Store(time.Now().UnixNano())
}

// IdleFor reports whether no interaction happened within the window
func (s *Session) IdleFor(window time.Duration) bool {
	last := time.Unix(0, s.lastInteraction.Load())
	return time.Since(last) >= window
}

// BeginEdit marks a form field edit as in progress. Calls nest.
func (s *Session) BeginEdit() {
	s.editing.Add(1)
}

// EndEdit marks the end of a form field edit
func (s *Session) EndEdit() {
	if s.editing.Add(-1) < 0 {
		s.editing.Store(0)
	}
}

// Editing reports whether any form field edit is in progress
func (s *Session) Editing() bool {
	return s.editing.Load() > 0
}

// allowRefresh is the UI-interference guard: a pull-triggered refresh is
// allowed only when no edit is in progress and input has been quiet for the
// window. Suppressing the refresh avoids stealing focus or clobbering
// half-typed input; the next pull delivers the same data anyway.
func (s *Session) allowRefresh(quietWindow time.Duration) bool {
	return !s.Editing() && s.IdleFor(quietWindow)
}
