// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/protocol"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var (
	// ErrBackendOffline is returned by Send and Retry while the health
	// monitor reports the server unreachable.
	ErrBackendOffline = errors.New("backend is offline")

	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrMessageNotFound is returned for an unknown message id.
	ErrMessageNotFound = errors.New("message not found")

	// ErrEmptyMessage is returned when sending blank text.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrNothingToRetry is returned when the last answer is not a
	// retryable failure.
	ErrNothingToRetry = errors.New("nothing to retry")
)

// Attachment is a file sent along with a user message.
type Attachment struct {
	Name    string
	Content string
}

// Draft is what the user submits.
type Draft struct {
	Text        string
	Attachments []Attachment
}

// SessionSummary is one row of the session list.
type SessionSummary struct {
	ID           string
	Title        string
	UpdatedAt    time.Time
	MessageCount int
	Active       bool
}

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	// Streamer sends conversations. Required.
	Streamer Streamer

	// Store persists state after every mutation. Optional.
	Store Store

	// Health gates sends. Optional; nil means always online.
	Health Availability

	// Now overrides the clock in tests.
	Now func() time.Time
}

// =============================================================================
// Turn
// =============================================================================

// Turn is one in-flight answer started by Send or Retry.
type Turn struct {
	SessionID          string
	UserMessageID      string
	AssistantMessageID string

	done    chan struct{}
	outcome ux.Outcome
	err     *protocol.ErrorResponse
	usage   *protocol.Usage
}

// Done is closed when the stream has ended and the final state is saved.
func (t *Turn) Done() <-chan struct{} { return t.done }

// Wait blocks until the stream ends and returns how it ended.
func (t *Turn) Wait() ux.Outcome {
	<-t.done
	return t.outcome
}

// Err returns the failure of a turn that ended with OutcomeError. Valid
// after Done.
func (t *Turn) Err() *protocol.ErrorResponse { return t.err }

// Usage returns the usage reported for this turn, if any. Valid after Done.
func (t *Turn) Usage() *protocol.Usage { return t.usage }

// activeStream is the controller's single cancellation slot.
type activeStream struct {
	sessionID string
	messageID string
	cancel    context.CancelFunc
	turn      *Turn
}

// =============================================================================
// Controller
// =============================================================================

// Controller owns all sessions and coordinates streaming.
//
// At most one answer streams at a time. Starting a send cancels the
// previous stream and clears its slot before the new request is issued,
// and every stream callback verifies it still owns the slot before it
// mutates anything, so a superseded stream can never write into the log.
//
// Thread Safety:
//
//	All methods are safe for concurrent use. Listener callbacks run on
//	the stream goroutine without controller locks held.
type Controller struct {
	streamer Streamer
	store    Store
	health   Availability
	now      func() time.Time

	mu         sync.Mutex
	order      []string
	assemblers map[string]*Assembler
	activeID   string
	usage      protocol.Usage
	active     *activeStream
}

// NewController loads persisted state and returns a ready Controller.
//
// Messages left in progress by an earlier run are marked stopped. If no
// session exists, one is created.
func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Streamer == nil {
		return nil, errors.New("controller requires a streamer")
	}
	c := &Controller{
		streamer:   cfg.Streamer,
		store:      cfg.Store,
		health:     cfg.Health,
		now:        cfg.Now,
		assemblers: make(map[string]*Assembler),
	}
	if c.now == nil {
		c.now = time.Now
	}

	state := &State{}
	if c.store != nil {
		loaded, err := c.store.Load()
		if err != nil {
			return nil, fmt.Errorf("load chat state: %w", err)
		}
		if loaded != nil {
			state = loaded
		}
	}

	for _, s := range state.Sessions {
		if s == nil || s.ID == "" {
			continue
		}
		a := c.addSessionLocked(s)
		for _, m := range s.Messages {
			if m.Pending {
				a.Cancel(m.ID)
			}
		}
	}
	c.usage = state.Usage
	c.activeID = state.ActiveSessionID
	if _, ok := c.assemblers[c.activeID]; !ok {
		c.activeID = ""
		if latest, ok := c.latestLocked(); ok {
			c.activeID = latest
		}
	}
	if c.activeID == "" {
		s := NewSession(c.now())
		c.addSessionLocked(s)
		c.activeID = s.ID
	}
	return c, nil
}

func (c *Controller) addSessionLocked(s *Session) *Assembler {
	a := NewAssembler(s)
	a.now = c.now
	c.assemblers[s.ID] = a
	c.order = append(c.order, s.ID)
	return a
}

// latestLocked returns the most recently updated session.
func (c *Controller) latestLocked() (string, bool) {
	if len(c.order) == 0 {
		return "", false
	}
	best := lo.MaxBy(c.order, func(a, b string) bool {
		return c.assemblers[a].Snapshot().UpdatedAt.After(c.assemblers[b].Snapshot().UpdatedAt)
	})
	return best, true
}

// -----------------------------------------------------------------------------
// Sending
// -----------------------------------------------------------------------------

// Send appends a user message to the active session and starts streaming
// the answer.
//
// # Description
//
// Any stream in flight is cancelled first (its message is marked
// stopped). The user message, with attachments inlined, and an empty
// assistant message are appended and persisted before the request goes
// out.
//
// # Inputs
//
//   - ctx: Parent context of the stream.
//   - draft: Text and attachments.
//   - listener: Optional callbacks, fired only while this turn owns the
//     stream slot.
//
// # Outputs
//
//   - *Turn: Handle to wait on.
//   - error: ErrBackendOffline or ErrEmptyMessage.
func (c *Controller) Send(ctx context.Context, draft Draft, listener ux.DecodeHandlers) (*Turn, error) {
	if strings.TrimSpace(draft.Text) == "" && len(draft.Attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	if c.offline() {
		return nil, ErrBackendOffline
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	a := c.assemblers[c.activeID]

	user := Message{
		ID:          uuid.NewString(),
		Content:     composeContent(draft),
		CreatedAt:   c.now(),
		Attachments: lo.Map(draft.Attachments, func(att Attachment, _ int) string { return att.Name }),
	}
	if len(user.Attachments) == 0 {
		user.Attachments = nil
	}
	a.AppendUser(user)

	turn := c.startLocked(ctx, c.activeID, a, listener)
	turn.UserMessageID = user.ID
	c.persistLocked()
	return turn, nil
}

// Retry re-asks the question behind the last answer of the active
// session, if that answer failed retryably. Everything after the user
// message is removed first.
func (c *Controller) Retry(ctx context.Context, listener ux.DecodeHandlers) (*Turn, error) {
	if c.offline() {
		return nil, ErrBackendOffline
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	a := c.assemblers[c.activeID]
	snap := a.Snapshot()
	n := len(snap.Messages)
	if n < 2 {
		return nil, ErrNothingToRetry
	}
	last := snap.Messages[n-1]
	if last.Role != protocol.RoleAssistant || last.Error == nil || !last.Retryable {
		return nil, ErrNothingToRetry
	}
	_, userIdx, found := lo.FindLastIndexOf(snap.Messages, func(m Message) bool {
		return m.Role == protocol.RoleUser
	})
	if !found {
		return nil, ErrNothingToRetry
	}
	userID := snap.Messages[userIdx].ID

	c.stopLocked()
	a.TruncateAfter(userID)

	turn := c.startLocked(ctx, c.activeID, a, listener)
	turn.UserMessageID = userID
	c.persistLocked()
	return turn, nil
}

// Stop cancels the stream in flight. It reports whether there was one.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	stopped := c.stopLocked()
	if stopped {
		c.persistLocked()
	}
	return stopped
}

// Streaming reports whether an answer is in flight.
func (c *Controller) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func (c *Controller) offline() bool {
	return c.health != nil && !c.health.Online()
}

// stopLocked cancels and clears the active slot.
func (c *Controller) stopLocked() bool {
	s := c.active
	if s == nil {
		return false
	}
	c.active = nil
	s.cancel()
	if a, ok := c.assemblers[s.sessionID]; ok {
		a.Cancel(s.messageID)
	}
	slog.Debug("stream cancelled", "session_id", s.sessionID, "message_id", s.messageID)
	return true
}

// startLocked opens the assistant message, claims the slot and launches
// the stream goroutine.
func (c *Controller) startLocked(parent context.Context, sessionID string, a *Assembler, listener ux.DecodeHandlers) *Turn {
	messageID := uuid.NewString()
	a.Begin(messageID)

	ctx, cancel := context.WithCancel(parent)
	turn := &Turn{
		SessionID:          sessionID,
		AssistantMessageID: messageID,
		done:               make(chan struct{}),
	}
	s := &activeStream{
		sessionID: sessionID,
		messageID: messageID,
		cancel:    cancel,
		turn:      turn,
	}
	c.active = s

	history := a.History()
	go c.run(ctx, s, a, history, listener)
	return turn
}

// run drives one stream. Each callback mutates state only if s still
// owns the slot.
func (c *Controller) run(ctx context.Context, s *activeStream, a *Assembler, history []protocol.ChatMessage, listener ux.DecodeHandlers) {
	defer close(s.turn.done)
	defer s.cancel()

	handlers := ux.DecodeHandlers{
		OnChunk: func(text string) {
			if !c.apply(ctx, s, func() { a.AppendToken(s.messageID, text) }) {
				return
			}
			if listener.OnChunk != nil {
				listener.OnChunk(text)
			}
		},
		OnUsage: func(usage protocol.Usage) {
			if !c.apply(ctx, s, func() {
				c.usage = c.usage.Add(usage)
				u := usage
				s.turn.usage = &u
			}) {
				return
			}
			if listener.OnUsage != nil {
				listener.OnUsage(usage)
			}
		},
		OnError: func(errResp *protocol.ErrorResponse) {
			if !c.apply(ctx, s, func() {
				a.Fail(s.messageID, errResp)
				s.turn.err = errResp
				c.active = nil
			}) {
				return
			}
			if listener.OnError != nil {
				listener.OnError(errResp)
			}
		},
		OnDone: func() {
			if !c.apply(ctx, s, func() {
				a.Finalize(s.messageID)
				c.active = nil
			}) {
				return
			}
			if listener.OnDone != nil {
				listener.OnDone()
			}
		},
	}

	outcome := c.streamer.Stream(ctx, history, handlers)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == s {
		// Ended without a terminal callback, e.g. the parent context was
		// cancelled or its deadline passed.
		c.active = nil
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			errResp := protocol.NewTimeoutError("the server did not respond in time")
			a.Fail(s.messageID, errResp)
			s.turn.err = errResp
			outcome = ux.OutcomeError
		} else {
			a.Cancel(s.messageID)
			outcome = ux.OutcomeCancelled
		}
	}
	s.turn.outcome = outcome
	c.persistLocked()
}

// apply runs fn under the controller lock if s owns the slot and the
// stream was not cancelled. A passed deadline still lets the timeout
// error through.
func (c *Controller) apply(ctx context.Context, s *activeStream, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != s || errors.Is(ctx.Err(), context.Canceled) {
		return false
	}
	fn()
	return true
}

// composeContent inlines attachments after the user's text.
func composeContent(d Draft) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(d.Text))
	for _, att := range d.Attachments {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "File: %s\n```\n%s\n```", att.Name, strings.TrimRight(att.Content, "\n"))
	}
	return b.String()
}

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

// ActiveSession returns a copy of the active session.
func (c *Controller) ActiveSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assemblers[c.activeID].Snapshot()
}

// Session returns a copy of session id.
func (c *Controller) Session(id string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.assemblers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return a.Snapshot(), nil
}

// Sessions lists all sessions, most recently updated first.
func (c *Controller) Sessions() []SessionSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := lo.Map(c.order, func(id string, _ int) SessionSummary {
		s := c.assemblers[id].Snapshot()
		return SessionSummary{
			ID:           s.ID,
			Title:        s.Title,
			UpdatedAt:    s.UpdatedAt,
			MessageCount: len(s.Messages),
			Active:       s.ID == c.activeID,
		}
	})
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// NewSession creates a session and makes it active. A stream in flight
// is stopped.
func (c *Controller) NewSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()
	s := NewSession(c.now())
	c.addSessionLocked(s)
	c.activeID = s.ID
	c.persistLocked()
	return s.Clone()
}

// SelectSession makes session id active. A stream in flight is stopped.
func (c *Controller) SelectSession(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.assemblers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if id == c.activeID {
		return nil
	}
	c.stopLocked()
	c.activeID = id
	c.persistLocked()
	return nil
}

// RenameSession sets a user-chosen title.
func (c *Controller) RenameSession(id, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title is empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.assemblers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	a.Rename(title)
	c.persistLocked()
	return nil
}

// DeleteSession removes session id. Deleting the active session activates
// the most recently updated remaining one, or a new empty session.
func (c *Controller) DeleteSession(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.assemblers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if c.active != nil && c.active.sessionID == id {
		c.stopLocked()
	}
	delete(c.assemblers, id)
	c.order = lo.Without(c.order, id)

	if c.activeID == id {
		if latest, ok := c.latestLocked(); ok {
			c.activeID = latest
		} else {
			s := NewSession(c.now())
			c.addSessionLocked(s)
			c.activeID = s.ID
		}
	}
	c.persistLocked()
	return nil
}

// ClearSession resets session id to just the greeting.
func (c *Controller) ClearSession(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.assemblers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if c.active != nil && c.active.sessionID == id {
		c.stopLocked()
	}
	a.Reset()
	c.persistLocked()
	return nil
}

// ResolveSession finds a session by exact id or unique id prefix.
func (c *Controller) ResolveSession(ref string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.assemblers[ref]; ok {
		return ref, nil
	}
	matches := lo.Filter(c.order, func(id string, _ int) bool {
		return ref != "" && strings.HasPrefix(id, ref)
	})
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, ref)
	default:
		return "", fmt.Errorf("session prefix %q is ambiguous (%d matches)", ref, len(matches))
	}
}

// -----------------------------------------------------------------------------
// Messages and usage
// -----------------------------------------------------------------------------

// SetReaction rates an assistant message of the active session. Setting
// the current reaction again clears it.
func (c *Controller) SetReaction(messageID string, reaction Reaction) error {
	if reaction != ReactionNone && reaction != ReactionLike && reaction != ReactionDislike {
		return fmt.Errorf("unknown reaction %q", reaction)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var roleErr error
	found := c.assemblers[c.activeID].Update(messageID, func(m *Message) {
		if m.Role != protocol.RoleAssistant {
			roleErr = errors.New("only assistant messages can be rated")
			return
		}
		if m.Reaction == reaction {
			m.Reaction = ReactionNone
		} else {
			m.Reaction = reaction
		}
	})
	if !found {
		return fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	if roleErr != nil {
		return roleErr
	}
	c.persistLocked()
	return nil
}

// Usage returns the accumulated usage.
func (c *Controller) Usage() protocol.Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// ResetUsage zeroes the accumulated usage.
func (c *Controller) ResetUsage() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usage = protocol.Usage{}
	c.persistLocked()
}

// Close stops any stream and saves state.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.persistLocked()
}

// -----------------------------------------------------------------------------
// Persistence
// -----------------------------------------------------------------------------

func (c *Controller) snapshotLocked() *State {
	st := &State{
		ActiveSessionID: c.activeID,
		Usage:           c.usage,
		Sessions:        make([]*Session, 0, len(c.order)),
	}
	for _, id := range c.order {
		st.Sessions = append(st.Sessions, c.assemblers[id].Snapshot())
	}
	return st
}

// persistLocked saves state. Failures are logged, not returned: the
// in-memory conversation stays usable when the disk is not.
func (c *Controller) persistLocked() {
	if c.store == nil {
		return
	}
	if err := c.store.Save(c.snapshotLocked()); err != nil {
		slog.Warn("failed to persist chat state", "error", err)
	}
}
