// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/protocol"
)

// StoppedNote is appended to an assistant message the user cancelled.
const StoppedNote = "[stopped]"

// Assembler folds stream callbacks into one session's message log.
//
// Messages are located by id through an index, so appends are O(1) and
// never depend on ordering between Begin and the first AppendToken.
// An append for an unknown id inserts the message; a Begin for a known
// id leaves its content alone.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Assembler struct {
	mu      sync.Mutex
	session *Session
	index   map[string]int
	now     func() time.Time
}

// NewAssembler wraps session. The Assembler mutates session in place; the
// caller must not touch it except through the Assembler.
func NewAssembler(session *Session) *Assembler {
	a := &Assembler{session: session, now: time.Now}
	a.reindex()
	return a
}

func (a *Assembler) reindex() {
	a.index = make(map[string]int, len(a.session.Messages))
	for i, m := range a.session.Messages {
		a.index[m.ID] = i
	}
}

// AppendUser adds a user message.
func (a *Assembler) AppendUser(msg Message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	msg.Role = protocol.RoleUser
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = a.now()
	}
	a.insertLocked(msg)
	if !a.session.TitleCustom && a.firstUserLocked() {
		a.session.Title = TitleFrom(msg.Content)
	}
}

func (a *Assembler) firstUserLocked() bool {
	n := 0
	for _, m := range a.session.Messages {
		if m.Role == protocol.RoleUser {
			n++
		}
	}
	return n == 1
}

// Begin opens an empty in-progress assistant message. Any other message
// still in progress is cancelled first, so at most one is ever pending.
func (a *Assembler) Begin(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := range a.session.Messages {
		m := &a.session.Messages[i]
		if m.Pending && m.ID != id {
			a.cancelLocked(m)
		}
	}
	if _, ok := a.index[id]; ok {
		return
	}
	a.insertLocked(Message{
		ID:        id,
		Role:      protocol.RoleAssistant,
		CreatedAt: a.now(),
		Pending:   true,
	})
}

// AppendToken appends text to message id, creating it if missing.
func (a *Assembler) AppendToken(id, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, ok := a.index[id]
	if !ok {
		a.insertLocked(Message{
			ID:        id,
			Role:      protocol.RoleAssistant,
			Content:   text,
			CreatedAt: a.now(),
			Pending:   true,
		})
		return
	}
	m := &a.session.Messages[i]
	if m.Role != protocol.RoleAssistant {
		return
	}
	m.Content += text
	a.session.Touch(a.now())
}

// Finalize marks message id complete.
func (a *Assembler) Finalize(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if m := a.lookupLocked(id); m != nil {
		m.Pending = false
		a.session.Touch(a.now())
	}
}

// Fail ends message id with an error annotation and records whether the
// failure may be retried.
func (a *Assembler) Fail(id string, errResp *protocol.ErrorResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.lookupLocked(id)
	if m == nil {
		a.insertLocked(Message{ID: id, Role: protocol.RoleAssistant, CreatedAt: a.now()})
		m = a.lookupLocked(id)
	}
	if errResp == nil {
		errResp = protocol.NewServerError(0, "unknown error")
	}
	m.Content = annotate(m.Content, "[error: "+errResp.Message+"]")
	e := *errResp
	m.Error = &e
	m.Retryable = errResp.Retryable
	m.Pending = false
	a.session.Touch(a.now())
}

// Cancel ends message id with the stopped note. Cancelled messages are
// never retryable. Cancelling a message that is no longer in progress
// does nothing.
func (a *Assembler) Cancel(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if m := a.lookupLocked(id); m != nil && m.Pending {
		a.cancelLocked(m)
	}
}

func (a *Assembler) cancelLocked(m *Message) {
	m.Content = annotate(m.Content, StoppedNote)
	m.Error = protocol.NewAbortError()
	m.Retryable = false
	m.Pending = false
	a.session.Touch(a.now())
}

// TruncateAfter removes every message after id. It reports false if id
// is unknown.
func (a *Assembler) TruncateAfter(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	i, ok := a.index[id]
	if !ok {
		return false
	}
	a.session.Messages = a.session.Messages[:i+1]
	a.reindex()
	a.session.Touch(a.now())
	return true
}

// Update applies fn to message id under the lock. It reports false if id
// is unknown.
func (a *Assembler) Update(id string, fn func(m *Message)) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := a.lookupLocked(id)
	if m == nil {
		return false
	}
	fn(m)
	a.session.Touch(a.now())
	return true
}

// Reset replaces the log with a fresh greeting.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	fresh := NewSession(a.now())
	a.session.Messages = fresh.Messages
	if !a.session.TitleCustom {
		a.session.Title = DefaultTitle
	}
	a.reindex()
	a.session.Touch(a.now())
}

// Rename sets a user-chosen title.
func (a *Assembler) Rename(title string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.session.Title = title
	a.session.TitleCustom = true
	a.session.Touch(a.now())
}

// Message returns a copy of message id.
func (a *Assembler) Message(id string) (Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if m := a.lookupLocked(id); m != nil {
		return m.clone(), true
	}
	return Message{}, false
}

// Snapshot returns a deep copy of the session.
func (a *Assembler) Snapshot() *Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.Clone()
}

// History returns the turns to send to the server.
func (a *Assembler) History() []protocol.ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session.History()
}

func (a *Assembler) lookupLocked(id string) *Message {
	i, ok := a.index[id]
	if !ok {
		return nil
	}
	return &a.session.Messages[i]
}

func (a *Assembler) insertLocked(msg Message) {
	a.session.Messages = append(a.session.Messages, msg)
	a.index[msg.ID] = len(a.session.Messages) - 1
	a.session.Touch(a.now())
}

func annotate(content, note string) string {
	if content == "" {
		return note
	}
	return content + "\n\n" + note
}
