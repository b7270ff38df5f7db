// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package chat is the client core of the Aleutian chat CLI.
//
// It owns the conversation model (Message, Session), folds decoded stream
// callbacks into it (Assembler), talks to the server (Transport,
// HealthMonitor) and coordinates all of it behind a single-stream
// Controller. Nothing in this package renders output.
package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/AleutianAI/AleutianChat/pkg/protocol"
	"github.com/google/uuid"
)

const (
	// Greeting is the first assistant message of every new session.
	Greeting = "Hello! I can read, search and edit files in my workspace and run commands. What should we work on?"

	// DefaultTitle names a session until its first user message.
	DefaultTitle = "New chat"

	// maxTitleRunes bounds titles derived from the first user message.
	maxTitleRunes = 48
)

// Reaction is an optional user rating of an assistant message.
type Reaction string

const (
	ReactionNone    Reaction = ""
	ReactionLike    Reaction = "like"
	ReactionDislike Reaction = "dislike"
)

// Message is one entry of a conversation.
//
// ID and Role never change after creation. User content is immutable;
// assistant content grows by appends while Pending is true.
type Message struct {
	ID          string                  `json:"id" validate:"required"`
	Role        protocol.Role           `json:"role" validate:"required,oneof=user assistant"`
	Content     string                  `json:"content"`
	CreatedAt   time.Time               `json:"created_at" validate:"required"`
	Reaction    Reaction                `json:"reaction,omitempty" validate:"omitempty,oneof=like dislike"`
	Attachments []string                `json:"attachments,omitempty"` // names; bodies are inlined in Content
	Error       *protocol.ErrorResponse `json:"error,omitempty"`
	Retryable   bool                    `json:"retryable,omitempty"`
	Pending     bool                    `json:"pending,omitempty"`
	Greeting    bool                    `json:"greeting,omitempty"`
}

// Session is an ordered conversation.
type Session struct {
	ID          string    `json:"id" validate:"required"`
	Title       string    `json:"title"`
	TitleCustom bool      `json:"title_custom,omitempty"`
	Messages    []Message `json:"messages" validate:"dive"`
	CreatedAt   time.Time `json:"created_at" validate:"required"`
	UpdatedAt   time.Time `json:"updated_at" validate:"required"`
}

// NewSession returns an empty session holding only the greeting.
func NewSession(now time.Time) *Session {
	return &Session{
		ID:    uuid.NewString(),
		Title: DefaultTitle,
		Messages: []Message{{
			ID:        uuid.NewString(),
			Role:      protocol.RoleAssistant,
			Content:   Greeting,
			CreatedAt: now,
			Greeting:  true,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch advances UpdatedAt to now, never moving it backwards.
func (s *Session) Touch(now time.Time) {
	if now.After(s.UpdatedAt) {
		s.UpdatedAt = now
	}
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.clone()
	}
	return &out
}

func (m Message) clone() Message {
	if m.Attachments != nil {
		m.Attachments = append([]string(nil), m.Attachments...)
	}
	if m.Error != nil {
		e := *m.Error
		m.Error = &e
	}
	return m
}

// History converts the session to the turns sent to the server. The
// greeting, failed answers and empty answers are left out.
func (s *Session) History() []protocol.ChatMessage {
	turns := make([]protocol.ChatMessage, 0, len(s.Messages))
	for _, m := range s.Messages {
		if m.Greeting || m.Pending || m.Error != nil {
			continue
		}
		if m.Role == protocol.RoleAssistant && m.Content == "" {
			continue
		}
		turns = append(turns, protocol.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return turns
}

// TitleFrom derives a session title from a user message.
func TitleFrom(content string) string {
	title := strings.Join(strings.Fields(content), " ")
	if title == "" {
		return DefaultTitle
	}
	if utf8.RuneCountInString(title) <= maxTitleRunes {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleRunes-1])) + "…"
}

// State is everything the client persists between runs.
type State struct {
	Sessions        []*Session     `json:"sessions"`
	ActiveSessionID string         `json:"active_session_id"`
	Usage           protocol.Usage `json:"usage"`
}

// Clone returns a deep copy.
func (st *State) Clone() *State {
	out := &State{
		ActiveSessionID: st.ActiveSessionID,
		Usage:           st.Usage,
		Sessions:        make([]*Session, len(st.Sessions)),
	}
	for i, s := range st.Sessions {
		out.Sessions[i] = s.Clone()
	}
	return out
}

// Store persists client State.
type Store interface {
	Load() (*State, error)
	Save(state *State) error
}
