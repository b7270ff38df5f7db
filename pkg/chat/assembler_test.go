// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAssembler() (*Assembler, *Session) {
	s := NewSession(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC))
	return NewAssembler(s), s
}

func TestAssembler_BeginAppendFinalize(t *testing.T) {
	a, _ := newTestAssembler()

	a.Begin("A")
	a.AppendToken("A", "hel")
	a.AppendToken("A", "lo")
	a.Finalize("A")

	m, ok := a.Message("A")
	require.True(t, ok)
	assert.Equal(t, "hello", m.Content)
	assert.Equal(t, protocol.RoleAssistant, m.Role)
	assert.False(t, m.Pending)
	assert.Nil(t, m.Error)
}

func TestAssembler_AppendBeforeBegin(t *testing.T) {
	a, _ := newTestAssembler()

	a.AppendToken("A", "x")
	a.Begin("A")
	a.AppendToken("A", "y")

	m, ok := a.Message("A")
	require.True(t, ok)
	assert.Equal(t, "xy", m.Content)
	assert.Len(t, a.Snapshot().Messages, 2, "greeting plus one answer")
}

func TestAssembler_ConcurrentBeginAndAppend(t *testing.T) {
	for i := 0; i < 200; i++ {
		a, _ := newTestAssembler()

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); a.Begin("A") }()
		go func() { defer wg.Done(); a.AppendToken("A", "x") }()
		wg.Wait()
		a.AppendToken("A", "y")

		m, ok := a.Message("A")
		require.True(t, ok)
		require.Equal(t, "xy", m.Content)
		require.Len(t, a.Snapshot().Messages, 2)
	}
}

func TestAssembler_BeginCancelsOtherPending(t *testing.T) {
	a, _ := newTestAssembler()

	a.Begin("A")
	a.AppendToken("A", "partial")
	a.Begin("B")

	first, _ := a.Message("A")
	second, _ := a.Message("B")
	assert.False(t, first.Pending)
	assert.Equal(t, "partial\n\n"+StoppedNote, first.Content)
	assert.True(t, second.Pending)
}

func TestAssembler_Fail(t *testing.T) {
	a, _ := newTestAssembler()

	a.Begin("A")
	a.AppendToken("A", "half")
	a.Fail("A", protocol.NewNetworkError("connection lost"))

	m, _ := a.Message("A")
	assert.Equal(t, "half\n\n[error: connection lost]", m.Content)
	require.NotNil(t, m.Error)
	assert.Equal(t, protocol.ErrorNetwork, m.Error.Kind)
	assert.True(t, m.Retryable)
	assert.False(t, m.Pending)
}

func TestAssembler_FailUnknownInserts(t *testing.T) {
	a, _ := newTestAssembler()

	a.Fail("ghost", protocol.NewServerError(400, "invalid request"))

	m, ok := a.Message("ghost")
	require.True(t, ok)
	assert.Equal(t, "[error: invalid request]", m.Content)
	assert.False(t, m.Retryable)
}

func TestAssembler_Cancel(t *testing.T) {
	a, _ := newTestAssembler()

	a.Begin("A")
	a.Cancel("A")

	m, _ := a.Message("A")
	assert.Equal(t, StoppedNote, m.Content)
	require.NotNil(t, m.Error)
	assert.Equal(t, protocol.ErrorAbort, m.Error.Kind)
	assert.False(t, m.Retryable)

	a.Cancel("A")
	m, _ = a.Message("A")
	assert.Equal(t, StoppedNote, m.Content, "second cancel is a no-op")
}

func TestAssembler_CancelFinishedIsNoop(t *testing.T) {
	a, _ := newTestAssembler()

	a.Begin("A")
	a.AppendToken("A", "done")
	a.Finalize("A")
	a.Cancel("A")

	m, _ := a.Message("A")
	assert.Equal(t, "done", m.Content)
	assert.Nil(t, m.Error)
}

func TestAssembler_AppendUserSetsTitleOnce(t *testing.T) {
	a, _ := newTestAssembler()

	a.AppendUser(Message{ID: "u1", Content: "  how do   I list files?  "})
	a.AppendUser(Message{ID: "u2", Content: "second question"})

	snap := a.Snapshot()
	assert.Equal(t, "how do I list files?", snap.Title)
	assert.Equal(t, protocol.RoleUser, snap.Messages[1].Role)
}

func TestAssembler_RenameSticks(t *testing.T) {
	a, _ := newTestAssembler()

	a.Rename("Mine")
	a.AppendUser(Message{ID: "u1", Content: "question"})
	a.Reset()

	assert.Equal(t, "Mine", a.Snapshot().Title)
}

func TestAssembler_TruncateAfter(t *testing.T) {
	a, _ := newTestAssembler()

	a.AppendUser(Message{ID: "u1", Content: "q"})
	a.Begin("A")
	a.Fail("A", protocol.NewNetworkError("x"))

	require.True(t, a.TruncateAfter("u1"))
	snap := a.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "u1", snap.Messages[1].ID)

	_, ok := a.Message("A")
	assert.False(t, ok, "index is rebuilt")
	assert.False(t, a.TruncateAfter("missing"))
}

func TestAssembler_ResetKeepsOnlyGreeting(t *testing.T) {
	a, _ := newTestAssembler()

	a.AppendUser(Message{ID: "u1", Content: "q"})
	a.Reset()

	snap := a.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.True(t, snap.Messages[0].Greeting)
	assert.Equal(t, DefaultTitle, snap.Title)
}

func TestAssembler_UpdatedAtMonotonic(t *testing.T) {
	a, s := newTestAssembler()
	start := s.UpdatedAt

	a.now = func() time.Time { return start.Add(-time.Hour) }
	a.Begin("A")

	assert.Equal(t, start, a.Snapshot().UpdatedAt)

	a.now = func() time.Time { return start.Add(time.Minute) }
	a.AppendToken("A", "x")
	assert.Equal(t, start.Add(time.Minute), a.Snapshot().UpdatedAt)
}

func TestAssembler_SnapshotIsDeepCopy(t *testing.T) {
	a, _ := newTestAssembler()
	a.AppendUser(Message{ID: "u1", Content: "q", Attachments: []string{"a.txt"}})

	snap := a.Snapshot()
	snap.Messages[1].Attachments[0] = "mutated"
	snap.Messages[1].Content = "mutated"

	m, _ := a.Message("u1")
	assert.Equal(t, "q", m.Content)
	assert.Equal(t, []string{"a.txt"}, m.Attachments)
}

func TestSession_History(t *testing.T) {
	a, _ := newTestAssembler()
	a.AppendUser(Message{ID: "u1", Content: "first"})
	a.Begin("A1")
	a.AppendToken("A1", "answer")
	a.Finalize("A1")
	a.AppendUser(Message{ID: "u2", Content: "second"})
	a.Begin("A2")
	a.Fail("A2", protocol.NewNetworkError("lost"))
	a.AppendUser(Message{ID: "u3", Content: "third"})
	a.Begin("A3")

	assert.Equal(t, []protocol.ChatMessage{
		{Role: protocol.RoleUser, Content: "first"},
		{Role: protocol.RoleAssistant, Content: "answer"},
		{Role: protocol.RoleUser, Content: "second"},
		{Role: protocol.RoleUser, Content: "third"},
	}, a.History())
}

func TestTitleFrom(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"blank", "   ", DefaultTitle},
		{"collapses whitespace", "a\n\tb", "a b"},
		{"exact limit", strings.Repeat("x", maxTitleRunes), strings.Repeat("x", maxTitleRunes)},
		{"truncated", strings.Repeat("é", maxTitleRunes+5), strings.Repeat("é", maxTitleRunes-1) + "…"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TitleFrom(tt.in))
		})
	}
}
