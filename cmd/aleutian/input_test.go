// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamReader_ReadLine(t *testing.T) {
	r := NewStreamReader(strings.NewReader("  first \nsecond\nlast"))

	line, err := r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "first", line)

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "second", line)

	line, err = r.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "last", line)

	_, err = r.ReadLine()
	assert.ErrorIs(t, err, io.EOF)
}

func TestNewInputReader_NonTerminalUsesStreamReader(t *testing.T) {
	r := NewInputReader(strings.NewReader("x\n"), &bytes.Buffer{}, 10)
	_, ok := r.(*StreamReader)
	assert.True(t, ok)
}

func newTestInputModel(history ...string) inputModel {
	ti := textinput.New()
	ti.Focus()
	return inputModel{textInput: ti, history: history, historyIndex: -1}
}

func update(t *testing.T, m inputModel, msg tea.Msg) inputModel {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(inputModel)
	require.True(t, ok)
	return out
}

func TestInputModel_HistoryNavigation(t *testing.T) {
	m := newTestInputModel("one", "two")
	m.textInput.SetValue("draft")

	m = update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, "two", m.textInput.Value())

	m = update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, "one", m.textInput.Value())

	m = update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, "one", m.textInput.Value(), "stays at the oldest entry")

	m = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, "two", m.textInput.Value())

	m = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, "draft", m.textInput.Value(), "restores the unsent input")
	assert.Equal(t, -1, m.historyIndex)
}

func TestInputModel_EmptyHistoryIgnoresArrows(t *testing.T) {
	m := newTestInputModel()
	m.textInput.SetValue("typed")

	m = update(t, m, tea.KeyMsg{Type: tea.KeyUp})
	m = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, "typed", m.textInput.Value())
}

func TestInputModel_TerminatingKeys(t *testing.T) {
	tests := []struct {
		name          string
		key           tea.KeyType
		wantValue     string
		wantCancelled bool
	}{
		{name: "enter submits", key: tea.KeyEnter, wantValue: "hello"},
		{name: "ctrl+c clears", key: tea.KeyCtrlC, wantValue: ""},
		{name: "ctrl+d ends input", key: tea.KeyCtrlD, wantValue: "", wantCancelled: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestInputModel()
			m.textInput.SetValue("hello")

			next, cmd := m.Update(tea.KeyMsg{Type: tt.key})
			got := next.(inputModel)

			assert.True(t, got.done)
			assert.Equal(t, tt.wantCancelled, got.cancelled)
			assert.Equal(t, tt.wantValue, got.textInput.Value())
			require.NotNil(t, cmd)
			assert.IsType(t, tea.QuitMsg{}, cmd())
			assert.Empty(t, got.View())
		})
	}
}

func TestInteractiveInputReader_History(t *testing.T) {
	r := &InteractiveInputReader{maxHistory: 2}
	r.addToHistory("a")
	r.addToHistory("a")
	r.addToHistory("b")
	r.addToHistory("c")
	assert.Equal(t, []string{"b", "c"}, r.history)
}
