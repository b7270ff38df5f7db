// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exportFixture() *Session {
	at := time.Date(2025, 5, 4, 10, 30, 0, 0, time.Local)
	s := NewSession(at)
	s.Title = "List Go files"
	s.Messages = append(s.Messages,
		Message{ID: "u1", Role: protocol.RoleUser, Content: "which files?", CreatedAt: at, Attachments: []string{"notes.txt"}},
		Message{ID: "a1", Role: protocol.RoleAssistant, Content: "main.go", CreatedAt: at, Reaction: ReactionLike},
		Message{ID: "u2", Role: protocol.RoleUser, Content: "and tests?", CreatedAt: at},
		Message{
			ID: "a2", Role: protocol.RoleAssistant, Content: "[error: lost]", CreatedAt: at,
			Error: protocol.NewNetworkError("lost"), Retryable: true,
		},
	)
	return s
}

func TestExport_Text(t *testing.T) {
	out, err := Export(exportFixture(), FormatText)
	require.NoError(t, err)

	text := string(out)
	assert.True(t, strings.HasPrefix(text, "List Go files\nCreated 2025-05-04 10:30\n"))
	assert.Contains(t, text, "[2025-05-04 10:30] user:\nwhich files?\n(attachments: notes.txt)\n")
	assert.Contains(t, text, "[2025-05-04 10:30] assistant:\nmain.go\n(reaction: like)\n")
	assert.NotContains(t, text, Greeting)
}

func TestExport_Markdown(t *testing.T) {
	out, err := Export(exportFixture(), FormatMarkdown)
	require.NoError(t, err)

	md := string(out)
	assert.True(t, strings.HasPrefix(md, "# List Go files\n\n_Created 2025-05-04 10:30"))
	assert.Contains(t, md, "### User\n\nwhich files?\n")
	assert.Contains(t, md, "### Assistant\n\nmain.go\n")
	assert.Contains(t, md, "> **network error:** lost\n")
	assert.Contains(t, md, "_Attachments: notes.txt_")
	assert.NotContains(t, md, Greeting)
}

func TestExport_JSON(t *testing.T) {
	src := exportFixture()
	out, err := Export(src, FormatJSON)
	require.NoError(t, err)

	var back Session
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, src.ID, back.ID)
	require.Len(t, back.Messages, 4)
	assert.Equal(t, "u1", back.Messages[0].ID)
	assert.True(t, back.Messages[3].Retryable)
	assert.Len(t, src.Messages, 5, "export does not mutate the session")
}

func TestExport_UnknownFormat(t *testing.T) {
	_, err := Export(exportFixture(), ExportFormat("pdf"))
	assert.Error(t, err)
}

func TestParseExportFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    ExportFormat
		wantErr bool
	}{
		{"", FormatText, false},
		{"TXT", FormatText, false},
		{"md", FormatMarkdown, false},
		{"Markdown", FormatMarkdown, false},
		{"json", FormatJSON, false},
		{"html", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseExportFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExportFileName(t *testing.T) {
	now := time.Date(2025, 5, 4, 10, 30, 15, 0, time.UTC)

	s := exportFixture()
	assert.Equal(t, "list-go-files-20250504-103015.md", ExportFileName(s, FormatMarkdown, now))

	s.Title = "???"
	assert.Equal(t, "chat-20250504-103015.json", ExportFileName(s, FormatJSON, now))
}
