// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chat

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/protocol"
	"github.com/samber/lo"
)

// ExportFormat selects a session rendering.
type ExportFormat string

const (
	FormatText     ExportFormat = "text"
	FormatMarkdown ExportFormat = "markdown"
	FormatJSON     ExportFormat = "json"
)

// ParseExportFormat accepts "text"/"txt", "markdown"/"md" or "json".
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "txt", "":
		return FormatText, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("unknown export format %q (want text, markdown or json)", s)
	}
}

// Extension returns the file extension for the format, without the dot.
func (f ExportFormat) Extension() string {
	switch f {
	case FormatMarkdown:
		return "md"
	case FormatJSON:
		return "json"
	default:
		return "txt"
	}
}

const exportTimeLayout = "2006-01-02 15:04"

// Export renders a session. The greeting is omitted from all formats.
func Export(s *Session, format ExportFormat) ([]byte, error) {
	messages := lo.Filter(s.Messages, func(m Message, _ int) bool { return !m.Greeting })

	switch format {
	case FormatText:
		return exportText(s, messages), nil
	case FormatMarkdown:
		return exportMarkdown(s, messages), nil
	case FormatJSON:
		out := s.Clone()
		out.Messages = messages
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal session: %w", err)
		}
		return append(data, '\n'), nil
	default:
		return nil, fmt.Errorf("unknown export format %q", format)
	}
}

func exportText(s *Session, messages []Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", s.Title)
	fmt.Fprintf(&b, "Created %s\n", s.CreatedAt.Local().Format(exportTimeLayout))
	for _, m := range messages {
		fmt.Fprintf(&b, "\n[%s] %s:\n%s\n", m.CreatedAt.Local().Format(exportTimeLayout), m.Role, m.Content)
		if len(m.Attachments) > 0 {
			fmt.Fprintf(&b, "(attachments: %s)\n", strings.Join(m.Attachments, ", "))
		}
		if m.Reaction != ReactionNone {
			fmt.Fprintf(&b, "(reaction: %s)\n", m.Reaction)
		}
	}
	return []byte(b.String())
}

func exportMarkdown(s *Session, messages []Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", s.Title)
	fmt.Fprintf(&b, "_Created %s, updated %s_\n", s.CreatedAt.Local().Format(exportTimeLayout), s.UpdatedAt.Local().Format(exportTimeLayout))
	for _, m := range messages {
		fmt.Fprintf(&b, "\n### %s\n\n%s\n", roleHeading(m.Role), m.Content)
		if len(m.Attachments) > 0 {
			fmt.Fprintf(&b, "\n_Attachments: %s_\n", strings.Join(m.Attachments, ", "))
		}
		if m.Error != nil && m.Error.Kind != protocol.ErrorAbort {
			fmt.Fprintf(&b, "\n> **%s error:** %s\n", m.Error.Kind, m.Error.Message)
		}
		if m.Reaction != ReactionNone {
			fmt.Fprintf(&b, "\n_Reaction: %s_\n", m.Reaction)
		}
	}
	return []byte(b.String())
}

func roleHeading(r protocol.Role) string {
	if r == protocol.RoleUser {
		return "User"
	}
	return "Assistant"
}

// ExportFileName suggests a file name for an exported session.
func ExportFileName(s *Session, format ExportFormat, now time.Time) string {
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, s.Title)
	slug = strings.Trim(strings.Join(lo.Compact(strings.Split(slug, "-")), "-"), "-")
	if slug == "" {
		slug = "chat"
	}
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	return fmt.Sprintf("%s-%s.%s", slug, now.Format("20060102-150405"), format.Extension())
}
