// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/protocol"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
	"github.com/samber/lo"
)

// =============================================================================
// Constants
// =============================================================================

const (
	promptString = "> "

	// maxAttachmentBytes matches the server's per-message content limit.
	maxAttachmentBytes = 32 * 1024

	helpText = `Commands:
  /new               start a new session
  /sessions          list sessions
  /switch <id>       switch to a session (id or unique prefix)
  /rename <title>    rename the current session
  /clear             clear the current session
  /retry             retry the last failed answer
  /attach <path>     attach a file to the next message
  /like, /dislike    rate the last answer
  /export [format]   export the session (text, markdown, json)
  /usage             show token usage and cost
  /quit              leave (also: exit, quit, Ctrl-D)
Press Ctrl-C while an answer streams to stop it.`
)

// =============================================================================
// Interrupts
// =============================================================================

// interruptSource subscribes to user interrupts for the duration of one
// streamed answer. The returned func unsubscribes.
type interruptSource func() (<-chan os.Signal, func())

// notifyInterrupts delivers SIGINT. Outside a stream the default handling
// applies, so Ctrl-C at an idle prompt behaves as usual.
func notifyInterrupts() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	return ch, func() { signal.Stop(ch) }
}

// =============================================================================
// Streaming a turn
// =============================================================================

// turnStarter starts a Send or Retry with the given listener.
type turnStarter func(ctx context.Context, listener ux.DecodeHandlers) (*chat.Turn, error)

// streamTurn runs one answer to completion, rendering tokens as they
// arrive and stopping the stream on interrupt.
//
// # Outputs
//
//   - *chat.Turn: The finished turn, nil if it could not start.
//   - *protocol.ErrorResponse: How the answer failed, nil on success.
//   - error: Why the turn could not start (offline, empty message).
func streamTurn(ctx context.Context, a *app, prompt string, interrupts interruptSource, start turnStarter) (*chat.Turn, *protocol.ErrorResponse, error) {
	turnCtx := ctx
	if a.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		turnCtx, cancel = context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()
	}

	var sigs <-chan os.Signal
	if interrupts != nil {
		ch, stop := interrupts()
		defer stop()
		sigs = ch
	}

	a.renderer.Begin(prompt)
	turn, err := start(turnCtx, ux.DecodeHandlers{OnChunk: a.renderer.Token})
	if err != nil {
		a.renderer.Fail(nil)
		return nil, nil, err
	}

	select {
	case <-turn.Done():
	case <-sigs:
		a.controller.Stop()
		<-turn.Done()
	case <-ctx.Done():
		<-turn.Done()
	}

	var failure *protocol.ErrorResponse
	switch turn.Wait() {
	case ux.OutcomeDone:
		a.renderer.Finish(turn.Usage())
		return turn, nil, nil
	case ux.OutcomeError:
		failure = turn.Err()
	case ux.OutcomeCancelled:
		failure = protocol.NewAbortError()
	default:
		failure = protocol.NewNetworkError("the stream was interrupted")
	}
	if failure == nil {
		failure = protocol.NewServerError(0, "the answer failed")
	}
	a.renderer.Fail(failure)
	return turn, failure, nil
}

// =============================================================================
// ChatRunner
// =============================================================================

// ChatRunner is the interactive chat loop.
//
// # Description
//
// Reads lines from an InputReader. Lines starting with "/" are commands;
// anything else is sent as a message in the active session together with
// files queued by /attach.
//
// # Thread Safety
//
// Not thread-safe. Run must be called once.
type ChatRunner struct {
	app        *app
	reader     InputReader
	interrupts interruptSource
	pending    []chat.Attachment
}

// NewChatRunner creates a runner over a.
func NewChatRunner(a *app, reader InputReader, interrupts interruptSource) *ChatRunner {
	return &ChatRunner{app: a, reader: reader, interrupts: interrupts}
}

// Run executes the loop until the user quits, input ends or ctx is done.
//
// # Outputs
//
//   - error: nil on /quit or end of input, ctx.Err() on cancellation, or
//     a read failure.
func (r *ChatRunner) Run(ctx context.Context) error {
	session := r.app.controller.ActiveSession()
	r.app.renderer.Banner("Aleutian Chat", fmt.Sprintf("%s · type /help for commands", session.Title))
	r.replay(session)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := r.readLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		if line == "" {
			continue
		}
		if isExitCommand(line) {
			return nil
		}

		if strings.HasPrefix(line, "/") {
			quit, err := r.handleCommand(ctx, line)
			if err != nil {
				r.app.renderer.Warn("%v", err)
			}
			if quit {
				return nil
			}
			continue
		}

		draft := chat.Draft{Text: line, Attachments: r.pending}
		r.pending = nil
		_, _, err = streamTurn(ctx, r.app, line, r.interrupts,
			func(ctx context.Context, l ux.DecodeHandlers) (*chat.Turn, error) {
				return r.app.controller.Send(ctx, draft, l)
			})
		if err != nil {
			r.app.renderer.Warn("%v", err)
		}
	}
}

func (r *ChatRunner) readLine() (string, error) {
	if p, ok := r.reader.(PromptingInputReader); ok {
		p.SetPrompt(promptString)
	} else {
		fmt.Fprint(r.app.out, promptString)
	}
	return r.reader.ReadLine()
}

// replay prints the stored messages of a session.
func (r *ChatRunner) replay(s *chat.Session) {
	for _, m := range s.Messages {
		r.app.renderer.PrintMessage(m.Role, m.Content, messageNote(m))
	}
}

// handleCommand runs one slash command. It reports whether the loop
// should end.
func (r *ChatRunner) handleCommand(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	c := r.app.controller
	out := r.app.renderer

	switch name {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Fprintln(r.app.out, helpText)

	case "/new":
		s := c.NewSession()
		r.pending = nil
		out.Info("started session %s", shortID(s.ID))
		r.replay(s)

	case "/sessions":
		printSessions(r.app.out, c.Sessions())

	case "/switch":
		id, err := c.ResolveSession(arg)
		if err != nil {
			return false, err
		}
		if err := c.SelectSession(id); err != nil {
			return false, err
		}
		s := c.ActiveSession()
		out.Info("switched to %q", s.Title)
		r.replay(s)

	case "/rename":
		if err := c.RenameSession(c.ActiveSession().ID, arg); err != nil {
			return false, err
		}
		out.Info("renamed to %q", arg)

	case "/clear":
		if err := c.ClearSession(c.ActiveSession().ID); err != nil {
			return false, err
		}
		out.Info("session cleared")

	case "/retry":
		_, _, err := streamTurn(ctx, r.app, lastUserText(c.ActiveSession()), r.interrupts,
			func(ctx context.Context, l ux.DecodeHandlers) (*chat.Turn, error) {
				return c.Retry(ctx, l)
			})
		return false, err

	case "/attach":
		att, err := readAttachment(arg)
		if err != nil {
			return false, err
		}
		r.pending = append(r.pending, att)
		out.Info("attached %s (%d bytes); it will be sent with your next message", att.Name, len(att.Content))

	case "/like", "/dislike":
		reaction := chat.ReactionLike
		if name == "/dislike" {
			reaction = chat.ReactionDislike
		}
		last, _, ok := lo.FindLastIndexOf(c.ActiveSession().Messages, func(m chat.Message) bool {
			return m.Role == protocol.RoleAssistant && !m.Greeting && !m.Pending
		})
		if !ok {
			return false, errors.New("there is no answer to rate yet")
		}
		if err := c.SetReaction(last.ID, reaction); err != nil {
			return false, err
		}
		out.Info("feedback saved")

	case "/export":
		path, err := exportSession(c.ActiveSession(), arg, r.app.cfg.ExportDir, time.Now())
		if err != nil {
			return false, err
		}
		out.Info("exported to %s", path)

	case "/usage":
		printUsage(r.app.out, c.Usage())

	default:
		return false, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return false, nil
}

// =============================================================================
// Helper Functions
// =============================================================================

// isExitCommand reports whether input is a bare exit word.
func isExitCommand(input string) bool {
	return input == "exit" || input == "quit"
}

// messageNote annotates a replayed message.
func messageNote(m chat.Message) string {
	var notes []string
	if len(m.Attachments) > 0 {
		notes = append(notes, "attached: "+strings.Join(m.Attachments, ", "))
	}
	if m.Error != nil && m.Error.Kind != protocol.ErrorAbort {
		notes = append(notes, fmt.Sprintf("%s %s: %s", ux.IconError, m.Error.Kind, m.Error.Message))
	}
	switch m.Reaction {
	case chat.ReactionLike:
		notes = append(notes, "liked")
	case chat.ReactionDislike:
		notes = append(notes, "disliked")
	}
	return strings.Join(notes, " · ")
}

// lastUserText seeds the status detector for a retry.
func lastUserText(s *chat.Session) string {
	last, _, _ := lo.FindLastIndexOf(s.Messages, func(m chat.Message) bool {
		return m.Role == protocol.RoleUser
	})
	return last.Content
}

// readAttachment loads a file to inline in the next message.
func readAttachment(path string) (chat.Attachment, error) {
	if path == "" {
		return chat.Attachment{}, errors.New("usage: /attach <path>")
	}
	info, err := os.Stat(path)
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("attach %s: %w", path, err)
	}
	if info.IsDir() {
		return chat.Attachment{}, fmt.Errorf("attach %s: is a directory", path)
	}
	if info.Size() > maxAttachmentBytes {
		return chat.Attachment{}, fmt.Errorf("attach %s: file is %d bytes, the limit is %d", path, info.Size(), maxAttachmentBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("attach %s: %w", path, err)
	}
	return chat.Attachment{Name: filepath.Base(path), Content: string(data)}, nil
}

// exportSession writes s to dir in the named format and returns the path.
func exportSession(s *chat.Session, formatName, dir string, now time.Time) (string, error) {
	format, err := chat.ParseExportFormat(formatName)
	if err != nil {
		return "", err
	}
	data, err := chat.Export(s, format)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, chat.ExportFileName(s, format, now))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	return path, nil
}

// shortID abbreviates a session id for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
