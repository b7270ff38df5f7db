// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package ux

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianChat/pkg/protocol"
)

// clearLine returns the cursor to column zero and erases the line.
const clearLine = "\r\033[K"

// Renderer prints a live assistant answer to a terminal.
//
// While waiting for the first token it shows a status line derived from
// the StatusDetector; the line is replaced in place on terminals and
// printed once otherwise. Tokens are written as they arrive.
//
// Thread Safety:
//
//	All methods are safe for concurrent use; stream callbacks arrive on
//	the decoder goroutine while the REPL goroutine may call Interrupted.
type Renderer struct {
	w        io.Writer
	styled   bool
	detector *StatusDetector

	mu         sync.Mutex
	statusLine string
	streaming  bool
	text       strings.Builder
}

// NewRenderer creates a Renderer. styled enables colors and in-place
// status updates; pass IsTerminal(os.Stdout).
func NewRenderer(w io.Writer, styled bool, detector *StatusDetector) *Renderer {
	if detector == nil {
		detector = NewDefaultStatusDetector()
	}
	return &Renderer{w: w, styled: styled, detector: detector}
}

// Begin starts a new answer. prompt seeds the status detector, since
// the user's request is the best hint of what the agent is doing until
// text arrives.
func (r *Renderer) Begin(prompt string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.text.Reset()
	r.streaming = false
	r.statusLine = ""
	fmt.Fprintln(r.w, r.style(Styles.Assistant, "assistant"))
	r.showStatusLocked(r.detector.Detect(prompt))
}

// Token writes one streamed chunk.
func (r *Renderer) Token(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.streaming {
		r.clearStatusLocked()
		r.streaming = true
	}
	r.text.WriteString(text)
	fmt.Fprint(r.w, text)
}

// Finish ends the answer with an optional usage footer.
func (r *Renderer) Finish(usage *protocol.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearStatusLocked()
	if r.streaming {
		fmt.Fprintln(r.w)
	}
	if usage != nil && !usage.IsZero() {
		footer := fmt.Sprintf("%s %d prompt + %d completion tokens", IconSuccess, usage.PromptTokens, usage.CompletionTokens)
		if usage.Cost > 0 {
			footer += fmt.Sprintf(" · $%.4f", usage.Cost)
		}
		fmt.Fprintln(r.w, r.style(Styles.Muted, footer))
	}
	r.streaming = false
}

// Fail ends the answer with an error annotation. Aborts render as a
// muted note, not a failure.
func (r *Renderer) Fail(errResp *protocol.ErrorResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clearStatusLocked()
	if r.streaming {
		fmt.Fprintln(r.w)
	}
	r.streaming = false

	if errResp == nil {
		return
	}
	if errResp.Kind == protocol.ErrorAbort {
		fmt.Fprintln(r.w, r.style(Styles.Muted, "[stopped]"))
		return
	}

	line := fmt.Sprintf("%s %s: %s", IconError, errResp.Kind, errResp.Message)
	fmt.Fprintln(r.w, r.style(Styles.Error, line))
	if errResp.Retryable {
		fmt.Fprintln(r.w, r.style(Styles.Muted, "type /retry to try again"))
	}
}

// Text returns everything written through Token since Begin.
func (r *Renderer) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text.String()
}

// PrintMessage renders a stored message, used when replaying history.
func (r *Renderer) PrintMessage(role protocol.Role, content string, note string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	label := r.style(Styles.User, string(role))
	if role == protocol.RoleAssistant {
		label = r.style(Styles.Assistant, string(role))
	}
	fmt.Fprintln(r.w, label)
	fmt.Fprintln(r.w, content)
	if note != "" {
		fmt.Fprintln(r.w, r.style(Styles.Muted, note))
	}
}

// Info prints a muted informational line.
func (r *Renderer) Info(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, r.style(Styles.Muted, fmt.Sprintf(format, args...)))
}

// Warn prints a warning line.
func (r *Renderer) Warn(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.w, r.style(Styles.Warning, fmt.Sprintf("%s %s", IconWarning, fmt.Sprintf(format, args...))))
}

// Banner prints a boxed title.
func (r *Renderer) Banner(title, subtitle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.styled {
		fmt.Fprintf(r.w, "%s\n%s\n", title, subtitle)
		return
	}
	body := Styles.Title.Render(string(IconAnchor)+" "+title) + "\n" + Styles.Muted.Render(subtitle)
	fmt.Fprintln(r.w, Styles.Box.Render(body))
}

func (r *Renderer) showStatusLocked(label string) {
	if label == r.statusLine {
		return
	}
	status := fmt.Sprintf("%s %s…", IconPending, label)
	if r.styled {
		fmt.Fprint(r.w, clearLine+Styles.Muted.Render(status))
	} else {
		fmt.Fprintln(r.w, status)
	}
	r.statusLine = label
}

func (r *Renderer) clearStatusLocked() {
	if r.statusLine == "" {
		return
	}
	if r.styled {
		fmt.Fprint(r.w, clearLine)
	}
	r.statusLine = ""
}

func (r *Renderer) style(s interface{ Render(...string) string }, text string) string {
	if !r.styled {
		return text
	}
	return s.Render(text)
}
