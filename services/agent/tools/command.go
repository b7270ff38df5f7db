// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/samber/lo"
	"golang.org/x/sync/semaphore"
)

// ErrCommandNotAllowed is returned for programs outside the allowlist.
var ErrCommandNotAllowed = errors.New("command is not allowed")

// RunCommandInput is the input of run_command.
type RunCommandInput struct {
	Command string   `json:"command" description:"Program to run, looked up on PATH. No shell is involved." validate:"required,max=256"`
	Args    []string `json:"args,omitempty" description:"Arguments passed to the program" validate:"max=64,dive,max=4096"`
	Dir     string   `json:"dir,omitempty" description:"Working directory relative to the workspace root"`
}

// CommandOptions configures run_command.
type CommandOptions struct {
	// Timeout bounds one command.
	Timeout time.Duration

	// MaxOutputBytes caps captured stdout+stderr.
	MaxOutputBytes int

	// MaxConcurrent bounds processes running at once across requests.
	MaxConcurrent int64

	// Allowed lists permitted program base names. Empty allows any.
	Allowed []string
}

type commandTool struct {
	ws   *Workspace
	opts CommandOptions
	sem  *semaphore.Weighted
}

// RunCommand returns the run_command tool.
func RunCommand(ws *Workspace, opts CommandOptions) Tool {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = 32 * 1024
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	ct := &commandTool{ws: ws, opts: opts, sem: semaphore.NewWeighted(opts.MaxConcurrent)}

	desc := "Run a program in the workspace and return its exit code and combined output."
	if len(opts.Allowed) > 0 {
		desc += " Allowed programs: " + strings.Join(opts.Allowed, ", ") + "."
	}
	return MustNew("run_command", desc, ct.run, WithTimeout(opts.Timeout), WithSideEffects())
}

func (c *commandTool) run(ctx context.Context, in RunCommandInput) (string, error) {
	if len(c.opts.Allowed) > 0 && !lo.Contains(c.opts.Allowed, filepath.Base(in.Command)) {
		return "", fmt.Errorf("%w: %s", ErrCommandNotAllowed, in.Command)
	}
	if strings.ContainsRune(in.Command, filepath.Separator) {
		return "", fmt.Errorf("%w: %s must be a program name, not a path", ErrCommandNotAllowed, in.Command)
	}
	dir, err := c.ws.Resolve(in.Dir)
	if err != nil {
		return "", err
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.sem.Release(1)

	out := &limitedBuffer{max: c.opts.MaxOutputBytes}
	cmd := exec.CommandContext(ctx, in.Command, in.Args...)
	cmd.Dir = dir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second

	err = cmd.Run()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", err
		}
		exitCode = exitErr.ExitCode()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "exit code: %d\n", exitCode)
	b.WriteString(out.String())
	if out.truncated {
		b.WriteString(truncationNotice)
	}
	return b.String(), nil
}

// limitedBuffer keeps the first max bytes written and discards the rest.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	room := l.max - len(l.buf)
	if room <= 0 {
		l.truncated = l.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		// Cut on a rune boundary.
		for room > 0 && !utf8.RuneStart(p[room]) {
			room--
		}
		l.buf = append(l.buf, p[:room]...)
		l.max = len(l.buf)
		l.truncated = true
		return len(p), nil
	}
	l.buf = append(l.buf, p...)
	return len(p), nil
}

func (l *limitedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return string(l.buf)
}
