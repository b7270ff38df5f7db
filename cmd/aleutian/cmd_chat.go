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
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// maxHistory bounds the REPL's up-arrow history.
const maxHistory = 100

func newChatCmd(opts *rootOptions) *cobra.Command {
	var (
		newSession bool
		sessionRef string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := selectSession(a, newSession, sessionRef); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := a.health.Check(ctx); err != nil {
				a.renderer.Warn("server at %s is not reachable: %v", a.cfg.ServerURL, err)
			}
			go a.health.Run(ctx)

			interrupts := opts.appOpts.interrupts
			if interrupts == nil {
				interrupts = notifyInterrupts
			}
			runner := NewChatRunner(a, NewInputReader(a.in, a.out, maxHistory), interrupts)
			return runner.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&newSession, "new", false, "start a new session")
	cmd.Flags().StringVar(&sessionRef, "session", "", "resume a session by id or unique prefix")
	return cmd
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	var (
		newSession bool
		sessionRef string
		files      []string
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question and print the answer",
		Long: `Ask sends one message in the active session (or a new one with --new)
and streams the answer. Without arguments the question is read from stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" && !isInteractive(cmd.InOrStdin()) {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read question: %w", err)
				}
				question = strings.TrimSpace(string(data))
			}

			draft := chat.Draft{Text: question}
			for _, path := range files {
				att, err := readAttachment(path)
				if err != nil {
					return err
				}
				draft.Attachments = append(draft.Attachments, att)
			}

			a, err := opts.openApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := selectSession(a, newSession, sessionRef); err != nil {
				return err
			}
			if err := a.health.Check(cmd.Context()); err != nil {
				return fmt.Errorf("%w: %v", chat.ErrBackendOffline, err)
			}

			interrupts := opts.appOpts.interrupts
			if interrupts == nil {
				interrupts = notifyInterrupts
			}
			_, failure, err := streamTurn(cmd.Context(), a, question, interrupts,
				func(ctx context.Context, l ux.DecodeHandlers) (*chat.Turn, error) {
					return a.controller.Send(ctx, draft, l)
				})
			if err != nil {
				return err
			}
			if failure != nil {
				return failure
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&newSession, "new", false, "ask in a new session")
	cmd.Flags().StringVar(&sessionRef, "session", "", "ask in a session by id or unique prefix")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "attach a file (repeatable)")
	return cmd
}

// selectSession applies --new / --session.
func selectSession(a *app, newSession bool, ref string) error {
	if newSession && ref != "" {
		return fmt.Errorf("--new and --session cannot be combined")
	}
	if newSession {
		a.controller.NewSession()
		return nil
	}
	if ref == "" {
		return nil
	}
	id, err := a.controller.ResolveSession(ref)
	if err != nil {
		return err
	}
	return a.controller.SelectSession(id)
}

// isInteractive reports whether r is a terminal.
func isInteractive(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
