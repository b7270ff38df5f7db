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
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/protocol"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

const sessionTimeLayout = "2006-01-02 15:04"

// errNotConfirmed is returned when a destructive action is declined.
var errNotConfirmed = errors.New("cancelled")

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session", "s"},
		Short:   "Manage saved chat sessions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			printSessions(a.out, a.controller.Sessions())
			return nil
		}),
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a session's messages",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			s, err := resolveSession(a, args[0])
			if err != nil {
				return err
			}
			a.renderer.Info("%s · %s · updated %s", shortID(s.ID), s.Title, s.UpdatedAt.Local().Format(sessionTimeLayout))
			for _, m := range s.Messages {
				a.renderer.PrintMessage(m.Role, m.Content, messageNote(m))
			}
			return nil
		}),
	}

	var (
		exportFormat string
		exportOutput string
	)
	exportCmd := &cobra.Command{
		Use:   "export <id>",
		Short: "Export a session as text, markdown or json",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			s, err := resolveSession(a, args[0])
			if err != nil {
				return err
			}
			if exportOutput == "-" {
				format, err := chat.ParseExportFormat(exportFormat)
				if err != nil {
					return err
				}
				data, err := chat.Export(s, format)
				if err != nil {
					return err
				}
				_, err = a.out.Write(data)
				return err
			}
			dir := exportOutput
			if dir == "" {
				dir = a.cfg.ExportDir
			}
			path, err := exportSession(s, exportFormat, dir, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, path)
			return nil
		}),
	}
	exportCmd.Flags().StringVar(&exportFormat, "format", "markdown", "text, markdown or json")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "directory for the file, or - for stdout")

	renameCmd := &cobra.Command{
		Use:   "rename <id> <title>",
		Short: "Rename a session",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			id, err := a.controller.ResolveSession(args[0])
			if err != nil {
				return err
			}
			title := strings.Join(args[1:], " ")
			if err := a.controller.RenameSession(id, title); err != nil {
				return err
			}
			a.renderer.Info("renamed %s to %q", shortID(id), strings.TrimSpace(title))
			return nil
		}),
	}

	useCmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Make a session the active one",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			id, err := a.controller.ResolveSession(args[0])
			if err != nil {
				return err
			}
			return a.controller.SelectSession(id)
		}),
	}

	var assumeYes bool
	deleteCmd := &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a session",
		Args:    cobra.ExactArgs(1),
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			s, err := resolveSession(a, args[0])
			if err != nil {
				return err
			}
			if !assumeYes {
				if !isInteractive(a.in) {
					return errors.New("refusing to delete without --yes when stdin is not a terminal")
				}
				ok, err := confirm(fmt.Sprintf("Delete %q (%d messages)?", s.Title, len(s.Messages)))
				if err != nil {
					return err
				}
				if !ok {
					return errNotConfirmed
				}
			}
			if err := a.controller.DeleteSession(s.ID); err != nil {
				return err
			}
			a.renderer.Info("deleted %s", shortID(s.ID))
			return nil
		}),
	}
	deleteCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "do not ask for confirmation")

	cmd.AddCommand(listCmd, showCmd, exportCmd, renameCmd, useCmd, deleteCmd)
	return cmd
}

// withApp opens the app around a command body.
func withApp(opts *rootOptions, fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := opts.openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

func resolveSession(a *app, ref string) (*chat.Session, error) {
	id, err := a.controller.ResolveSession(ref)
	if err != nil {
		return nil, err
	}
	return a.controller.Session(id)
}

// confirm asks a yes/no question on the terminal.
func confirm(title string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Delete").
		Negative("Keep").
		Value(&ok).
		Run()
	if err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

// printSessions writes one row per session. The active one is starred.
func printSessions(w io.Writer, sessions []chat.SessionSummary) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "no sessions")
		return
	}
	for _, s := range sessions {
		marker := " "
		if s.Active {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %-8s  %-16s  %4d msgs  %s\n",
			marker, shortID(s.ID), s.UpdatedAt.Local().Format(sessionTimeLayout), s.MessageCount, s.Title)
	}
}

// printUsage writes the accumulated totals.
func printUsage(w io.Writer, u protocol.Usage) {
	fmt.Fprintf(w, "prompt tokens:     %d\n", u.PromptTokens)
	fmt.Fprintf(w, "completion tokens: %d\n", u.CompletionTokens)
	fmt.Fprintf(w, "total tokens:      %d\n", u.PromptTokens+u.CompletionTokens)
	fmt.Fprintf(w, "cost:              $%.4f\n", u.Cost)
}
