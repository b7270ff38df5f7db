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
	"fmt"

	"github.com/AleutianAI/AleutianChat/pkg/chat"
	"github.com/AleutianAI/AleutianChat/pkg/ux"
	"github.com/spf13/cobra"
)

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether the orchestrator is reachable",
		Args:  cobra.NoArgs,
		RunE: withApp(opts, func(cmd *cobra.Command, a *app, args []string) error {
			if err := a.health.Check(cmd.Context()); err != nil {
				fmt.Fprintf(a.out, "%s offline  %s\n", ux.IconError, a.cfg.ServerURL)
				return fmt.Errorf("%w: %v", chat.ErrBackendOffline, err)
			}
			fmt.Fprintf(a.out, "%s online   %s\n", ux.IconSuccess, a.cfg.ServerURL)
			return nil
		}),
	}
}
