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
	"log/slog"
)

// BuiltinConfig selects and configures the built-in tools.
type BuiltinConfig struct {
	// Root is the workspace directory all paths are confined to.
	Root string

	// DisableWrite omits write_file.
	DisableWrite bool

	// DisableCommands omits run_command.
	DisableCommands bool

	// MaxOutputBytes is the executor's output cap. read_file keeps its
	// own truncation below it. Zero uses the executor default.
	MaxOutputBytes int

	Command CommandOptions
}

// Builtin creates a registry holding read_file, write_file,
// list_directory, search_files and run_command, minus any disabled ones.
func Builtin(cfg BuiltinConfig) (*Registry, error) {
	ws, err := NewWorkspace(cfg.Root)
	if err != nil {
		return nil, err
	}

	registry := NewRegistry()
	registry.Register(
		ReadFile(ws, cfg.MaxOutputBytes),
		ListDirectory(ws),
		SearchFiles(ws),
	)
	if !cfg.DisableWrite {
		registry.Register(WriteFile(ws))
	}
	if !cfg.DisableCommands {
		registry.Register(RunCommand(ws, cfg.Command))
	}

	slog.Info("tool registry ready",
		"workspace", ws.Root(),
		"tools", registry.Names(),
	)
	return registry, nil
}
