// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import "errors"

// Sentinel errors for the agent package.
var (
	// ErrMaxStepsExceeded indicates the tool-round budget was used up. It is
	// reported on Result.StopReason, never returned from Run.
	ErrMaxStepsExceeded = errors.New("maximum steps exceeded")

	// ErrModelFailed wraps failures of the chat model call.
	ErrModelFailed = errors.New("chat model call failed")

	// ErrEmptyConversation indicates Run was called without any user turn.
	ErrEmptyConversation = errors.New("conversation must contain a user message")

	// ErrCanceled indicates the run was canceled via context.
	ErrCanceled = errors.New("operation canceled")
)
