// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldClientID  = "client_id"
	FieldUDID      = "udid"
	FieldBundleID  = "bundle_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldCommand   = "command"
	FieldExitCode  = "exit_code"

	// Media / stream fields
	FieldQuality = "quality"
	FieldFPS     = "fps"
	FieldMethod  = "method"
	FieldFrames  = "frames"
	FieldDropped = "dropped"

	// Connection fields
	FieldKind   = "kind"
	FieldSource = "source"
)
