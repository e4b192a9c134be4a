// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldRequestID = "request_id"
	FieldCameraID  = "camera_id"
	FieldSceneID   = "scene_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldPipeline  = "pipeline"

	// Media fields
	FieldCodec      = "codec"
	FieldResolution = "resolution"
	FieldEncoder    = "encoder"
	FieldDevice     = "device"
	FieldStreamPath = "stream_path"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldMode     = "mode"

	// Path fields
	FieldPath = "path"
)
