// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldProjectID = "project_id"
	FieldSocketID  = "socket_id"
	FieldClientID  = "client_id"
	FieldUserID    = "user_id"
	FieldEventID   = "event_id"
	FieldRequestID = "request_id"

	// Process fields
	FieldComponent = "component"
	FieldAction    = "action"

	// Collaboration fields
	FieldSeq          = "seq"
	FieldEventType    = "event_type"
	FieldResourceType = "resource_type"
	FieldResourceID   = "resource_id"
	FieldPluginID     = "plugin_id"
	FieldReason       = "reason"
	FieldCode         = "code"
)
