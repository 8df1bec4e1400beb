// SPDX-License-Identifier: MIT

package protocol

import "fmt"

// ErrorCode is a client-visible error string. The set is closed: clients
// switch on these values, so keep them stable.
type ErrorCode string

const (
	// Handshake-fatal codes; the channel is closed with status 4001.
	CodeNoToken         ErrorCode = "NO_TOKEN"
	CodeBadToken        ErrorCode = "BAD_TOKEN"
	CodeProjectNotFound ErrorCode = "PROJECT_NOT_FOUND"
	CodeNotCollaborator ErrorCode = "NOT_A_COLLABORATOR"

	// In-session codes; reported as error frames, the channel stays open.
	CodeInvalidMessage        ErrorCode = "INVALID_MESSAGE"
	CodeParseError            ErrorCode = "PARSE_ERROR"
	CodeValidationError       ErrorCode = "VALIDATION_ERROR"
	CodeUnknownMessageType    ErrorCode = "UNKNOWN_MESSAGE_TYPE"
	CodeUnknownPresenceAction ErrorCode = "UNKNOWN_PRESENCE_ACTION"
	CodeUnknownLockAction     ErrorCode = "UNKNOWN_LOCK_ACTION"
	CodeInvalidPayload        ErrorCode = "INVALID_PAYLOAD"
	CodeProjectMismatch       ErrorCode = "PROJECT_MISMATCH"
	CodeActorMismatch         ErrorCode = "ACTOR_MISMATCH"
	CodeForbidden             ErrorCode = "FORBIDDEN"
	CodeConflict              ErrorCode = "CONFLICT"
	CodeRateLimited           ErrorCode = "RATE_LIMITED"
	CodeNotImplemented        ErrorCode = "NOT_IMPLEMENTED"
	CodeProcessingError       ErrorCode = "PROCESSING_ERROR"
)

// Error is a typed protocol failure carrying a client-visible code. EventID
// is set when the failure can be attributed to a specific submitted event.
type Error struct {
	Code    ErrorCode
	Message string
	EventID string
}

func (e *Error) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("%s: %s (event %s)", e.Code, e.Message, e.EventID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a protocol error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// EventErrorf builds a protocol error attributed to an event.
func EventErrorf(code ErrorCode, eventID, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), EventID: eventID}
}
