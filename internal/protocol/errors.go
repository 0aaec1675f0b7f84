package protocol

import "fmt"

// Error codes surfaced to clients in error frames. All of them are
// recoverable; the connection stays open.
const (
	CodeInvalidMessage  = "invalid_message"
	CodeSessionNotFound = "session_not_found"
	CodeSessionFull     = "session_full"
	CodeNotInSession    = "not_in_session"
	CodeNotOwner        = "not_owner"
	CodeTargetNotFound  = "target_not_found"
	CodeRateLimited     = "rate_limited"
	CodeChatRateLimited = "chat_rate_limited"
	CodeSampleLimit     = "sample_limit_exceeded"
	CodeSampleTooLarge  = "sample_too_large"
	CodeInvalidBase64   = "invalid_base64"
	CodePayloadTooLarge = "payload_too_large"
)

// Error is a protocol-visible failure. Code maps directly onto the
// error frame sent back to the offending client.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
