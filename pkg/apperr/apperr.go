// Package apperr carries the error taxonomy shared by the store, the chat
// service and both transports. Codes are stable strings that go on the wire;
// HTTP statuses are attached here so handlers map errors in one place.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Error struct {
	Code    string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches by code so errors.Is(err, apperr.ErrNotSender) works on
// wrapped copies.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// Wrap returns a copy of e carrying err as the cause.
func (e *Error) Wrap(err error) *Error {
	return &Error{Code: e.Code, Status: e.Status, Message: e.Message, Err: err}
}

func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

var (
	ErrConversationNotFound     = New("conversation_not_found", http.StatusNotFound, "conversation does not exist")
	ErrParticipantNotAuthorized = New("participant_not_authorized", http.StatusForbidden, "actor is not a participant of this conversation")
	ErrMessageNotFound          = New("message_not_found", http.StatusNotFound, "message does not exist")
	ErrNotSender                = New("not_sender", http.StatusForbidden, "only the original sender may modify a message")
	ErrConversationClosed       = New("conversation_closed", http.StatusConflict, "conversation has been closed")
	ErrAlreadyDeleted           = New("already_deleted", http.StatusConflict, "message has been deleted")
	ErrStaleCursor              = New("stale_cursor", http.StatusGone, "pagination cursor no longer resolves")
	ErrRateLimited              = New("rate_limited", http.StatusTooManyRequests, "too many requests")
	ErrChannelUnavailable       = New("channel_unavailable", http.StatusServiceUnavailable, "realtime channel is not connected")
	ErrInvalid                  = New("invalid_request", http.StatusBadRequest, "request is malformed")
	ErrInternal                 = New("internal", http.StatusInternalServerError, "internal error")
)

// CodeOf extracts the wire code from any error, defaulting to internal.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrInternal.Code
}

// StatusOf extracts the HTTP status from any error, defaulting to 500.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return http.StatusInternalServerError
}

// MessageOf returns the user-safe message for any error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ErrInternal.Message
}
