// Package apperr defines the error taxonomy shared by the presence, relation
// and channel subsystems.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error by how the caller should react to it.
type Kind int

const (
	KindUnavailable Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindForbidden
	KindInvalidTransition
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindInvalidTransition:
		return "invalid_transition"
	default:
		return "unavailable"
	}
}

// Error is a classified error. Code is stable and safe to show to clients.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so that a wrapped or re-created error still compares
// equal to the sentinel it was derived from.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// With returns a copy of e carrying a more specific message.
func (e *Error) With(msg string) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: msg, Err: e.Err}
}

func newErr(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrBadRequest        = newErr(KindValidation, "bad_request", "malformed request")
	ErrSelfReference     = newErr(KindValidation, "self_reference", "cannot target yourself")
	ErrMessageTooLong    = newErr(KindValidation, "message_too_long", "message too long")
	ErrAlreadyFriended   = newErr(KindConflict, "already_friended", "already friended")
	ErrAlreadyBlocked    = newErr(KindConflict, "already_blocked", "already blocked")
	ErrAlreadyMember     = newErr(KindConflict, "already_member", "already a member of this channel")
	ErrNotFoundRelation  = newErr(KindNotFound, "not_found_relation", "no such relation")
	ErrChannelNotFound   = newErr(KindNotFound, "channel_not_found", "channel not found")
	ErrUserNotFound      = newErr(KindNotFound, "user_not_found", "user not found")
	ErrGameNotFound      = newErr(KindNotFound, "game_not_found", "game not found")
	ErrNotMember         = newErr(KindNotFound, "not_member", "not a member of this channel")
	ErrNotBanned         = newErr(KindNotFound, "not_banned", "user is not banned")
	ErrForbidden         = newErr(KindForbidden, "forbidden", "not allowed")
	ErrBanned            = newErr(KindForbidden, "banned", "banned from channel")
	ErrMuted             = newErr(KindForbidden, "muted", "muted in this channel")
	ErrWrongPassword     = newErr(KindForbidden, "wrong_password", "wrong channel password")
	ErrDmUnavailable     = newErr(KindForbidden, "dm_unavailable", "cannot open a direct message with this user")
	ErrInvalidTransition = newErr(KindInvalidTransition, "invalid_transition", "action not available in current state")
	ErrUnavailable       = newErr(KindUnavailable, "unavailable", "service temporarily unavailable")
	ErrRateLimited       = newErr(KindValidation, "rate_limited", "too many requests")
)

// Unavailable wraps a persistence or transport failure.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return err
	}
	return &Error{Kind: KindUnavailable, Code: ErrUnavailable.Code, Message: ErrUnavailable.Message, Err: err}
}

// KindOf classifies err. Unclassified errors are treated as Unavailable.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnavailable
}

// CodeOf returns the client-facing code for err.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ErrUnavailable.Code
}

// MessageOf returns the client-facing message for err. Wrapped causes are
// never exposed.
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return ErrUnavailable.Message
}

// HTTPStatus maps err to the status code REST handlers reply with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict, KindInvalidTransition:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}
