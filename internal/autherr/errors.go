// Package autherr defines the error kinds shared by the login flow, the token chain and the
// HTTP boundary, along with a tagged result type threaded through each token exchange hop.
package autherr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindInvalidState
	KindUpstreamAuth
	KindPlatformAuth
	KindNetwork
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindDuplicate
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindInvalidState:
		return "invalid_state"
	case KindUpstreamAuth:
		return "upstream_auth"
	case KindPlatformAuth:
		return "platform_auth"
	case KindNetwork:
		return "network"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindNotFound:
		return "not_found"
	case KindDuplicate:
		return "duplicate"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Hop names the exchange step that failed, if any.
type Error struct {
	Kind Kind
	Hop  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Hop != "" {
		msg = fmt.Sprintf("%s at %s", msg, e.Hop)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Hop == "" || t.Hop == e.Hop)
}

var (
	ErrInvalidState = &Error{Kind: KindInvalidState}
	ErrUpstreamAuth = &Error{Kind: KindUpstreamAuth}
	ErrPlatformAuth = &Error{Kind: KindPlatformAuth}
	ErrNetwork      = &Error{Kind: KindNetwork}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
	ErrForbidden    = &Error{Kind: KindForbidden}
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrDuplicate    = &Error{Kind: KindDuplicate}
	ErrValidation   = &Error{Kind: KindValidation}
)

func New(kind Kind, hop string, err error) *Error {
	return &Error{Kind: kind, Hop: hop, Err: err}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// HopOf reports the hop of the first *Error in err's chain that names one.
func HopOf(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Hop != "" {
			return e.Hop
		}
		err = e.Err
	}
	return ""
}

// Status maps an error to the HTTP status the boundary responds with.
func Status(err error) int {
	switch KindOf(err) {
	case KindInvalidState, KindUpstreamAuth:
		return http.StatusBadRequest
	case KindPlatformAuth:
		return http.StatusServiceUnavailable
	case KindNetwork:
		return http.StatusBadGateway
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicate:
		return http.StatusConflict
	case KindValidation:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Message is the user-facing text for an error. It never includes upstream detail.
func Message(err error) string {
	switch KindOf(err) {
	case KindInvalidState:
		return "Invalid login state"
	case KindUpstreamAuth:
		return "Login was rejected, please try again"
	case KindPlatformAuth, KindNetwork:
		return "Platform session unavailable, please log in again"
	case KindUnauthorized:
		return "Unauthorized"
	case KindForbidden:
		return "Forbidden"
	case KindNotFound:
		return "Not Found"
	case KindDuplicate:
		return "Duplicate Entity"
	case KindValidation:
		return "Validation Error"
	default:
		return "Unknown Error"
	}
}
