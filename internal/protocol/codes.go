package protocol

import (
	"fmt"
	"strconv"
)

// CloseCode is an application-level websocket close code. All codes live in
// the 4000-4999 range reserved for applications. Clients branch on the
// integer; the reason string is for humans.
type CloseCode int

const (
	CloseInternalError          CloseCode = 4000
	CloseAuthenticationError    CloseCode = 4001
	CloseDecodeError            CloseCode = 4002
	CloseSessionTimedOut        CloseCode = 4003
	CloseNotAuthenticated       CloseCode = 4004
	CloseAuthenticationTimedOut CloseCode = 4005
	CloseAlreadyAuthenticated   CloseCode = 4006
	CloseInvalidAuthCombination CloseCode = 4007
	CloseReconnect              CloseCode = 4008
	CloseAlreadySubscribed      CloseCode = 4009
	CloseNotSubscribed          CloseCode = 4010
)

var closeReasons = map[CloseCode]string{
	CloseInternalError:          "internal server error",
	CloseAuthenticationError:    "authentication failed",
	CloseDecodeError:            "malformed frame",
	CloseSessionTimedOut:        "session timed out",
	CloseNotAuthenticated:       "not authenticated",
	CloseAuthenticationTimedOut: "authentication timed out",
	CloseAlreadyAuthenticated:   "already authenticated",
	CloseInvalidAuthCombination: "provide either a key or a token, not both",
	CloseReconnect:              "reconnect",
	CloseAlreadySubscribed:      "already subscribed to channel",
	CloseNotSubscribed:          "not subscribed to channel",
}

// Label returns the code as a string, for metric labels.
func (c CloseCode) Label() string {
	return strconv.Itoa(int(c))
}

// Reason returns the human-readable string for the code.
func (c CloseCode) Reason() string {
	if r, ok := closeReasons[c]; ok {
		return r
	}
	return "unknown"
}

// CloseError carries a close code plus an optional more specific reason.
// A nil *CloseError means the operation succeeded.
type CloseError struct {
	Code   CloseCode
	Detail string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("close %d: %s", e.Code, e.Reason())
}

// Reason prefers the specific detail over the code's generic string.
func (e *CloseError) Reason() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Code.Reason()
}

// NewCloseError builds a CloseError with the code's default reason.
func NewCloseError(code CloseCode) *CloseError {
	return &CloseError{Code: code}
}

// NewCloseErrorf builds a CloseError with a specific reason.
func NewCloseErrorf(code CloseCode, format string, args ...any) *CloseError {
	return &CloseError{Code: code, Detail: fmt.Sprintf(format, args...)}
}
