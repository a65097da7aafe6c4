package engine

import (
	"errors"
	"fmt"
	"strings"
)

// TransportError marks a connectivity-level failure, as opposed to an
// application-level error returned by the engine. The pool retries
// operations that fail with a transport fault; everything else propagates
// to the caller unchanged.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// transportPhrases recognizes transport faults reported by collaborators
// that do not wrap *TransportError, by matching known failure messages.
var transportPhrases = []string{
	"socket closed",
	"connection reset",
	"connection refused",
	"broken pipe",
	"transport failure",
	"link failure",
	"use of closed network connection",
	"unexpected eof",
}

// IsTransportFault reports whether err is a connectivity-level failure.
func IsTransportFault(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range transportPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// ReconnectExhaustedError is returned when the bounded reconnect loop runs
// out of attempts without producing a connection. It is the only error the
// pool constructs itself; all others are surfaced from the failing
// operation or collaborator.
type ReconnectExhaustedError struct {
	ResourceID string
	Attempts   int
}

func (e *ReconnectExhaustedError) Error() string {
	return fmt.Sprintf("reconnect exhausted for resource %s after %d attempts", e.ResourceID, e.Attempts)
}
