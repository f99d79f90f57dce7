// Copyright ©2020 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package neighbourerr defines the error kinds surfaced across the
// neighbour core so that callers can branch on machine-readable kind
// rather than string-matching messages.
package neighbourerr

import (
	"errors"
	"fmt"
)

// Kind is a machine-readable error category.
type Kind int

const (
	// InputRejected covers length mismatches, disallowed symbols and
	// unknown guids on lookup.
	InputRejected Kind = iota
	// InvalidSequence marks a sequence accepted but above the N-density
	// threshold; it is stored as invalid and never compared.
	InvalidSequence
	// StateConflict covers guid collisions with differing content and
	// configuration drift on startup.
	StateConflict
	// IntegrityError marks store corruption, such as a Patched record
	// referencing an unknown consensus.
	IntegrityError
	// TransientBackend marks durable-store connectivity failure.
	TransientBackend
	// PolicyMiss marks a request against an unconfigured clustering
	// policy.
	PolicyMiss
)

func (k Kind) String() string {
	switch k {
	case InputRejected:
		return "InputRejected"
	case InvalidSequence:
		return "InvalidSequence"
	case StateConflict:
		return "StateConflict"
	case IntegrityError:
		return "IntegrityError"
	case TransientBackend:
		return "TransientBackend"
	case PolicyMiss:
		return "PolicyMiss"
	default:
		return "Unknown"
	}
}

// Error is a neighbour core error carrying a Kind alongside the
// underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error of the given kind with a formatted message.
func New(k Kind, format string, args ...interface{}) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind wrapping err.
func Wrap(k Kind, err error, format string, args ...interface{}) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err is a neighbour error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// KindOf returns the Kind of err if it is a neighbour error, and ok=false
// otherwise.
func KindOf(err error) (k Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
