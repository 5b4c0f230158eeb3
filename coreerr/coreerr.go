// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package coreerr defines the error kinds surfaced across the CoAP/DTLS/OIC core.
package coreerr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds the core can surface, per spec §7.
type Kind int

const (
	InvalidArgument Kind = iota
	OutOfMemory
	BufferTooSmall
	NoMatch
	NotConnected
	QueueFull
	Timeout
	ProtocolError
	SecurityFailure
	Unsupported
	IoError
)

func (k Kind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case OutOfMemory:
		return "out_of_memory"
	case BufferTooSmall:
		return "buffer_too_small"
	case NoMatch:
		return "no_match"
	case NotConnected:
		return "not_connected"
	case QueueFull:
		return "queue_full"
	case Timeout:
		return "timeout"
	case ProtocolError:
		return "protocol_error"
	case SecurityFailure:
		return "security_failure"
	case Unsupported:
		return "unsupported"
	case IoError:
		return "io_error"
	default:
		return "unknown"
	}
}

// Error wraps a Kind with a message and, optionally, an underlying cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, v ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, v...)}
}

// Wrap annotates an existing error with a Kind.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind carried by err, if any, and whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
