// Copyright (c) 2026 Tiltfactory, Inc.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package mesherrors

import (
	"fmt"
	"strings"
)

// Code represents the type of error for an RPC or cluster operation.
type Code int

const (
	// CodeOK means no error; returned on success.
	CodeOK Code = iota

	// CodeUnknown means an unknown error. Errors raised by APIs that do not
	// return enough error information may be converted to this error.
	CodeUnknown

	// CodeInitialization means the node could not be constructed or started.
	// It aborts startup and is never returned by a post-start operation.
	CodeInitialization

	// CodeDirectoryUnavailable means the service directory backend could not
	// be reached. After a successful start this degrades the node to
	// stale-cache operation rather than failing it.
	CodeDirectoryUnavailable

	// CodeConnectionError means the message bus connection is unavailable,
	// either transiently (reconnecting) or permanently (reconnection budget
	// exhausted).
	CodeConnectionError

	// CodeTimeout means an outbound request was not answered before its
	// deadline expired.
	CodeTimeout

	// CodeNoServerFound means the requested target server is not present in
	// the registry.
	CodeNoServerFound

	// CodeRemoteError means the remote handler answered with an error. The
	// remote's own code is preserved in the Status name.
	CodeRemoteError

	// CodeBusy means the target server is at its inbound RPC capacity and
	// rejected the request without running a handler.
	CodeBusy

	// CodeProtocolViolation means a peer or handler broke the RPC contract,
	// for example by responding to the same request twice.
	CodeProtocolViolation

	// CodeInternal means an invariant of the runtime itself was broken.
	CodeInternal
)

var (
	_codeToString = map[Code]string{
		CodeOK:                   "OK",
		CodeUnknown:              "UNKNOWN",
		CodeInitialization:       "INITIALIZATION_ERROR",
		CodeDirectoryUnavailable: "DIRECTORY_UNAVAILABLE",
		CodeConnectionError:      "CONNECTION_ERROR",
		CodeTimeout:              "TIMEOUT",
		CodeNoServerFound:        "NO_SERVER_FOUND",
		CodeRemoteError:          "REMOTE_ERROR",
		CodeBusy:                 "BUSY",
		CodeProtocolViolation:    "PROTOCOL_VIOLATION",
		CodeInternal:             "INTERNAL_ERROR",
	}
	_stringToCode = map[string]Code{
		"OK":                    CodeOK,
		"UNKNOWN":               CodeUnknown,
		"INITIALIZATION_ERROR":  CodeInitialization,
		"DIRECTORY_UNAVAILABLE": CodeDirectoryUnavailable,
		"CONNECTION_ERROR":      CodeConnectionError,
		"TIMEOUT":               CodeTimeout,
		"NO_SERVER_FOUND":       CodeNoServerFound,
		"REMOTE_ERROR":          CodeRemoteError,
		"BUSY":                  CodeBusy,
		"PROTOCOL_VIOLATION":    CodeProtocolViolation,
		"INTERNAL_ERROR":        CodeInternal,
	}
)

// String returns the stable string representation of the Code, for example
// "CONNECTION_ERROR". These strings cross the wire and the embedding
// boundary and must never change for an existing Code.
func (c Code) String() string {
	s, ok := _codeToString[c]
	if !ok {
		return fmt.Sprintf("%d", int(c))
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (c Code) MarshalText() ([]byte, error) {
	s, ok := _codeToString[c]
	if !ok {
		return nil, fmt.Errorf("unknown code: %d", int(c))
	}
	return []byte(s), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Code) UnmarshalText(text []byte) error {
	i, ok := _stringToCode[strings.ToUpper(string(text))]
	if !ok {
		return fmt.Errorf("unknown code string: %s", string(text))
	}
	*c = i
	return nil
}

// CodeFromString returns the Code for the given stable string form, and
// whether the string named a known Code at all.
func CodeFromString(s string) (Code, bool) {
	c, ok := _stringToCode[strings.ToUpper(s)]
	return c, ok
}
