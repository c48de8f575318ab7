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

// Package mesherrors carries the symbolic error surface of the cluster node.
//
// Every fallible operation exposed by the node yields either a result or a
// *Status: a stable string Code plus a human-readable message. Message text
// is never truncated when a Status crosses the wire or the embedding
// boundary.
package mesherrors

import (
	"bytes"
	"errors"
	"fmt"
)

// Status represents a cluster-node error.
type Status struct {
	code Code
	name string
	err  error
}

// Newf returns a new Status.
//
// The Code should never be CodeOK, if it is, this will return nil.
func Newf(code Code, format string, args ...interface{}) *Status {
	if code == CodeOK {
		return nil
	}
	var err error
	if len(args) == 0 {
		err = errors.New(format)
	} else {
		err = fmt.Errorf(format, args...)
	}
	return &Status{
		code: code,
		err:  err,
	}
}

type statusError interface {
	MeshStatus() *Status
}

// FromError returns the Status for the provided error.
//
// If the error:
//   - is nil, return nil
//   - is a 'Status', return the 'Status'
//   - has a 'MeshStatus() *Status' method, return that 'Status'
//
// Otherwise, return a wrapped error with code 'CodeUnknown'.
func FromError(err error) *Status {
	if err == nil {
		return nil
	}
	if st, ok := fromError(err); ok {
		return st
	}
	return &Status{
		code: CodeUnknown,
		err:  &wrapError{err: err},
	}
}

func fromError(err error) (st *Status, ok bool) {
	if errors.As(err, &st) {
		return st, true
	}
	var serr statusError
	if errors.As(err, &serr) {
		return serr.MeshStatus(), true
	}
	return nil, false
}

// IsStatus returns whether the provided error is a Status, or wraps one.
// This is false if the error is nil.
func IsStatus(err error) bool {
	_, ok := fromError(err)
	return ok
}

// WithName returns a new Status with the given name. Names carry remote
// error codes verbatim across the wire without collapsing them into the
// local Code set.
func (s *Status) WithName(name string) *Status {
	if s == nil {
		return nil
	}
	return &Status{
		code: s.code,
		name: name,
		err:  s.err,
	}
}

// Code returns the error code of the Status. CodeOK for nil.
func (s *Status) Code() Code {
	if s == nil {
		return CodeOK
	}
	return s.code
}

// Name returns the name of the Status, or "" if no name was set.
func (s *Status) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// Message returns the error message of the Status.
func (s *Status) Message() string {
	if s == nil {
		return ""
	}
	return s.err.Error()
}

// Error implements the error interface.
func (s *Status) Error() string {
	buffer := bytes.NewBuffer(nil)
	_, _ = buffer.WriteString(`code:`)
	_, _ = buffer.WriteString(s.code.String())
	if s.name != "" {
		_, _ = buffer.WriteString(` name:`)
		_, _ = buffer.WriteString(s.name)
	}
	if s.err != nil && s.err.Error() != "" {
		_, _ = buffer.WriteString(` message:`)
		_, _ = buffer.WriteString(s.err.Error())
	}
	return buffer.String()
}

// Unwrap supports errors.Unwrap.
func (s *Status) Unwrap() error {
	if s == nil {
		return nil
	}
	return errors.Unwrap(s.err)
}

// wrapError does nothing except wrap the given error, so that FromError and
// Newf produce Statuses with consistent Unwrap behavior.
type wrapError struct {
	err error
}

func (e *wrapError) Error() string {
	if e == nil || e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *wrapError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// InitializationErrorf returns a new Status with code CodeInitialization.
func InitializationErrorf(format string, args ...interface{}) *Status {
	return Newf(CodeInitialization, format, args...)
}

// DirectoryUnavailableErrorf returns a new Status with code
// CodeDirectoryUnavailable.
func DirectoryUnavailableErrorf(format string, args ...interface{}) *Status {
	return Newf(CodeDirectoryUnavailable, format, args...)
}

// ConnectionErrorf returns a new Status with code CodeConnectionError.
func ConnectionErrorf(format string, args ...interface{}) *Status {
	return Newf(CodeConnectionError, format, args...)
}

// TimeoutErrorf returns a new Status with code CodeTimeout.
func TimeoutErrorf(format string, args ...interface{}) *Status {
	return Newf(CodeTimeout, format, args...)
}

// NoServerFoundErrorf returns a new Status with code CodeNoServerFound.
func NoServerFoundErrorf(format string, args ...interface{}) *Status {
	return Newf(CodeNoServerFound, format, args...)
}

// RemoteErrorf returns a new Status with code CodeRemoteError carrying the
// remote's own code string as the Status name.
func RemoteErrorf(remoteCode string, format string, args ...interface{}) *Status {
	return Newf(CodeRemoteError, format, args...).WithName(remoteCode)
}

// BusyErrorf returns a new Status with code CodeBusy.
func BusyErrorf(format string, args ...interface{}) *Status {
	return Newf(CodeBusy, format, args...)
}

// ProtocolViolationErrorf returns a new Status with code
// CodeProtocolViolation.
func ProtocolViolationErrorf(format string, args ...interface{}) *Status {
	return Newf(CodeProtocolViolation, format, args...)
}

// InternalErrorf returns a new Status with code CodeInternal.
func InternalErrorf(format string, args ...interface{}) *Status {
	return Newf(CodeInternal, format, args...)
}

// IsTimeout returns true if the error has code CodeTimeout.
func IsTimeout(err error) bool { return FromError(err).Code() == CodeTimeout }

// IsNoServerFound returns true if the error has code CodeNoServerFound.
func IsNoServerFound(err error) bool { return FromError(err).Code() == CodeNoServerFound }

// IsConnectionError returns true if the error has code CodeConnectionError.
func IsConnectionError(err error) bool { return FromError(err).Code() == CodeConnectionError }

// IsBusy returns true if the error has code CodeBusy.
func IsBusy(err error) bool { return FromError(err).Code() == CodeBusy }
