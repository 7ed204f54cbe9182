// Copyright 2025 UMH Systems GmbH
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

package sal

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for a bad field name, type or value. It never crosses the wire.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTimeout is returned when a local wait on a sample or a command ack exceeded its bound.
	ErrTimeout = errors.New("timed out")

	// ErrProtocolViolation marks misuse such as calling Next on a topic with an exclusive callback.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTransport wraps broker publish and subscribe failures.
	ErrTransport = errors.New("transport error")
)

// ErrorCategory tells the command dispatcher how to treat a handler error.
type ErrorCategory int

const (
	// CategoryUnexpected is the default for plain errors: the command fails, the failure is
	// logged with full detail and reported, the component state does not change.
	CategoryUnexpected ErrorCategory = iota

	// CategoryExpected fails the command but keeps the component healthy.
	// Only a warning is logged, nothing is reported.
	CategoryExpected

	// CategoryFault fails the command and sends the component to FAULT with the attached code.
	CategoryFault
)

// CategorizedError is a wrapper that includes the underlying error plus a Category.
type CategorizedError struct {
	Err      error
	Category ErrorCategory
	// Code is the errorCode event value for CategoryFault, and the ack error field otherwise.
	Code int
}

// Error returns the original error message.
func (ce *CategorizedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying wrapped error.
func (ce *CategorizedError) Unwrap() error {
	return ce.Err
}

// NewExpectedError wraps err as CategoryExpected.
func NewExpectedError(err error) error {
	return &CategorizedError{Err: err, Category: CategoryExpected}
}

// ExpectedErrorf formats an error and wraps it as CategoryExpected.
func ExpectedErrorf(format string, args ...interface{}) error {
	return NewExpectedError(fmt.Errorf(format, args...))
}

// NewFaultError wraps err as CategoryFault with the given error code.
func NewFaultError(code int, err error) error {
	return &CategorizedError{Err: err, Category: CategoryFault, Code: code}
}

// CategoryOf returns the category of err; plain errors are CategoryUnexpected.
func CategoryOf(err error) ErrorCategory {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryUnexpected
}

// IsExpectedError is a convenience checker for CategoryExpected.
func IsExpectedError(err error) bool {
	return err != nil && CategoryOf(err) == CategoryExpected
}

// FaultCode returns the fault code carried by err and whether err is a CategoryFault error.
func FaultCode(err error) (int, bool) {
	var ce *CategorizedError
	if errors.As(err, &ce) && ce.Category == CategoryFault {
		return ce.Code, true
	}
	return 0, false
}

// AckError is the single error type for a remote command that did not succeed.
// It carries the final (or locally synthesized) acknowledgement.
type AckError struct {
	Command   string
	Ack       AckCode
	ErrorCode int
	Result    string
	// local is set when the issuing side synthesized the ack because it stopped waiting.
	local bool
}

// NewAckError builds the error for a bad final acknowledgement.
func NewAckError(command string, ack AckCode, errorCode int, result string) *AckError {
	return &AckError{Command: command, Ack: ack, ErrorCode: errorCode, Result: result}
}

// NewAckTimeoutError builds the error for a command whose final acknowledgement never arrived.
func NewAckTimeoutError(command string, ack AckCode, result string) *AckError {
	return &AckError{Command: command, Ack: ack, Result: result, local: true}
}

func (e *AckError) Error() string {
	if e.local {
		return fmt.Sprintf("command %s: no final acknowledgement (%s): %s", e.Command, e.Ack, e.Result)
	}
	return fmt.Sprintf("command %s failed: ack=%s error=%d result=%q", e.Command, e.Ack, e.ErrorCode, e.Result)
}

// Is lets errors.Is(err, ErrTimeout) match acks synthesized after a local timeout.
func (e *AckError) Is(target error) bool {
	return target == ErrTimeout && e.local
}
