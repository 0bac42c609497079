// Copyright 2024 The roOs Authors.
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

// Package kernelerr contains the kernel return codes exported as error
// interface pointers. Values are comparable with ==, which allows for fast
// comparison and return operations in hot synchronization paths.
package kernelerr

import (
	"github.com/Oxmose/roOs-sub003/pkg/errors"
)

// Codes for the kernel error taxonomy. Code 0 is reserved for "no error" and
// never carried by an *errors.Error.
const (
	codeNoError errors.Code = iota
	CodeNullPointer
	CodeNotBlocked
	CodeBlocked
	CodeIncorrectValue
	CodeNoMoreMemory
	CodeOutOfBound
	CodeUnauthorizedAction
	CodeDestroyed
	CodeCanceled
	CodeNotInitialized

	maxCode
)

// The following errors cover every failure the synchronization core may
// surface. They are semantically close to the POSIX codes of the same name
// but are kernel-internal: they never cross the user boundary directly.
var (
	noError *errors.Error = nil

	// NullPointer indicates a nil handle or argument.
	NullPointer = errors.New(CodeNullPointer, "null pointer")

	// NotBlocked indicates that the precondition for blocking was already
	// false. This is expected, not exceptional: callers use it to avoid
	// racing a state change they have already observed.
	NotBlocked = errors.New(CodeNotBlocked, "caller would not have blocked")

	// Blocked indicates that a non-blocking attempt found the resource held.
	Blocked = errors.New(CodeBlocked, "resource is held")

	// IncorrectValue indicates a malformed argument or configuration, or a
	// failed physical address translation.
	IncorrectValue = errors.New(CodeIncorrectValue, "incorrect value")

	// NoMoreMemory indicates an allocation failure or an exhausted capacity.
	NoMoreMemory = errors.New(CodeNoMoreMemory, "no more memory")

	// OutOfBound indicates an exceeded bound, e.g. the recursive lock depth.
	OutOfBound = errors.New(CodeOutOfBound, "out of bound")

	// UnauthorizedAction indicates an operation by a caller that does not
	// own the resource, e.g. an unlock by a non-holder.
	UnauthorizedAction = errors.New(CodeUnauthorizedAction, "unauthorized action")

	// Destroyed indicates that the operation raced with the destruction of
	// the primitive.
	Destroyed = errors.New(CodeDestroyed, "primitive was destroyed")

	// Canceled indicates a spurious wake that requires the caller to
	// re-validate its condition and retry.
	Canceled = errors.New(CodeCanceled, "wait was canceled")

	// NotInitialized indicates an operation on a primitive that was never
	// initialized or was already destroyed.
	NotInitialized = errors.New(CodeNotInitialized, "primitive is not initialized")
)

var codeToError = [maxCode]*errors.Error{
	codeNoError:            noError,
	CodeNullPointer:        NullPointer,
	CodeNotBlocked:         NotBlocked,
	CodeBlocked:            Blocked,
	CodeIncorrectValue:     IncorrectValue,
	CodeNoMoreMemory:       NoMoreMemory,
	CodeOutOfBound:         OutOfBound,
	CodeUnauthorizedAction: UnauthorizedAction,
	CodeDestroyed:          Destroyed,
	CodeCanceled:           Canceled,
	CodeNotInitialized:     NotInitialized,
}

// FromCode returns the canonical *errors.Error for the given code. It panics
// if the code is out of range.
func FromCode(code errors.Code) *errors.Error {
	return codeToError[code]
}

// Equals compares the code of a kernelerr value against any error. It
// handles the comparison of a nil *errors.Error to a nil error interface.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == noError
	}
	other, ok := err.(*errors.Error)
	if !ok {
		return false
	}
	return e != nil && other.Code() == e.Code()
}
