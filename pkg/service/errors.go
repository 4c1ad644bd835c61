// Copyright 2023 LiveKit, Inc.
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

package service

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/relaymesh/signal-server/pkg/element"
)

// ErrorCode is the stable numeric code carried by every Control API error.
//
// Ranges:
//   - 1000            unknown server error
//   - 1001...1099     not found
//   - 1100...1199     element spec violations
//   - 1200...1299     fid parse errors
//   - 1300...1399     conflicts
//   - 1400...1499     session / TURN admin failures
type ErrorCode uint32

const (
	CodeUnknown ErrorCode = 1000

	CodeMemberNotFound   ErrorCode = 1003
	CodeRoomNotFound     ErrorCode = 1004
	CodeEndpointNotFound ErrorCode = 1005

	CodeInvalidSrcFid  ErrorCode = 1102
	CodeIllegalNesting ErrorCode = 1105
	CodeInvalidFid     ErrorCode = 1106

	CodeFidTooLong        ErrorCode = 1201
	CodeFidMissingSegment ErrorCode = 1202
	CodeEmptyFid          ErrorCode = 1203

	CodeMemberAlreadyExists   ErrorCode = 1300
	CodeEndpointAlreadyExists ErrorCode = 1301
	CodeRoomAlreadyExists     ErrorCode = 1302

	CodeUnauthenticated        ErrorCode = 1401
	CodePoolTimeout            ErrorCode = 1402
	CodePoolConnectFailure     ErrorCode = 1403
	CodeCallbackDeliveryFailed ErrorCode = 1404
)

// Error is the schema-exact Control API failure: stable code, human text,
// optional documentation link and the offending element fid.
type Error struct {
	Code    ErrorCode `json:"code"`
	Text    string    `json:"text"`
	Doc     string    `json:"doc,omitempty"`
	Element string    `json:"element,omitempty"`
}

func (e *Error) Error() string {
	if e.Element == "" {
		return fmt.Sprintf("[%d] %s", e.Code, e.Text)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Text, e.Element)
}

func newError(code ErrorCode, text string, el string) *Error {
	return &Error{Code: code, Text: text, Element: el}
}

func NewNotFound(fid element.Fid) *Error {
	switch fid.Depth() {
	case 3:
		return newError(CodeEndpointNotFound, "Endpoint not found.", fid.String())
	case 2:
		return newError(CodeMemberNotFound, "Member not found.", fid.String())
	default:
		return newError(CodeRoomNotFound, "Room not found.", fid.String())
	}
}

func NewAlreadyExists(fid element.Fid) *Error {
	switch fid.Depth() {
	case 3:
		return newError(CodeEndpointAlreadyExists, "Endpoint already exists.", fid.String())
	case 2:
		return newError(CodeMemberAlreadyExists, "Member already exists.", fid.String())
	default:
		return newError(CodeRoomAlreadyExists, "Room already exists.", fid.String())
	}
}

func NewIllegalNesting(fid element.Fid) *Error {
	return newError(CodeIllegalNesting, "Element cannot be nested at this depth.", fid.String())
}

func NewInvalidFid(fid string) *Error {
	return newError(CodeInvalidFid, "Invalid element fid.", fid)
}

func NewInvalidSrc(src string) *Error {
	return newError(CodeInvalidSrcFid, "Invalid source fid in play endpoint.", src)
}

func NewUnauthenticated(fid element.Fid) *Error {
	return newError(CodeUnauthenticated, "Invalid member credentials.", fid.String())
}

// NewParseError maps a fid parse failure onto its dedicated code.
func NewParseError(raw string, err error) *Error {
	switch {
	case errors.Is(err, element.ErrEmptyFid):
		return newError(CodeEmptyFid, "Provided empty element fid.", raw)
	case errors.Is(err, element.ErrFidTooLong):
		return newError(CodeFidTooLong, "Too many segments in element fid.", raw)
	case errors.Is(err, element.ErrFidMissingPart):
		return newError(CodeFidMissingSegment, "Missing segment in element fid.", raw)
	default:
		return NewInvalidFid(raw)
	}
}

// AsError normalizes any error into a Control API Error, mapping unexpected
// failures onto the unknown-error code.
func AsError(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return &Error{
		Code: CodeUnknown,
		Text: fmt.Sprintf("Unexpected error happened: %s", err),
	}
}

func IsNotFound(err error) bool {
	e := AsError(err)
	return e.Code >= 1001 && e.Code <= 1099
}

func IsAlreadyExists(err error) bool {
	e := AsError(err)
	return e.Code >= 1300 && e.Code <= 1399
}

func IsInvalidID(err error) bool {
	e := AsError(err)
	return (e.Code >= 1103 && e.Code <= 1106) || (e.Code >= 1200 && e.Code <= 1299)
}
