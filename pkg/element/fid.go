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

package element

import (
	"strings"

	"github.com/pkg/errors"
)

type RoomID string
type MemberID string
type EndpointID string

// Fid addresses a Room, Member or Endpoint as a dot-delimited path of one to
// three segments. It is parsed exactly once, at the protocol boundary; every
// internal component passes the typed value around.
type Fid struct {
	Room     RoomID
	Member   MemberID
	Endpoint EndpointID
}

var (
	ErrEmptyFid       = errors.New("empty fid")
	ErrFidTooLong     = errors.New("fid has too many segments")
	ErrFidMissingPart = errors.New("fid has an empty segment")
	ErrNotSrcFid      = errors.New("src does not address an endpoint")
)

func ParseFid(s string) (Fid, error) {
	if s == "" {
		return Fid{}, ErrEmptyFid
	}

	parts := strings.Split(s, ".")
	if len(parts) > 3 {
		return Fid{}, errors.Wrap(ErrFidTooLong, s)
	}
	for _, p := range parts {
		if p == "" {
			return Fid{}, errors.Wrap(ErrFidMissingPart, s)
		}
	}

	fid := Fid{Room: RoomID(parts[0])}
	if len(parts) > 1 {
		fid.Member = MemberID(parts[1])
	}
	if len(parts) > 2 {
		fid.Endpoint = EndpointID(parts[2])
	}
	return fid, nil
}

func RoomFid(room RoomID) Fid {
	return Fid{Room: room}
}

func MemberFid(room RoomID, member MemberID) Fid {
	return Fid{Room: room, Member: member}
}

func EndpointFid(room RoomID, member MemberID, endpoint EndpointID) Fid {
	return Fid{Room: room, Member: member, Endpoint: endpoint}
}

// Depth is 1 for a Room path, 2 for a Member path, 3 for an Endpoint path.
func (f Fid) Depth() int {
	switch {
	case f.Endpoint != "":
		return 3
	case f.Member != "":
		return 2
	default:
		return 1
	}
}

func (f Fid) IsRoom() bool     { return f.Depth() == 1 }
func (f Fid) IsMember() bool   { return f.Depth() == 2 }
func (f Fid) IsEndpoint() bool { return f.Depth() == 3 }

func (f Fid) IsZero() bool {
	return f.Room == ""
}

// Parent returns the path one level up; the parent of a Room path is the zero
// Fid (the tree root).
func (f Fid) Parent() Fid {
	switch f.Depth() {
	case 3:
		return Fid{Room: f.Room, Member: f.Member}
	case 2:
		return Fid{Room: f.Room}
	default:
		return Fid{}
	}
}

// LeafID is the last segment of the path.
func (f Fid) LeafID() string {
	switch f.Depth() {
	case 3:
		return string(f.Endpoint)
	case 2:
		return string(f.Member)
	default:
		return string(f.Room)
	}
}

func (f Fid) String() string {
	var b strings.Builder
	b.WriteString(string(f.Room))
	if f.Member != "" {
		b.WriteByte('.')
		b.WriteString(string(f.Member))
	}
	if f.Endpoint != "" {
		b.WriteByte('.')
		b.WriteString(string(f.Endpoint))
	}
	return b.String()
}

func (f Fid) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *Fid) UnmarshalText(data []byte) error {
	parsed, err := ParseFid(string(data))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}

// ParseSrcFid parses the src reference of a play endpoint. The reference must
// address a publish endpoint, i.e. be a full three-segment path. It is not
// required to resolve to an existing element at parse time.
func ParseSrcFid(s string) (Fid, error) {
	fid, err := ParseFid(s)
	if err != nil {
		return Fid{}, err
	}
	if !fid.IsEndpoint() {
		return Fid{}, errors.Wrap(ErrNotSrcFid, s)
	}
	return fid, nil
}
