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
	"sync"

	"github.com/thoas/go-funk"
	"golang.org/x/exp/maps"

	"github.com/relaymesh/signal-server/pkg/element"
)

// PipelineStore is the authoritative tree of rooms, members and endpoints.
// It is the only owner of element values: callers get and pass clones, so a
// returned element can never alias live store state.
//
// Mutations within one room are serialized on that room's lock; the top-level
// map lock only guards room insertion and removal. Delete batches take the
// write lock so concurrent readers never observe a partially-deleted subtree.
type PipelineStore struct {
	lock  sync.RWMutex
	rooms map[element.RoomID]*roomEntry
}

type roomEntry struct {
	// mu is the room-scoped critical section for mutations and
	// consistent-snapshot reads inside this room
	mu   sync.Mutex
	room *element.Room
}

func NewPipelineStore() *PipelineStore {
	return &PipelineStore{
		rooms: make(map[element.RoomID]*roomEntry),
	}
}

// Insert commits el at fid. The fid names the element itself; its parent and
// required depth follow from the variant. Fails with AlreadyExists on sibling
// id collision and with an InvalidId-class error when the parent is missing
// or the variant cannot legally nest at the fid's depth.
func (s *PipelineStore) Insert(fid element.Fid, el element.Element) (element.Fid, error) {
	switch v := el.(type) {
	case *element.Room:
		return s.insertRoom(fid, v)
	case *element.Member:
		return s.insertMember(fid, v)
	case element.Endpoint:
		return s.insertEndpoint(fid, v)
	default:
		return element.Fid{}, NewInvalidFid(fid.String())
	}
}

func (s *PipelineStore) insertRoom(fid element.Fid, room *element.Room) (element.Fid, error) {
	if !fid.IsRoom() {
		return element.Fid{}, NewIllegalNesting(fid)
	}

	clone := room.Clone().(*element.Room)
	clone.ID = fid.Room
	syncRoomIDs(clone)

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, ok := s.rooms[fid.Room]; ok {
		return element.Fid{}, NewAlreadyExists(fid)
	}
	s.rooms[fid.Room] = &roomEntry{room: clone}
	return fid, nil
}

func (s *PipelineStore) insertMember(fid element.Fid, member *element.Member) (element.Fid, error) {
	if !fid.IsMember() {
		return element.Fid{}, NewIllegalNesting(fid)
	}

	entry := s.entry(fid.Room)
	if entry == nil {
		return element.Fid{}, NewInvalidFid(fid.Parent().String())
	}

	clone := member.Clone().(*element.Member)
	clone.ID = fid.Member
	syncMemberIDs(clone)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if _, ok := entry.room.Pipeline[fid.Member]; ok {
		return element.Fid{}, NewAlreadyExists(fid)
	}
	if entry.room.Pipeline == nil {
		entry.room.Pipeline = make(map[element.MemberID]*element.Member)
	}
	entry.room.Pipeline[fid.Member] = clone
	return fid, nil
}

func (s *PipelineStore) insertEndpoint(fid element.Fid, ep element.Endpoint) (element.Fid, error) {
	if !fid.IsEndpoint() {
		return element.Fid{}, NewIllegalNesting(fid)
	}

	entry := s.entry(fid.Room)
	if entry == nil {
		return element.Fid{}, NewInvalidFid(fid.Parent().String())
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	member := entry.room.Pipeline[fid.Member]
	if member == nil {
		return element.Fid{}, NewInvalidFid(fid.Parent().String())
	}
	if _, ok := member.Pipeline[fid.Endpoint]; ok {
		return element.Fid{}, NewAlreadyExists(fid)
	}

	clone := ep.Clone().(element.Endpoint)
	setCloneEndpointID(clone, fid.Endpoint)
	if member.Pipeline == nil {
		member.Pipeline = make(map[element.EndpointID]element.Endpoint)
	}
	member.Pipeline[fid.Endpoint] = clone
	return fid, nil
}

// Get returns clones of the requested elements keyed by fid. An empty request
// returns the full tree keyed by room fid. The batch is all-or-nothing: the
// first missing fid fails the whole call with NotFound.
func (s *PipelineStore) Get(fids []element.Fid) (map[string]element.Element, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	if len(fids) == 0 {
		out := make(map[string]element.Element, len(s.rooms))
		for id, entry := range s.rooms {
			entry.mu.Lock()
			out[string(id)] = entry.room.Clone()
			entry.mu.Unlock()
		}
		return out, nil
	}

	out := make(map[string]element.Element, len(fids))
	for _, fid := range fids {
		entry := s.rooms[fid.Room]
		if entry == nil {
			return nil, NewNotFound(fid)
		}

		entry.mu.Lock()
		el, ok := resolve(entry.room, fid)
		if ok {
			out[fid.String()] = el.Clone()
		}
		entry.mu.Unlock()

		if !ok {
			return nil, NewNotFound(fid)
		}
	}
	return out, nil
}

// Delete removes each addressed subtree if present. Absent fids are not an
// error. The whole batch commits under the store write lock.
func (s *PipelineStore) Delete(fids []element.Fid) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, fid := range fids {
		entry := s.rooms[fid.Room]
		if entry == nil {
			continue
		}
		switch fid.Depth() {
		case 1:
			delete(s.rooms, fid.Room)
		case 2:
			delete(entry.room.Pipeline, fid.Member)
		case 3:
			if member := entry.room.Pipeline[fid.Member]; member != nil {
				delete(member.Pipeline, fid.Endpoint)
			}
		}
	}
	return nil
}

// GetMember returns a clone of the addressed member.
func (s *PipelineStore) GetMember(room element.RoomID, member element.MemberID) (*element.Member, error) {
	fid := element.MemberFid(room, member)

	entry := s.entry(room)
	if entry == nil {
		return nil, NewNotFound(fid)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	m := entry.room.Pipeline[member]
	if m == nil {
		return nil, NewNotFound(fid)
	}
	return m.Clone().(*element.Member), nil
}

// MemberFids lists the member paths contained in the addressed subtrees.
// Used to close live sessions ahead of a cascading delete.
func (s *PipelineStore) MemberFids(fids []element.Fid) []element.Fid {
	s.lock.RLock()
	defer s.lock.RUnlock()

	var out []element.Fid
	for _, fid := range fids {
		entry := s.rooms[fid.Room]
		if entry == nil || fid.IsEndpoint() {
			continue
		}

		entry.mu.Lock()
		if fid.IsRoom() {
			for id := range entry.room.Pipeline {
				out = append(out, element.MemberFid(fid.Room, id))
			}
		} else if _, ok := entry.room.Pipeline[fid.Member]; ok {
			out = append(out, fid)
		}
		entry.mu.Unlock()
	}
	return out
}

// RoomIDs lists rooms, optionally filtered.
func (s *PipelineStore) RoomIDs(filter []element.RoomID) []element.RoomID {
	s.lock.RLock()
	defer s.lock.RUnlock()

	ids := make([]element.RoomID, 0, len(s.rooms))
	for _, id := range maps.Keys(s.rooms) {
		if filter == nil || funk.Contains(filter, id) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *PipelineStore) entry(room element.RoomID) *roomEntry {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.rooms[room]
}

func resolve(room *element.Room, fid element.Fid) (element.Element, bool) {
	switch fid.Depth() {
	case 1:
		return room, true
	case 2:
		if m := room.Pipeline[fid.Member]; m != nil {
			return m, true
		}
	case 3:
		if m := room.Pipeline[fid.Member]; m != nil {
			if ep, ok := m.Pipeline[fid.Endpoint]; ok {
				return ep, true
			}
		}
	}
	return nil, false
}

func syncRoomIDs(room *element.Room) {
	for id, m := range room.Pipeline {
		m.ID = id
		syncMemberIDs(m)
	}
}

func syncMemberIDs(member *element.Member) {
	for id, ep := range member.Pipeline {
		setCloneEndpointID(ep, id)
	}
}

func setCloneEndpointID(ep element.Endpoint, id element.EndpointID) {
	switch e := ep.(type) {
	case *element.WebRtcPublishEndpoint:
		e.ID = id
	case *element.WebRtcPlayEndpoint:
		e.ID = id
	}
}
