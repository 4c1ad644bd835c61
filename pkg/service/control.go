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
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/relaymesh/signal-server/pkg/config"
	"github.com/relaymesh/signal-server/pkg/element"
	"github.com/relaymesh/signal-server/pkg/logger"
	"github.com/relaymesh/signal-server/pkg/telemetry"
)

// SessionCloser lets the control surface tear down live member sessions when
// their backing elements are deleted. Teardown is asynchronous; a Delete never
// waits on it.
type SessionCloser interface {
	CloseMemberSessions(fids []element.Fid, reason string)
}

// ControlApiService is the CRUD surface over the pipeline tree.
type ControlApiService struct {
	conf     *config.Config
	store    *PipelineStore
	sessions SessionCloser
}

func NewControlApiService(conf *config.Config, store *PipelineStore, sessions SessionCloser) *ControlApiService {
	return &ControlApiService{
		conf:     conf,
		store:    store,
		sessions: sessions,
	}
}

func (s *ControlApiService) Store() *PipelineStore {
	return s.store
}

// Create validates and commits a new element at rawFid, in order: parse fid,
// verify parent existence, verify nesting legality, verify sibling
// uniqueness, commit. The first failing check short-circuits. For each member
// created by this call the response maps its id to a client connection URI.
func (s *ControlApiService) Create(_ context.Context, rawFid string, body []byte) (map[string]string, error) {
	fid, err := element.ParseFid(rawFid)
	if err != nil {
		return nil, NewParseError(rawFid, err)
	}

	el, err := element.UnmarshalElement(body)
	if err != nil {
		return nil, asElementError(rawFid, err)
	}

	s.applyMemberDefaults(el)

	committed, err := s.store.Insert(fid, el)
	if err != nil {
		return nil, err
	}

	logger.Infow("created element", "fid", committed)
	telemetry.ElementCreated(el)

	return s.sidMap(committed, el), nil
}

// Get returns the requested elements, or the full tree when the request is
// empty. The batch is all-or-nothing.
func (s *ControlApiService) Get(_ context.Context, rawFids []string) (map[string]element.Element, error) {
	fids, err := parseFids(rawFids)
	if err != nil {
		return nil, err
	}
	return s.store.Get(fids)
}

// Delete removes the addressed subtrees. It is idempotent: absent elements
// are not an error. Live sessions of deleted members are closed out-of-band;
// their resource cleanup can never fail the Delete itself.
func (s *ControlApiService) Delete(_ context.Context, rawFids []string) error {
	fids, err := parseFids(rawFids)
	if err != nil {
		return err
	}

	if s.sessions != nil {
		if members := s.store.MemberFids(fids); len(members) > 0 {
			s.sessions.CloseMemberSessions(members, "element deleted")
		}
	}

	if err := s.store.Delete(fids); err != nil {
		return err
	}

	logger.Infow("deleted elements", "count", len(fids))
	return nil
}

func parseFids(rawFids []string) ([]element.Fid, error) {
	fids := make([]element.Fid, 0, len(rawFids))
	for _, raw := range rawFids {
		fid, err := element.ParseFid(raw)
		if err != nil {
			return nil, NewParseError(raw, err)
		}
		fids = append(fids, fid)
	}
	return fids, nil
}

func (s *ControlApiService) applyMemberDefaults(el element.Element) {
	rpc := s.conf.RPC
	switch v := el.(type) {
	case *element.Room:
		for _, m := range v.Pipeline {
			m.ApplyDefaults(rpc.IdleTimeout.Std(), rpc.ReconnectTimeout.Std(), rpc.PingInterval.Std())
		}
	case *element.Member:
		v.ApplyDefaults(rpc.IdleTimeout.Std(), rpc.ReconnectTimeout.Std(), rpc.PingInterval.Std())
	}
}

// sidMap synthesizes the client connection URI for every member this Create
// produced.
func (s *ControlApiService) sidMap(fid element.Fid, el element.Element) map[string]string {
	sids := make(map[string]string)
	switch v := el.(type) {
	case *element.Room:
		for id, m := range v.Pipeline {
			sids[string(id)] = s.memberURI(fid.Room, id, m.Credentials)
		}
	case *element.Member:
		sids[string(fid.Member)] = s.memberURI(fid.Room, fid.Member, v.Credentials)
	}
	return sids
}

func (s *ControlApiService) memberURI(room element.RoomID, member element.MemberID, credentials string) string {
	return fmt.Sprintf("wss://%s/ws/%s/%s/%s", s.conf.ClientAddress(), room, member, credentials)
}

func asElementError(rawFid string, err error) *Error {
	switch {
	case errors.Is(err, element.ErrNotSrcFid),
		errors.Is(err, element.ErrEmptyFid),
		errors.Is(err, element.ErrFidTooLong),
		errors.Is(err, element.ErrFidMissingPart):
		// fid errors inside a Create body can only come from a play src
		return NewInvalidSrc(err.Error())
	case errors.Is(err, element.ErrUnknownElementKind):
		return NewInvalidFid(rawFid)
	default:
		return AsError(err)
	}
}
