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

package session

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/relaymesh/signal-server/pkg/element"
	"github.com/relaymesh/signal-server/pkg/logger"
	"github.com/relaymesh/signal-server/pkg/service"
	"github.com/relaymesh/signal-server/pkg/turn"
	"github.com/relaymesh/signal-server/pkg/webhook"
)

// MemberSource resolves member specs for authentication.
type MemberSource interface {
	GetMember(room element.RoomID, member element.MemberID) (*element.Member, error)
}

// CredentialProvider issues and revokes TURN credentials per session lineage.
type CredentialProvider interface {
	Allocate(ctx context.Context, fid element.Fid, ttl time.Duration) (turn.IceUser, error)
	Deallocate(ctx context.Context, fid element.Fid)
	IceServers(user turn.IceUser) []turn.IceServer
}

// Notifier delivers lifecycle webhooks.
type Notifier interface {
	QueueNotify(url string, event webhook.Event)
}

// Manager owns all live sessions, at most one per member. It authenticates
// connecting transports against the pipeline tree, binds them to sessions and
// drives the join/leave side effects.
type Manager struct {
	store    MemberSource
	creds    CredentialProvider
	notifier Notifier
	log      logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(store MemberSource, creds CredentialProvider, notifier Notifier) *Manager {
	return &Manager{
		store:    store,
		creds:    creds,
		notifier: notifier,
		log:      logger.GetLogger().WithValues("component", "session"),
		sessions: make(map[string]*Session),
	}
}

// Authenticate validates the credentials against the member's spec and binds
// the transport. A live session for the member resumes (evicting any bound
// transport); otherwise a fresh lineage starts: credential issuance, on_join,
// then the heartbeat clock.
func (m *Manager) Authenticate(ctx context.Context, room element.RoomID, memberID element.MemberID, credentials string, conn SignalConn) (*Session, error) {
	fid := element.MemberFid(room, memberID)

	member, err := m.store.GetMember(room, memberID)
	if err != nil {
		return nil, service.NewUnauthenticated(fid)
	}
	if subtle.ConstantTimeCompare([]byte(member.Credentials), []byte(credentials)) != 1 {
		return nil, service.NewUnauthenticated(fid)
	}

	for {
		m.mu.Lock()
		s, live := m.sessions[fid.String()]
		if !live {
			s = newSession(m, fid, member)
			m.sessions[fid.String()] = s
		}
		m.mu.Unlock()

		if live {
			if s.resume(conn) {
				return s, nil
			}
			// closed lineage still in the map; clear it and retry
			m.remove(s)
			continue
		}

		user, err := m.creds.Allocate(ctx, fid, s.idleTimeout+s.reconnectTimeout)
		if err != nil {
			m.remove(s)
			return nil, errors.Wrap(err, "could not provision TURN credentials")
		}
		if s.closed.IsBroken() {
			// kicked while provisioning; the credential is already revoked
			// and on_join must not fire for a dead lineage
			return nil, errors.Errorf("session for %s closed during authentication", fid)
		}

		s.joined.Store(true)
		m.notifier.QueueNotify(member.OnJoin, webhook.Event{
			Fid:  fid,
			At:   time.Now(),
			Kind: webhook.EventOnJoin,
		})
		m.log.Infow("member joined", "member", fid.String())

		s.start(conn, m.creds.IceServers(user))
		return s, nil
	}
}

// CloseMemberSessions force-closes the sessions of deleted members.
func (m *Manager) CloseMemberSessions(fids []element.Fid, reason string) {
	for _, fid := range fids {
		if s := m.get(fid); s != nil {
			m.log.Infow("kicking session", "member", fid.String(), "reason", reason)
			s.close(webhook.ReasonKicked)
		}
	}
}

// Shutdown closes every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.close(webhook.ReasonServerShutdown)
	}
}

func (m *Manager) get(fid element.Fid) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[fid.String()]
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions[s.fid.String()] == s {
		delete(m.sessions, s.fid.String())
	}
}

// sessionClosed runs the terminal side effects of a lineage: on_leave, then
// credential revocation. Called exactly once per session. A lineage killed
// before its on_join fired gets no on_leave either.
func (m *Manager) sessionClosed(s *Session, reason webhook.LeaveReason) {
	m.remove(s)
	if s.joined.Load() {
		m.notifier.QueueNotify(s.onLeave, webhook.Event{
			Fid:    s.fid,
			At:     time.Now(),
			Kind:   webhook.EventOnLeave,
			Reason: reason,
		})
	}
	m.creds.Deallocate(context.Background(), s.fid)
}
