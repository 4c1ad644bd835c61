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
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/looplab/fsm"
	"go.uber.org/atomic"

	"github.com/relaymesh/signal-server/pkg/element"
	"github.com/relaymesh/signal-server/pkg/logger"
	"github.com/relaymesh/signal-server/pkg/telemetry"
	"github.com/relaymesh/signal-server/pkg/turn"
	"github.com/relaymesh/signal-server/pkg/webhook"
)

const (
	StateConnected = "connected"
	StateIdle      = "idle"
	StateClosed    = "closed"
)

const (
	eventSuspend = "suspend"
	eventResume  = "resume"
	eventClose   = "close"
)

// Session is the signaling state machine for one member lineage. It starts
// Connected on successful authentication and degrades through Idle to Closed
// as heartbeats stop arriving. Timers are guarded by a generation counter: a
// timer firing after the generation moved on is a no-op, so a resume cannot
// race a stale timeout.
type Session struct {
	fid element.Fid
	m   *Manager
	log logger.Logger

	onLeave          string
	idleTimeout      time.Duration
	reconnectTimeout time.Duration
	pingInterval     time.Duration

	sm     *fsm.FSM
	gen    atomic.Int64
	joined atomic.Bool

	mu         sync.Mutex
	conn       SignalConn
	timer      *time.Timer
	iceServers []turn.IceServer

	closed core.Fuse
}

func newSession(m *Manager, fid element.Fid, member *element.Member) *Session {
	s := &Session{
		fid:              fid,
		m:                m,
		log:              logger.GetLogger().WithValues("member", fid.String()),
		onLeave:          member.OnLeave,
		idleTimeout:      member.IdleTimeout.Std(),
		reconnectTimeout: member.ReconnectTimeout.Std(),
		pingInterval:     member.PingInterval.Std(),
	}
	s.sm = fsm.NewFSM(
		StateConnected,
		fsm.Events{
			{Name: eventSuspend, Src: []string{StateConnected}, Dst: StateIdle},
			{Name: eventResume, Src: []string{StateIdle}, Dst: StateConnected},
			{Name: eventClose, Src: []string{StateConnected, StateIdle}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				telemetry.SessionStateChanged(e.Src, e.Dst)
			},
		},
	)
	return s
}

func (s *Session) Fid() element.Fid {
	return s.fid
}

func (s *Session) State() string {
	return s.sm.Current()
}

// start binds the first transport of a fresh lineage.
func (s *Session) start(conn SignalConn, servers []turn.IceServer) {
	telemetry.SessionStateChanged("", StateConnected)
	s.mu.Lock()
	s.iceServers = servers
	s.mu.Unlock()
	s.bind(conn)
}

// resume binds a new transport to a live session. A transport already bound
// is evicted: duplicate connects from a flaky client win over their
// predecessor rather than being rejected. Returns false once the session is
// closed, in which case the caller starts a fresh lineage.
func (s *Session) resume(conn SignalConn) bool {
	if s.closed.IsBroken() {
		return false
	}
	if s.sm.Current() == StateIdle {
		if err := s.sm.Event(context.Background(), eventResume); err == nil {
			s.log.Infow("session resumed")
		}
	}
	s.bind(conn)
	return true
}

func (s *Session) bind(conn SignalConn) {
	s.mu.Lock()
	if s.closed.IsBroken() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	old := s.conn
	s.conn = conn
	servers := s.iceServers
	s.mu.Unlock()

	if old != nil && old != conn {
		s.log.Debugw("evicting previous transport")
		_ = old.Close()
	}

	_ = conn.WriteMessage(&ServerMessage{Event: &Event{
		Type: EventRpcSettingsUpdated,
		RpcSettings: &RpcSettings{
			IdleTimeoutMs:  s.idleTimeout.Milliseconds(),
			PingIntervalMs: s.pingInterval.Milliseconds(),
		},
	}})
	if len(servers) > 0 {
		_ = conn.WriteMessage(&ServerMessage{Event: &Event{
			Type:       EventIceServersUpdated,
			IceServers: servers,
		}})
	}

	s.armTimer(s.idleTimeout, s.idleExpired)
	go s.readPump(conn)
}

func (s *Session) readPump(conn SignalConn) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			s.transportLost(conn)
			return
		}
		if msg.Ping != nil {
			n := *msg.Ping
			_ = conn.WriteMessage(&ServerMessage{Pong: &n})
			s.touch()
		}
	}
}

// touch records heartbeat activity, pulling an idle session back to
// connected and pushing the idle deadline out.
func (s *Session) touch() {
	if s.closed.IsBroken() {
		return
	}
	if s.sm.Current() == StateIdle {
		if err := s.sm.Event(context.Background(), eventResume); err == nil {
			s.log.Debugw("heartbeat revived idle session")
		}
	}
	s.armTimer(s.idleTimeout, s.idleExpired)
}

// transportLost suspends the session when its current transport drops. A
// stale pump whose transport was evicted exits without touching state.
func (s *Session) transportLost(conn SignalConn) {
	s.mu.Lock()
	current := s.conn == conn
	s.mu.Unlock()
	if !current || s.closed.IsBroken() {
		return
	}
	s.suspend()
}

func (s *Session) idleExpired(gen int64) {
	if s.stale(gen) {
		return
	}
	s.log.Infow("no heartbeat within idle timeout")
	s.suspend()
}

// suspend moves the session into its reconnect window.
func (s *Session) suspend() {
	if s.sm.Current() == StateConnected {
		if err := s.sm.Event(context.Background(), eventSuspend); err != nil {
			return
		}
	}
	s.armTimer(s.reconnectTimeout, s.reconnectExpired)
}

func (s *Session) reconnectExpired(gen int64) {
	if s.stale(gen) {
		return
	}
	s.log.Infow("reconnect window elapsed, closing session")
	s.close(webhook.ReasonLostConnection)
}

// close finishes the lineage. Exactly one caller wins; the rest are no-ops.
func (s *Session) close(reason webhook.LeaveReason) {
	s.closed.Once(func() {
		s.gen.Inc()

		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		if s.sm.Current() != StateClosed {
			_ = s.sm.Event(context.Background(), eventClose)
		}
		if conn != nil {
			_ = conn.WriteMessage(&ServerMessage{Event: &Event{
				Type:        EventSessionClosed,
				CloseReason: string(reason),
			}})
			_ = conn.Close()
		}

		s.log.Infow("session closed", "reason", string(reason))
		telemetry.SessionStateChanged(StateClosed, "")
		s.m.sessionClosed(s, reason)
	})
}

func (s *Session) armTimer(d time.Duration, fire func(gen int64)) {
	gen := s.gen.Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, func() { fire(gen) })
}

func (s *Session) stale(gen int64) bool {
	return s.closed.IsBroken() || s.gen.Load() != gen
}
