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
	"github.com/relaymesh/signal-server/pkg/turn"
)

// ClientMessage is a frame received from a connected client. Heartbeats are
// client-driven: the client pings at the advertised interval and the server
// answers each ping with a pong carrying the same counter.
type ClientMessage struct {
	Ping *int64 `json:"ping,omitempty"`
}

// ServerMessage is a frame sent to a connected client.
type ServerMessage struct {
	Pong  *int64 `json:"pong,omitempty"`
	Event *Event `json:"event,omitempty"`
}

// Event notifies the client of a server-side state change.
type Event struct {
	Type        EventType        `json:"type"`
	RpcSettings *RpcSettings     `json:"rpcSettings,omitempty"`
	IceServers  []turn.IceServer `json:"iceServers,omitempty"`
	CloseReason string           `json:"closeReason,omitempty"`
}

type EventType string

const (
	// EventRpcSettingsUpdated advertises the heartbeat clocks the client must
	// honor. Sent on every attach, including resumes.
	EventRpcSettingsUpdated EventType = "RpcSettingsUpdated"
	// EventIceServersUpdated carries the ephemeral TURN credential issued to
	// this session lineage.
	EventIceServersUpdated EventType = "IceServersUpdated"
	// EventSessionClosed is the final frame before the server drops the
	// transport.
	EventSessionClosed EventType = "SessionClosed"
)

type RpcSettings struct {
	IdleTimeoutMs  int64 `json:"idleTimeoutMs"`
	PingIntervalMs int64 `json:"pingIntervalMs"`
}

// SignalConn is one client transport. Implementations are safe for one
// concurrent reader and any number of writers.
type SignalConn interface {
	ReadMessage() (*ClientMessage, error)
	WriteMessage(*ServerMessage) error
	Close() error
}
