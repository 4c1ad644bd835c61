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
	"crypto/rand"
	"math/big"
	"time"

	"github.com/relaymesh/signal-server/pkg/utils"
)

// Element is the closed set of media pipeline variants: Room, Member,
// WebRtcPublishEndpoint and WebRtcPlayEndpoint. Nesting legality is encoded
// structurally: a Room pipeline only holds Members, a Member pipeline only
// holds Endpoints, so an illegal parent/child pairing cannot be represented.
type Element interface {
	Clone() Element
	isElement()
}

// Endpoint is the subset of elements that may live in a Member's pipeline.
type Endpoint interface {
	Element
	isEndpoint()
}

type P2PMode string

const (
	P2PNever      P2PMode = "Never"
	P2PIfPossible P2PMode = "IfPossible"
	P2PAlways     P2PMode = "Always"
)

type PublishPolicy string

const (
	PublishOptional PublishPolicy = "Optional"
	PublishRequired PublishPolicy = "Required"
	PublishDisabled PublishPolicy = "Disabled"
)

type Room struct {
	ID       RoomID               `json:"id"`
	Pipeline map[MemberID]*Member `json:"pipeline,omitempty"`
}

type Member struct {
	ID          MemberID `json:"id"`
	Credentials string   `json:"credentials,omitempty"`

	OnJoin  string `json:"on_join,omitempty"`
	OnLeave string `json:"on_leave,omitempty"`

	IdleTimeout      utils.Duration `json:"idle_timeout,omitempty"`
	ReconnectTimeout utils.Duration `json:"reconnect_timeout,omitempty"`
	PingInterval     utils.Duration `json:"ping_interval,omitempty"`

	Pipeline map[EndpointID]Endpoint `json:"pipeline,omitempty"`
}

type WebRtcPublishEndpoint struct {
	ID          EndpointID    `json:"id"`
	P2P         P2PMode       `json:"p2p,omitempty"`
	ForceRelay  bool          `json:"force_relay,omitempty"`
	AudioPolicy PublishPolicy `json:"audio_policy,omitempty"`
	VideoPolicy PublishPolicy `json:"video_policy,omitempty"`

	OnStart string `json:"on_start,omitempty"`
	OnStop  string `json:"on_stop,omitempty"`
}

type WebRtcPlayEndpoint struct {
	ID         EndpointID `json:"id"`
	Src        Fid        `json:"src"`
	ForceRelay bool       `json:"force_relay,omitempty"`

	OnStart string `json:"on_start,omitempty"`
	OnStop  string `json:"on_stop,omitempty"`
}

func (*Room) isElement()                  {}
func (*Member) isElement()                {}
func (*WebRtcPublishEndpoint) isElement() {}
func (*WebRtcPlayEndpoint) isElement()    {}

func (*WebRtcPublishEndpoint) isEndpoint() {}
func (*WebRtcPlayEndpoint) isEndpoint()    {}

func (r *Room) Clone() Element {
	clone := &Room{ID: r.ID}
	if r.Pipeline != nil {
		clone.Pipeline = make(map[MemberID]*Member, len(r.Pipeline))
		for id, m := range r.Pipeline {
			clone.Pipeline[id] = m.Clone().(*Member)
		}
	}
	return clone
}

func (m *Member) Clone() Element {
	clone := *m
	if m.Pipeline != nil {
		clone.Pipeline = make(map[EndpointID]Endpoint, len(m.Pipeline))
		for id, e := range m.Pipeline {
			clone.Pipeline[id] = e.Clone().(Endpoint)
		}
	}
	return &clone
}

func (e *WebRtcPublishEndpoint) Clone() Element {
	clone := *e
	return &clone
}

func (e *WebRtcPlayEndpoint) Clone() Element {
	clone := *e
	return &clone
}

const memberCredentialsLen = 32

const credentialAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateCredentials returns a random alphanumeric member secret. Used when
// a Create request leaves the credentials field empty.
func GenerateCredentials() string {
	buf := make([]byte, memberCredentialsLen)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(credentialAlphabet))))
		if err != nil {
			// crypto/rand only fails if the platform entropy source is broken
			panic(err)
		}
		buf[i] = credentialAlphabet[n.Int64()]
	}
	return string(buf)
}

// ApplyDefaults fills unset member session knobs from server-wide defaults.
func (m *Member) ApplyDefaults(idle, reconnect, ping time.Duration) {
	if m.IdleTimeout == 0 {
		m.IdleTimeout = utils.Duration(idle)
	}
	if m.ReconnectTimeout == 0 {
		m.ReconnectTimeout = utils.Duration(reconnect)
	}
	if m.PingInterval == 0 {
		m.PingInterval = utils.Duration(ping)
	}
	if m.Credentials == "" {
		m.Credentials = GenerateCredentials()
	}
}
