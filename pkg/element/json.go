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
	"encoding/json"

	"github.com/pkg/errors"
)

// Wire representation: every element object carries a "kind" discriminator.
const (
	KindRoom                  = "Room"
	KindMember                = "Member"
	KindWebRtcPublishEndpoint = "WebRtcPublishEndpoint"
	KindWebRtcPlayEndpoint    = "WebRtcPlayEndpoint"
)

var ErrUnknownElementKind = errors.New("unknown element kind")

type kindProbe struct {
	Kind string `json:"kind"`
}

// UnmarshalElement decodes a single element of any variant from its tagged
// JSON form.
func UnmarshalElement(data []byte) (Element, error) {
	var probe kindProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	switch probe.Kind {
	case KindRoom:
		var r Room
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, err
		}
		return &r, nil
	case KindMember:
		var m Member
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		return &m, nil
	case KindWebRtcPublishEndpoint, KindWebRtcPlayEndpoint:
		return unmarshalEndpoint(probe.Kind, data)
	default:
		return nil, errors.Wrap(ErrUnknownElementKind, probe.Kind)
	}
}

func unmarshalEndpoint(kind string, data []byte) (Endpoint, error) {
	switch kind {
	case KindWebRtcPublishEndpoint:
		var e WebRtcPublishEndpoint
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	case KindWebRtcPlayEndpoint:
		var e WebRtcPlayEndpoint
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, err
		}
		return &e, nil
	default:
		return nil, errors.Wrap(ErrUnknownElementKind, kind)
	}
}

func (r *Room) MarshalJSON() ([]byte, error) {
	type alias Room
	return json.Marshal(&struct {
		Kind string `json:"kind"`
		*alias
	}{KindRoom, (*alias)(r)})
}

func (r *Room) UnmarshalJSON(data []byte) error {
	type alias Room
	aux := struct {
		*alias
		Pipeline map[MemberID]json.RawMessage `json:"pipeline"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Pipeline != nil {
		r.Pipeline = make(map[MemberID]*Member, len(aux.Pipeline))
		for id, raw := range aux.Pipeline {
			var probe kindProbe
			if err := json.Unmarshal(raw, &probe); err != nil {
				return err
			}
			if probe.Kind != KindMember {
				// only members nest under a room
				return errors.Wrapf(ErrUnknownElementKind, "room pipeline entry %q: %q", id, probe.Kind)
			}
			var m Member
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
			if m.ID == "" {
				m.ID = id
			}
			r.Pipeline[id] = &m
		}
	}
	return nil
}

func (m *Member) MarshalJSON() ([]byte, error) {
	type alias Member
	return json.Marshal(&struct {
		Kind string `json:"kind"`
		*alias
	}{KindMember, (*alias)(m)})
}

func (m *Member) UnmarshalJSON(data []byte) error {
	type alias Member
	aux := struct {
		*alias
		Pipeline map[EndpointID]json.RawMessage `json:"pipeline"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if aux.Pipeline != nil {
		m.Pipeline = make(map[EndpointID]Endpoint, len(aux.Pipeline))
		for id, raw := range aux.Pipeline {
			var probe kindProbe
			if err := json.Unmarshal(raw, &probe); err != nil {
				return err
			}
			ep, err := unmarshalEndpoint(probe.Kind, raw)
			if err != nil {
				return err
			}
			setEndpointID(ep, id)
			m.Pipeline[id] = ep
		}
	}
	return nil
}

func setEndpointID(ep Endpoint, id EndpointID) {
	switch e := ep.(type) {
	case *WebRtcPublishEndpoint:
		if e.ID == "" {
			e.ID = id
		}
	case *WebRtcPlayEndpoint:
		if e.ID == "" {
			e.ID = id
		}
	}
}

func (e *WebRtcPublishEndpoint) MarshalJSON() ([]byte, error) {
	type alias WebRtcPublishEndpoint
	return json.Marshal(&struct {
		Kind string `json:"kind"`
		*alias
	}{KindWebRtcPublishEndpoint, (*alias)(e)})
}

func (e *WebRtcPlayEndpoint) MarshalJSON() ([]byte, error) {
	type alias WebRtcPlayEndpoint
	return json.Marshal(&struct {
		Kind string `json:"kind"`
		*alias
	}{KindWebRtcPlayEndpoint, (*alias)(e)})
}

func (e *WebRtcPlayEndpoint) UnmarshalJSON(data []byte) error {
	type alias WebRtcPlayEndpoint
	aux := struct {
		*alias
		Src string `json:"src"`
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	src, err := ParseSrcFid(aux.Src)
	if err != nil {
		return err
	}
	e.Src = src
	return nil
}
