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

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/relaymesh/signal-server/pkg/element"
)

const namespace = "signal_server"

var (
	elementsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "elements_created_total",
		Help:      "Elements committed through the Control API by kind.",
	}, []string{"kind"})

	sessionsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions",
		Help:      "Live RPC sessions by state.",
	}, []string{"state"})

	credentialOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turn_credential_ops_total",
		Help:      "TURN credential issuance and revocation outcomes.",
	}, []string{"op", "result"})

	poolCheckouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "coturn_pool_checkouts_total",
		Help:      "Coturn admin pool checkout outcomes.",
	}, []string{"result"})

	webhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Callback delivery outcomes after retries.",
	}, []string{"result"})
)

func ElementCreated(el element.Element) {
	var kind string
	switch el.(type) {
	case *element.Room:
		kind = "room"
	case *element.Member:
		kind = "member"
	case *element.WebRtcPublishEndpoint:
		kind = "webrtc_publish"
	case *element.WebRtcPlayEndpoint:
		kind = "webrtc_play"
	default:
		kind = "unknown"
	}
	elementsCreated.WithLabelValues(kind).Inc()
}

func SessionStateChanged(prev, next string) {
	if prev != "" {
		sessionsByState.WithLabelValues(prev).Dec()
	}
	if next != "" {
		sessionsByState.WithLabelValues(next).Inc()
	}
}

func CredentialIssued(ok bool) {
	credentialOps.WithLabelValues("issue", boolResult(ok)).Inc()
}

func CredentialRevoked(ok bool) {
	credentialOps.WithLabelValues("revoke", boolResult(ok)).Inc()
}

func PoolCheckout(result string) {
	poolCheckouts.WithLabelValues(result).Inc()
}

func WebhookDelivered(ok bool) {
	webhookDeliveries.WithLabelValues(boolResult(ok)).Inc()
}

func boolResult(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
