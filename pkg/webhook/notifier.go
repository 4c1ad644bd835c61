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

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
	"github.com/pkg/errors"

	"github.com/relaymesh/signal-server/pkg/config"
	"github.com/relaymesh/signal-server/pkg/element"
	"github.com/relaymesh/signal-server/pkg/logger"
	"github.com/relaymesh/signal-server/pkg/telemetry"
)

type EventKind string

// Session lifecycle kinds. Endpoint on_start/on_stop callbacks are accepted
// in element specs but fire from media negotiation, which this server does
// not perform; those kinds appear here when that wiring lands.
const (
	EventOnJoin  EventKind = "OnJoin"
	EventOnLeave EventKind = "OnLeave"
)

type LeaveReason string

const (
	ReasonDisconnected   LeaveReason = "Disconnected"
	ReasonLostConnection LeaveReason = "LostConnection"
	ReasonKicked         LeaveReason = "Kicked"
	ReasonServerShutdown LeaveReason = "ServerShutdown"
)

// Event is a lifecycle notification for a member or endpoint.
type Event struct {
	Fid    element.Fid
	At     time.Time
	Kind   EventKind
	Reason LeaveReason
}

type eventPayload struct {
	Fid   string       `json:"fid"`
	At    string       `json:"at"`
	Event eventDetails `json:"event"`
}

type eventDetails struct {
	Type   EventKind   `json:"type"`
	Reason LeaveReason `json:"reason,omitempty"`
}

type delivery struct {
	url   string
	event Event
}

// QueuedNotifier delivers lifecycle webhooks off the critical path. Events
// are dispatched in enqueue order, so a member's join always reaches the
// target before that member's leave. Delivery is best-effort: bounded retries
// with exponential backoff, then the event is dropped and logged.
type QueuedNotifier struct {
	conf   config.WebhookConfig
	client *http.Client
	log    logger.Logger

	mu    sync.Mutex
	queue deque.Deque[delivery]
	wake  chan struct{}

	closed core.Fuse
	done   chan struct{}
}

func NewQueuedNotifier(conf config.WebhookConfig) *QueuedNotifier {
	n := &QueuedNotifier{
		conf:   conf,
		client: &http.Client{Timeout: conf.RequestTimeout.Std()},
		log:    logger.GetLogger().WithValues("component", "webhook"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go n.worker()
	return n
}

// QueueNotify enqueues an event for delivery. Events without a target URL are
// dropped silently since callbacks are optional per element.
func (n *QueuedNotifier) QueueNotify(url string, event Event) {
	if url == "" || n.closed.IsBroken() {
		return
	}

	n.mu.Lock()
	n.queue.PushBack(delivery{url: url, event: event})
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Stop shuts the notifier down. Queued events that have not started delivery
// are dropped.
func (n *QueuedNotifier) Stop() {
	n.closed.Break()
	<-n.done
}

func (n *QueuedNotifier) worker() {
	defer close(n.done)
	for {
		d, ok := n.pop()
		if !ok {
			select {
			case <-n.wake:
				continue
			case <-n.closed.Watch():
				return
			}
		}
		n.deliver(d)
		if n.closed.IsBroken() {
			return
		}
	}
}

func (n *QueuedNotifier) pop() (delivery, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.queue.Len() == 0 {
		return delivery{}, false
	}
	return n.queue.PopFront(), true
}

func (n *QueuedNotifier) deliver(d delivery) {
	body, err := json.Marshal(eventPayload{
		Fid: d.event.Fid.String(),
		At:  d.event.At.UTC().Format(time.RFC3339),
		Event: eventDetails{
			Type:   d.event.Kind,
			Reason: d.event.Reason,
		},
	})
	if err != nil {
		n.log.Errorw("could not encode webhook event", err, "url", d.url)
		return
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.conf.InitialBackoff.Std()
	err = backoff.Retry(func() error {
		return n.post(d.url, body)
	}, backoff.WithMaxRetries(b, uint64(n.conf.MaxRetries)))

	telemetry.WebhookDelivered(err == nil)
	if err != nil {
		n.log.Errorw("callback delivery failed", err,
			"url", d.url,
			"fid", d.event.Fid.String(),
			"event", d.event.Kind,
		)
	}
}

func (n *QueuedNotifier) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.conf.RequestTimeout.Std())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := n.client.Do(req)
	if err != nil {
		return err
	}
	_ = res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return errors.Errorf("webhook target returned %d", res.StatusCode)
	}
	return nil
}
