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

package turn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/relaymesh/signal-server/pkg/config"
	"github.com/relaymesh/signal-server/pkg/element"
	"github.com/relaymesh/signal-server/pkg/logger"
	"github.com/relaymesh/signal-server/pkg/telemetry"
)

// credentialTTLSlack pads the database TTL past the session's own deadline so
// a credential never expires under a still-live session.
const credentialTTLSlack = 30 * time.Second

// ErrAllocationRevoked reports that the lineage was revoked while its
// credential issuance was still in flight. The issued entry has already been
// rolled back; the session must not be reported live.
var ErrAllocationRevoked = errors.New("credential revoked during issuance")

// IceServer is the TURN endpoint description handed to a connecting client.
type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type issuance struct {
	done    chan struct{}
	revoked bool
}

// Provisioner issues one ephemeral TURN credential per live session lineage
// and revokes it on terminal transitions. Issuance failures surface to the
// caller; revocation failures are retried out of band so teardown never
// blocks on the TURN server.
type Provisioner struct {
	conf   config.TURNConfig
	store  CredentialStore
	kicker SessionKicker
	issued *credCache
	log    logger.Logger

	mu       sync.Mutex
	inflight map[string]*issuance
}

func NewProvisioner(conf config.TURNConfig, store CredentialStore, kicker SessionKicker) *Provisioner {
	return &Provisioner{
		conf:     conf,
		store:    store,
		kicker:   kicker,
		issued:   newCredCache(time.Minute),
		log:      logger.GetLogger().WithValues("component", "turn"),
		inflight: make(map[string]*issuance),
	}
}

func (p *Provisioner) Stop() {
	p.issued.Stop()
}

// Allocate issues a credential for the member's session. ttl must cover the
// session's idle and reconnect windows; the stored entry outlives it by a
// fixed slack. A revocation that raced in while the database write was in
// flight is applied as soon as the write lands and the call fails with
// ErrAllocationRevoked.
func (p *Provisioner) Allocate(ctx context.Context, fid element.Fid, ttl time.Duration) (IceUser, error) {
	key := fid.String()
	user := IceUser{
		Name: fmt.Sprintf("%s_%s", fid.Room, fid.Member),
		Pass: uuid.NewString(),
	}

	in := &issuance{done: make(chan struct{})}
	p.mu.Lock()
	for {
		prev, ok := p.inflight[key]
		if !ok {
			break
		}
		// never overwrite a live issuance for the same lineage; its queued
		// revocation would be lost
		p.mu.Unlock()
		<-prev.done
		p.mu.Lock()
	}
	p.inflight[key] = in
	p.mu.Unlock()

	err := p.store.Put(ctx, user, ttl+credentialTTLSlack)
	telemetry.CredentialIssued(err == nil)

	p.mu.Lock()
	delete(p.inflight, key)
	revoked := in.revoked
	p.mu.Unlock()
	close(in.done)

	if err != nil {
		return IceUser{}, err
	}

	p.issued.Put(key, user, ttl+credentialTTLSlack)
	if revoked {
		// The session died while we were issuing.
		p.Deallocate(context.WithoutCancel(ctx), fid)
		return IceUser{}, ErrAllocationRevoked
	}
	return user, nil
}

// Deallocate revokes the session's credential and kicks its live TURN
// allocations. Revocation requested while an issuance for the same lineage is
// still in flight is queued onto it instead of racing the database write.
func (p *Provisioner) Deallocate(ctx context.Context, fid element.Fid) {
	key := fid.String()

	p.mu.Lock()
	if in, ok := p.inflight[key]; ok {
		in.revoked = true
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	user, ok := p.issued.Get(key)
	if !ok {
		return
	}
	p.issued.Delete(key)

	if err := p.revoke(ctx, user); err != nil {
		p.log.Warnw("TURN credential revocation failed, retrying", err, "user", user.Name)
		go p.retryRevoke(user)
	}
}

// CredentialFor reports the credential currently issued to a lineage.
func (p *Provisioner) CredentialFor(fid element.Fid) (IceUser, bool) {
	return p.issued.Get(fid.String())
}

// IceServers renders the TURN endpoint list for a credential.
func (p *Provisioner) IceServers(user IceUser) []IceServer {
	return []IceServer{{
		URLs:       []string{fmt.Sprintf("turn:%s:%d", p.conf.Host, p.conf.Port)},
		Username:   user.Name,
		Credential: user.Pass,
	}}
}

func (p *Provisioner) revoke(ctx context.Context, user IceUser) error {
	if err := p.store.Delete(ctx, user.Name); err != nil {
		telemetry.CredentialRevoked(false)
		return err
	}
	if p.kicker != nil {
		if err := p.kicker.CloseUserSessions(ctx, user.Name); err != nil {
			telemetry.CredentialRevoked(false)
			return err
		}
	}
	telemetry.CredentialRevoked(true)
	return nil
}

func (p *Provisioner) retryRevoke(user IceUser) {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = time.Minute
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return p.revoke(ctx, user)
	}, b)
	if err != nil {
		// The database TTL expires the entry on its own.
		p.log.Errorw("giving up on TURN credential revocation", err, "user", user.Name)
	}
}
