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
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// credCache tracks which sessions currently hold issued credentials. Entries
// expire in lockstep with the credential's database TTL, so a revocation that
// never arrives still clears the bookkeeping.
type credCache struct {
	c *ttlcache.Cache[string, IceUser]
}

func newCredCache(defaultTTL time.Duration) *credCache {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, IceUser](defaultTTL),
		ttlcache.WithDisableTouchOnHit[string, IceUser](),
	)
	go cache.Start()

	return &credCache{cache}
}

func (cc *credCache) Stop() {
	cc.c.Stop()
}

func (cc *credCache) Put(key string, user IceUser, ttl time.Duration) {
	cc.c.Set(key, user, ttl)
}

func (cc *credCache) Get(key string) (IceUser, bool) {
	if it := cc.c.Get(key); it != nil {
		return it.Value(), true
	}
	return IceUser{}, false
}

func (cc *credCache) Delete(key string) {
	cc.c.Delete(key)
}
