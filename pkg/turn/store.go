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
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// IceUser is an ephemeral TURN username/password pair scoped to one session
// lineage.
type IceUser struct {
	Name string
	Pass string
}

// CredentialStore is the shared credential database the TURN server
// authenticates against.
type CredentialStore interface {
	Put(ctx context.Context, user IceUser, ttl time.Duration) error
	Delete(ctx context.Context, name string) error
}

// RedisStore writes long-term-credential entries into coturn's Redis user
// database. Coturn expects the HMAC key MD5(user:realm:password) under
// "turn/realm/<realm>/user/<user>/key"; the TTL bounds how long a lost
// revocation can leave a credential behind.
type RedisStore struct {
	rc    redis.UniversalClient
	realm string
}

func NewRedisStore(rc redis.UniversalClient, realm string) *RedisStore {
	return &RedisStore{rc: rc, realm: realm}
}

func (s *RedisStore) Put(ctx context.Context, user IceUser, ttl time.Duration) error {
	key := s.key(user.Name)
	hmacKey := md5.Sum([]byte(fmt.Sprintf("%s:%s:%s", user.Name, s.realm, user.Pass)))
	if err := s.rc.Set(ctx, key, hex.EncodeToString(hmacKey[:]), ttl).Err(); err != nil {
		return errors.Wrap(err, "could not store TURN credential")
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, name string) error {
	if err := s.rc.Del(ctx, s.key(name)).Err(); err != nil {
		return errors.Wrap(err, "could not delete TURN credential")
	}
	return nil
}

func (s *RedisStore) key(name string) string {
	return fmt.Sprintf("turn/realm/%s/user/%s/key", s.realm, name)
}
