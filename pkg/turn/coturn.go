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
	"regexp"

	"github.com/pkg/errors"

	"github.com/relaymesh/signal-server/pkg/logger"
	"github.com/relaymesh/signal-server/pkg/turn/cli"
)

// SessionKicker terminates live TURN allocations belonging to a user.
type SessionKicker interface {
	CloseUserSessions(ctx context.Context, user string) error
}

var sessionIDPattern = regexp.MustCompile(`id=([0-9a-fA-F]+)`)

// Admin drives the coturn telnet CLI through a bounded connection pool.
// Revoking a credential only stops new allocations; live sessions keep
// relaying until they are killed here.
type Admin struct {
	pool *cli.Pool
	log  logger.Logger
}

func NewAdmin(pool *cli.Pool) *Admin {
	return &Admin{
		pool: pool,
		log:  logger.GetLogger().WithValues("component", "coturn-admin"),
	}
}

// CloseUserSessions lists the user's allocations with "ps <user>" and closes
// each one with "cs <id>". Each command is its own pool lease so a long kill
// list cannot starve other pool users.
func (a *Admin) CloseUserSessions(ctx context.Context, user string) error {
	resp, err := a.pool.Cmd(ctx, "ps "+user)
	if err != nil {
		return errors.Wrap(err, "could not list TURN sessions")
	}
	for _, m := range sessionIDPattern.FindAllStringSubmatch(resp, -1) {
		if _, err := a.pool.Cmd(ctx, "cs "+m[1]); err != nil {
			return errors.Wrap(err, "could not close TURN session")
		}
		a.log.Debugw("closed TURN session", "user", user, "sessionID", m[1])
	}
	return nil
}
