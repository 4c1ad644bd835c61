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

package cli

import (
	"bufio"
	"context"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// prompt terminates every response of the coturn telnet admin interface.
const prompt = "> "

// Conn is a single connection to the coturn admin CLI. It speaks the textual
// telnet protocol: one command line out, response text back, terminated by
// the CLI prompt. Conns are not safe for concurrent use; the pool hands each
// one to a single leaseholder at a time.
type Conn struct {
	nc        net.Conn
	r         *bufio.Reader
	createdAt time.Time
	ioTimeout time.Duration
}

func dial(ctx context.Context, addr, password string, connectTimeout, ioTimeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: connectTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "could not dial coturn admin interface")
	}

	c := &Conn{
		nc:        nc,
		r:         bufio.NewReader(nc),
		createdAt: time.Now(),
		ioTimeout: ioTimeout,
	}

	_ = nc.SetDeadline(time.Now().Add(connectTimeout))
	defer nc.SetDeadline(time.Time{})

	// the CLI greets with a banner ending in either a password prompt or the
	// command prompt
	greeting, err := c.readResponse()
	if err != nil {
		_ = nc.Close()
		return nil, errors.Wrap(err, "no greeting from coturn admin interface")
	}

	if strings.Contains(strings.ToLower(greeting), "password") {
		if _, err = c.roundTrip(password); err != nil {
			_ = nc.Close()
			return nil, errors.Wrap(err, "coturn admin authentication failed")
		}
	}
	return c, nil
}

// Cmd performs the connection's single request/response round trip for the
// current lease.
func (c *Conn) Cmd(ctx context.Context, cmd string) (string, error) {
	deadline := time.Now().Add(c.ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.nc.SetDeadline(deadline); err != nil {
		return "", err
	}
	defer c.nc.SetDeadline(time.Time{})

	return c.roundTrip(cmd)
}

func (c *Conn) roundTrip(line string) (string, error) {
	if _, err := c.nc.Write([]byte(line + "\r\n")); err != nil {
		return "", err
	}
	return c.readResponse()
}

func (c *Conn) readResponse() (string, error) {
	var b strings.Builder
	for {
		chunk, err := c.r.ReadString('>')
		b.WriteString(chunk)
		if err != nil {
			return b.String(), err
		}
		// the prompt is "> " at line start; peek the trailing space
		next, err := c.r.Peek(1)
		if err == nil && next[0] == ' ' {
			_, _ = c.r.Discard(1)
			resp := b.String()
			return strings.TrimSuffix(resp, ">"), nil
		}
	}
}

// Age reports how long ago the connection was established.
func (c *Conn) Age() time.Duration {
	return time.Since(c.createdAt)
}

func (c *Conn) Close() error {
	return c.nc.Close()
}
