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
	"context"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pkg/errors"

	"github.com/relaymesh/signal-server/pkg/logger"
	"github.com/relaymesh/signal-server/pkg/telemetry"
)

var (
	ErrPoolTimeout    = errors.New("coturn admin pool checkout timed out")
	ErrPoolClosed     = errors.New("coturn admin pool is closed")
	ErrConnectFailure = errors.New("could not connect to coturn admin interface")
)

type PoolOptions struct {
	Addr     string
	Password string

	// MaxSize bounds concurrently leased connections.
	MaxSize int
	// WaitTimeout bounds how long a checkout may block on an exhausted pool.
	WaitTimeout time.Duration
	// ConnectTimeout bounds establishment of a new connection.
	ConnectTimeout time.Duration
	// RecycleTimeout bounds connection age: older connections are closed and
	// replaced instead of being handed out again.
	RecycleTimeout time.Duration
}

// Pool is a bounded pool of coturn admin connections. Capacity is tracked by
// tokens: a checkout first claims a token (blocking up to WaitTimeout), then
// either reuses an idle connection or dials a fresh one. Every lease is used
// for exactly one request/response round trip.
type Pool struct {
	opts PoolOptions

	tokens chan struct{}
	idle   chan *Conn
	closed core.Fuse

	log logger.Logger
}

func NewPool(opts PoolOptions) *Pool {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1
	}

	p := &Pool{
		opts:   opts,
		tokens: make(chan struct{}, opts.MaxSize),
		idle:   make(chan *Conn, opts.MaxSize),
		log:    logger.GetLogger().WithValues("addr", opts.Addr),
	}
	for i := 0; i < opts.MaxSize; i++ {
		p.tokens <- struct{}{}
	}
	return p
}

// Checkout leases a connection. It blocks up to WaitTimeout for capacity and
// fails with ErrPoolTimeout when the pool stays exhausted. The caller must
// hand the connection back with Return.
func (p *Pool) Checkout(ctx context.Context) (*Conn, error) {
	if p.closed.IsBroken() {
		return nil, ErrPoolClosed
	}

	wait := time.NewTimer(p.opts.WaitTimeout)
	defer wait.Stop()

	select {
	case <-p.tokens:
	case <-wait.C:
		telemetry.PoolCheckout("timeout")
		return nil, ErrPoolTimeout
	case <-ctx.Done():
		telemetry.PoolCheckout("canceled")
		return nil, ctx.Err()
	case <-p.closed.Watch():
		return nil, ErrPoolClosed
	}

	// token held from here on; give it back on every failure path
	for {
		select {
		case conn := <-p.idle:
			if conn.Age() > p.opts.RecycleTimeout {
				_ = conn.Close()
				continue
			}
			telemetry.PoolCheckout("reused")
			return conn, nil
		default:
		}
		break
	}

	conn, err := dial(ctx, p.opts.Addr, p.opts.Password, p.opts.ConnectTimeout, p.opts.ConnectTimeout)
	if err != nil {
		p.tokens <- struct{}{}
		telemetry.PoolCheckout("connect_failure")
		return nil, errors.Wrap(ErrConnectFailure, err.Error())
	}
	telemetry.PoolCheckout("dialed")
	return conn, nil
}

// Return releases a lease. Broken or aged connections are closed and their
// capacity recycled; healthy ones go back on the idle list.
func (p *Pool) Return(conn *Conn, broken bool) {
	if conn != nil {
		if broken || conn.Age() > p.opts.RecycleTimeout || p.closed.IsBroken() {
			_ = conn.Close()
		} else {
			select {
			case p.idle <- conn:
			default:
				_ = conn.Close()
			}
		}
	}
	select {
	case p.tokens <- struct{}{}:
	default:
		// Return without a matching Checkout
		p.log.Warnw("pool capacity overflow on return", nil)
	}
}

// Do runs a single round trip against a leased connection. The lease is
// released even when fn panics, so an abnormal exit can never leak pool
// capacity.
func (p *Pool) Do(ctx context.Context, fn func(*Conn) error) error {
	conn, err := p.Checkout(ctx)
	if err != nil {
		return err
	}

	done := false
	defer func() {
		p.Return(conn, !done)
	}()

	if err = fn(conn); err != nil {
		return err
	}
	done = true
	return nil
}

// Cmd leases a connection for one command and returns its response.
func (p *Pool) Cmd(ctx context.Context, cmd string) (string, error) {
	var resp string
	err := p.Do(ctx, func(c *Conn) error {
		var cmdErr error
		resp, cmdErr = c.Cmd(ctx, cmd)
		return cmdErr
	})
	return resp, err
}

func (p *Pool) Close() {
	p.closed.Once(func() {
		for {
			select {
			case conn := <-p.idle:
				_ = conn.Close()
			default:
				return
			}
		}
	})
}
