/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package liveness answers the TCP liveness probe other nodes send to this host.
package liveness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/carverauto/rdregistry/pkg/logger"
)

const (
	// DefaultPort is the liveness port probed on every tracked host.
	DefaultPort = 4369
	// DefaultTimeout bounds how long a peer may take to send its request.
	DefaultTimeout = 10 * time.Second

	maxRequest = 64
)

var (
	// Ping is the probe request.
	Ping = []byte("PING")
	// Pong is the reply to Ping.
	Pong = []byte("PONG")

	errNotListening = errors.New("liveness responder is not listening")
)

// Responder is a TCP server replying PONG to PING.
type Responder struct {
	addr    string
	timeout time.Duration
	logger  logger.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewResponder returns a responder for addr. A zero timeout means DefaultTimeout.
func NewResponder(addr string, timeout time.Duration, log logger.Logger) *Responder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Responder{addr: addr, timeout: timeout, logger: log}
}

// Addr builds the listen address for a port on all interfaces.
func Addr(port int) string {
	return net.JoinHostPort("", strconv.Itoa(port))
}

// Listen binds the socket. Start calls it if it has not been called.
func (r *Responder) Listen() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return fmt.Errorf("liveness listen on %s: %w", r.addr, err)
	}

	r.ln = ln

	return nil
}

// BoundAddr is the address actually bound, useful when listening on port 0.
func (r *Responder) BoundAddr() (net.Addr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ln == nil {
		return nil, errNotListening
	}

	return r.ln.Addr(), nil
}

// Start accepts connections until ctx is cancelled or Stop is called.
func (r *Responder) Start(ctx context.Context) error {
	if err := r.Listen(); err != nil {
		return err
	}

	r.mu.Lock()
	ln := r.ln
	r.mu.Unlock()

	r.logger.Info().Str("addr", ln.Addr().String()).Msg("Liveness responder listening")

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, net.ErrClosed) {
				return nil
			}

			r.logger.Warn().Err(err).Msg("Liveness accept failed")

			continue
		}

		r.wg.Add(1)

		go r.serve(conn)
	}
}

// Stop closes the listener and waits for open connections.
func (r *Responder) Stop(ctx context.Context) error {
	r.mu.Lock()
	ln := r.ln
	r.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}

	done := make(chan struct{})

	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Responder) serve(conn net.Conn) {
	defer r.wg.Done()
	defer func() { _ = conn.Close() }()

	if err := conn.SetDeadline(time.Now().Add(r.timeout)); err != nil {
		return
	}

	buf := make([]byte, maxRequest)

	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		r.logger.Debug().Err(err).Str("peer", conn.RemoteAddr().String()).Msg("Liveness read failed")

		return
	}

	if !bytes.Equal(bytes.TrimSpace(buf[:n]), Ping) {
		r.logger.Debug().Str("peer", conn.RemoteAddr().String()).Msg("Unexpected liveness request")

		return
	}

	if _, err := conn.Write(Pong); err != nil {
		r.logger.Debug().Err(err).Msg("Liveness reply failed")
	}
}
