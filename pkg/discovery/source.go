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

// Package discovery finds the hosts a node should track.
package discovery

import (
	"context"
	"errors"
)

// Kind tells whether a host appeared or went away.
type Kind int

const (
	HostUp Kind = iota
	HostDown
)

func (k Kind) String() string {
	if k == HostDown {
		return "down"
	}

	return "up"
}

// Event reports a change in host membership.
type Event struct {
	Host string
	Kind Kind
}

// EmitFunc receives events. It may be called from several goroutines.
type EmitFunc func(Event)

// Source produces membership events until ctx is cancelled.
type Source interface {
	Name() string
	Run(ctx context.Context, emit EmitFunc) error
}

var (
	errSelfRequired = errors.New("local host id is required")
	errNoClient     = errors.New("discovery client is required")
)

// Static emits HostUp once for every configured host and then idles.
type Static struct {
	Hosts []string
}

func (*Static) Name() string { return "static" }

func (s *Static) Run(ctx context.Context, emit EmitFunc) error {
	for _, h := range s.Hosts {
		if h != "" {
			emit(Event{Host: h, Kind: HostUp})
		}
	}

	<-ctx.Done()

	return ctx.Err()
}
