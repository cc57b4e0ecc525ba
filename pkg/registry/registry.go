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

// Package registry maps host identifiers to the tracker responsible for
// each host. It is the only structure shared between actors.
package registry

import (
	"sort"
	"sync"
)

// Handle is the control surface of a tracker as seen by other actors.
// Implementations must be comparable (pointer types), since deregistration
// matches on the handle value.
type Handle interface {
	Host() string
	Stop()
}

// Entry is a snapshot of one registration.
type Entry struct {
	Host   string
	Handle Handle
}

// Registry is a concurrent host → handle table.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Handle
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]Handle),
	}
}

// Register inserts or overwrites the handle for host.
func (r *Registry) Register(host string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[host] = h
}

// TryRegister inserts h only if host is not registered yet. On conflict it
// returns the existing handle and false.
func (r *Registry) TryRegister(host string, h Handle) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[host]; ok {
		return existing, false
	}

	r.entries[host] = h

	return h, true
}

// Lookup returns the handle registered for host. A miss is not an error.
func (r *Registry) Lookup(host string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.entries[host]

	return h, ok
}

// All returns a point-in-time snapshot ordered by host.
func (r *Registry) All() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))

	for host, h := range r.entries {
		out = append(out, Entry{Host: host, Handle: h})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })

	return out
}

// DeregisterByHandle removes every entry whose value is h and returns how
// many were removed. Entries re-registered to a different handle survive.
func (r *Registry) DeregisterByHandle(h Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0

	for host, existing := range r.entries {
		if existing == h {
			delete(r.entries, host)

			removed++
		}
	}

	return removed
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}
