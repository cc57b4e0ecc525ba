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

// Package cache holds the resources currently known for a single host.
package cache

import (
	"sort"

	"github.com/carverauto/rdregistry/pkg/models"
)

// Cache is a set of resources keyed by (type, name). It is owned by exactly
// one tracker and is not safe for concurrent use.
type Cache struct {
	entries map[models.ResourceKey]models.Resource
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[models.ResourceKey]models.Resource),
	}
}

// Insert upserts r. It reports whether an entry with the same identity was
// replaced.
func (c *Cache) Insert(r *models.Resource) bool {
	key := r.Key()
	_, replaced := c.entries[key]
	c.entries[key] = r.Clone()

	return replaced
}

// List returns a copy of every cached resource ordered by type, then name.
func (c *Cache) List() []models.Resource {
	out := make([]models.Resource, 0, len(c.entries))
	for _, r := range c.entries {
		out = append(out, r.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}

		return out[i].Name < out[j].Name
	})

	return out
}

// Clear drops every entry and returns how many were removed.
func (c *Cache) Clear() int {
	n := len(c.entries)
	clear(c.entries)

	return n
}

func (c *Cache) Len() int {
	return len(c.entries)
}
