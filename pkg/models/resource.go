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

package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrMalformedResource is returned when a payload cannot be turned back
	// into a Resource.
	ErrMalformedResource = errors.New("malformed resource")
	errResourceType      = errors.New("resource type is required")
	errResourceName      = errors.New("resource name is required")
)

// Resource is a capability record advertised by a host.
type Resource struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// ResourceKey is the identity of a resource inside a host's cache.
type ResourceKey struct {
	Type string
	Name string
}

func (k ResourceKey) String() string {
	return k.Type + "/" + k.Name
}

// Key returns the (type, name) identity of r.
func (r *Resource) Key() ResourceKey {
	return ResourceKey{Type: r.Type, Name: r.Name}
}

// Validate checks that the identity fields are present.
func (r *Resource) Validate() error {
	if r.Type == "" {
		return errResourceType
	}

	if r.Name == "" {
		return errResourceName
	}

	return nil
}

// Clone returns a copy that shares no memory with r.
func (r *Resource) Clone() Resource {
	out := *r
	if r.Value != nil {
		out.Value = append(json.RawMessage(nil), r.Value...)
	}

	return out
}

// NewResource builds a Resource, marshaling value to JSON.
func NewResource(resourceType, name string, value interface{}) (Resource, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Resource{}, fmt.Errorf("failed to marshal value for %s/%s: %w", resourceType, name, err)
	}

	r := Resource{Type: resourceType, Name: name, Value: raw}
	if err := r.Validate(); err != nil {
		return Resource{}, err
	}

	return r, nil
}

// EncodeResource serializes r for transmission on a broadcast destination.
func EncodeResource(r *Resource) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResource, err)
	}

	out := *r
	if len(out.Value) == 0 {
		out.Value = json.RawMessage("null")
	}

	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResource, err)
	}

	return data, nil
}

// DecodeResource reconstructs a Resource from its encoded form.
func DecodeResource(data []byte) (Resource, error) {
	var r Resource

	if len(bytes.TrimSpace(data)) == 0 {
		return Resource{}, fmt.Errorf("%w: empty payload", ErrMalformedResource)
	}

	if err := json.Unmarshal(data, &r); err != nil {
		return Resource{}, fmt.Errorf("%w: %w", ErrMalformedResource, err)
	}

	if err := r.Validate(); err != nil {
		return Resource{}, fmt.Errorf("%w: %w", ErrMalformedResource, err)
	}

	if len(r.Value) == 0 {
		r.Value = json.RawMessage("null")
	}

	return r, nil
}
