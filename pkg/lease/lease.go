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

// Package lease computes how long cached state stays trusted before it must
// be re-verified.
package lease

import "time"

// DefaultGranularity is the unit remaining time is reported in. Leases are
// configured in whole seconds, so anything finer than a second left on the
// clock counts as expired.
const DefaultGranularity = time.Second

// Lease is a (start, duration) validity window.
type Lease struct {
	Start       time.Time
	Duration    time.Duration
	Granularity time.Duration
}

// New returns a lease starting at start. A non-positive granularity selects
// DefaultGranularity.
func New(start time.Time, duration, granularity time.Duration) Lease {
	if granularity <= 0 {
		granularity = DefaultGranularity
	}

	return Lease{
		Start:       start,
		Duration:    duration,
		Granularity: granularity,
	}
}

// Remaining returns max(0, duration - (now - start)) in whole seconds.
func Remaining(start time.Time, duration time.Duration, now time.Time) time.Duration {
	return remaining(start, duration, now, DefaultGranularity)
}

// Remaining reports the time left on the lease at now.
func (l Lease) Remaining(now time.Time) time.Duration {
	return remaining(l.Start, l.Duration, now, l.Granularity)
}

// Expired reports whether nothing is left on the lease at now.
func (l Lease) Expired(now time.Time) bool {
	return l.Remaining(now) == 0
}

// ExpiresAt is the instant the lease runs out.
func (l Lease) ExpiresAt() time.Time {
	return l.Start.Add(l.Duration)
}

// Renew restarts the lease at now, keeping its duration.
func (l Lease) Renew(now time.Time) Lease {
	l.Start = now

	return l
}

func remaining(start time.Time, duration time.Duration, now time.Time, granularity time.Duration) time.Duration {
	if granularity <= 0 {
		granularity = DefaultGranularity
	}

	left := duration - now.Sub(start)
	if left <= 0 {
		return 0
	}

	return left.Truncate(granularity)
}
