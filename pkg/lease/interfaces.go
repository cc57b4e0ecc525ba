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

//go:generate mockgen -destination=mock_lease.go -package=lease github.com/carverauto/rdregistry/pkg/lease Clock

package lease

import "time"

// Clock abstracts the wall clock so lease arithmetic can be tested.
type Clock interface {
	Now() time.Time
}

// RealClock reads time.Now, which carries a monotonic reading.
type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}
