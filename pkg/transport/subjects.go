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

package transport

import (
	"errors"
	"fmt"
	"strings"
)

const (
	broadcastPrefix = "rd_"
	commandPrefix   = "rd_command_"
	commandToken    = "command_"

	// HostsSubject carries host announcements used for discovery.
	HostsSubject = "rd_hosts"

	// CommandResources asks the consumer of a command queue to re-announce
	// every resource it holds.
	CommandResources = "RESOURCES"
)

// BroadcastSubject is the topic every resource announcement for host is
// published on.
func BroadcastSubject(host string) string {
	return broadcastPrefix + host
}

// CommandSubject is the queue directed requests for host are sent to.
func CommandSubject(host string) string {
	return commandPrefix + host
}

// ErrInvalidHost is returned for host ids that cannot name a host's subjects.
var ErrInvalidHost = errors.New("invalid host id")

// ValidateHost rejects ids that would turn a host's subjects into NATS
// wildcards or invalid subjects, and ids whose broadcast subject is another
// subject in use: "command_x" would read host x's command queue and "hosts"
// the announcement subject. Dots are allowed so FQDNs and addresses work.
func ValidateHost(host string) error {
	switch {
	case host == "":
		return fmt.Errorf("%w: empty", ErrInvalidHost)
	case strings.ContainsAny(host, "*> \t\r\n"):
		return fmt.Errorf("%w: %q contains a wildcard or whitespace", ErrInvalidHost, host)
	case strings.HasPrefix(host, ".") || strings.HasSuffix(host, ".") || strings.Contains(host, ".."):
		return fmt.Errorf("%w: %q has an empty subject token", ErrInvalidHost, host)
	case strings.HasPrefix(host, commandToken):
		return fmt.Errorf("%w: %q collides with command subjects", ErrInvalidHost, host)
	case broadcastPrefix+host == HostsSubject:
		return fmt.Errorf("%w: %q collides with %s", ErrInvalidHost, host, HostsSubject)
	}

	return nil
}
