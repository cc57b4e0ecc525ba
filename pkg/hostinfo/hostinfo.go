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

// Package hostinfo describes the local machine as resources.
package hostinfo

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/carverauto/rdregistry/pkg/logger"
	"github.com/carverauto/rdregistry/pkg/models"
)

const (
	TypeHost     = "host"
	TypeCapacity = "capacity"
)

// Info is the value of the host/info resource.
type Info struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platform_version"`
	Kernel          string `json:"kernel"`
	Arch            string `json:"arch"`
}

// CPU is the value of the capacity/cpu resource.
type CPU struct {
	Logical  int `json:"logical"`
	Physical int `json:"physical"`
}

// Memory is the value of the capacity/memory resource.
type Memory struct {
	TotalBytes uint64 `json:"total_bytes"`
}

type (
	infoFunc   func(context.Context) (*host.InfoStat, error)
	countsFunc func(context.Context, bool) (int, error)
	memFunc    func(context.Context) (*mem.VirtualMemoryStat, error)
)

// Collector reads host facts through gopsutil.
type Collector struct {
	logger logger.Logger

	info   infoFunc
	counts countsFunc
	memory memFunc
}

func NewCollector(log logger.Logger) *Collector {
	return &Collector{
		logger: log,
		info:   host.InfoWithContext,
		counts: cpu.CountsWithContext,
		memory: mem.VirtualMemoryWithContext,
	}
}

// Collect returns whichever of host/info, capacity/cpu and capacity/memory
// could be read. It fails only when none could.
func (c *Collector) Collect(ctx context.Context) ([]models.Resource, error) {
	var (
		out      []models.Resource
		firstErr error
	)

	add := func(typ, name string, value interface{}, err error) {
		if err == nil {
			var r models.Resource

			r, err = models.NewResource(typ, name, value)
			if err == nil {
				out = append(out, r)

				return
			}
		}

		c.logger.Warn().Err(err).Str("resource", typ+"/"+name).Msg("Skipping host resource")

		if firstErr == nil {
			firstErr = err
		}
	}

	if st, err := c.info(ctx); err == nil {
		add(TypeHost, "info", Info{
			Hostname:        st.Hostname,
			OS:              st.OS,
			Platform:        st.Platform,
			PlatformVersion: st.PlatformVersion,
			Kernel:          st.KernelVersion,
			Arch:            st.KernelArch,
		}, nil)
	} else {
		add(TypeHost, "info", nil, err)
	}

	logical, err := c.counts(ctx, true)
	if err == nil {
		physical, perr := c.counts(ctx, false)
		if perr != nil {
			physical = 0
		}

		add(TypeCapacity, "cpu", CPU{Logical: logical, Physical: physical}, nil)
	} else {
		add(TypeCapacity, "cpu", nil, err)
	}

	if vm, err := c.memory(ctx); err == nil {
		add(TypeCapacity, "memory", Memory{TotalBytes: vm.Total}, nil)
	} else {
		add(TypeCapacity, "memory", nil, err)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("no host resources collected: %w", firstErr)
	}

	return out, nil
}
