// Copyright 2024 The Asterinas Authors.
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

// Package boot carries the one-shot memory map handed over by the boot
// protocol. It is consumed exactly once, at initialization, to seed the frame
// allocator's free lists; nothing in the framework reads it afterwards.
package boot

import (
	"fmt"
	"sort"

	"github.com/TELOS-syslab/asterinas/pkg/log"
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
)

// RegionType classifies a physical memory region reported at boot.
type RegionType uint32

const (
	// RegionUnknown is memory of unknown purpose; never used.
	RegionUnknown RegionType = iota

	// RegionUsable is free RAM available to the frame allocator.
	RegionUsable

	// RegionReserved is firmware-reserved memory.
	RegionReserved

	// RegionACPI holds ACPI tables that may be reclaimed by the kernel
	// layer, but never by this framework.
	RegionACPI

	// RegionMMIO is memory-mapped device space.
	RegionMMIO

	// RegionKernel is occupied by the loaded kernel image.
	RegionKernel
)

func (t RegionType) String() string {
	switch t {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	case RegionACPI:
		return "acpi"
	case RegionMMIO:
		return "mmio"
	case RegionKernel:
		return "kernel"
	default:
		return "unknown"
	}
}

// Region is one boot-protocol memory map record.
type Region struct {
	// Start is the first physical address of the region.
	Start memtypes.PhysAddr

	// Length is the region length in bytes.
	Length uint64

	// Type classifies the region.
	Type RegionType
}

// End returns the first address past the region.
func (r Region) End() memtypes.PhysAddr {
	return r.Start + memtypes.PhysAddr(r.Length)
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x,%#x) %s", uint64(r.Start), uint64(r.End()), r.Type)
}

// UsableRegions extracts the allocator-usable portion of the boot map:
// usable records only, clipped inward to page boundaries, sorted, with
// overlapping or adjacent records merged. The boot protocol makes no
// alignment or ordering promises, so all of this is normalization we must do
// rather than trust.
func UsableRegions(regions []Region) []Region {
	var usable []Region
	for _, r := range regions {
		if r.Type != RegionUsable {
			continue
		}
		start, ok := r.Start.RoundUp()
		if !ok || r.Length == 0 {
			continue
		}
		end := r.End().RoundDown()
		if end <= start {
			continue
		}
		// The zero page is never handed out; a zero physical address
		// doubles as "no frame" throughout the framework.
		if start == 0 {
			start = memtypes.PageSize
			if end <= start {
				continue
			}
		}
		usable = append(usable, Region{
			Start:  start,
			Length: uint64(end - start),
			Type:   RegionUsable,
		})
	}

	sort.Slice(usable, func(i, j int) bool {
		return usable[i].Start < usable[j].Start
	})

	// Merge overlapping and adjacent records.
	merged := usable[:0]
	for _, r := range usable {
		if n := len(merged); n > 0 && r.Start <= merged[n-1].End() {
			if r.End() > merged[n-1].End() {
				merged[n-1].Length = uint64(r.End() - merged[n-1].Start)
			}
			continue
		}
		merged = append(merged, r)
	}

	for _, r := range merged {
		log.Debugf("boot: usable region %s", r)
	}
	return merged
}

// TotalUsable returns the total usable bytes described by the normalized
// regions returned from UsableRegions.
func TotalUsable(regions []Region) uint64 {
	var total uint64
	for _, r := range regions {
		total += r.Length
	}
	return total
}
