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

// Package vmspace implements address spaces: a page-table tree plus a
// sorted, non-overlapping set of virtual-memory regions describing the
// permissions and backing policy of each range.
//
// The region set answers the fault path's central question — is this address
// one the owning task may touch, and if so, is it backed lazily — while the
// page tables hold whatever subset of the regions is currently materialized.
package vmspace

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/TELOS-syslab/asterinas/pkg/frame"
	"github.com/TELOS-syslab/asterinas/pkg/machine"
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
	"github.com/TELOS-syslab/asterinas/pkg/pagetables"
	"github.com/TELOS-syslab/asterinas/pkg/sync"
)

// ErrRegionOverlap is returned when a new region intersects an existing one.
var ErrRegionOverlap = errors.New("virtual-memory region overlap")

// Backing is a region's backing policy.
type Backing int

const (
	// BackingNone reserves address space with no memory behind it; any
	// access is the task's own fault.
	BackingNone Backing = iota

	// BackingEager means the kernel layer maps frames explicitly before
	// use; an access to a not-yet-mapped page is a task fault.
	BackingEager

	// BackingLazy means pages materialize on first touch via the demand
	// paging path.
	BackingLazy
)

// Region is one virtual-memory region: a range with uniform permissions and
// backing policy.
type Region struct {
	// Range is the page-aligned virtual range.
	Range memtypes.VirtRange

	// Prop applies to every page materialized in the region.
	Prop memtypes.PageProperty

	// Backing is the backing policy.
	Backing Backing
}

// asidLimit bounds the 16-bit ASID space. ASID 0 is reserved for global
// translations.
const asidLimit = 1 << 16

// nextASID hands out address-space identifiers. It only ever grows; once the
// 16-bit space is spent, every later allocation fails rather than aliasing a
// live ASID, which would let one space's unmap miss another's stale
// translations. Recycling needs scheduler cooperation above this layer.
var nextASID atomic.Uint32

func allocASID() (uint16, error) {
	for {
		cur := nextASID.Load()
		if cur >= asidLimit-1 {
			return 0, errors.New("vmspace: address-space identifiers exhausted")
		}
		if nextASID.CompareAndSwap(cur, cur+1) {
			return uint16(cur + 1), nil
		}
	}
}

// AddressSpace is one task's translation context.
type AddressSpace struct {
	m    *machine.Machine
	pool *frame.Pool
	pt   *pagetables.PageTables

	// mu guards the region set.
	mu      sync.SpinLock
	regions *btree.BTreeG[*Region]
}

// New creates an empty address space with a fresh ASID.
func New(m *machine.Machine, cpu *machine.CPU, pool *frame.Pool) (*AddressSpace, error) {
	format, err := pagetables.FormatFor(m.Arch())
	if err != nil {
		return nil, err
	}
	asid, err := allocASID()
	if err != nil {
		return nil, err
	}
	pt, err := pagetables.New(m, cpu, pool, format, asid)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{
		m:    m,
		pool: pool,
		pt:   pt,
		regions: btree.NewG[*Region](8, func(a, b *Region) bool {
			return a.Range.Start < b.Range.Start
		}),
	}, nil
}

// PageTables exposes the underlying tree.
func (as *AddressSpace) PageTables() *pagetables.PageTables {
	return as.pt
}

// ASID returns the address-space identifier.
func (as *AddressSpace) ASID() uint16 {
	return as.pt.ASID()
}

// Activate installs this address space as the active translation context of
// cpu. Used on task switch.
func (as *AddressSpace) Activate(cpu *machine.CPU) {
	cpu.SetActiveRoot(as.pt.Root(), as.pt.ASID())
}

// AddRegion registers a region. The range must be page-aligned and must not
// intersect any existing region.
func (as *AddressSpace) AddRegion(r Region) error {
	if !r.Range.WellFormed() {
		return fmt.Errorf("vmspace: malformed region range %s", r.Range)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	overlap := false
	as.regions.DescendLessOrEqual(&Region{Range: memtypes.VirtRange{Start: r.Range.Start}}, func(prev *Region) bool {
		overlap = prev.Range.End > r.Range.Start
		return false
	})
	if !overlap {
		as.regions.AscendGreaterOrEqual(&Region{Range: memtypes.VirtRange{Start: r.Range.Start}}, func(next *Region) bool {
			overlap = next.Range.Start < r.Range.End
			return false
		})
	}
	if overlap {
		return fmt.Errorf("%w: %s", ErrRegionOverlap, r.Range)
	}
	as.regions.ReplaceOrInsert(&r)
	return nil
}

// RemoveRegion drops the region starting at start, unmapping any pages
// materialized in it.
func (as *AddressSpace) RemoveRegion(cpu *machine.CPU, start memtypes.VirtAddr) error {
	as.mu.Lock()
	r, ok := as.regions.Delete(&Region{Range: memtypes.VirtRange{Start: start}})
	as.mu.Unlock()
	if !ok {
		return fmt.Errorf("vmspace: no region starts at %#x", uint64(start))
	}
	for va := r.Range.Start; va < r.Range.End; va += memtypes.PageSize {
		vr := memtypes.VirtRange{Start: va, End: va + memtypes.PageSize}
		if err := as.pt.Unmap(cpu, vr); err != nil && !errors.Is(err, pagetables.ErrNotMapped) {
			return err
		}
	}
	return nil
}

// FindRegion returns the region containing va.
func (as *AddressSpace) FindRegion(va memtypes.VirtAddr) (Region, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	var found *Region
	as.regions.DescendLessOrEqual(&Region{Range: memtypes.VirtRange{Start: va}}, func(r *Region) bool {
		if r.Range.Contains(va) {
			found = r
		}
		return false
	})
	if found == nil {
		return Region{}, false
	}
	return *found, true
}

// Regions returns the regions in ascending order. The slice is a snapshot.
func (as *AddressSpace) Regions() []Region {
	as.mu.Lock()
	defer as.mu.Unlock()

	out := make([]Region, 0, as.regions.Len())
	as.regions.Ascend(func(r *Region) bool {
		out = append(out, *r)
		return true
	})
	return out
}

// MapFrame materializes the block held by f at va with the containing
// region's properties. The mapping takes its own references; the caller
// keeps its handle.
func (as *AddressSpace) MapFrame(cpu *machine.CPU, va memtypes.VirtAddr, f *frame.Frame) error {
	vr := memtypes.VirtRange{Start: va, End: va + memtypes.VirtAddr(f.Size())}
	r, ok := as.FindRegion(va)
	if !ok || !r.Range.Contains(vr.End-1) {
		return fmt.Errorf("vmspace: range %s not covered by one region", vr)
	}
	return as.pt.Map(cpu, vr, f, pagetables.MapOpts{Prop: r.Prop})
}

// Unmap removes materialized pages in vr without touching the region set.
func (as *AddressSpace) Unmap(cpu *machine.CPU, vr memtypes.VirtRange) error {
	return as.pt.Unmap(cpu, vr)
}

// Release tears down the whole address space: regions, mappings and tables.
// Must not be active on any CPU.
func (as *AddressSpace) Release(cpu *machine.CPU) {
	as.mu.Lock()
	as.regions.Clear(false)
	as.mu.Unlock()
	as.pt.Release(cpu)
}
