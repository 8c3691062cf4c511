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

// Package frame implements the physical frame allocator.
//
// The allocator is a buddy system: free blocks are kept on per-order free
// lists, allocation splits a larger block when no exact match exists, and
// freeing recursively coalesces a block with its buddy while both are free.
//
// Frame metadata lives in one flat array owned by the pool; everything else
// in the framework holds *Frame handles carrying a dense small-integer index
// into that array, never raw aliases. A handle is reference counted and the
// block returns to the free lists when the count reaches zero.
package frame

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/TELOS-syslab/asterinas/pkg/boot"
	"github.com/TELOS-syslab/asterinas/pkg/log"
	"github.com/TELOS-syslab/asterinas/pkg/machine"
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
	"github.com/TELOS-syslab/asterinas/pkg/sync"
)

// MaxOrder is the largest block order: one block of MaxOrder spans
// 2^MaxOrder base pages (4 MB with 4K pages).
const MaxOrder = 10

// ErrOutOfMemory is returned when no free block can satisfy an allocation.
var ErrOutOfMemory = errors.New("out of physical memory")

const (
	// stateFree: block head on a free list.
	stateFree = iota

	// stateAllocated: head of a live block.
	stateAllocated

	// stateTail: interior frame of a larger block; has no identity of its
	// own until a split makes it a head.
	stateTail
)

const nilIndex = int32(-1)

// frameMeta is the per-frame metadata slot. The flat array of these is the
// arena the design note in the package comment refers to.
type frameMeta struct {
	// refs is the block reference count, meaningful only for heads of
	// allocated blocks. Taken atomically so handles can be shared across
	// CPUs without the pool lock.
	refs atomic.Int32

	// order is the block order, meaningful for heads.
	order uint8

	// state is one of stateFree, stateAllocated, stateTail.
	state uint8

	// region is the pool region this frame belongs to.
	region int32

	// next, prev link free block heads into their order's free list.
	next, prev int32
}

// poolRegion is one contiguous usable range from the boot map.
type poolRegion struct {
	start memtypes.PhysAddr

	// first is the global index of the region's first frame.
	first int32

	// nFrames is the number of frames in the region.
	nFrames int32
}

// Stats is a point-in-time snapshot of pool usage.
type Stats struct {
	// TotalUsable is the usable bytes reported at boot.
	TotalUsable uint64

	// Allocated is the bytes currently held by live blocks.
	Allocated uint64
}

// Free returns the free bytes. TotalUsable == Allocated + Free always holds.
func (s Stats) Free() uint64 {
	return s.TotalUsable - s.Allocated
}

// Pool is the physical frame pool. It is seeded exactly once from the boot
// memory map and lives for the whole system.
type Pool struct {
	mem *machine.PhysicalMemory

	// mu guards the free lists, metadata states and allocated counter.
	// It is held only across list mutation, with interrupts disabled so a
	// trap handler on the same CPU cannot re-enter the allocator.
	mu sync.IRQLock

	freeLists [MaxOrder + 1]int32
	meta      []frameMeta
	regions   []poolRegion

	totalUsable uint64
	allocated   uint64
}

// NewPool seeds a pool from the boot memory map. regions are raw boot
// records; normalization happens here so there is exactly one consumer of
// the one-shot map.
func NewPool(mem *machine.PhysicalMemory, regions []boot.Region) (*Pool, error) {
	usable := boot.UsableRegions(regions)
	if len(usable) == 0 {
		return nil, errors.New("frame: boot map contains no usable memory")
	}

	p := &Pool{mem: mem}
	for i := range p.freeLists {
		p.freeLists[i] = nilIndex
	}

	var total int32
	for _, r := range usable {
		if r.End() > mem.Max() {
			return nil, fmt.Errorf("frame: usable region %s beyond modeled memory end %#x", r, uint64(mem.Max()))
		}
		n := int32(r.Length >> memtypes.PageShift)
		p.regions = append(p.regions, poolRegion{
			start:   r.Start,
			first:   total,
			nFrames: n,
		})
		total += n
	}
	p.meta = make([]frameMeta, total)
	p.totalUsable = boot.TotalUsable(usable)

	// Carve each region into maximal aligned blocks. Alignment is in
	// region-local index space; the buddy of a block is found by flipping
	// the order bit of its local index, so blocks must start at multiples
	// of their size.
	for ri, r := range p.regions {
		for li := int32(0); li < r.nFrames; {
			order := uint8(bits.TrailingZeros32(uint32(li) | 1<<MaxOrder))
			for (int32(1) << order) > r.nFrames-li {
				order--
			}
			idx := r.first + li
			p.meta[idx].region = int32(ri)
			p.meta[idx].order = order
			p.setTails(idx, order, int32(ri))
			p.pushFree(idx, order)
			li += 1 << order
		}
		// Tag region membership for every frame, heads included.
		for li := int32(0); li < r.nFrames; li++ {
			p.meta[r.first+li].region = int32(ri)
		}
	}

	log.Infof("frame: pool seeded with %d frames (%d KB) in %d regions",
		total, p.totalUsable>>10, len(p.regions))
	return p, nil
}

func (p *Pool) setTails(head int32, order uint8, region int32) {
	for i := head + 1; i < head+(1<<order); i++ {
		p.meta[i].state = stateTail
		p.meta[i].region = region
	}
}

// pushFree links the block at idx into its order's free list.
func (p *Pool) pushFree(idx int32, order uint8) {
	m := &p.meta[idx]
	m.state = stateFree
	m.order = order
	m.prev = nilIndex
	m.next = p.freeLists[order]
	if m.next != nilIndex {
		p.meta[m.next].prev = idx
	}
	p.freeLists[order] = idx
}

// unlinkFree removes the block at idx from its order's free list.
func (p *Pool) unlinkFree(idx int32) {
	m := &p.meta[idx]
	if m.prev != nilIndex {
		p.meta[m.prev].next = m.next
	} else {
		p.freeLists[m.order] = m.next
	}
	if m.next != nilIndex {
		p.meta[m.next].prev = m.prev
	}
	m.next, m.prev = nilIndex, nilIndex
}

// AllocOptions configures one allocation.
type AllocOptions struct {
	// Order requests a block of 2^Order contiguous frames.
	Order uint8

	// Zeroed clears the block before it is handed out.
	Zeroed bool
}

// Allocate returns a handle to a block of 2^opts.Order frames, or
// ErrOutOfMemory. cpu is the calling CPU; its interrupt flag brackets the
// critical section.
func (p *Pool) Allocate(cpu *machine.CPU, opts AllocOptions) (*Frame, error) {
	if opts.Order > MaxOrder {
		return nil, fmt.Errorf("frame: order %d exceeds maximum %d: %w", opts.Order, MaxOrder, ErrOutOfMemory)
	}

	p.mu.Lock(cpu)
	idx := p.takeLocked(opts.Order)
	if idx == nilIndex {
		p.mu.Unlock()
		return nil, ErrOutOfMemory
	}
	p.allocated += memtypes.PageSize << opts.Order
	p.mu.Unlock()

	f := &Frame{pool: p, index: idx}
	if opts.Zeroed {
		// Zeroing happens outside the critical section; the block is
		// exclusively ours already.
		if err := p.mem.Zero(f.PhysAddr(), f.Size()); err != nil {
			machine.Halt("frame: zeroing fresh block at %#x: %v", uint64(f.PhysAddr()), err)
		}
	}
	return f, nil
}

// takeLocked pops a block of the wanted order, splitting a larger block if
// needed. Returns nilIndex if nothing fits.
//
// Precondition: p.mu held.
func (p *Pool) takeLocked(want uint8) int32 {
	order := want
	for order <= MaxOrder && p.freeLists[order] == nilIndex {
		order++
	}
	if order > MaxOrder {
		return nilIndex
	}

	idx := p.freeLists[order]
	p.unlinkFree(idx)

	// Split down, returning the upper halves to their lists.
	for order > want {
		order--
		buddy := idx + (1 << order)
		p.pushFree(buddy, order)
	}

	m := &p.meta[idx]
	m.state = stateAllocated
	m.order = want
	m.refs.Store(1)
	return idx
}

// freeBlock returns an allocated block to the free lists, coalescing with
// its buddy as long as the buddy is a free block of the same order.
//
// Precondition: p.mu held; meta[idx] is an allocated head.
func (p *Pool) freeBlock(idx int32) {
	m := &p.meta[idx]
	r := &p.regions[m.region]
	order := m.order
	p.allocated -= memtypes.PageSize << order

	li := idx - r.first
	for order < MaxOrder {
		buddyLi := li ^ (1 << order)
		if buddyLi+(1<<order) > r.nFrames {
			break
		}
		buddy := r.first + buddyLi
		bm := &p.meta[buddy]
		if bm.state != stateFree || bm.order != order {
			break
		}
		p.unlinkFree(buddy)
		if buddyLi < li {
			p.meta[r.first+li].state = stateTail
			li = buddyLi
		} else {
			bm.state = stateTail
		}
		order++
	}
	p.pushFree(r.first+li, order)
}

// Stats returns a consistent snapshot of pool usage.
func (p *Pool) Stats(cpu *machine.CPU) Stats {
	p.mu.Lock(cpu)
	defer p.mu.Unlock()
	return Stats{TotalUsable: p.totalUsable, Allocated: p.allocated}
}

// FreeBlocks returns the number of free blocks of the given order. Used by
// diagnostics and tests to observe the buddy structure.
func (p *Pool) FreeBlocks(cpu *machine.CPU, order uint8) int {
	p.mu.Lock(cpu)
	defer p.mu.Unlock()
	n := 0
	for idx := p.freeLists[order]; idx != nilIndex; idx = p.meta[idx].next {
		n++
	}
	return n
}

// FrameIndex translates a physical address to its dense frame index.
func (p *Pool) FrameIndex(pa memtypes.PhysAddr) (int32, bool) {
	for _, r := range p.regions {
		if pa >= r.start && pa < r.start+memtypes.PhysAddr(r.nFrames)<<memtypes.PageShift {
			return r.first + int32((pa-r.start)>>memtypes.PageShift), true
		}
	}
	return 0, false
}

// NumFrames returns the total number of usable frames, the bound of the
// dense index space.
func (p *Pool) NumFrames() int32 {
	return int32(len(p.meta))
}

// Frame is a handle to an allocated block. Handles are reference counted;
// the block is returned to the pool when the last reference is dropped. Two
// live handles only ever name the same physical address when one was created
// from the other via IncRef.
type Frame struct {
	pool  *Pool
	index int32
}

// PhysAddr returns the physical address of the first frame in the block.
func (f *Frame) PhysAddr() memtypes.PhysAddr {
	r := &f.pool.regions[f.pool.meta[f.index].region]
	return r.start + memtypes.PhysAddr(f.index-r.first)<<memtypes.PageShift
}

// Index returns the dense index of the block's head frame. Flat metadata
// arrays elsewhere (the CVM page-state map, for one) are keyed by it.
func (f *Frame) Index() int32 {
	return f.index
}

// Order returns the block order.
func (f *Frame) Order() uint8 {
	return f.pool.meta[f.index].order
}

// Size returns the block size in bytes.
func (f *Frame) Size() uint64 {
	return memtypes.PageSize << f.Order()
}

// Refs returns the current reference count.
func (f *Frame) Refs() int32 {
	return f.pool.meta[f.index].refs.Load()
}

// IncRef adds a reference to the block.
func (f *Frame) IncRef() {
	m := &f.pool.meta[f.index]
	if m.refs.Add(1) <= 1 {
		machine.Halt("frame: IncRef on dead frame %d", f.index)
	}
}

// DecRef drops a reference; the last drop returns the block to the pool.
// Dropping below zero is a double free and halts: the handle that performed
// the extra drop may already have let the frame be reallocated, so nothing
// downstream can be trusted.
func (f *Frame) DecRef(cpu *machine.CPU) {
	m := &f.pool.meta[f.index]
	switch refs := m.refs.Add(-1); {
	case refs < 0:
		machine.Halt("frame: double free of frame %d", f.index)
	case refs == 0:
		p := f.pool
		p.mu.Lock(cpu)
		if m.state != stateAllocated {
			p.mu.Unlock()
			machine.Halt("frame: freeing frame %d in state %d", f.index, m.state)
		}
		p.freeBlock(f.index)
		p.mu.Unlock()
	}
}
