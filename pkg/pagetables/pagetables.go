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

package pagetables

import (
	"errors"
	"fmt"

	"github.com/TELOS-syslab/asterinas/pkg/frame"
	"github.com/TELOS-syslab/asterinas/pkg/machine"
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
	"github.com/TELOS-syslab/asterinas/pkg/sync"
)

var (
	// ErrAlreadyMapped is returned by Map when part of the range is
	// mapped and remapping was not requested.
	ErrAlreadyMapped = errors.New("virtual range already mapped")

	// ErrNotMapped is returned when an operation requires a mapping that
	// does not exist.
	ErrNotMapped = errors.New("virtual range not mapped")
)

// PageTables is one translation tree. The tree itself lives in allocator
// frames inside the machine's physical store, exactly where the hardware
// walker would find it; this structure holds the handles and bookkeeping
// that keep every mapped frame alive.
type PageTables struct {
	m    *machine.Machine
	pool *frame.Pool
	fmt  Format

	// asid tags this tree's translations in the TLBs.
	asid uint16

	// mu serializes tree mutation. Lookups from the fault path also take
	// it; everything under it is short list/entry manipulation.
	mu sync.SpinLock

	root *frame.Frame

	// leaves maps each mapped page to the handle of its backing block.
	// One reference is held per page entry.
	leaves map[memtypes.VirtAddr]*frame.Frame

	// tables maps intermediate table frames by physical address.
	tables map[memtypes.PhysAddr]*frame.Frame
}

// MapOpts configures a Map call.
type MapOpts struct {
	// Prop is the property installed on every leaf entry.
	Prop memtypes.PageProperty

	// Remap replaces existing entries instead of failing with
	// ErrAlreadyMapped.
	Remap bool
}

// New builds an empty tree rooted at a freshly allocated frame.
func New(m *machine.Machine, cpu *machine.CPU, pool *frame.Pool, f Format, asid uint16) (*PageTables, error) {
	root, err := pool.Allocate(cpu, frame.AllocOptions{Zeroed: true})
	if err != nil {
		return nil, fmt.Errorf("pagetables: allocating root: %w", err)
	}
	return &PageTables{
		m:      m,
		pool:   pool,
		fmt:    f,
		asid:   asid,
		root:   root,
		leaves: make(map[memtypes.VirtAddr]*frame.Frame),
		tables: make(map[memtypes.PhysAddr]*frame.Frame),
	}, nil
}

// Root returns the physical address of the root table, the value loaded
// into the translation-base register on activation.
func (p *PageTables) Root() memtypes.PhysAddr {
	return p.root.PhysAddr()
}

// ASID returns the address space identifier tagging this tree.
func (p *PageTables) ASID() uint16 {
	return p.asid
}

// entryAddr returns the physical address of entry idx in the table at pa.
func entryAddr(pa memtypes.PhysAddr, idx uint64) memtypes.PhysAddr {
	return pa + memtypes.PhysAddr(idx*8)
}

func (p *PageTables) readEntry(pa memtypes.PhysAddr, idx uint64) uint64 {
	v, err := p.m.Memory().ReadUint64(entryAddr(pa, idx))
	if err != nil {
		machine.Halt("pagetables: reading entry %d of table %#x: %v", idx, uint64(pa), err)
	}
	return v
}

func (p *PageTables) writeEntry(pa memtypes.PhysAddr, idx uint64, pte uint64) {
	if err := p.m.Memory().WriteUint64(entryAddr(pa, idx), pte); err != nil {
		machine.Halt("pagetables: writing entry %d of table %#x: %v", idx, uint64(pa), err)
	}
}

// leafTable walks down to the level-0 table covering va, allocating missing
// intermediate tables when alloc is set.
//
// Precondition: p.mu held.
func (p *PageTables) leafTable(cpu *machine.CPU, va memtypes.VirtAddr, alloc bool) (memtypes.PhysAddr, error) {
	table := p.root.PhysAddr()
	for level := numLevels - 1; level > 0; level-- {
		idx := levelIndex(va, level)
		pte := p.readEntry(table, idx)
		if next, ok := p.fmt.DecodeTable(pte); ok {
			table = next
			continue
		}
		if !alloc {
			return 0, ErrNotMapped
		}
		tf, err := p.pool.Allocate(cpu, frame.AllocOptions{Zeroed: true})
		if err != nil {
			return 0, fmt.Errorf("pagetables: allocating level-%d table: %w", level-1, err)
		}
		p.tables[tf.PhysAddr()] = tf
		p.writeEntry(table, idx, p.fmt.EncodeTable(tf.PhysAddr()))
		table = tf.PhysAddr()
	}
	return table, nil
}

func (p *PageTables) checkRange(vr memtypes.VirtRange) error {
	if !vr.WellFormed() {
		return fmt.Errorf("pagetables: malformed range %s", vr)
	}
	if !p.fmt.ValidVA(vr.Start) || !p.fmt.ValidVA(vr.End-1) {
		return fmt.Errorf("pagetables: non-canonical range %s on %s", vr, p.fmt.Name())
	}
	return nil
}

// Map installs leaf entries translating vr to the block held by f. The
// range length must equal the block size. Without opts.Remap, any live entry
// in the range fails the whole call with ErrAlreadyMapped before anything is
// modified.
func (p *PageTables) Map(cpu *machine.CPU, vr memtypes.VirtRange, f *frame.Frame, opts MapOpts) error {
	if err := p.checkRange(vr); err != nil {
		return err
	}
	if vr.Length() != f.Size() {
		return fmt.Errorf("pagetables: range %s does not match block size %#x", vr, f.Size())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !opts.Remap {
		for va := vr.Start; va < vr.End; va += memtypes.PageSize {
			if _, ok := p.leaves[va]; ok {
				return fmt.Errorf("%w: %s", ErrAlreadyMapped, vr)
			}
		}
	}

	// Replaced frames are released only after the flush below.
	var replaced []*frame.Frame

	pa := f.PhysAddr()
	for va := vr.Start; va < vr.End; va += memtypes.PageSize {
		table, err := p.leafTable(cpu, va, true)
		if err != nil {
			// Roll the partial installation back; the caller sees
			// either a full mapping or none. Frames already
			// replaced stay unmapped but must still be released.
			p.unmapLocked(cpu, memtypes.VirtRange{Start: vr.Start, End: va})
			if len(replaced) > 0 {
				p.m.FlushRange(p.asid, vr)
				for _, old := range replaced {
					old.DecRef(cpu)
				}
			}
			return err
		}
		if old, ok := p.leaves[va]; ok {
			replaced = append(replaced, old)
			delete(p.leaves, va)
		}
		p.writeEntry(table, levelIndex(va, 0), p.fmt.EncodeLeaf(pa, opts.Prop))
		f.IncRef()
		p.leaves[va] = f
		pa += memtypes.PageSize
	}

	if len(replaced) > 0 {
		// A remap changes live translations: flush before the old
		// frames can be released.
		p.m.FlushRange(p.asid, vr)
		for _, old := range replaced {
			old.DecRef(cpu)
		}
	}
	return nil
}

// Unmap removes the leaf entries covering vr. The entire range must be
// mapped. Entries are cleared first, then the translation caches of every
// CPU are flushed, and only then are the backing references dropped; a
// stale alias can therefore never observe a reused frame.
func (p *PageTables) Unmap(cpu *machine.CPU, vr memtypes.VirtRange) error {
	if err := p.checkRange(vr); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for va := vr.Start; va < vr.End; va += memtypes.PageSize {
		if _, ok := p.leaves[va]; !ok {
			return fmt.Errorf("%w: %s", ErrNotMapped, vr)
		}
	}
	p.unmapLocked(cpu, vr)
	return nil
}

// unmapLocked clears, flushes, releases and prunes. Pages in vr with no
// mapping are skipped (the rollback path relies on that).
//
// Precondition: p.mu held.
func (p *PageTables) unmapLocked(cpu *machine.CPU, vr memtypes.VirtRange) {
	var released []*frame.Frame
	for va := vr.Start; va < vr.End; va += memtypes.PageSize {
		f, ok := p.leaves[va]
		if !ok {
			continue
		}
		table, err := p.leafTable(cpu, va, false)
		if err != nil {
			machine.Halt("pagetables: leaf entry for %#x tracked but unreachable", uint64(va))
		}
		p.writeEntry(table, levelIndex(va, 0), 0)
		delete(p.leaves, va)
		released = append(released, f)
	}
	if len(released) == 0 {
		return
	}

	// Synchronous shootdown, visible on every CPU before any frame ref
	// is dropped.
	p.m.FlushRange(p.asid, vr)

	for _, f := range released {
		f.DecRef(cpu)
	}
	p.pruneLocked(cpu, p.root.PhysAddr(), numLevels-1)
}

// pruneLocked frees intermediate tables that no longer hold any valid
// entry. Returns true if the table at pa is empty.
//
// Precondition: p.mu held; flush already performed.
func (p *PageTables) pruneLocked(cpu *machine.CPU, pa memtypes.PhysAddr, level int) bool {
	empty := true
	for idx := uint64(0); idx < entriesPerTable; idx++ {
		pte := p.readEntry(pa, idx)
		if !p.fmt.Valid(pte) {
			continue
		}
		if level > 0 {
			if next, ok := p.fmt.DecodeTable(pte); ok && p.pruneLocked(cpu, next, level-1) {
				p.writeEntry(pa, idx, 0)
				tf := p.tables[next]
				delete(p.tables, next)
				tf.DecRef(cpu)
				continue
			}
		}
		empty = false
	}
	return empty
}

// Protect changes the properties of the already-mapped range vr, flushing
// stale translations before returning.
func (p *PageTables) Protect(cpu *machine.CPU, vr memtypes.VirtRange, prop memtypes.PageProperty) error {
	if err := p.checkRange(vr); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for va := vr.Start; va < vr.End; va += memtypes.PageSize {
		if _, ok := p.leaves[va]; !ok {
			return fmt.Errorf("%w: %s", ErrNotMapped, vr)
		}
	}
	for va := vr.Start; va < vr.End; va += memtypes.PageSize {
		table, err := p.leafTable(cpu, va, false)
		if err != nil {
			machine.Halt("pagetables: leaf entry for %#x tracked but unreachable", uint64(va))
		}
		idx := levelIndex(va, 0)
		pa, _, ok := p.fmt.DecodeLeaf(p.readEntry(table, idx))
		if !ok {
			machine.Halt("pagetables: tracked leaf entry for %#x invalid", uint64(va))
		}
		p.writeEntry(table, idx, p.fmt.EncodeLeaf(pa, prop))
	}
	p.m.FlushRange(p.asid, vr)
	return nil
}

// Lookup translates va through the tree, the software equivalent of the
// hardware walk on a TLB miss.
func (p *PageTables) Lookup(va memtypes.VirtAddr) (memtypes.PhysAddr, memtypes.PageProperty, bool) {
	if !p.fmt.ValidVA(va) {
		return 0, memtypes.PageProperty{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	table := p.root.PhysAddr()
	for level := numLevels - 1; level > 0; level-- {
		next, ok := p.fmt.DecodeTable(p.readEntry(table, levelIndex(va, level)))
		if !ok {
			return 0, memtypes.PageProperty{}, false
		}
		table = next
	}
	pa, prop, ok := p.fmt.DecodeLeaf(p.readEntry(table, levelIndex(va, 0)))
	if !ok {
		return 0, memtypes.PageProperty{}, false
	}
	return pa + memtypes.PhysAddr(va.PageOffset()), prop, true
}

// MappedPages returns the number of live leaf entries.
func (p *PageTables) MappedPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leaves)
}

// Release tears the tree down: every mapping is removed (with the same
// clear-flush-release ordering as Unmap) and the table frames themselves are
// returned. The tree must not be active on any CPU.
func (p *PageTables) Release(cpu *machine.CPU) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for va := range p.leaves {
		table, err := p.leafTable(cpu, va, false)
		if err != nil {
			machine.Halt("pagetables: leaf entry for %#x tracked but unreachable", uint64(va))
		}
		p.writeEntry(table, levelIndex(va, 0), 0)
	}
	p.m.FlushAll(p.asid)
	for va, f := range p.leaves {
		delete(p.leaves, va)
		f.DecRef(cpu)
	}
	for pa, tf := range p.tables {
		delete(p.tables, pa)
		tf.DecRef(cpu)
	}
	p.root.DecRef(cpu)
	p.root = nil
}
