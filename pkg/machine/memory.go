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

package machine

import (
	"encoding/binary"
	"fmt"

	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
	"github.com/TELOS-syslab/asterinas/pkg/sync"
)

// AccessChecker gates physical accesses. The CVM layer installs one to model
// the hardware fault raised when a page is touched under the wrong
// Private/Shared state; outside CVM mode no checker is installed.
type AccessChecker interface {
	// CheckAccess returns an error if the physical page holding pa must
	// not be accessed. The error is propagated to the access's caller as
	// a hardware fault would be.
	CheckAccess(pa memtypes.PhysAddr) error
}

// PhysicalMemory is the modeled physical memory store. Pages are backed
// lazily on first touch; an untouched page reads as zeroes, like RAM after
// the firmware clears it.
type PhysicalMemory struct {
	max memtypes.PhysAddr

	mu sync.SpinLock
	// pages maps frame number to backing bytes.
	pages map[uint64]*[memtypes.PageSize]byte

	checker AccessChecker
}

func newPhysicalMemory(max memtypes.PhysAddr) *PhysicalMemory {
	return &PhysicalMemory{
		max:   max,
		pages: make(map[uint64]*[memtypes.PageSize]byte),
	}
}

// Max returns the highest modeled physical address, exclusive.
func (pm *PhysicalMemory) Max() memtypes.PhysAddr {
	return pm.max
}

// SetAccessChecker installs the CVM access checker. Called once when the CVM
// layer initializes.
func (pm *PhysicalMemory) SetAccessChecker(c AccessChecker) {
	pm.checker = c
}

func (pm *PhysicalMemory) page(pa memtypes.PhysAddr) *[memtypes.PageSize]byte {
	pfn := uint64(pa) >> memtypes.PageShift
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, ok := pm.pages[pfn]
	if !ok {
		p = new([memtypes.PageSize]byte)
		pm.pages[pfn] = p
	}
	return p
}

func (pm *PhysicalMemory) check(pa memtypes.PhysAddr, n int) error {
	if pa+memtypes.PhysAddr(n) > pm.max || pa+memtypes.PhysAddr(n) < pa {
		return fmt.Errorf("machine: physical access [%#x,%#x) beyond end of memory %#x", uint64(pa), uint64(pa)+uint64(n), uint64(pm.max))
	}
	if pm.checker == nil {
		return nil
	}
	first := pa.RoundDown()
	last := (pa + memtypes.PhysAddr(n) - 1).RoundDown()
	for page := first; page <= last; page += memtypes.PageSize {
		if err := pm.checker.CheckAccess(page); err != nil {
			return err
		}
	}
	return nil
}

// Read copies memory at pa into b.
func (pm *PhysicalMemory) Read(pa memtypes.PhysAddr, b []byte) error {
	if err := pm.check(pa, len(b)); err != nil {
		return err
	}
	for len(b) > 0 {
		off := pa.PageOffset()
		n := copy(b, pm.page(pa)[off:])
		pa += memtypes.PhysAddr(n)
		b = b[n:]
	}
	return nil
}

// Write copies b into memory at pa.
func (pm *PhysicalMemory) Write(pa memtypes.PhysAddr, b []byte) error {
	if err := pm.check(pa, len(b)); err != nil {
		return err
	}
	for len(b) > 0 {
		off := pa.PageOffset()
		n := copy(pm.page(pa)[off:], b)
		pa += memtypes.PhysAddr(n)
		b = b[n:]
	}
	return nil
}

// ReadUint64 reads a naturally aligned uint64 at pa. Page-table entries are
// read and written through this; misalignment is a framework bug.
func (pm *PhysicalMemory) ReadUint64(pa memtypes.PhysAddr) (uint64, error) {
	if pa&7 != 0 {
		Halt("machine: misaligned uint64 read at %#x", uint64(pa))
	}
	if err := pm.check(pa, 8); err != nil {
		return 0, err
	}
	off := pa.PageOffset()
	return binary.LittleEndian.Uint64(pm.page(pa)[off : off+8]), nil
}

// WriteUint64 writes a naturally aligned uint64 at pa.
func (pm *PhysicalMemory) WriteUint64(pa memtypes.PhysAddr, v uint64) error {
	if pa&7 != 0 {
		Halt("machine: misaligned uint64 write at %#x", uint64(pa))
	}
	if err := pm.check(pa, 8); err != nil {
		return err
	}
	off := pa.PageOffset()
	binary.LittleEndian.PutUint64(pm.page(pa)[off:off+8], v)
	return nil
}

// Zero clears n bytes at pa.
func (pm *PhysicalMemory) Zero(pa memtypes.PhysAddr, n uint64) error {
	if err := pm.check(pa, int(n)); err != nil {
		return err
	}
	for n > 0 {
		off := pa.PageOffset()
		p := pm.page(pa)
		c := uint64(memtypes.PageSize - off)
		if c > n {
			c = n
		}
		clear(p[off : off+uint64(c)])
		pa += memtypes.PhysAddr(c)
		n -= c
	}
	return nil
}
