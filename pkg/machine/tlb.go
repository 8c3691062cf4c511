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
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
	"github.com/TELOS-syslab/asterinas/pkg/sync"
)

// tlbKey identifies one cached translation. Global translations are tagged
// with ASID 0 regardless of the installing address space.
type tlbKey struct {
	asid uint16
	vpn  memtypes.VirtAddr
}

// TLBEntry is one cached virtual-to-physical translation.
type TLBEntry struct {
	PA   memtypes.PhysAddr
	Prop memtypes.PageProperty
}

// tlb models a per-CPU translation cache. The owning CPU fills it; remote
// CPUs may only invalidate (a modeled IPI shootdown), which is why a lock is
// needed at all.
type tlb struct {
	mu      sync.SpinLock
	entries map[tlbKey]TLBEntry
}

func (t *tlb) key(asid uint16, va memtypes.VirtAddr) tlbKey {
	if t.entries == nil {
		t.entries = make(map[tlbKey]TLBEntry)
	}
	return tlbKey{asid: asid, vpn: va.RoundDown()}
}

func (t *tlb) lookup(asid uint16, va memtypes.VirtAddr) (TLBEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[t.key(asid, va)]; ok {
		return e, true
	}
	// Global translations hit regardless of the active ASID.
	e, ok := t.entries[t.key(0, va)]
	return e, ok
}

func (t *tlb) insert(asid uint16, va memtypes.VirtAddr, e TLBEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.Prop.Flags.Global {
		asid = 0
	}
	t.entries[t.key(asid, va)] = e
}

func (t *tlb) flushASID(asid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.entries {
		if k.asid == asid {
			delete(t.entries, k)
		}
	}
}

func (t *tlb) flushRange(asid uint16, vr memtypes.VirtRange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.entries {
		if (k.asid == asid || k.asid == 0) && vr.Contains(k.vpn) {
			delete(t.entries, k)
		}
	}
}

// TLBLookup consults this CPU's translation cache.
func (c *CPU) TLBLookup(va memtypes.VirtAddr) (TLBEntry, bool) {
	return c.tlb.lookup(c.activeASID, va)
}

// TLBInsert caches a translation on this CPU under the active ASID.
func (c *CPU) TLBInsert(va memtypes.VirtAddr, e TLBEntry) {
	c.tlb.insert(c.activeASID, va, e)
}

// TLBFlushLocal drops every translation cached for the active ASID on this
// CPU only.
func (c *CPU) TLBFlushLocal() {
	c.tlb.flushASID(c.activeASID)
}
