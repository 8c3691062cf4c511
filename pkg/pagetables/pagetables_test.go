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
	"testing"

	"github.com/TELOS-syslab/asterinas/pkg/boot"
	"github.com/TELOS-syslab/asterinas/pkg/frame"
	"github.com/TELOS-syslab/asterinas/pkg/machine"
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
)

var testArches = []machine.Arch{machine.AMD64, machine.ARM64, machine.RISCV64}

type testEnv struct {
	m    *machine.Machine
	cpu  *machine.CPU
	pool *frame.Pool
	pt   *PageTables
}

func newTestEnv(t *testing.T, arch machine.Arch) *testEnv {
	t.Helper()
	m, err := machine.New(machine.Config{Arch: arch, CPUs: 2, MaxPhysical: 64 << 20})
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	pool, err := frame.NewPool(m.Memory(), []boot.Region{
		{Start: 0x100000, Length: 4 << 20, Type: boot.RegionUsable},
	})
	if err != nil {
		t.Fatalf("frame.NewPool: %v", err)
	}
	cpu := m.CPU(0)
	f, err := FormatFor(arch)
	if err != nil {
		t.Fatalf("FormatFor: %v", err)
	}
	pt, err := New(m, cpu, pool, f, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{m: m, cpu: cpu, pool: pool, pt: pt}
}

func (e *testEnv) mustAllocate(t *testing.T, order uint8) *frame.Frame {
	t.Helper()
	f, err := e.pool.Allocate(e.cpu, frame.AllocOptions{Order: order})
	if err != nil {
		t.Fatalf("Allocate(order=%d): %v", order, err)
	}
	return f
}

func rangeFor(va memtypes.VirtAddr, f *frame.Frame) memtypes.VirtRange {
	return memtypes.VirtRange{Start: va, End: va + memtypes.VirtAddr(f.Size())}
}

func forAllArches(t *testing.T, fn func(t *testing.T, e *testEnv)) {
	for _, arch := range testArches {
		t.Run(arch.String(), func(t *testing.T) {
			fn(t, newTestEnv(t, arch))
		})
	}
}

func TestMapLookup(t *testing.T) {
	forAllArches(t, func(t *testing.T, e *testEnv) {
		f := e.mustAllocate(t, 0)
		prop := memtypes.PageProperty{
			Access: memtypes.ReadWrite,
			Flags:  memtypes.PageFlags{User: true},
		}
		if err := e.pt.Map(e.cpu, rangeFor(0x400000, f), f, MapOpts{Prop: prop}); err != nil {
			t.Fatalf("Map: %v", err)
		}

		pa, got, ok := e.pt.Lookup(0x400123)
		if !ok {
			t.Fatal("Lookup missed a mapped page")
		}
		if want := f.PhysAddr() + 0x123; pa != want {
			t.Errorf("Lookup pa = %#x, want %#x", uint64(pa), uint64(want))
		}
		if got.Access != prop.Access || got.Flags.User != prop.Flags.User {
			t.Errorf("Lookup prop = %s, want %s", got, prop)
		}

		if _, _, ok := e.pt.Lookup(0x401000); ok {
			t.Error("Lookup hit an unmapped page")
		}
	})
}

func TestMapMultiPageBlock(t *testing.T) {
	forAllArches(t, func(t *testing.T, e *testEnv) {
		f := e.mustAllocate(t, 2) // 4 pages
		vr := rangeFor(0x600000, f)
		if err := e.pt.Map(e.cpu, vr, f, MapOpts{Prop: memtypes.PageProperty{Access: memtypes.Read}}); err != nil {
			t.Fatalf("Map: %v", err)
		}
		for i := uint64(0); i < 4; i++ {
			va := vr.Start + memtypes.VirtAddr(i*memtypes.PageSize)
			pa, _, ok := e.pt.Lookup(va)
			if !ok || pa != f.PhysAddr()+memtypes.PhysAddr(i*memtypes.PageSize) {
				t.Errorf("page %d: Lookup = %#x,%v", i, uint64(pa), ok)
			}
		}
		// Block refs: one per page entry plus the original handle.
		if got := f.Refs(); got != 5 {
			t.Errorf("Refs = %d, want 5", got)
		}
	})
}

func TestAlreadyMapped(t *testing.T) {
	forAllArches(t, func(t *testing.T, e *testEnv) {
		f1 := e.mustAllocate(t, 0)
		f2 := e.mustAllocate(t, 0)
		vr := rangeFor(0x400000, f1)

		if err := e.pt.Map(e.cpu, vr, f1, MapOpts{Prop: memtypes.PageProperty{Access: memtypes.Read}}); err != nil {
			t.Fatalf("Map: %v", err)
		}
		if err := e.pt.Map(e.cpu, vr, f2, MapOpts{Prop: memtypes.PageProperty{Access: memtypes.Read}}); !errors.Is(err, ErrAlreadyMapped) {
			t.Errorf("second Map: %v, want ErrAlreadyMapped", err)
		}

		// Explicit remap replaces and releases the old frame.
		if err := e.pt.Map(e.cpu, vr, f2, MapOpts{Prop: memtypes.PageProperty{Access: memtypes.Read}, Remap: true}); err != nil {
			t.Fatalf("remap: %v", err)
		}
		pa, _, ok := e.pt.Lookup(vr.Start)
		if !ok || pa != f2.PhysAddr() {
			t.Errorf("after remap Lookup = %#x, want %#x", uint64(pa), uint64(f2.PhysAddr()))
		}
		if got := f1.Refs(); got != 1 {
			t.Errorf("old frame Refs = %d after remap, want 1", got)
		}
	})
}

func TestUnmap(t *testing.T) {
	forAllArches(t, func(t *testing.T, e *testEnv) {
		f := e.mustAllocate(t, 0)
		vr := rangeFor(0x400000, f)

		if err := e.pt.Unmap(e.cpu, vr); !errors.Is(err, ErrNotMapped) {
			t.Errorf("Unmap of unmapped range: %v, want ErrNotMapped", err)
		}

		if err := e.pt.Map(e.cpu, vr, f, MapOpts{Prop: memtypes.PageProperty{Access: memtypes.ReadWrite}}); err != nil {
			t.Fatalf("Map: %v", err)
		}
		if err := e.pt.Unmap(e.cpu, vr); err != nil {
			t.Fatalf("Unmap: %v", err)
		}
		if _, _, ok := e.pt.Lookup(vr.Start); ok {
			t.Error("Lookup hit after Unmap")
		}
		if got := f.Refs(); got != 1 {
			t.Errorf("Refs = %d after Unmap, want 1 (caller's handle)", got)
		}
	})
}

// TestUnmapFlushesAllCPUs verifies the ordering invariant: after Unmap
// returns, no CPU's translation cache can produce the old translation.
func TestUnmapFlushesAllCPUs(t *testing.T) {
	forAllArches(t, func(t *testing.T, e *testEnv) {
		f := e.mustAllocate(t, 0)
		vr := rangeFor(0x400000, f)
		if err := e.pt.Map(e.cpu, vr, f, MapOpts{Prop: memtypes.PageProperty{Access: memtypes.Read}}); err != nil {
			t.Fatalf("Map: %v", err)
		}

		// Both CPUs run with this tree active and warm TLBs.
		for i := 0; i < 2; i++ {
			c := e.m.CPU(i)
			c.SetActiveRoot(e.pt.Root(), e.pt.ASID())
			pa, prop, ok := e.pt.Lookup(vr.Start)
			if !ok {
				t.Fatal("Lookup miss")
			}
			c.TLBInsert(vr.Start, machine.TLBEntry{PA: pa.RoundDown(), Prop: prop})
		}

		if err := e.pt.Unmap(e.cpu, vr); err != nil {
			t.Fatalf("Unmap: %v", err)
		}
		for i := 0; i < 2; i++ {
			if _, ok := e.m.CPU(i).TLBLookup(vr.Start); ok {
				t.Errorf("CPU %d still translates the unmapped page", i)
			}
		}
	})
}

func TestIntermediateTablesFreed(t *testing.T) {
	forAllArches(t, func(t *testing.T, e *testEnv) {
		baseline := e.pool.Stats(e.cpu).Allocated

		f := e.mustAllocate(t, 0)
		// Distant addresses force separate intermediate chains.
		for _, va := range []memtypes.VirtAddr{0x400000, 0x40000000, 0x7f0000000000} {
			vr := memtypes.VirtRange{Start: va, End: va + memtypes.PageSize}
			if err := e.pt.Map(e.cpu, vr, f, MapOpts{Prop: memtypes.PageProperty{Access: memtypes.Read}, Remap: true}); err != nil {
				t.Fatalf("Map %#x: %v", uint64(va), err)
			}
			if err := e.pt.Unmap(e.cpu, vr); err != nil {
				t.Fatalf("Unmap %#x: %v", uint64(va), err)
			}
		}
		f.DecRef(e.cpu)

		// All intermediate tables must have been pruned.
		if got := e.pool.Stats(e.cpu).Allocated; got != baseline {
			t.Errorf("Allocated = %d after unmapping everything, want %d", got, baseline)
		}
	})
}

func TestProtect(t *testing.T) {
	forAllArches(t, func(t *testing.T, e *testEnv) {
		f := e.mustAllocate(t, 0)
		vr := rangeFor(0x400000, f)
		if err := e.pt.Map(e.cpu, vr, f, MapOpts{Prop: memtypes.PageProperty{Access: memtypes.ReadWrite}}); err != nil {
			t.Fatalf("Map: %v", err)
		}
		if err := e.pt.Protect(e.cpu, vr, memtypes.PageProperty{Access: memtypes.Read}); err != nil {
			t.Fatalf("Protect: %v", err)
		}
		_, prop, ok := e.pt.Lookup(vr.Start)
		if !ok {
			t.Fatal("Lookup miss after Protect")
		}
		if prop.Access.Write {
			t.Error("page still writable after Protect to read-only")
		}

		unmapped := memtypes.VirtRange{Start: 0x900000, End: 0x901000}
		if err := e.pt.Protect(e.cpu, unmapped, memtypes.PageProperty{}); !errors.Is(err, ErrNotMapped) {
			t.Errorf("Protect of unmapped range: %v, want ErrNotMapped", err)
		}
	})
}

func TestNonCanonicalRejected(t *testing.T) {
	forAllArches(t, func(t *testing.T, e *testEnv) {
		f := e.mustAllocate(t, 0)
		vr := memtypes.VirtRange{Start: 0x0000_8000_0000_0000, End: 0x0000_8000_0000_1000}
		if err := e.pt.Map(e.cpu, vr, f, MapOpts{Prop: memtypes.PageProperty{Access: memtypes.Read}}); err == nil {
			t.Error("Map accepted a non-canonical range")
		}
	})
}

func TestRelease(t *testing.T) {
	forAllArches(t, func(t *testing.T, e *testEnv) {
		f := e.mustAllocate(t, 1)
		if err := e.pt.Map(e.cpu, rangeFor(0x400000, f), f, MapOpts{Prop: memtypes.PageProperty{Access: memtypes.Read}}); err != nil {
			t.Fatalf("Map: %v", err)
		}
		e.pt.Release(e.cpu)
		f.DecRef(e.cpu)

		if got := e.pool.Stats(e.cpu).Allocated; got != 0 {
			t.Errorf("Allocated = %d after Release, want 0", got)
		}
	})
}

func TestFormatRoundTrip(t *testing.T) {
	props := []memtypes.PageProperty{
		{Access: memtypes.Read},
		{Access: memtypes.ReadWrite},
		{Access: memtypes.ReadExecute},
		{Access: memtypes.ReadWrite, Flags: memtypes.PageFlags{User: true}},
		{Access: memtypes.Read, Flags: memtypes.PageFlags{Global: true}},
	}
	for _, arch := range testArches {
		t.Run(arch.String(), func(t *testing.T) {
			f, err := FormatFor(arch)
			if err != nil {
				t.Fatalf("FormatFor: %v", err)
			}
			for _, prop := range props {
				pte := f.EncodeLeaf(0x123456000, prop)
				pa, got, ok := f.DecodeLeaf(pte)
				if !ok {
					t.Errorf("%s: decoded %s as invalid", f.Name(), prop)
					continue
				}
				if pa != 0x123456000 {
					t.Errorf("%s: pa = %#x", f.Name(), uint64(pa))
				}
				if got.Access.Write != prop.Access.Write || got.Access.Execute != prop.Access.Execute {
					t.Errorf("%s: %s decoded as %s", f.Name(), prop, got)
				}
				if got.Flags.User != prop.Flags.User || got.Flags.Global != prop.Flags.Global {
					t.Errorf("%s: flags of %s decoded as %s", f.Name(), prop, got)
				}
			}

			// Table entries never decode as leaves on formats that
			// distinguish them.
			tablePTE := f.EncodeTable(0x200000)
			if pa, ok := f.DecodeTable(tablePTE); !ok || pa != 0x200000 {
				t.Errorf("%s: DecodeTable = %#x,%v", f.Name(), uint64(pa), ok)
			}
		})
	}
}
