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

package frame

import (
	"errors"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/TELOS-syslab/asterinas/pkg/boot"
	"github.com/TELOS-syslab/asterinas/pkg/machine"
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
)

func newTestPool(t *testing.T, frames uint64) (*Pool, *machine.Machine) {
	t.Helper()
	m, err := machine.New(machine.Config{Arch: machine.AMD64, CPUs: 2, MaxPhysical: 1 << 30})
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	p, err := NewPool(m.Memory(), []boot.Region{
		{Start: 0x100000, Length: frames * memtypes.PageSize, Type: boot.RegionUsable},
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return p, m
}

func TestAllocateUnique(t *testing.T) {
	p, m := newTestPool(t, 64)
	cpu := m.CPU(0)

	seen := make(map[memtypes.PhysAddr]bool)
	var frames []*Frame
	for i := 0; i < 64; i++ {
		f, err := p.Allocate(cpu, AllocOptions{})
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		if seen[f.PhysAddr()] {
			t.Fatalf("frame %d: physical address %#x handed out twice", i, uint64(f.PhysAddr()))
		}
		seen[f.PhysAddr()] = true
		frames = append(frames, f)
	}

	// Pool exhausted.
	if _, err := p.Allocate(cpu, AllocOptions{}); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("Allocate on exhausted pool: %v, want ErrOutOfMemory", err)
	}

	for _, f := range frames {
		f.DecRef(cpu)
	}
	if s := p.Stats(cpu); s.Allocated != 0 {
		t.Errorf("Allocated = %d after freeing everything, want 0", s.Allocated)
	}
}

func TestConservation(t *testing.T) {
	p, m := newTestPool(t, 128)
	cpu := m.CPU(0)

	total := p.Stats(cpu).TotalUsable
	var live []*Frame
	for _, order := range []uint8{0, 3, 1, 0, 2, 4} {
		f, err := p.Allocate(cpu, AllocOptions{Order: order})
		if err != nil {
			t.Fatalf("Allocate(order=%d): %v", order, err)
		}
		live = append(live, f)

		s := p.Stats(cpu)
		if s.TotalUsable != total {
			t.Errorf("TotalUsable changed: %d -> %d", total, s.TotalUsable)
		}
		if s.Allocated+s.Free() != total {
			t.Errorf("Allocated (%d) + Free (%d) != TotalUsable (%d)", s.Allocated, s.Free(), total)
		}
		if s.Allocated > total {
			t.Errorf("Allocated (%d) exceeds TotalUsable (%d)", s.Allocated, total)
		}
	}
	for _, f := range live {
		f.DecRef(cpu)
	}
}

// TestCoalesceScenario is the 16-frame scenario: allocate four order-0
// frames, free the buddy pair among them, and verify the pair coalesces into
// one order-1 block that the next order-1 allocation reuses.
func TestCoalesceScenario(t *testing.T) {
	p, m := newTestPool(t, 16)
	cpu := m.CPU(0)

	var fs [4]*Frame
	for i := range fs {
		f, err := p.Allocate(cpu, AllocOptions{})
		if err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
		fs[i] = f
	}

	// Find the adjacent pair that are buddies of each other (aligned to
	// an order-1 boundary).
	var a, b *Frame
	for i := range fs {
		for j := range fs {
			if i == j {
				continue
			}
			if fs[j].PhysAddr() == fs[i].PhysAddr()+memtypes.PageSize &&
				fs[i].Index()%2 == 0 {
				a, b = fs[i], fs[j]
			}
		}
	}
	if a == nil {
		t.Fatal("no buddy pair among the four allocated frames")
	}

	before := p.FreeBlocks(cpu, 1)
	pairAddr := a.PhysAddr()
	a.DecRef(cpu)
	b.DecRef(cpu)

	if got := p.FreeBlocks(cpu, 1); got != before+1 {
		t.Fatalf("order-1 free blocks = %d after freeing buddy pair, want %d", got, before+1)
	}
	if got := p.FreeBlocks(cpu, 0); got != 0 {
		t.Fatalf("order-0 free blocks = %d after coalescing, want 0", got)
	}

	// The next order-1 allocation reuses the coalesced block.
	f, err := p.Allocate(cpu, AllocOptions{Order: 1})
	if err != nil {
		t.Fatalf("Allocate(order=1): %v", err)
	}
	if f.PhysAddr() != pairAddr {
		t.Errorf("order-1 allocation at %#x, want coalesced block %#x", uint64(f.PhysAddr()), uint64(pairAddr))
	}
}

// TestFreeListRoundTrip allocates every block of an order and frees them
// all; the free lists must return to their pre-allocation configuration.
func TestFreeListRoundTrip(t *testing.T) {
	p, m := newTestPool(t, 64)
	cpu := m.CPU(0)

	var before [MaxOrder + 1]int
	for o := uint8(0); o <= MaxOrder; o++ {
		before[o] = p.FreeBlocks(cpu, o)
	}

	var live []*Frame
	for {
		f, err := p.Allocate(cpu, AllocOptions{Order: 2})
		if errors.Is(err, ErrOutOfMemory) {
			break
		}
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		live = append(live, f)
	}
	for _, f := range live {
		f.DecRef(cpu)
	}

	for o := uint8(0); o <= MaxOrder; o++ {
		if got := p.FreeBlocks(cpu, o); got != before[o] {
			t.Errorf("order %d: %d free blocks after round trip, want %d", o, got, before[o])
		}
	}
}

func TestZeroedAllocation(t *testing.T) {
	p, m := newTestPool(t, 16)
	cpu := m.CPU(0)
	mem := m.Memory()

	f, err := p.Allocate(cpu, AllocOptions{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := mem.Write(f.PhysAddr(), []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	pa := f.PhysAddr()
	f.DecRef(cpu)

	// Allocate until the dirtied frame comes back, zeroed.
	for i := 0; i < 16; i++ {
		f, err := p.Allocate(cpu, AllocOptions{Zeroed: true})
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if f.PhysAddr() != pa {
			continue
		}
		b := make([]byte, 4)
		if err := mem.Read(pa, b); err != nil {
			t.Fatalf("Read: %v", err)
		}
		for _, c := range b {
			if c != 0 {
				t.Fatalf("reallocated frame not zeroed: % x", b)
			}
		}
		return
	}
	t.Fatal("dirtied frame never reallocated")
}

func TestRefCounting(t *testing.T) {
	p, m := newTestPool(t, 16)
	cpu := m.CPU(0)

	f, err := p.Allocate(cpu, AllocOptions{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	allocated := p.Stats(cpu).Allocated

	f.IncRef()
	f.DecRef(cpu)
	if got := p.Stats(cpu).Allocated; got != allocated {
		t.Errorf("block freed while a reference remained (allocated %d -> %d)", allocated, got)
	}
	f.DecRef(cpu)
	if got := p.Stats(cpu).Allocated; got != 0 {
		t.Errorf("Allocated = %d after last DecRef, want 0", got)
	}
}

func TestDoubleFreeHalts(t *testing.T) {
	p, m := newTestPool(t, 16)
	cpu := m.CPU(0)

	f, err := p.Allocate(cpu, AllocOptions{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	f.DecRef(cpu)

	defer func() {
		if r := recover(); !machine.IsHalt(r) {
			t.Errorf("double free: recovered %v, want halt", r)
		}
	}()
	f.DecRef(cpu)
}

func TestConcurrentAllocation(t *testing.T) {
	p, m := newTestPool(t, 512)
	var eg errgroup.Group
	for c := 0; c < 2; c++ {
		cpu := m.CPU(c)
		eg.Go(func() error {
			for i := 0; i < 200; i++ {
				f, err := p.Allocate(cpu, AllocOptions{Order: uint8(i % 3)})
				if err != nil {
					return err
				}
				f.DecRef(cpu)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("concurrent allocation: %v", err)
	}
	if s := p.Stats(m.CPU(0)); s.Allocated != 0 {
		t.Errorf("Allocated = %d after concurrent churn, want 0", s.Allocated)
	}
}

func TestDenseIndex(t *testing.T) {
	p, m := newTestPool(t, 16)
	cpu := m.CPU(0)

	f, err := p.Allocate(cpu, AllocOptions{})
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if f.Index() < 0 || f.Index() >= p.NumFrames() {
		t.Errorf("Index %d outside dense range [0,%d)", f.Index(), p.NumFrames())
	}
	idx, ok := p.FrameIndex(f.PhysAddr())
	if !ok || idx != f.Index() {
		t.Errorf("FrameIndex(%#x) = %d,%v, want %d,true", uint64(f.PhysAddr()), idx, ok, f.Index())
	}
	if _, ok := p.FrameIndex(0x10); ok {
		t.Error("FrameIndex succeeded for address outside every region")
	}
}
