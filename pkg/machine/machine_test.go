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
	"bytes"
	"testing"

	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
)

func newTestMachine(t *testing.T, cpus int) *Machine {
	t.Helper()
	m, err := New(Config{Arch: AMD64, CPUs: cpus, MaxPhysical: 64 << 20})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestPhysicalMemoryReadWrite(t *testing.T) {
	m := newTestMachine(t, 1)
	mem := m.Memory()

	// Untouched memory reads as zeroes.
	b := make([]byte, 16)
	if err := mem.Read(0x5000, b); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(b, make([]byte, 16)) {
		t.Errorf("untouched memory not zero: %x", b)
	}

	// Writes spanning a page boundary round-trip.
	data := []byte("crosses the page boundary")
	pa := memtypes.PhysAddr(0x6000 - 8)
	if err := mem.Write(pa, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got := make([]byte, len(data))
	if err := mem.Read(pa, got); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("read back %q, want %q", got, data)
	}

	// Out of range access fails.
	if err := mem.Read(mem.Max(), b); err == nil {
		t.Error("read beyond end of memory succeeded")
	}
}

func TestPhysicalMemoryUint64(t *testing.T) {
	m := newTestMachine(t, 1)
	mem := m.Memory()

	if err := mem.WriteUint64(0x1008, 0xdeadbeefcafef00d); err != nil {
		t.Fatalf("WriteUint64: %v", err)
	}
	v, err := mem.ReadUint64(0x1008)
	if err != nil {
		t.Fatalf("ReadUint64: %v", err)
	}
	if v != 0xdeadbeefcafef00d {
		t.Errorf("ReadUint64 = %#x", v)
	}
}

func TestInterruptFlag(t *testing.T) {
	m := newTestMachine(t, 2)
	c := m.CPU(0)

	if !c.InterruptsEnabled() {
		t.Fatal("interrupts disabled at reset")
	}
	if was := c.DisableInterrupts(); !was {
		t.Error("DisableInterrupts reported already-disabled")
	}
	if was := c.DisableInterrupts(); was {
		t.Error("nested DisableInterrupts reported enabled")
	}
	c.EnableInterrupts()
	if !c.InterruptsEnabled() {
		t.Error("EnableInterrupts did not enable")
	}

	// The other CPU's flag is independent.
	if !m.CPU(1).InterruptsEnabled() {
		t.Error("CPU 1 flag changed by CPU 0 operations")
	}
}

func TestTLBShootdown(t *testing.T) {
	m := newTestMachine(t, 2)
	c0, c1 := m.CPU(0), m.CPU(1)
	c0.SetActiveRoot(0x1000, 1)
	c1.SetActiveRoot(0x1000, 1)

	entry := TLBEntry{PA: 0x42000, Prop: memtypes.PageProperty{Access: memtypes.Read}}
	c0.TLBInsert(0x8000, entry)
	c1.TLBInsert(0x8000, entry)

	if _, ok := c0.TLBLookup(0x8000); !ok {
		t.Fatal("translation not cached")
	}

	// A shootdown is visible on every CPU before FlushRange returns.
	m.FlushRange(1, memtypes.VirtRange{Start: 0x8000, End: 0x9000})
	if _, ok := c0.TLBLookup(0x8000); ok {
		t.Error("CPU 0 still holds flushed translation")
	}
	if _, ok := c1.TLBLookup(0x8000); ok {
		t.Error("CPU 1 still holds flushed translation")
	}
}

func TestTLBGlobalEntries(t *testing.T) {
	m := newTestMachine(t, 1)
	c := m.CPU(0)
	c.SetActiveRoot(0x1000, 1)

	global := TLBEntry{PA: 0x9000, Prop: memtypes.PageProperty{
		Access: memtypes.Read,
		Flags:  memtypes.PageFlags{Global: true},
	}}
	c.TLBInsert(0x4000, global)

	// Global translations survive an address-space switch.
	c.SetActiveRoot(0x2000, 2)
	if _, ok := c.TLBLookup(0x4000); !ok {
		t.Error("global translation missed under a different ASID")
	}
}

func TestHaltIsRecoverableInTests(t *testing.T) {
	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Halt did not panic")
		}
		if !IsHalt(r) {
			t.Fatalf("panic value %v not a halt", r)
		}
	}()
	Halt("test halt: %d", 42)
}
