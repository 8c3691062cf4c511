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

package task

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/TELOS-syslab/asterinas/pkg/boot"
	"github.com/TELOS-syslab/asterinas/pkg/frame"
	"github.com/TELOS-syslab/asterinas/pkg/machine"
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
	"github.com/TELOS-syslab/asterinas/pkg/vmspace"
)

type testEnv struct {
	m    *machine.Machine
	cpu  *machine.CPU
	pool *frame.Pool
	mgr  *Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	m, err := machine.New(machine.Config{Arch: machine.AMD64, CPUs: 1, MaxPhysical: 64 << 20})
	if err != nil {
		t.Fatalf("machine.New: %v", err)
	}
	pool, err := frame.NewPool(m.Memory(), []boot.Region{
		{Start: 0x100000, Length: 4 << 20, Type: boot.RegionUsable},
	})
	if err != nil {
		t.Fatalf("frame.NewPool: %v", err)
	}
	return &testEnv{m: m, cpu: m.CPU(0), pool: pool, mgr: NewManager(m, pool)}
}

func (e *testEnv) spawn(t *testing.T, entry, stackTop memtypes.VirtAddr) *Task {
	t.Helper()
	as, err := vmspace.New(e.m, e.cpu, e.pool)
	if err != nil {
		t.Fatalf("vmspace.New: %v", err)
	}
	tk, err := e.mgr.Spawn(e.cpu, as, SpawnOpts{Entry: entry, StackTop: stackTop, StackPages: 2})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	return tk
}

func TestSpawnSeedsContext(t *testing.T) {
	e := newTestEnv(t)
	tk := e.spawn(t, 0x401000, 0x7f0000)

	if got := tk.Status(); got != StatusReady {
		t.Errorf("status after spawn = %s, want ready", got)
	}

	e.mgr.Switch(e.cpu, tk)
	if e.cpu.Regs.PC != 0x401000 {
		t.Errorf("PC after first switch-in = %#x, want 0x401000", e.cpu.Regs.PC)
	}
	if e.cpu.Regs.SP != 0x7f0000 {
		t.Errorf("SP after first switch-in = %#x, want 0x7f0000", e.cpu.Regs.SP)
	}
	if got := tk.Status(); got != StatusRunning {
		t.Errorf("status after switch-in = %s, want running", got)
	}
	if e.mgr.Current(e.cpu) != tk {
		t.Error("current-task pointer not updated")
	}

	// The stack pages must be materialized and writable.
	if fault := tk.AddressSpace().WriteBytes(e.cpu, 0x7f0000-16, make([]byte, 16)); fault != nil {
		t.Errorf("stack not writable: %v", fault)
	}

	root, asid := e.cpu.ActiveRoot()
	if root == 0 || asid != tk.AddressSpace().ASID() {
		t.Errorf("active root/ASID = %#x/%d, want task's space (ASID %d)", uint64(root), asid, tk.AddressSpace().ASID())
	}
}

// TestSwitchRoundTrip switches A to B and back and requires A's register
// state to come back bit-exact.
func TestSwitchRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	a := e.spawn(t, 0x401000, 0x7f0000)
	b := e.spawn(t, 0x402000, 0x8f0000)

	e.mgr.Switch(e.cpu, a)

	// Simulate execution on A: scribble over the live register file.
	e.cpu.Regs.PC = 0x401abc
	e.cpu.Regs.SP = 0x7eff80
	e.cpu.Regs.FP = 0x7effc0
	e.cpu.Regs.Flags = 0x202
	for i := range e.cpu.Regs.GP {
		e.cpu.Regs.GP[i] = uint64(0xa0 + i)
	}
	want := e.cpu.Regs

	e.mgr.Switch(e.cpu, b)
	if got := a.Status(); got != StatusReady {
		t.Errorf("A's status while descheduled = %s, want ready", got)
	}
	if cmp.Equal(e.cpu.Regs, want) {
		t.Fatal("switch to B did not change the register file")
	}

	// Execution on B clobbers everything.
	e.cpu.Regs = machine.Registers{PC: 0xdead, SP: 0xbeef}

	e.mgr.Switch(e.cpu, a)
	if diff := cmp.Diff(want, e.cpu.Regs); diff != "" {
		t.Errorf("A's registers after round trip (-want +got):\n%s", diff)
	}
	if _, asid := e.cpu.ActiveRoot(); asid != a.AddressSpace().ASID() {
		t.Errorf("active ASID %d, want A's (%d)", asid, a.AddressSpace().ASID())
	}
}

func TestSwitchToSelf(t *testing.T) {
	e := newTestEnv(t)
	a := e.spawn(t, 0x401000, 0x7f0000)

	e.mgr.Switch(e.cpu, a)
	e.cpu.Regs.PC = 0x401234
	e.mgr.Switch(e.cpu, a)
	if e.cpu.Regs.PC == 0x401234 {
		// Self-switch must not reload the stale snapshot either; the
		// live file simply stays live.
		return
	}
	t.Errorf("self-switch reloaded stale PC %#x", e.cpu.Regs.PC)
}

func TestCorruptedContextHalts(t *testing.T) {
	e := newTestEnv(t)
	a := e.spawn(t, 0x401000, 0x7f0000)
	a.ctx.cookie ^= 1

	defer func() {
		r := recover()
		if r == nil || !machine.IsHalt(r) {
			t.Errorf("switch to corrupted context: recover() = %v, want halt", r)
		}
	}()
	e.mgr.Switch(e.cpu, a)
}

func TestSwitchToExitedHalts(t *testing.T) {
	e := newTestEnv(t)
	a := e.spawn(t, 0x401000, 0x7f0000)
	e.mgr.Exit(e.cpu, a)

	defer func() {
		r := recover()
		if r == nil || !machine.IsHalt(r) {
			t.Errorf("switch to exited task: recover() = %v, want halt", r)
		}
	}()
	e.mgr.Switch(e.cpu, a)
}

func TestExitReleasesStack(t *testing.T) {
	e := newTestEnv(t)
	before := e.pool.Stats(e.cpu).Allocated

	a := e.spawn(t, 0x401000, 0x7f0000)
	if got := e.pool.Stats(e.cpu).Allocated; got <= before {
		t.Fatalf("spawn allocated nothing (allocated %d)", got)
	}
	e.mgr.Exit(e.cpu, a)

	// Exit keeps the address space (the caller owns it) but must return
	// every stack frame, and unmapping the stack prunes the now-empty
	// intermediate tables. Only the space's root frame may remain.
	if got := e.pool.Stats(e.cpu).Allocated; got != before+memtypes.PageSize {
		t.Errorf("allocated after exit = %d bytes, want %d (root frame only)", got, before+memtypes.PageSize)
	}
	if got := a.Status(); got != StatusExited {
		t.Errorf("status after exit = %s, want exited", got)
	}
	if _, ok := a.AddressSpace().FindRegion(0x7f0000 - memtypes.PageSize); ok {
		t.Error("stack region survived exit")
	}
	if _, _, ok := a.AddressSpace().PageTables().Lookup(0x7f0000 - memtypes.PageSize); ok {
		t.Error("stack page still mapped after exit")
	}
}

func TestSwitchRestoresInterruptFlag(t *testing.T) {
	e := newTestEnv(t)
	a := e.spawn(t, 0x401000, 0x7f0000)

	e.mgr.Switch(e.cpu, a)
	if !e.cpu.InterruptsEnabled() {
		t.Error("interrupts left disabled after switch")
	}

	b := e.spawn(t, 0x402000, 0x8f0000)
	e.cpu.DisableInterrupts()
	e.mgr.Switch(e.cpu, b)
	if e.cpu.InterruptsEnabled() {
		t.Error("switch enabled interrupts it did not disable")
	}
	e.cpu.EnableInterrupts()
}

func TestSpawnValidation(t *testing.T) {
	e := newTestEnv(t)
	as, err := vmspace.New(e.m, e.cpu, e.pool)
	if err != nil {
		t.Fatalf("vmspace.New: %v", err)
	}
	if _, err := e.mgr.Spawn(e.cpu, as, SpawnOpts{Entry: 0x401000, StackTop: 0x7f0000, StackPages: 0}); err == nil {
		t.Error("Spawn with zero stack pages succeeded")
	}
	if _, err := e.mgr.Spawn(e.cpu, as, SpawnOpts{Entry: 0x401000, StackTop: 0x7f0080, StackPages: 1}); err == nil {
		t.Error("Spawn with misaligned stack top succeeded")
	}
}

func TestTaskIDsUnique(t *testing.T) {
	e := newTestEnv(t)
	a := e.spawn(t, 0x401000, 0x7f0000)
	b := e.spawn(t, 0x402000, 0x8f0000)
	if a.ID() == b.ID() {
		t.Errorf("tasks share ID %d", a.ID())
	}
}
