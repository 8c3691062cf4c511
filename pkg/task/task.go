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

// Package task implements task contexts and the CPU context switch.
//
// A Task owns a saved register snapshot, a kernel stack and an address
// space. Switch is the only way a CPU stops running one task and starts
// another; which task to run next is the caller's (the scheduler's)
// decision, not this package's.
package task

import (
	"fmt"
	"sync/atomic"

	"github.com/TELOS-syslab/asterinas/pkg/frame"
	"github.com/TELOS-syslab/asterinas/pkg/log"
	"github.com/TELOS-syslab/asterinas/pkg/machine"
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
	"github.com/TELOS-syslab/asterinas/pkg/vmspace"
)

// contextCookie seals a live context. It is written once at spawn, cleared
// at exit, and checked on every switch; any other value means the snapshot
// was overwritten by something that was not the switch path.
const contextCookie uint64 = 0x7461736b_63747874

// Status is a task's lifecycle state.
type Status int32

const (
	// StatusReady means the context holds a complete snapshot and the task
	// may be switched to.
	StatusReady Status = iota

	// StatusRunning means the task's state is live in some CPU's register
	// file; the saved snapshot is stale.
	StatusRunning

	// StatusExited means the task's resources are released. Switching to
	// it is a fatal error.
	StatusExited
)

func (s Status) String() string {
	switch s {
	case StatusReady:
		return "ready"
	case StatusRunning:
		return "running"
	case StatusExited:
		return "exited"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// context is the saved CPU state of a suspended task.
type context struct {
	regs   machine.Registers
	cookie uint64
}

// Task is one schedulable thread of control.
type Task struct {
	// id is unique for the lifetime of the system.
	id uint64

	// as is the task's address space; activated on switch-in.
	as *vmspace.AddressSpace

	// ctx is valid while status != StatusRunning.
	ctx context

	// status is read by the scheduler above; stored atomically so that
	// observation from another CPU is not a race.
	status atomic.Int32

	// stackPages sizes the stack region; the mappings hold the frame
	// references.
	stackPages int
	stackTop   memtypes.VirtAddr
}

// ID returns the task identifier.
func (t *Task) ID() uint64 {
	return t.id
}

// AddressSpace returns the task's address space.
func (t *Task) AddressSpace() *vmspace.AddressSpace {
	return t.as
}

// Status returns the task's lifecycle state.
func (t *Task) Status() Status {
	return Status(t.status.Load())
}

// StackTop returns the initial stack pointer (exclusive top; the stack
// grows down).
func (t *Task) StackTop() memtypes.VirtAddr {
	return t.stackTop
}

// SpawnOpts configures a new task.
type SpawnOpts struct {
	// Entry is the virtual address the task starts executing at on its
	// first switch-in.
	Entry memtypes.VirtAddr

	// StackTop is the exclusive top of the kernel stack; the stack region
	// is carved downward from it.
	StackTop memtypes.VirtAddr

	// StackPages is the stack size in pages. Must be at least 1.
	StackPages int
}

// Manager owns task identity and the per-CPU current-task pointer. One per
// machine.
type Manager struct {
	m       *machine.Machine
	pool    *frame.Pool
	current *machine.PerCPU[*Task]
	nextID  atomic.Uint64
}

// NewManager creates the task manager for m.
func NewManager(m *machine.Machine, pool *frame.Pool) *Manager {
	return &Manager{
		m:       m,
		pool:    pool,
		current: machine.NewPerCPU[*Task](m),
	}
}

// Current returns the task running on cpu, or nil before the first switch.
// Lock-free: the slot is only written by code running on cpu.
func (mgr *Manager) Current(cpu *machine.CPU) *Task {
	return *mgr.current.Get(cpu)
}

// Spawn creates a task in as: allocates and maps its kernel stack and seeds
// a context so the first switch-in begins at opts.Entry with a fresh stack.
func (mgr *Manager) Spawn(cpu *machine.CPU, as *vmspace.AddressSpace, opts SpawnOpts) (*Task, error) {
	if opts.StackPages < 1 {
		return nil, fmt.Errorf("task: stack needs at least 1 page, got %d", opts.StackPages)
	}
	if !opts.StackTop.PageAligned() {
		return nil, fmt.Errorf("task: stack top %#x not page-aligned", uint64(opts.StackTop))
	}
	stackRange := memtypes.VirtRange{
		Start: opts.StackTop - memtypes.VirtAddr(opts.StackPages)*memtypes.PageSize,
		End:   opts.StackTop,
	}
	err := as.AddRegion(vmspace.Region{
		Range:   stackRange,
		Prop:    memtypes.PageProperty{Access: memtypes.ReadWrite},
		Backing: vmspace.BackingEager,
	})
	if err != nil {
		return nil, fmt.Errorf("task: stack region: %w", err)
	}

	t := &Task{
		id:       mgr.nextID.Add(1),
		as:       as,
		stackTop: opts.StackTop,
	}
	for va := stackRange.Start; va < stackRange.End; va += memtypes.PageSize {
		f, err := mgr.pool.Allocate(cpu, frame.AllocOptions{Zeroed: true})
		if err != nil {
			mgr.releaseStack(cpu, t, stackRange.Start)
			return nil, fmt.Errorf("task: stack frame: %w", err)
		}
		mapErr := as.MapFrame(cpu, va, f)
		f.DecRef(cpu) // on success the mapping holds the reference
		if mapErr != nil {
			mgr.releaseStack(cpu, t, stackRange.Start)
			return nil, fmt.Errorf("task: stack mapping: %w", mapErr)
		}
		t.stackPages++
	}

	t.ctx = context{
		regs: machine.Registers{
			PC: uint64(opts.Entry),
			SP: uint64(opts.StackTop),
		},
		cookie: contextCookie,
	}
	t.status.Store(int32(StatusReady))
	log.Debugf("task %d: spawned, entry %#x, stack %s", t.id, uint64(opts.Entry), stackRange)
	return t, nil
}

// releaseStack drops the stack region; RemoveRegion unmaps whatever pages
// were materialized, which frees the frames.
func (mgr *Manager) releaseStack(cpu *machine.CPU, t *Task, stackStart memtypes.VirtAddr) {
	t.as.RemoveRegion(cpu, stackStart)
	t.stackPages = 0
}

// Switch suspends the task running on cpu and resumes next. The running
// task's live register file is persisted into its context; next's context
// is loaded and its address space activated. There is no rollback once the
// swap has begun, so a corrupted context is fatal.
//
// Interrupts stay disabled for the whole transfer: a trap taken mid-swap
// would capture a frame belonging to neither task.
func (mgr *Manager) Switch(cpu *machine.CPU, next *Task) {
	was := cpu.DisableInterrupts()

	if next.Status() == StatusExited {
		machine.Halt("task: switch to exited task %d", next.id)
	}
	if next.ctx.cookie != contextCookie {
		machine.Halt("task: corrupted context on task %d (cookie %#x)", next.id, next.ctx.cookie)
	}

	slot := mgr.current.Get(cpu)
	cur := *slot
	if cur == next {
		// Already live on this CPU; reloading the stale snapshot would
		// discard the task's progress.
		if was {
			cpu.EnableInterrupts()
		}
		return
	}
	if cur != nil {
		cur.ctx.regs = cpu.Regs
		cur.ctx.cookie = contextCookie
		cur.status.Store(int32(StatusReady))
	}

	cpu.Regs = next.ctx.regs
	next.as.Activate(cpu)
	next.status.Store(int32(StatusRunning))
	*slot = next

	if was {
		cpu.EnableInterrupts()
	}
}

// Exit releases next-to-run eligibility and the task's stack. The task must
// not be current on any CPU. The address space itself belongs to the caller
// and is not released here.
func (mgr *Manager) Exit(cpu *machine.CPU, t *Task) {
	if t.Status() == StatusRunning {
		machine.Halt("task: exit of running task %d", t.id)
	}
	stackStart := t.stackTop - memtypes.VirtAddr(t.stackPages)*memtypes.PageSize
	mgr.releaseStack(cpu, t, stackStart)
	t.ctx.cookie = 0
	t.status.Store(int32(StatusExited))
	log.Debugf("task %d: exited", t.id)
}
