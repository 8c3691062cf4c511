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

// Package trap implements trap and interrupt dispatch.
//
// Handlers register against architecture-independent vectors; each
// architecture's raw exception numbering is translated by a vector table at
// the dispatch boundary and appears nowhere else. An unregistered vector is
// unrecoverable: the dispatcher produces a back-trace from the faulting
// task's saved frame pointers and halts.
package trap

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/TELOS-syslab/asterinas/pkg/log"
	"github.com/TELOS-syslab/asterinas/pkg/machine"
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
	"github.com/TELOS-syslab/asterinas/pkg/sync"
	"github.com/TELOS-syslab/asterinas/pkg/task"
)

// Vector is an architecture-independent trap vector.
type Vector int

const (
	// VectorPageFault is a translation or permission fault.
	VectorPageFault Vector = iota

	// VectorBreakpoint is a software breakpoint.
	VectorBreakpoint

	// VectorIllegalInstruction is an undefined or privileged instruction
	// fault.
	VectorIllegalInstruction

	// VectorSyscall is the system-call trap.
	VectorSyscall

	// VectorTimer is the local timer interrupt.
	VectorTimer

	// VectorVirtualization is the guest/hypervisor communication
	// exception taken when the hardware requires hypervisor involvement.
	VectorVirtualization

	numVectors
)

func (v Vector) String() string {
	switch v {
	case VectorPageFault:
		return "page-fault"
	case VectorBreakpoint:
		return "breakpoint"
	case VectorIllegalInstruction:
		return "illegal-instruction"
	case VectorSyscall:
		return "syscall"
	case VectorTimer:
		return "timer"
	case VectorVirtualization:
		return "virtualization"
	default:
		return fmt.Sprintf("vector(%d)", int(v))
	}
}

// VectorTable translates one architecture's raw exception numbering to and
// from the neutral vector space.
type VectorTable interface {
	// Decode maps a raw cause code to a vector.
	Decode(code uint64) (Vector, bool)

	// Encode maps a vector to the raw cause code delivered for it.
	Encode(v Vector) (uint64, bool)
}

// TableFor returns the vector table for arch.
func TableFor(arch machine.Arch) (VectorTable, error) {
	switch arch {
	case machine.AMD64:
		return amd64Vectors{}, nil
	case machine.ARM64:
		return arm64Vectors{}, nil
	case machine.RISCV64:
		return riscv64Vectors{}, nil
	default:
		return nil, fmt.Errorf("trap: unsupported architecture %s", arch)
	}
}

// Frame is the state captured at trap entry and restored at trap exit.
type Frame struct {
	// Vector identifies the trap.
	Vector Vector

	// Regs is the interrupted register file.
	Regs machine.Registers

	// Addr is the faulting address; meaningful for page faults only.
	Addr memtypes.VirtAddr

	// Access is the attempted access; meaningful for page faults only.
	Access memtypes.AccessType
}

// TaskFault is a fault attributed to one task rather than the system. The
// caller above this layer translates it into whatever the task-visible
// signal is; this package only isolates it.
type TaskFault struct {
	// TaskID is the owning task.
	TaskID uint64

	// Vector is the originating trap.
	Vector Vector

	// Addr is the faulting address, if any.
	Addr memtypes.VirtAddr

	// Access is the attempted access, if any.
	Access memtypes.AccessType
}

func (f *TaskFault) Error() string {
	return fmt.Sprintf("task %d: %s at %#x (%s)", f.TaskID, f.Vector, uint64(f.Addr), f.Access)
}

// Handler handles one vector. A nil return resumes the interrupted
// instruction; a TaskFault is delivered to the owning task by the caller.
type Handler func(cpu *machine.CPU, f *Frame) *TaskFault

// maxBacktraceDepth bounds the diagnostic frame-pointer walk.
const maxBacktraceDepth = 32

// Dispatcher routes captured trap frames to registered handlers and keeps
// per-vector dispatch counts.
type Dispatcher struct {
	m     *machine.Machine
	table VectorTable
	tasks *task.Manager

	// mu guards handler registration; dispatch reads the slots atomically
	// without taking it.
	mu       sync.SpinLock
	handlers [numVectors]atomic.Pointer[Handler]
	counts   [numVectors]atomic.Uint64

	// faultLog throttles task-fault reporting; a fault storm from a
	// misbehaving task must not drown the log.
	faultLog log.Logger
}

// NewDispatcher creates the dispatcher for m.
func NewDispatcher(m *machine.Machine, tasks *task.Manager) (*Dispatcher, error) {
	table, err := TableFor(m.Arch())
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		m:        m,
		table:    table,
		tasks:    tasks,
		faultLog: log.BasicRateLimitedLogger(time.Second),
	}, nil
}

// Table returns the architecture's vector table.
func (d *Dispatcher) Table() VectorTable {
	return d.table
}

// Register installs h for v. Registering a vector twice is an error.
func (d *Dispatcher) Register(v Vector, h Handler) error {
	if v < 0 || v >= numVectors {
		return fmt.Errorf("trap: vector %d out of range", int(v))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers[v].Load() != nil {
		return fmt.Errorf("trap: vector %s already registered", v)
	}
	d.handlers[v].Store(&h)
	return nil
}

// Dispatches returns how many times v has been dispatched.
func (d *Dispatcher) Dispatches(v Vector) uint64 {
	if v < 0 || v >= numVectors {
		return 0
	}
	return d.counts[v].Load()
}

// Deliver captures the interrupted state on cpu into f and dispatches it.
// Interrupts are disabled for the duration, restored on every exit path. An
// unregistered vector halts after a diagnostic back-trace.
func (d *Dispatcher) Deliver(cpu *machine.CPU, f *Frame) (tf *TaskFault) {
	sync.WithIRQDisabled(cpu, func() {
		f.Regs = cpu.Regs
		if f.Vector < 0 || f.Vector >= numVectors {
			d.backtrace(cpu, &f.Regs)
			machine.Halt("trap: vector %d out of range on CPU %d", int(f.Vector), cpu.ID())
		}
		d.counts[f.Vector].Add(1)

		hp := d.handlers[f.Vector].Load()
		if hp == nil {
			d.backtrace(cpu, &f.Regs)
			machine.Halt("trap: unregistered vector %s on CPU %d, pc=%#x", f.Vector, cpu.ID(), f.Regs.PC)
		}
		tf = (*hp)(cpu, f)
		if tf != nil {
			d.faultLog.Warningf("trap: %v", tf)
		}
	})
	return tf
}

// DeliverRaw decodes an architecture cause code and dispatches. An
// undecodable code is treated like an unregistered vector.
func (d *Dispatcher) DeliverRaw(cpu *machine.CPU, code uint64, addr memtypes.VirtAddr, access memtypes.AccessType) *TaskFault {
	v, ok := d.table.Decode(code)
	if !ok {
		regs := cpu.Regs
		d.backtrace(cpu, &regs)
		machine.Halt("trap: unknown cause %#x on CPU %d, pc=%#x", code, cpu.ID(), regs.PC)
	}
	return d.Deliver(cpu, &Frame{Vector: v, Addr: addr, Access: access})
}

// backtrace walks the chain of saved frame pointers on the interrupted
// task's stack, printing the return address of each frame. Frame layout is
// the conventional pair at the frame pointer: saved FP, then the return
// address one word above it.
func (d *Dispatcher) backtrace(cpu *machine.CPU, regs *machine.Registers) {
	log.Warningf("trap: backtrace on CPU %d: pc=%#x sp=%#x fp=%#x", cpu.ID(), regs.PC, regs.SP, regs.FP)
	cur := d.tasks.Current(cpu)
	if cur == nil {
		log.Warningf("trap: no task; cannot walk the stack")
		return
	}
	as := cur.AddressSpace()
	fp := regs.FP
	for depth := 0; depth < maxBacktraceDepth && fp != 0; depth++ {
		var buf [16]byte
		if fault := as.ReadBytes(cpu, memtypes.VirtAddr(fp), buf[:]); fault != nil {
			log.Warningf("trap:   frame at %#x unreadable: %v", fp, fault)
			return
		}
		next := binary.LittleEndian.Uint64(buf[0:8])
		ra := binary.LittleEndian.Uint64(buf[8:16])
		if ra == 0 {
			return
		}
		log.Warningf("trap:   #%02d return %#x", depth, ra)
		if next <= fp {
			// The chain must move up the stack; anything else is a
			// corrupt or terminal frame.
			return
		}
		fp = next
	}
}
