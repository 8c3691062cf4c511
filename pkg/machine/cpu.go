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
)

// NumGPRegs is the size of the architecture-neutral general purpose register
// file. Sixteen covers the integer register state we model on all three
// architectures.
const NumGPRegs = 16

// Registers is the architecture-neutral register file. It is the unit of
// state saved and restored on context switch and captured in trap frames.
type Registers struct {
	// PC is the program counter (RIP / PC / pc).
	PC uint64

	// SP is the stack pointer.
	SP uint64

	// FP is the frame pointer; the diagnostic unwinder follows the chain
	// of saved frame pointers rooted here.
	FP uint64

	// Flags is the condition/flags register.
	Flags uint64

	// GP is the general purpose register file.
	GP [NumGPRegs]uint64
}

// CPU is one logical CPU cell. A CPU cell lives for the whole system and is
// mutated only by code running on that CPU; cross-CPU access is limited to
// the TLB, which takes modeled IPIs (shootdowns) under its own lock.
type CPU struct {
	machine *Machine

	// id is the logical CPU number.
	id int

	// Regs is the live register file.
	Regs Registers

	// irqEnabled is the local interrupt-enable flag.
	irqEnabled bool

	// activeRoot is the physical address of the active translation root,
	// zero before the first activation.
	activeRoot memtypes.PhysAddr

	// activeASID tags translations installed on behalf of the active
	// address space.
	activeASID uint16

	// tlb is this CPU's translation cache.
	tlb tlb
}

func newCPU(m *Machine, id int) *CPU {
	return &CPU{
		machine:    m,
		id:         id,
		irqEnabled: true,
	}
}

// ID returns the logical CPU number.
func (c *CPU) ID() int {
	return c.id
}

// Machine returns the owning machine.
func (c *CPU) Machine() *Machine {
	return c.machine
}

// DisableInterrupts implements sync.IRQState.DisableInterrupts.
func (c *CPU) DisableInterrupts() bool {
	was := c.irqEnabled
	c.irqEnabled = false
	return was
}

// EnableInterrupts implements sync.IRQState.EnableInterrupts.
func (c *CPU) EnableInterrupts() {
	c.irqEnabled = true
}

// InterruptsEnabled returns the local interrupt-enable flag.
func (c *CPU) InterruptsEnabled() bool {
	return c.irqEnabled
}

// SetActiveRoot installs root as the active translation context of this CPU,
// tagged with asid. The write of the root register implicitly retires
// non-global translations of the previous ASID on real hardware only when
// ASIDs are exhausted; with per-ASID tagging nothing needs flushing here.
func (c *CPU) SetActiveRoot(root memtypes.PhysAddr, asid uint16) {
	c.activeRoot = root
	c.activeASID = asid
}

// ActiveRoot returns the active translation root and its ASID.
func (c *CPU) ActiveRoot() (memtypes.PhysAddr, uint16) {
	return c.activeRoot, c.activeASID
}

// PerCPU is a typed per-CPU variable: one slot per CPU cell, defined once at
// initialization. The owning CPU is the only writer of its slot, which is
// what makes lock-free access sound.
type PerCPU[T any] struct {
	slots []T
}

// NewPerCPU defines a per-CPU variable on m.
func NewPerCPU[T any](m *Machine) *PerCPU[T] {
	return &PerCPU[T]{slots: make([]T, m.NumCPUs())}
}

// Get returns the slot belonging to c. The caller must be running on c.
func (p *PerCPU[T]) Get(c *CPU) *T {
	return &p.slots[c.id]
}
