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

// Package machine models the hardware that the privileged layer drives: a
// fixed set of CPUs with local interrupt flags and translation caches, a
// physical memory store addressed by frame, and the guest-to-hypervisor call
// channel used in confidential-VM mode.
//
// Everything above this package manipulates hardware only through it. The
// architecture-specific encodings (page-table formats, vector numbering) are
// real; the side effects land here instead of in silicon, which is what makes
// the layer testable on a host.
package machine

import (
	"fmt"

	"github.com/TELOS-syslab/asterinas/pkg/log"
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
)

// Arch identifies one of the supported instruction set architectures.
type Arch int

const (
	// AMD64 is x86-64 with 4-level paging.
	AMD64 Arch = iota

	// ARM64 is AArch64 with the 4K granule.
	ARM64

	// RISCV64 is RV64 with Sv48 paging.
	RISCV64
)

func (a Arch) String() string {
	switch a {
	case AMD64:
		return "amd64"
	case ARM64:
		return "arm64"
	case RISCV64:
		return "riscv64"
	default:
		return fmt.Sprintf("arch(%d)", int(a))
	}
}

// Config configures a Machine. This is the framework's single initialization
// point: the boot path builds one Config and everything else hangs off the
// resulting Machine for the lifetime of the system.
type Config struct {
	// Arch selects the modeled architecture.
	Arch Arch

	// CPUs is the number of logical CPUs. Must be at least 1.
	CPUs int

	// MaxPhysical is the highest modeled physical address, exclusive.
	MaxPhysical memtypes.PhysAddr

	// Hypervisor handles guest-to-hypervisor calls. Nil outside CVM mode;
	// a CVM conversion or attestation request without one is fatal.
	Hypervisor Hypervisor
}

// Machine is the modeled hardware. There is exactly one per system and it is
// never torn down.
type Machine struct {
	arch       Arch
	cpus       []*CPU
	mem        *PhysicalMemory
	hypervisor Hypervisor
}

// New builds a Machine from the given config.
func New(cfg Config) (*Machine, error) {
	if cfg.CPUs < 1 {
		return nil, fmt.Errorf("machine: config needs at least 1 CPU, got %d", cfg.CPUs)
	}
	if cfg.MaxPhysical == 0 || !cfg.MaxPhysical.PageAligned() {
		return nil, fmt.Errorf("machine: MaxPhysical %#x must be nonzero and page-aligned", uint64(cfg.MaxPhysical))
	}
	m := &Machine{
		arch:       cfg.Arch,
		mem:        newPhysicalMemory(cfg.MaxPhysical),
		hypervisor: cfg.Hypervisor,
	}
	for i := 0; i < cfg.CPUs; i++ {
		m.cpus = append(m.cpus, newCPU(m, i))
	}
	log.Infof("machine: %s, %d CPUs, %d MB physical", m.arch, len(m.cpus), uint64(cfg.MaxPhysical)>>20)
	return m, nil
}

// Arch returns the modeled architecture.
func (m *Machine) Arch() Arch {
	return m.arch
}

// NumCPUs returns the number of logical CPUs.
func (m *Machine) NumCPUs() int {
	return len(m.cpus)
}

// CPU returns the CPU cell with the given id.
func (m *Machine) CPU(id int) *CPU {
	return m.cpus[id]
}

// Memory returns the physical memory store.
func (m *Machine) Memory() *PhysicalMemory {
	return m.mem
}

// Hypervisor returns the configured hypervisor, or nil outside CVM mode.
func (m *Machine) Hypervisor() Hypervisor {
	return m.hypervisor
}

// FlushAll invalidates translations for asid on every CPU. Modeled TLB
// shootdown: synchronous, globally visible before return, exactly the
// ordering guarantee unmap relies on.
func (m *Machine) FlushAll(asid uint16) {
	for _, c := range m.cpus {
		c.tlb.flushASID(asid)
	}
}

// FlushRange invalidates translations for the given pages of asid on every
// CPU.
func (m *Machine) FlushRange(asid uint16, vr memtypes.VirtRange) {
	for _, c := range m.cpus {
		c.tlb.flushRange(asid, vr)
	}
}

// haltError is the panic value used by Halt so tests can tell a modeled halt
// from an ordinary bug.
type haltError struct {
	msg string
}

func (h haltError) Error() string {
	return h.msg
}

// IsHalt returns true if a recovered panic value came from Halt.
func IsHalt(r any) bool {
	_, ok := r.(haltError)
	return ok
}

// Halt terminates execution after emitting diagnostics. This is the endpoint
// of every unrecoverable condition: corrupted context, unregistered vector,
// debug-detected double free. There is deliberately no way back.
func Halt(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	log.TracebackAll("HALT: %s", msg)
	panic(haltError{msg: msg})
}
