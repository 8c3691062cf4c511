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
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
)

// RISC-V Sv48 page table entry bits. The PPN sits at bits 10-53, shifted
// right by two relative to the physical address, so the address conversion
// differs from the other two formats.
const (
	riscvValid    = 1 << 0
	riscvRead     = 1 << 1
	riscvWrite    = 1 << 2
	riscvExec     = 1 << 3
	riscvUser     = 1 << 4
	riscvGlobal   = 1 << 5
	riscvAccessed = 1 << 6
	riscvDirty    = 1 << 7
	riscvPPNShift = 10
	riscvPPNMask  = 0x003f_ffff_ffff_fc00
)

// riscv64Format is the Sv48 entry layout. An entry with none of R/W/X set is
// a pointer to the next level; Sv48 has no cacheability bits (that lives in
// PBMT, which the modeled hardware does not implement).
type riscv64Format struct{}

// Name implements Format.Name.
func (riscv64Format) Name() string { return "riscv64" }

func riscvPPN(pa memtypes.PhysAddr) uint64 {
	return (uint64(pa) >> memtypes.PageShift) << riscvPPNShift
}

func riscvPA(pte uint64) memtypes.PhysAddr {
	return memtypes.PhysAddr((pte & riscvPPNMask) >> riscvPPNShift << memtypes.PageShift)
}

// EncodeLeaf implements Format.EncodeLeaf.
func (riscv64Format) EncodeLeaf(pa memtypes.PhysAddr, prop memtypes.PageProperty) uint64 {
	pte := riscvPPN(pa) | riscvValid | riscvAccessed
	if prop.Access.Read {
		pte |= riscvRead
	}
	if prop.Access.Write {
		pte |= riscvWrite | riscvDirty
	}
	if prop.Access.Execute {
		pte |= riscvExec
	}
	if prop.Flags.User {
		pte |= riscvUser
	}
	if prop.Flags.Global {
		pte |= riscvGlobal
	}
	return pte
}

// EncodeTable implements Format.EncodeTable.
func (riscv64Format) EncodeTable(pa memtypes.PhysAddr) uint64 {
	return riscvPPN(pa) | riscvValid
}

// DecodeLeaf implements Format.DecodeLeaf.
func (riscv64Format) DecodeLeaf(pte uint64) (memtypes.PhysAddr, memtypes.PageProperty, bool) {
	if pte&riscvValid == 0 || pte&(riscvRead|riscvWrite|riscvExec) == 0 {
		return 0, memtypes.PageProperty{}, false
	}
	prop := memtypes.PageProperty{
		Access: memtypes.AccessType{
			Read:    pte&riscvRead != 0,
			Write:   pte&riscvWrite != 0,
			Execute: pte&riscvExec != 0,
		},
		Flags: memtypes.PageFlags{
			User:   pte&riscvUser != 0,
			Global: pte&riscvGlobal != 0,
		},
	}
	return riscvPA(pte), prop, true
}

// DecodeTable implements Format.DecodeTable. Pointer entries have R/W/X all
// clear.
func (riscv64Format) DecodeTable(pte uint64) (memtypes.PhysAddr, bool) {
	if pte&riscvValid == 0 || pte&(riscvRead|riscvWrite|riscvExec) != 0 {
		return 0, false
	}
	return riscvPA(pte), true
}

// Valid implements Format.Valid.
func (riscv64Format) Valid(pte uint64) bool {
	return pte&riscvValid != 0
}

// ValidVA implements Format.ValidVA.
func (riscv64Format) ValidVA(va memtypes.VirtAddr) bool {
	return canonical48(va)
}
