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

// AArch64 stage-1 descriptor bits, 4K granule.
const (
	arm64Valid    = 1 << 0
	arm64TypePage = 1 << 1 // page descriptor at level 0, table descriptor above
	arm64AttrNorm = 0 << 2 // MAIR index 0: normal memory
	arm64AttrDev  = 1 << 2 // MAIR index 1: device memory
	arm64AP1User  = 1 << 6 // EL0 accessible
	arm64AP2RO    = 1 << 7 // read-only
	arm64SHInner  = 3 << 8 // inner shareable
	arm64AF       = 1 << 10
	arm64NotGlob  = 1 << 11 // nG: translation is ASID-tagged
	arm64PXN      = 1 << 53
	arm64UXN      = 1 << 54
	arm64AddrMask = 0x0000_ffff_ffff_f000
)

// arm64Format is the AArch64 descriptor layout. Two inversions relative to
// the generic properties: writability is expressed as the absence of AP2
// (read-only), and non-global is a positive nG bit.
type arm64Format struct{}

// Name implements Format.Name.
func (arm64Format) Name() string { return "arm64" }

// EncodeLeaf implements Format.EncodeLeaf.
func (arm64Format) EncodeLeaf(pa memtypes.PhysAddr, prop memtypes.PageProperty) uint64 {
	pte := uint64(pa)&arm64AddrMask | arm64Valid | arm64TypePage | arm64AF | arm64SHInner
	if !prop.Access.Write {
		pte |= arm64AP2RO
	}
	if !prop.Access.Execute {
		pte |= arm64UXN | arm64PXN
	}
	if prop.Flags.User {
		pte |= arm64AP1User
		// EL0-accessible memory is never kernel-executable.
		pte |= arm64PXN
	}
	if !prop.Flags.Global {
		pte |= arm64NotGlob
	}
	if prop.Flags.CacheDisabled {
		pte |= arm64AttrDev
	} else {
		pte |= arm64AttrNorm
	}
	return pte
}

// EncodeTable implements Format.EncodeTable.
func (arm64Format) EncodeTable(pa memtypes.PhysAddr) uint64 {
	return uint64(pa)&arm64AddrMask | arm64Valid | arm64TypePage
}

// DecodeLeaf implements Format.DecodeLeaf.
func (arm64Format) DecodeLeaf(pte uint64) (memtypes.PhysAddr, memtypes.PageProperty, bool) {
	if pte&arm64Valid == 0 {
		return 0, memtypes.PageProperty{}, false
	}
	prop := memtypes.PageProperty{
		Access: memtypes.AccessType{
			Read:    true,
			Write:   pte&arm64AP2RO == 0,
			Execute: pte&arm64UXN == 0,
		},
		Flags: memtypes.PageFlags{
			User:          pte&arm64AP1User != 0,
			Global:        pte&arm64NotGlob == 0,
			CacheDisabled: pte&(7<<2) == arm64AttrDev,
		},
	}
	return memtypes.PhysAddr(pte & arm64AddrMask), prop, true
}

// DecodeTable implements Format.DecodeTable.
func (arm64Format) DecodeTable(pte uint64) (memtypes.PhysAddr, bool) {
	if pte&arm64Valid == 0 {
		return 0, false
	}
	return memtypes.PhysAddr(pte & arm64AddrMask), true
}

// Valid implements Format.Valid.
func (arm64Format) Valid(pte uint64) bool {
	return pte&arm64Valid != 0
}

// ValidVA implements Format.ValidVA. TTBR0/TTBR1 split: the same 48-bit
// sign-extension rule applies.
func (arm64Format) ValidVA(va memtypes.VirtAddr) bool {
	return canonical48(va)
}
