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

// x86-64 page table entry bits, 4-level paging.
const (
	amd64Present   = 1 << 0
	amd64Writable  = 1 << 1
	amd64User      = 1 << 2
	amd64WriteThru = 1 << 3
	amd64CacheDis  = 1 << 4
	amd64Accessed  = 1 << 5
	amd64Dirty     = 1 << 6
	amd64Global    = 1 << 8
	amd64NoExec    = 1 << 63
	amd64AddrMask  = 0x000f_ffff_ffff_f000
)

// amd64Format is the x86-64 entry layout. Note the inverted execute sense:
// the hardware bit is no-execute.
type amd64Format struct{}

// Name implements Format.Name.
func (amd64Format) Name() string { return "amd64" }

// EncodeLeaf implements Format.EncodeLeaf.
func (amd64Format) EncodeLeaf(pa memtypes.PhysAddr, prop memtypes.PageProperty) uint64 {
	pte := uint64(pa)&amd64AddrMask | amd64Present | amd64Accessed
	if prop.Access.Write {
		pte |= amd64Writable | amd64Dirty
	}
	if !prop.Access.Execute {
		pte |= amd64NoExec
	}
	if prop.Flags.User {
		pte |= amd64User
	}
	if prop.Flags.Global {
		pte |= amd64Global
	}
	if prop.Flags.CacheDisabled {
		pte |= amd64CacheDis | amd64WriteThru
	}
	return pte
}

// EncodeTable implements Format.EncodeTable. Intermediate entries carry the
// most permissive flags; restriction happens at the leaf.
func (amd64Format) EncodeTable(pa memtypes.PhysAddr) uint64 {
	return uint64(pa)&amd64AddrMask | amd64Present | amd64Writable | amd64User
}

// DecodeLeaf implements Format.DecodeLeaf.
func (amd64Format) DecodeLeaf(pte uint64) (memtypes.PhysAddr, memtypes.PageProperty, bool) {
	if pte&amd64Present == 0 {
		return 0, memtypes.PageProperty{}, false
	}
	prop := memtypes.PageProperty{
		Access: memtypes.AccessType{
			Read:    true,
			Write:   pte&amd64Writable != 0,
			Execute: pte&amd64NoExec == 0,
		},
		Flags: memtypes.PageFlags{
			User:          pte&amd64User != 0,
			Global:        pte&amd64Global != 0,
			CacheDisabled: pte&amd64CacheDis != 0,
		},
	}
	return memtypes.PhysAddr(pte & amd64AddrMask), prop, true
}

// DecodeTable implements Format.DecodeTable.
func (amd64Format) DecodeTable(pte uint64) (memtypes.PhysAddr, bool) {
	if pte&amd64Present == 0 {
		return 0, false
	}
	return memtypes.PhysAddr(pte & amd64AddrMask), true
}

// Valid implements Format.Valid.
func (amd64Format) Valid(pte uint64) bool {
	return pte&amd64Present != 0
}

// ValidVA implements Format.ValidVA.
func (amd64Format) ValidVA(va memtypes.VirtAddr) bool {
	return canonical48(va)
}
