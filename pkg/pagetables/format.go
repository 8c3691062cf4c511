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

// Package pagetables provides multi-level page tables.
//
// The tree structure, walking and lifetime rules are architecture
// independent; only the bit layout of a table entry differs per
// architecture. The layout lives behind the Format interface with one
// implementation per supported architecture, selected once at
// initialization.
//
// All three supported formats share the same geometry: a 4-level tree with
// 512 entries per table and a 4K leaf granule (x86-64 4-level paging, AArch64
// 4K granule, RISC-V Sv48).
package pagetables

import (
	"fmt"

	"github.com/TELOS-syslab/asterinas/pkg/machine"
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
)

const (
	// numLevels is the depth of the translation tree. Level numLevels-1
	// is the root, level 0 holds leaf entries.
	numLevels = 4

	// indexBits is log2(entriesPerTable).
	indexBits = 9

	// entriesPerTable is the number of entries in one table page.
	entriesPerTable = 1 << indexBits

	// indexMask masks one level's index.
	indexMask = entriesPerTable - 1
)

// Format encodes and decodes table entries for one architecture.
type Format interface {
	// Name returns the format name for diagnostics.
	Name() string

	// EncodeLeaf builds a leaf entry mapping one page at pa with the
	// given properties.
	EncodeLeaf(pa memtypes.PhysAddr, prop memtypes.PageProperty) uint64

	// EncodeTable builds a non-leaf entry pointing at the next-level
	// table at pa.
	EncodeTable(pa memtypes.PhysAddr) uint64

	// DecodeLeaf splits a leaf entry into its address and properties.
	// Returns ok == false for an invalid (clear) entry.
	DecodeLeaf(pte uint64) (pa memtypes.PhysAddr, prop memtypes.PageProperty, ok bool)

	// DecodeTable returns the next-level table address of a non-leaf
	// entry. Returns ok == false for an invalid entry.
	DecodeTable(pte uint64) (pa memtypes.PhysAddr, ok bool)

	// Valid returns true if the entry is present at all.
	Valid(pte uint64) bool

	// ValidVA returns true if va is canonical for this architecture.
	ValidVA(va memtypes.VirtAddr) bool
}

// FormatFor returns the entry format for arch.
func FormatFor(arch machine.Arch) (Format, error) {
	switch arch {
	case machine.AMD64:
		return amd64Format{}, nil
	case machine.ARM64:
		return arm64Format{}, nil
	case machine.RISCV64:
		return riscv64Format{}, nil
	default:
		return nil, fmt.Errorf("pagetables: no entry format for %s", arch)
	}
}

// levelIndex extracts the table index of va at the given level (root is
// numLevels-1).
func levelIndex(va memtypes.VirtAddr, level int) uint64 {
	return (uint64(va) >> (memtypes.PageShift + indexBits*level)) & indexMask
}

// canonical48 is the canonical-address check shared by the three formats:
// bits 63:47 must be a sign extension of bit 47.
func canonical48(va memtypes.VirtAddr) bool {
	const lowerTop = memtypes.VirtAddr(0x0000_7fff_ffff_ffff)
	const upperBottom = memtypes.VirtAddr(0xffff_8000_0000_0000)
	return va <= lowerTop || va >= upperBottom
}
