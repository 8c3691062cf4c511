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

// Package memtypes defines the address and permission types shared by the
// memory-management packages.
//
// Physical and virtual addresses are distinct types on purpose: almost every
// aliasing bug in a privileged layer starts with one being used as the other.
// All addresses are 64-bit independent of the host, since the modeled
// architectures are all 64-bit.
package memtypes

import (
	"fmt"
)

const (
	// PageShift is log2(PageSize).
	PageShift = 12

	// PageSize is the size of the base translation granule. All three
	// supported architectures use 4K base pages.
	PageSize = 1 << PageShift

	// PageMask masks the offset within a page.
	PageMask = PageSize - 1
)

// PhysAddr is a physical address.
type PhysAddr uint64

// VirtAddr is a virtual address.
type VirtAddr uint64

// RoundDown returns the address rounded down to the nearest page boundary.
func (a PhysAddr) RoundDown() PhysAddr {
	return a &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// false iff rounding up wrapped around.
func (a PhysAddr) RoundUp() (addr PhysAddr, ok bool) {
	addr = (a + PageMask).RoundDown()
	return addr, addr >= a
}

// PageAligned returns true if a is page-aligned.
func (a PhysAddr) PageAligned() bool {
	return a&PageMask == 0
}

// PageOffset returns the offset of a within its page.
func (a PhysAddr) PageOffset() uint64 {
	return uint64(a & PageMask)
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (a VirtAddr) RoundDown() VirtAddr {
	return a &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// false iff rounding up wrapped around.
func (a VirtAddr) RoundUp() (addr VirtAddr, ok bool) {
	addr = (a + PageMask).RoundDown()
	return addr, addr >= a
}

// PageAligned returns true if a is page-aligned.
func (a VirtAddr) PageAligned() bool {
	return a&PageMask == 0
}

// PageOffset returns the offset of a within its page.
func (a VirtAddr) PageOffset() uint64 {
	return uint64(a & PageMask)
}

// VirtRange is a range of virtual addresses, [Start, End).
type VirtRange struct {
	Start VirtAddr
	End   VirtAddr
}

// Length returns the length of the range.
func (r VirtRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if addr lies within r.
func (r VirtRange) Contains(addr VirtAddr) bool {
	return r.Start <= addr && addr < r.End
}

// Overlaps returns true if r and other share any address.
func (r VirtRange) Overlaps(other VirtRange) bool {
	return r.Start < other.End && other.Start < r.End
}

// WellFormed returns true if r is non-empty, page-aligned and does not wrap.
func (r VirtRange) WellFormed() bool {
	return r.Start < r.End && r.Start.PageAligned() && r.End.PageAligned()
}

// NumPages returns the number of pages spanned by r.
func (r VirtRange) NumPages() uint64 {
	return r.Length() / PageSize
}

func (r VirtRange) String() string {
	return fmt.Sprintf("[%#x,%#x)", uint64(r.Start), uint64(r.End))
}

// AccessType specifies memory access types. This is used for
// setting mapping permissions as well as the access type of faults.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool

	// Execute is execute access.
	Execute bool
}

// String returns a pretty representation of access. This looks like the
// familiar r-x, rw-, etc. and can be relied on as such.
func (a AccessType) String() string {
	bits := [3]byte{'-', '-', '-'}
	if a.Read {
		bits[0] = 'r'
	}
	if a.Write {
		bits[1] = 'w'
	}
	if a.Execute {
		bits[2] = 'x'
	}
	return string(bits[:])
}

// Any returns true iff at least one of Read, Write or Execute is true.
func (a AccessType) Any() bool {
	return a.Read || a.Write || a.Execute
}

// SupersetOf returns true iff the access types in a are a superset of the
// access types in other.
func (a AccessType) SupersetOf(other AccessType) bool {
	if !a.Read && other.Read {
		return false
	}
	if !a.Write && other.Write {
		return false
	}
	if !a.Execute && other.Execute {
		return false
	}
	return true
}

// Union returns the union of a and other.
func (a AccessType) Union(other AccessType) AccessType {
	return AccessType{
		Read:    a.Read || other.Read,
		Write:   a.Write || other.Write,
		Execute: a.Execute || other.Execute,
	}
}

// Convenient access types.
var (
	NoAccess    = AccessType{}
	Read        = AccessType{Read: true}
	Write       = AccessType{Write: true}
	Execute     = AccessType{Execute: true}
	ReadWrite   = AccessType{Read: true, Write: true}
	ReadExecute = AccessType{Read: true, Execute: true}
	AnyAccess   = AccessType{Read: true, Write: true, Execute: true}
)

// PageFlags carries the non-permission attributes of a mapping.
type PageFlags struct {
	// User marks the mapping accessible from unprivileged mode.
	User bool

	// Global marks the translation as shared across address spaces; it
	// survives an address-space switch in the translation cache.
	Global bool

	// CacheDisabled disables caching for the mapping (device memory).
	CacheDisabled bool
}

// PageProperty is the full set of attributes carried by a leaf mapping.
type PageProperty struct {
	Access AccessType
	Flags  PageFlags
}

func (p PageProperty) String() string {
	s := p.Access.String()
	if p.Flags.User {
		s += "u"
	}
	if p.Flags.Global {
		s += "g"
	}
	if p.Flags.CacheDisabled {
		s += "!c"
	}
	return s
}
