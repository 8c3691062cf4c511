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

package vmspace

import (
	"fmt"

	"github.com/TELOS-syslab/asterinas/pkg/machine"
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
)

// Fault describes a failed translation: the hardware exception a real MMU
// would raise, carrying the faulting address and attempted access.
type Fault struct {
	// Addr is the faulting virtual address.
	Addr memtypes.VirtAddr

	// Access is the attempted access.
	Access memtypes.AccessType

	// NotPresent is true for a missing translation, false for a
	// permission violation on a present one.
	NotPresent bool
}

// Error implements error.Error.
func (f *Fault) Error() string {
	kind := "permission violation"
	if f.NotPresent {
		kind = "not present"
	}
	return fmt.Sprintf("page fault at %#x (%s, %s)", uint64(f.Addr), f.Access, kind)
}

// Translate resolves va for the given access on cpu, consulting the
// translation cache first and walking the tables on a miss. A successful
// walk fills the cache, as the hardware walker would. The cache is used
// only when this space is active on cpu: its entries are tagged with the
// active ASID, and an entry installed for an inactive space would survive
// that space's own shootdowns.
func (as *AddressSpace) Translate(cpu *machine.CPU, va memtypes.VirtAddr, access memtypes.AccessType) (memtypes.PhysAddr, *Fault) {
	_, activeASID := cpu.ActiveRoot()
	active := activeASID == as.ASID()

	if active {
		if e, ok := cpu.TLBLookup(va); ok {
			if !e.Prop.Access.SupersetOf(access) {
				return 0, &Fault{Addr: va, Access: access}
			}
			return e.PA + memtypes.PhysAddr(va.PageOffset()), nil
		}
	}

	pa, prop, ok := as.pt.Lookup(va)
	if !ok {
		return 0, &Fault{Addr: va, Access: access, NotPresent: true}
	}
	if !prop.Access.SupersetOf(access) {
		return 0, &Fault{Addr: va, Access: access}
	}
	if active {
		cpu.TLBInsert(va.RoundDown(), machine.TLBEntry{PA: pa.RoundDown(), Prop: prop})
	}
	return pa, nil
}

// ReadBytes reads len(b) bytes at va through the translation path. The
// returned fault identifies the first page that failed to translate.
func (as *AddressSpace) ReadBytes(cpu *machine.CPU, va memtypes.VirtAddr, b []byte) *Fault {
	return as.access(cpu, va, b, memtypes.Read)
}

// WriteBytes writes len(b) bytes at va through the translation path.
func (as *AddressSpace) WriteBytes(cpu *machine.CPU, va memtypes.VirtAddr, b []byte) *Fault {
	return as.access(cpu, va, b, memtypes.Write)
}

func (as *AddressSpace) access(cpu *machine.CPU, va memtypes.VirtAddr, b []byte, access memtypes.AccessType) *Fault {
	mem := as.m.Memory()
	for len(b) > 0 {
		pa, fault := as.Translate(cpu, va, access)
		if fault != nil {
			return fault
		}
		n := memtypes.PageSize - int(va.PageOffset())
		if n > len(b) {
			n = len(b)
		}
		var err error
		if access.Write {
			err = mem.Write(pa, b[:n])
		} else {
			err = mem.Read(pa, b[:n])
		}
		if err != nil {
			// Physical-side failure (a CVM state violation, for
			// one) surfaces as a non-present fault on the page.
			return &Fault{Addr: va, Access: access, NotPresent: true}
		}
		va += memtypes.VirtAddr(n)
		b = b[n:]
	}
	return nil
}
