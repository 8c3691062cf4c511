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

package trap

// x86-64 interrupt vector numbers. Exceptions 0-31 are fixed by the
// architecture; the timer lands on the first free external vector and the
// legacy syscall gate on 0x80.
const (
	x86Breakpoint    = 3
	x86InvalidOpcode = 6
	x86PageFault     = 14
	x86VMMComm       = 29 // #VC, hypervisor communication under SEV-ES/SNP
	x86Timer         = 32
	x86Syscall       = 0x80
)

type amd64Vectors struct{}

func (amd64Vectors) Decode(code uint64) (Vector, bool) {
	switch code {
	case x86PageFault:
		return VectorPageFault, true
	case x86Breakpoint:
		return VectorBreakpoint, true
	case x86InvalidOpcode:
		return VectorIllegalInstruction, true
	case x86Syscall:
		return VectorSyscall, true
	case x86Timer:
		return VectorTimer, true
	case x86VMMComm:
		return VectorVirtualization, true
	default:
		return 0, false
	}
}

func (amd64Vectors) Encode(v Vector) (uint64, bool) {
	switch v {
	case VectorPageFault:
		return x86PageFault, true
	case VectorBreakpoint:
		return x86Breakpoint, true
	case VectorIllegalInstruction:
		return x86InvalidOpcode, true
	case VectorSyscall:
		return x86Syscall, true
	case VectorTimer:
		return x86Timer, true
	case VectorVirtualization:
		return x86VMMComm, true
	default:
		return 0, false
	}
}
