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

// RV64 scause values. Interrupts set the top bit; exceptions do not.
const (
	rvIllegalInstruction = 2
	rvBreakpoint         = 3
	rvEcallFromU         = 8
	rvInstrPageFault     = 12
	rvLoadPageFault      = 13
	rvStorePageFault     = 15
	rvVirtualInstruction = 22
	rvInterrupt          = 1 << 63
	rvTimerInterrupt     = rvInterrupt | 5
)

type riscv64Vectors struct{}

func (riscv64Vectors) Decode(code uint64) (Vector, bool) {
	switch code {
	case rvInstrPageFault, rvLoadPageFault, rvStorePageFault:
		return VectorPageFault, true
	case rvBreakpoint:
		return VectorBreakpoint, true
	case rvIllegalInstruction:
		return VectorIllegalInstruction, true
	case rvEcallFromU:
		return VectorSyscall, true
	case rvTimerInterrupt:
		return VectorTimer, true
	case rvVirtualInstruction:
		return VectorVirtualization, true
	default:
		return 0, false
	}
}

func (riscv64Vectors) Encode(v Vector) (uint64, bool) {
	switch v {
	case VectorPageFault:
		return rvLoadPageFault, true
	case VectorBreakpoint:
		return rvBreakpoint, true
	case VectorIllegalInstruction:
		return rvIllegalInstruction, true
	case VectorSyscall:
		return rvEcallFromU, true
	case VectorTimer:
		return rvTimerInterrupt, true
	case VectorVirtualization:
		return rvVirtualInstruction, true
	default:
		return 0, false
	}
}
