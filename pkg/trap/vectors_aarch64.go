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

// AArch64 cause codes. Synchronous exceptions carry the ESR_EL1 exception
// class; the timer interrupt is identified by its PPI INTID, which shares
// no value with any EC we decode.
const (
	armECUnknown   = 0x00 // unknown reason, covers undefined instructions
	armECSVC       = 0x15 // SVC from AArch64
	armECDataAbort = 0x24 // data abort from a lower EL
	armECBRK       = 0x3c // BRK instruction
	armRSIHostCall = 0x18 // realm-services trap requiring host involvement
	armTimerINTID  = 27   // virtual timer PPI
)

type arm64Vectors struct{}

func (arm64Vectors) Decode(code uint64) (Vector, bool) {
	switch code {
	case armECDataAbort:
		return VectorPageFault, true
	case armECBRK:
		return VectorBreakpoint, true
	case armECUnknown:
		return VectorIllegalInstruction, true
	case armECSVC:
		return VectorSyscall, true
	case armTimerINTID:
		return VectorTimer, true
	case armRSIHostCall:
		return VectorVirtualization, true
	default:
		return 0, false
	}
}

func (arm64Vectors) Encode(v Vector) (uint64, bool) {
	switch v {
	case VectorPageFault:
		return armECDataAbort, true
	case VectorBreakpoint:
		return armECBRK, true
	case VectorIllegalInstruction:
		return armECUnknown, true
	case VectorSyscall:
		return armECSVC, true
	case VectorTimer:
		return armTimerINTID, true
	case VectorVirtualization:
		return armRSIHostCall, true
	default:
		return 0, false
	}
}
