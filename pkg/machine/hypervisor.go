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

package machine

import (
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
)

// Hypervisor call function numbers. The numbering is the framework's own;
// each architecture backend translates to its native ABI (GHCB protocol,
// TDVMCALL, SBI extension) at the boundary.
const (
	// HvPageStateChange asks the host to transition pages between the
	// private and shared states.
	HvPageStateChange uint64 = iota + 1

	// HvAttest asks the host for an attestation evidence blob over the
	// supplied report data.
	HvAttest

	// HvEmulate asks the host to emulate one privileged instruction for
	// the guest.
	HvEmulate
)

// PageDescriptor names one physical page in a hypervisor request and the
// state it should end up in.
type PageDescriptor struct {
	// PA is the physical page address.
	PA memtypes.PhysAddr

	// Private is the requested target state: true for private
	// (encrypted), false for shared (plaintext).
	Private bool
}

// HypervisorCall is one synchronous guest-to-hypervisor request: a function
// number plus memory descriptors, nothing else crosses the boundary.
type HypervisorCall struct {
	// Function selects the operation.
	Function uint64

	// Pages describes the pages operated on (HvPageStateChange).
	Pages []PageDescriptor

	// Data carries opaque request bytes (HvAttest report data, HvEmulate
	// instruction bytes).
	Data []byte
}

// HypervisorResult is the host's reply.
type HypervisorResult struct {
	// Denied is set when the host refuses the request. The caller must
	// surface this; the page states did not change.
	Denied bool

	// Data carries opaque reply bytes (attestation evidence, emulation
	// results).
	Data []byte
}

// Hypervisor is the host side of the CVM boundary.
type Hypervisor interface {
	// Call performs one synchronous guest-to-hypervisor call.
	Call(call HypervisorCall) HypervisorResult
}
