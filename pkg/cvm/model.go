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

package cvm

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/TELOS-syslab/asterinas/pkg/machine"
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
	"github.com/TELOS-syslab/asterinas/pkg/sync"
)

// emulatedInstrLen is the modeled length of an emulated instruction; the
// continuation PC returned by HvEmulate is the trapped PC plus this.
const emulatedInstrLen = 4

// ModelHypervisor is the host side of the modeled CVM boundary. It tracks
// the authoritative page states, produces deterministic attestation
// evidence over a launch measurement, and emulates trapped instructions by
// advancing the PC. Tests use the Deny hooks to exercise refusal paths.
type ModelHypervisor struct {
	mu sync.Mutex

	// shared holds the host-side state; absent pages are private.
	shared map[memtypes.PhysAddr]bool

	// measurement is fixed at launch.
	measurement [sha256.Size]byte

	// DenyStateChange, when set, refuses matching HvPageStateChange
	// requests.
	DenyStateChange func(pages []machine.PageDescriptor) bool

	// DenyAttest refuses HvAttest requests.
	DenyAttest bool

	// DenyEmulate refuses HvEmulate requests.
	DenyEmulate bool
}

// NewModelHypervisor creates a model host whose launch measurement is the
// digest of launchData.
func NewModelHypervisor(launchData []byte) *ModelHypervisor {
	return &ModelHypervisor{
		shared:      make(map[memtypes.PhysAddr]bool),
		measurement: sha256.Sum256(launchData),
	}
}

// Call implements machine.Hypervisor.
func (h *ModelHypervisor) Call(call machine.HypervisorCall) machine.HypervisorResult {
	switch call.Function {
	case machine.HvPageStateChange:
		if h.DenyStateChange != nil && h.DenyStateChange(call.Pages) {
			return machine.HypervisorResult{Denied: true}
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, p := range call.Pages {
			h.shared[p.PA.RoundDown()] = !p.Private
		}
		return machine.HypervisorResult{}

	case machine.HvAttest:
		if h.DenyAttest {
			return machine.HypervisorResult{Denied: true}
		}
		// Evidence binds the report data to the launch measurement.
		digest := sha256.New()
		digest.Write(h.measurement[:])
		digest.Write(call.Data)
		evidence := append([]byte("cvm-evidence\x00"), h.measurement[:]...)
		evidence = digest.Sum(evidence)
		return machine.HypervisorResult{Data: evidence}

	case machine.HvEmulate:
		if h.DenyEmulate || len(call.Data) != 8 {
			return machine.HypervisorResult{Denied: true}
		}
		pc := binary.LittleEndian.Uint64(call.Data)
		var reply [8]byte
		binary.LittleEndian.PutUint64(reply[:], pc+emulatedInstrLen)
		return machine.HypervisorResult{Data: reply[:]}

	default:
		return machine.HypervisorResult{Denied: true}
	}
}

// PageIsPrivate implements StateAuthority.
func (h *ModelHypervisor) PageIsPrivate(pa memtypes.PhysAddr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.shared[pa.RoundDown()]
}

// SetHostState forces the host-side state of one page, bypassing the guest.
// This is the disagreement a buggy or hostile host would introduce.
func (h *ModelHypervisor) SetHostState(pa memtypes.PhysAddr, private bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shared[pa.RoundDown()] = !private
}
