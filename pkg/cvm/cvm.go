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

// Package cvm implements the confidential-VM guest layer: per-page
// Private/Shared state tracking, state conversion through the hypervisor,
// interception of virtualization traps, and attestation.
//
// A conversion denial is always surfaced to the caller. Touching a page
// whose host-side state disagrees with the guest's bookkeeping is the
// hardware fault this layer exists to prevent, and the access checker
// installed on physical memory models exactly that fault.
package cvm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/TELOS-syslab/asterinas/pkg/frame"
	"github.com/TELOS-syslab/asterinas/pkg/log"
	"github.com/TELOS-syslab/asterinas/pkg/machine"
	"github.com/TELOS-syslab/asterinas/pkg/memtypes"
	"github.com/TELOS-syslab/asterinas/pkg/sync"
	"github.com/TELOS-syslab/asterinas/pkg/task"
	"github.com/TELOS-syslab/asterinas/pkg/trap"
)

// ErrConversionDenied is returned when the hypervisor refuses a page state
// change. The page states did not change; the caller must not proceed as if
// they had.
var ErrConversionDenied = errors.New("cvm: page state conversion denied")

// ErrStateMismatch is the modeled hardware fault for touching a page whose
// host-side state disagrees with the guest's bookkeeping.
var ErrStateMismatch = errors.New("cvm: page state mismatch")

// PageState is one of the two mutually exclusive guest page states.
type PageState uint32

const (
	// StatePrivate means the page is encrypted for the guest; the host
	// cannot read it. Guest memory starts out private.
	StatePrivate PageState = iota

	// StateShared means the page is plaintext and visible to the host,
	// used for I/O buffers and hypervisor communication.
	StateShared
)

func (s PageState) String() string {
	switch s {
	case StatePrivate:
		return "private"
	case StateShared:
		return "shared"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// StateAuthority is implemented by hypervisors that expose the host-side
// view of page states. When available, the access checker compares it with
// the guest's bookkeeping to model the mismatch fault.
type StateAuthority interface {
	// PageIsPrivate reports the host-side state of the page holding pa.
	PageIsPrivate(pa memtypes.PhysAddr) bool
}

// Guest is the confidential-VM guest state layer. One per machine.
type Guest struct {
	m     *machine.Machine
	pool  *frame.Pool
	hv    machine.Hypervisor
	tasks *task.Manager

	// mu serializes conversions. The state slots themselves are atomic so
	// the access checker never takes the lock.
	mu sync.IRQLock

	// states is the per-frame state map, keyed by dense frame index.
	states []atomic.Uint32
}

// NewGuest initializes the CVM layer and installs its access checker on the
// machine's physical memory. Fails if the machine has no hypervisor.
func NewGuest(m *machine.Machine, pool *frame.Pool) (*Guest, error) {
	if m.Hypervisor() == nil {
		return nil, errors.New("cvm: machine has no hypervisor")
	}
	g := &Guest{
		m:      m,
		pool:   pool,
		hv:     m.Hypervisor(),
		states: make([]atomic.Uint32, pool.NumFrames()),
	}
	m.Memory().SetAccessChecker(g)
	log.Infof("cvm: guest layer up, %d frames tracked", pool.NumFrames())
	return g, nil
}

// StateOf returns the guest's tracked state of the page holding pa. Pages
// outside the pool are reported private, matching their boot state.
func (g *Guest) StateOf(pa memtypes.PhysAddr) PageState {
	idx, ok := g.pool.FrameIndex(pa)
	if !ok {
		return StatePrivate
	}
	return PageState(g.states[idx].Load())
}

// CheckAccess implements machine.AccessChecker. A page whose host-side
// state disagrees with the guest's bookkeeping is inaccessible; on real
// hardware this access would fault with no advance warning.
func (g *Guest) CheckAccess(pa memtypes.PhysAddr) error {
	authority, ok := g.hv.(StateAuthority)
	if !ok {
		return nil
	}
	guestPrivate := g.StateOf(pa) == StatePrivate
	if authority.PageIsPrivate(pa) != guestPrivate {
		return fmt.Errorf("%w at %#x (guest thinks %s)", ErrStateMismatch, uint64(pa), g.StateOf(pa))
	}
	return nil
}

// Convert transitions every page of the block held by f to target. Pages
// already in the target state need no hypervisor involvement; a conversion
// where all pages already match is a complete no-op. On denial the state
// map is untouched and ErrConversionDenied is returned.
func (g *Guest) Convert(cpu *machine.CPU, f *frame.Frame, target PageState) error {
	g.mu.Lock(cpu)
	defer g.mu.Unlock()

	start := f.PhysAddr()
	var pages []machine.PageDescriptor
	var indices []int32
	for pa := start; pa < start+memtypes.PhysAddr(f.Size()); pa += memtypes.PageSize {
		idx, ok := g.pool.FrameIndex(pa)
		if !ok {
			return fmt.Errorf("cvm: page %#x outside the frame pool", uint64(pa))
		}
		if PageState(g.states[idx].Load()) == target {
			continue
		}
		pages = append(pages, machine.PageDescriptor{PA: pa, Private: target == StatePrivate})
		indices = append(indices, idx)
	}
	if len(pages) == 0 {
		return nil
	}

	result := g.hv.Call(machine.HypervisorCall{
		Function: machine.HvPageStateChange,
		Pages:    pages,
	})
	if result.Denied {
		return fmt.Errorf("%w: %d pages at %#x to %s", ErrConversionDenied, len(pages), uint64(start), target)
	}
	for _, idx := range indices {
		g.states[idx].Store(uint32(target))
	}
	log.Debugf("cvm: converted %d pages at %#x to %s", len(pages), uint64(start), target)
	return nil
}

// Attest asks the hypervisor for an attestation evidence blob binding
// reportData to a measurement of guest state. The blob is opaque to this
// layer; it is neither interpreted nor cached.
func (g *Guest) Attest(reportData []byte) ([]byte, error) {
	result := g.hv.Call(machine.HypervisorCall{
		Function: machine.HvAttest,
		Data:     reportData,
	})
	if result.Denied {
		return nil, errors.New("cvm: attestation request denied")
	}
	return result.Data, nil
}

// RegisterIntercepts installs the virtualization-trap intercept on d. All
// other vectors keep their regular handlers; this layer only claims what
// the guest cannot execute directly.
func (g *Guest) RegisterIntercepts(d *trap.Dispatcher, tasks *task.Manager) error {
	g.tasks = tasks
	return d.Register(trap.VectorVirtualization, g.handleVirtualization)
}

// handleVirtualization forwards the trapped instruction to the hypervisor
// for emulation. The reply carries the continuation PC; a denial is the
// faulting task's problem, not the system's.
func (g *Guest) handleVirtualization(cpu *machine.CPU, f *trap.Frame) *trap.TaskFault {
	var pc [8]byte
	binary.LittleEndian.PutUint64(pc[:], f.Regs.PC)
	result := g.hv.Call(machine.HypervisorCall{
		Function: machine.HvEmulate,
		Data:     pc[:],
	})
	if result.Denied || len(result.Data) != 8 {
		tf := &trap.TaskFault{
			Vector: trap.VectorVirtualization,
			Addr:   memtypes.VirtAddr(f.Regs.PC),
		}
		if cur := g.tasks.Current(cpu); cur != nil {
			tf.TaskID = cur.ID()
		}
		return tf
	}
	cpu.Regs.PC = binary.LittleEndian.Uint64(result.Data)
	return nil
}
