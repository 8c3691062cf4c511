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

import (
	"time"

	"github.com/TELOS-syslab/asterinas/pkg/frame"
	"github.com/TELOS-syslab/asterinas/pkg/log"
	"github.com/TELOS-syslab/asterinas/pkg/machine"
	"github.com/TELOS-syslab/asterinas/pkg/task"
	"github.com/TELOS-syslab/asterinas/pkg/vmspace"
)

// PageFaultHandler resolves page faults against the running task's region
// set: a miss in a lazily-backed region is demand paging, anything else is
// the task's own fault.
type PageFaultHandler struct {
	pool  *frame.Pool
	tasks *task.Manager

	// oomLog throttles demand-paging allocation failures.
	oomLog log.Logger
}

// NewPageFaultHandler creates the handler and registers it on d.
func NewPageFaultHandler(d *Dispatcher, pool *frame.Pool, tasks *task.Manager) (*PageFaultHandler, error) {
	h := &PageFaultHandler{
		pool:   pool,
		tasks:  tasks,
		oomLog: log.BasicRateLimitedLogger(time.Second),
	}
	if err := d.Register(VectorPageFault, h.Handle); err != nil {
		return nil, err
	}
	return h, nil
}

// Handle implements Handler. A nil return means the page was materialized
// and the faulting instruction may be retried.
func (h *PageFaultHandler) Handle(cpu *machine.CPU, f *Frame) *TaskFault {
	cur := h.tasks.Current(cpu)
	if cur == nil {
		// A fault with no task means the privileged layer itself took
		// it; there is nothing to isolate.
		machine.Halt("trap: page fault at %#x with no running task", uint64(f.Addr))
	}
	as := cur.AddressSpace()

	taskFault := &TaskFault{
		TaskID: cur.ID(),
		Vector: f.Vector,
		Addr:   f.Addr,
		Access: f.Access,
	}

	r, ok := as.FindRegion(f.Addr)
	if !ok || r.Backing != vmspace.BackingLazy {
		return taskFault
	}
	if !r.Prop.Access.SupersetOf(f.Access) {
		return taskFault
	}
	if _, _, mapped := as.PageTables().Lookup(f.Addr); mapped {
		// Present but insufficient: a permission violation inside the
		// region, not a missing page.
		return taskFault
	}

	fr, err := h.pool.Allocate(cpu, frame.AllocOptions{Zeroed: true})
	if err != nil {
		// Out of memory during demand paging falls on the faulting
		// task; the system keeps running.
		h.oomLog.Warningf("trap: demand paging at %#x for task %d: %v", uint64(f.Addr), cur.ID(), err)
		return taskFault
	}
	mapErr := as.MapFrame(cpu, f.Addr.RoundDown(), fr)
	fr.DecRef(cpu)
	if mapErr != nil {
		machine.Halt("trap: demand mapping at %#x: %v", uint64(f.Addr), mapErr)
	}
	log.Debugf("trap: demand paged %#x for task %d", uint64(f.Addr.RoundDown()), cur.ID())
	return nil
}
