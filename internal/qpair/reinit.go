package qpair

import (
	"fmt"
	"unsafe"

	"github.com/nvmepcie/nvmepcie/internal/constants"
	"github.com/nvmepcie/nvmepcie/internal/tracker"
)

// Reinit tears down and reconstructs the queue pair in place, reusing its
// qid and doorbell addresses. This is the controller-reset recovery path
// the original driver implements as "delete all I/O qpairs, reset
// controller, recreate" (§3.9 supplemented feature, named in §6's public
// entry points as "reinit").
func (q *QPair) Reinit() error {
	q.Fail()
	q.enabled = false

	if !q.sqCMBBacked {
		q.dma.Free(q.sqVirt)
	}
	q.dma.Free(q.cqVirt)
	q.trackers.Close()

	sqBytes := uintptr(q.numEntries) * 64
	cqBytes := uintptr(q.numEntries) * 16

	var sqVirt unsafe.Pointer
	var sqPhys uint64
	cmbBacked := false
	if q.useCMBSQs && q.cmbRegion != nil {
		if v, p, ok := q.cmbRegion.Alloc(sqBytes, constants.PageSize); ok {
			sqVirt, sqPhys, cmbBacked = v, p, true
		}
	}
	if !cmbBacked {
		v, p, ok := q.dma.Alloc(sqBytes, constants.PageSize)
		if !ok {
			return fmt.Errorf("qpair: reinit: failed to allocate submission ring")
		}
		sqVirt, sqPhys = v, p
	}

	cqVirt, cqPhys, ok := q.dma.Alloc(cqBytes, constants.PageSize)
	if !ok {
		return fmt.Errorf("qpair: reinit: failed to allocate completion ring")
	}

	pool, err := tracker.New(q.dma, q.trackerCount)
	if err != nil {
		return fmt.Errorf("qpair: reinit: %w", err)
	}

	q.sqVirt, q.sqPhys = sqVirt, sqPhys
	q.cqVirt, q.cqPhys = cqVirt, cqPhys
	q.sqCMBBacked = cmbBacked
	q.trackers = pool

	q.Reset()
	return nil
}
