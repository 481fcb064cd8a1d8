package qpair

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/nvmepcie/nvmepcie/internal/payload"
	"github.com/nvmepcie/nvmepcie/internal/tracker"
	"github.com/nvmepcie/nvmepcie/internal/wire"
)

// Submit implements §4.5's submission path: auto-enable, tracker
// acquisition or deferral, payload-to-descriptor dispatch, command copy,
// tail advance, and the barrier-then-doorbell sequence.
func (q *QPair) Submit(req *Request) error {
	if !q.enabled && !q.resetting {
		q.Enable()
	}

	// A new request never jumps ahead of ones already waiting: drain as
	// much of the deferred FIFO as trackers allow before considering req
	// itself, preserving FIFO order across a reset/disable-enable cycle.
	if q.enabled {
		q.drainDeferred()
	}

	// A disabled queue pair defers without touching the tracker pool.
	var tr *tracker.Tracker
	ok := false
	if q.enabled {
		tr, ok = q.trackers.Acquire()
	}
	if !ok {
		q.observer.ObserveDeferral()
		q.deferred.push(req)
		return nil
	}

	return q.submitWithTracker(req, tr)
}

// drainDeferred submits as many queued requests as there are free
// trackers, in FIFO order.
func (q *QPair) drainDeferred() {
	for {
		if q.deferred.empty() {
			return
		}
		tr, ok := q.trackers.Acquire()
		if !ok {
			return
		}
		next, _ := q.deferred.pop()
		_ = q.submitWithTracker(next, tr)
	}
}

func (q *QPair) submitWithTracker(req *Request, tr *tracker.Tracker) error {
	// completeTracker hands a just-completed tracker straight to the next
	// deferred request without a Release/Acquire round trip, so mark it
	// outstanding again here.
	tr.Active = true
	req.Cmd.SetCID(tr.CID)
	tr.AER = req.AER

	if err := q.applyPayload(req, tr); err != nil {
		q.failRequestSynchronously(req, tr)
		return fmt.Errorf("qpair: %w", err)
	}

	tr.UserData = req
	tr.SubmitAt = time.Now()
	q.writeAndRing(&req.Cmd)
	q.observer.ObserveQueueDepth(uint32(q.trackerCount - q.trackers.Available()))
	return nil
}

// applyPayload dispatches by payload kind per §4.5 step 4 and §4.4, then
// handles the metadata pointer the three builders share as a common
// invariant: if the request carries a metadata buffer, translate it and
// set the descriptor's MPTR regardless of which builder ran.
func (q *QPair) applyPayload(req *Request, tr *tracker.Tracker) error {
	var d payload.Descriptor
	var err error

	switch req.Payload {
	case PayloadNone:
		if req.MetadataBuffer == nil {
			return nil
		}
	case PayloadContig:
		d, err = payload.BuildContiguous(q.translator, tr, req.Buffer, req.PayloadSize)
	case PayloadSGL:
		if q.sglSupported {
			d, err = payload.BuildSGL(q.translator, tr, req.Gather, req.PayloadOffset)
		} else {
			d, err = payload.BuildGatherPRP(q.translator, tr, req.Gather, req.PayloadOffset)
		}
	default:
		return fmt.Errorf("unknown payload kind %d", req.Payload)
	}
	if err != nil {
		return err
	}

	if req.MetadataBuffer != nil {
		mvaddr := unsafe.Add(req.MetadataBuffer, uintptr(req.MDOffset))
		mptr, err := q.translator.Translate(mvaddr)
		if err != nil {
			return fmt.Errorf("translate metadata buffer: %w", err)
		}
		d.MPTR = mptr
	}

	applyDescriptor(&req.Cmd, d)
	return nil
}

func applyDescriptor(cmd *wire.SubmissionEntry, d payload.Descriptor) {
	cmd.SetPSDT(d.PSDT)
	cmd.PRP1 = d.PRP1
	cmd.PRP2 = d.PRP2
	cmd.MPTR = d.MPTR
	if d.PSDT == wire.PSDTSGLMPTRSGL {
		*cmd.SGL1() = d.SGL1
	}
}

// failRequestSynchronously completes req with GENERIC/INVALID_FIELD,
// DNR=1 and releases its tracker without ever ringing the doorbell
// (§4.4's shared builder-failure contract, §7 "Bad physical translation").
func (q *QPair) failRequestSynchronously(req *Request, tr *tracker.Tracker) {
	var cpl wire.CompletionEntry
	cpl.SetStatus(wire.SCTGeneric, wire.SCInvalidField, true, q.phase)
	cpl.CID = tr.CID
	cpl.SQID = q.qid
	req.Completion = cpl
	tr.UserData = nil
	q.trackers.Release(tr.CID)
	if req.Callback != nil {
		req.Callback(&cpl, req.CallbackArg)
	}
}

// writeAndRing performs §4.5 steps 5-7: copy the command into the tail
// slot, advance the tail, fence, then MMIO-store the new tail to the
// submission doorbell.
func (q *QPair) writeAndRing(cmd *wire.SubmissionEntry) {
	*q.sqSlot(q.sqTail) = *cmd
	q.sqTail = (q.sqTail + 1) % q.numEntries
	sfence()
	q.window.Set32(q.sqDoorbell, q.sqTail)
}
