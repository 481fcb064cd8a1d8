package qpair

import (
	"fmt"
	"time"

	"github.com/nvmepcie/nvmepcie/internal/constants"
	"github.com/nvmepcie/nvmepcie/internal/tracker"
	"github.com/nvmepcie/nvmepcie/internal/wire"
)

// ProcessCompletions implements §4.5's completion path: phase-bit scan,
// per-completion dispatch through completeTracker, a single doorbell
// write for the whole batch, and (on the admin queue) a drain of the
// current process's routed admin completions.
func (q *QPair) ProcessCompletions(max uint32) (uint32, error) {
	if !q.enabled {
		return 0, nil
	}

	limit := max
	if limit == 0 || limit > q.numEntries-1 {
		limit = q.numEntries - 1
	}

	var n uint32
	for n < limit {
		cpl := q.cqSlot(q.cqHead)
		if cpl.Phase() != q.phase {
			break
		}

		tr, err := q.trackers.ByCID(cpl.CID)
		if err != nil {
			return n, fmt.Errorf("qpair: completion for unknown CID: %w", err)
		}
		if !tr.Active {
			q.observer.ObserveProtocolViolation()
			if q.logger != nil {
				q.logger.Error("completion does not map to an outstanding command", "qid", q.qid, "cid", cpl.CID)
			}
			panic(fmt.Sprintf("qpair: protocol violation: completion for inactive CID %d on qid %d", cpl.CID, q.qid))
		}
		q.completeTracker(tr, *cpl, true)

		q.cqHead++
		if q.cqHead == q.numEntries {
			q.cqHead = 0
			q.phase ^= 1
		}
		n++
	}

	if n > 0 {
		q.window.Set32(q.cqDoorbell, q.cqHead)
	}

	if q.isAdmin && q.router != nil {
		q.router.Drain(q.pid, func(cpl wire.CompletionEntry, req *Request) {
			if req.Callback != nil {
				req.Callback(&cpl, req.CallbackArg)
			}
		})
	}

	return n, nil
}

// completeTracker implements §4.5's complete_tracker: retry-or-deliver
// decision, tracker release, and deferred-FIFO drain of one entry.
func (q *QPair) completeTracker(tr *tracker.Tracker, cpl wire.CompletionEntry, printOnError bool) {
	isError := cpl.IsError()
	retryable := isError && wire.IsRetryable(&cpl)

	req, _ := tr.UserData.(*Request)

	retry := retryable && req != nil && req.Retries < constants.GlobalRetryLimit

	if isError && printOnError && q.logger != nil {
		q.logger.Warn("command completed with error", "qid", q.qid, "cid", cpl.CID, "sc", cpl.SC(), "sct", cpl.SCT())
	}

	tr.Active = false

	if cpl.CID != tr.CID {
		q.observer.ObserveProtocolViolation()
		panic(fmt.Sprintf("qpair: protocol violation: completion CID %d does not match tracker CID %d", cpl.CID, tr.CID))
	}

	if retry {
		q.observer.ObserveRetry()
		req.Retries++
		tr.Active = true
		q.writeAndRing(&req.Cmd)
		return
	}

	latencyNs := uint64(time.Since(tr.SubmitAt).Nanoseconds())
	q.observer.ObserveSubmit(latencyNs, isError)

	if req != nil {
		req.Completion = cpl
		if req.PID != q.pid && q.isAdmin && q.router != nil {
			if err := q.router.Route(req.PID, cpl, req); err != nil {
				q.observer.ObserveRoutingFailure()
				if q.logger != nil {
					q.logger.Error("admin routing failed, dropping completion", "pid", req.PID, "err", err)
				}
			}
		} else if req.Callback != nil {
			req.Callback(&cpl, req.CallbackArg)
		}
	}

	if !q.resetting {
		if next, ok := q.deferred.pop(); ok {
			tr.UserData = nil
			_ = q.submitWithTracker(next, tr)
			return
		}
	}

	tr.UserData = nil
	q.trackers.Release(tr.CID)
}
