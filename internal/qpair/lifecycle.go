package qpair

import (
	"github.com/nvmepcie/nvmepcie/internal/tracker"
	"github.com/nvmepcie/nvmepcie/internal/wire"
)

// Enable implements §4.5 Enable: marks the queue pair enabled, then
// synthetically aborts every outstanding tracker, without retry on the
// admin queue, with retry allowed (subject to the request's own counter)
// on an I/O queue.
func (q *QPair) Enable() {
	if q.enabled {
		return
	}
	q.enabled = true
	dnr := q.isAdmin
	q.trackers.ForEachOutstanding(func(tr *tracker.Tracker) {
		q.abort(tr, dnr, false, true)
	})
}

// Disable implements §4.5 Disable: marks the queue pair disabled, then on
// the admin queue aborts only trackers carrying an Asynchronous Event
// Request (§3.9); I/O queues leave outstanding commands untouched.
func (q *QPair) Disable() {
	q.enabled = false
	if !q.isAdmin {
		return
	}
	q.trackers.ForEachOutstanding(func(tr *tracker.Tracker) {
		if tr.AER {
			q.abort(tr, false, false, false)
		}
	})
}

// Fail implements §4.5 Fail: aborts every outstanding tracker with
// DNR=1, used during teardown or an unrecoverable controller error.
func (q *QPair) Fail() {
	q.trackers.ForEachOutstanding(func(tr *tracker.Tracker) {
		q.abort(tr, true, false, true)
	})
}

// abort constructs a synthetic GENERIC/ABORTED_BY_REQUEST completion (or
// ABORTED_SQ_DELETION when sqDeletion is set, for AER aborts during
// destroy) and runs it through completeTracker.
func (q *QPair) abort(tr *tracker.Tracker, dnr bool, sqDeletion bool, printOnError bool) {
	q.observer.ObserveAbort()
	var cpl wire.CompletionEntry
	sc := wire.SCAbortedByRequest
	if sqDeletion {
		sc = wire.SCAbortedSQDeletion
	}
	cpl.SetStatus(wire.SCTGeneric, sc, dnr, q.phase)
	cpl.CID = tr.CID
	cpl.SQID = q.qid
	q.completeTracker(tr, cpl, printOnError)
}
