package qpair

// InjectCompletionForTest writes a synthetic completion into the current
// completion-ring head slot, for tests in other packages (notably
// internal/admin) that drive the admin-command orchestration without a
// real controller to complete commands. Production code never calls this.
func (q *QPair) InjectCompletionForTest(cid uint16, sct, sc uint8, dnr bool) {
	cpl := q.cqSlot(q.cqHead)
	cpl.CID = cid
	cpl.SQID = q.qid
	cpl.SetStatus(sct, sc, dnr, q.phase)
}
