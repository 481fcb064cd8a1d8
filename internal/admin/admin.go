// Package admin implements the Admin Command Helpers (§4.6): the four
// null-payload builders for creating and deleting I/O queue pairs, and the
// synchronous-completion orchestration control-plane setup calls use to
// block the caller until the admin queue pair reports done.
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/nvmepcie/nvmepcie/internal/constants"
	"github.com/nvmepcie/nvmepcie/internal/qpair"
	"github.com/nvmepcie/nvmepcie/internal/wire"
)

// Admin opcodes this core issues. Values are fixed by the NVMe base
// specification, not chosen here.
const (
	opDeleteIOSQ uint8 = 0x00
	opCreateIOSQ uint8 = 0x01
	opDeleteIOCQ uint8 = 0x04
	opCreateIOCQ uint8 = 0x05
)

// QueueParams describes an I/O queue pair being created or torn down
// through the admin queue.
type QueueParams struct {
	QID        uint16
	CQID       uint16 // ignored for CREATE_IO_CQ / DELETE_IO_CQ
	NumEntries uint32
	Priority   uint8 // qprio, CREATE_IO_SQ only
}

// buildCreateIOCQ fills a CREATE_IO_CQ command per §4.6: cdw10 packs
// (num_entries-1) and qid, cdw11 is physically-contiguous with interrupts
// disabled (bit 0 set, bit 1 clear), PRP1 is the completion ring's bus
// address.
func buildCreateIOCQ(p QueueParams, cqPhys uint64) wire.SubmissionEntry {
	var cmd wire.SubmissionEntry
	cmd.SetOpcode(opCreateIOCQ)
	cmd.PRP1 = cqPhys
	cmd.CDW10 = (uint32(p.NumEntries-1) << 16) | uint32(p.QID)
	cmd.CDW11 = 0x1
	return cmd
}

// buildCreateIOSQ fills a CREATE_IO_SQ command per §4.6: cdw11 additionally
// packs the owning cqid and queue priority.
func buildCreateIOSQ(p QueueParams, sqPhys uint64) wire.SubmissionEntry {
	var cmd wire.SubmissionEntry
	cmd.SetOpcode(opCreateIOSQ)
	cmd.PRP1 = sqPhys
	cmd.CDW10 = (uint32(p.NumEntries-1) << 16) | uint32(p.QID)
	cmd.CDW11 = (uint32(p.CQID) << 16) | (uint32(p.Priority) << 1) | 0x1
	return cmd
}

// buildDeleteIOSQ and buildDeleteIOCQ both carry only the target qid in
// cdw10 (§4.6).
func buildDeleteIOSQ(qid uint16) wire.SubmissionEntry {
	var cmd wire.SubmissionEntry
	cmd.SetOpcode(opDeleteIOSQ)
	cmd.CDW10 = uint32(qid)
	return cmd
}

func buildDeleteIOCQ(qid uint16) wire.SubmissionEntry {
	var cmd wire.SubmissionEntry
	cmd.SetOpcode(opDeleteIOCQ)
	cmd.CDW10 = uint32(qid)
	return cmd
}

// submitAndWait submits a no-payload admin request on the admin queue pair
// and busy-polls process_completions until it completes or the timeout
// elapses, returning the completion. This is the only place in the core
// that blocks: §5 carves out the admin synchronous-completion path as the
// sole exception to the otherwise non-blocking cooperative model.
func submitAndWait(ctx context.Context, adminQ *qpair.QPair, cmd wire.SubmissionEntry) (wire.CompletionEntry, error) {
	done := make(chan struct{})
	req := &qpair.Request{
		Cmd:     cmd,
		Payload: qpair.PayloadNone,
		Callback: func(cpl *wire.CompletionEntry, _ any) {
			close(done)
		},
	}

	if err := adminQ.Submit(req); err != nil {
		return wire.CompletionEntry{}, fmt.Errorf("admin: submit: %w", err)
	}

	deadline := time.Now().Add(constants.AdminPollTimeout)
	for {
		select {
		case <-done:
			return req.Completion, nil
		case <-ctx.Done():
			return wire.CompletionEntry{}, ctx.Err()
		default:
		}

		if _, err := adminQ.ProcessCompletions(0); err != nil {
			return wire.CompletionEntry{}, fmt.Errorf("admin: process completions: %w", err)
		}

		select {
		case <-done:
			return req.Completion, nil
		default:
		}

		if time.Now().After(deadline) {
			return wire.CompletionEntry{}, fmt.Errorf("admin: timed out waiting for completion")
		}
		time.Sleep(constants.AdminPollInterval)
	}
}

// CreateIOQueuePair issues CREATE_IO_CQ, polls it to completion, then
// CREATE_IO_SQ, per §4.6's "CQ first" ordering. If SQ creation fails it
// compensates by deleting the already-created CQ before reporting failure
// (§4.6, scenario S5), so callers never observe a CQ leaked on the
// controller's admin queue.
func CreateIOQueuePair(ctx context.Context, adminQ *qpair.QPair, sq QueueParams, sqPhys uint64, cq QueueParams, cqPhys uint64) error {
	cqCpl, err := submitAndWait(ctx, adminQ, buildCreateIOCQ(cq, cqPhys))
	if err != nil {
		return fmt.Errorf("admin: create io cq: %w", err)
	}
	if cqCpl.IsError() {
		return fmt.Errorf("admin: create io cq failed: sct=%d sc=%d", cqCpl.SCT(), cqCpl.SC())
	}

	sqCpl, err := submitAndWait(ctx, adminQ, buildCreateIOSQ(sq, sqPhys))
	if err != nil {
		return fmt.Errorf("admin: create io sq: %w", err)
	}
	if sqCpl.IsError() {
		delCpl, delErr := submitAndWait(ctx, adminQ, buildDeleteIOCQ(cq.QID))
		if delErr != nil {
			return fmt.Errorf("admin: create io sq failed (sct=%d sc=%d) and cq compensation failed: %w", sqCpl.SCT(), sqCpl.SC(), delErr)
		}
		if delCpl.IsError() {
			return fmt.Errorf("admin: create io sq failed (sct=%d sc=%d) and cq compensation also failed: sct=%d sc=%d", sqCpl.SCT(), sqCpl.SC(), delCpl.SCT(), delCpl.SC())
		}
		return fmt.Errorf("admin: create io sq failed: sct=%d sc=%d", sqCpl.SCT(), sqCpl.SC())
	}

	return nil
}

// DeleteIOQueuePair issues DELETE_IO_SQ then DELETE_IO_CQ, per §4.6's
// "SQ then CQ" delete ordering.
func DeleteIOQueuePair(ctx context.Context, adminQ *qpair.QPair, qid uint16) error {
	sqCpl, err := submitAndWait(ctx, adminQ, buildDeleteIOSQ(qid))
	if err != nil {
		return fmt.Errorf("admin: delete io sq: %w", err)
	}
	if sqCpl.IsError() {
		return fmt.Errorf("admin: delete io sq failed: sct=%d sc=%d", sqCpl.SCT(), sqCpl.SC())
	}

	cqCpl, err := submitAndWait(ctx, adminQ, buildDeleteIOCQ(qid))
	if err != nil {
		return fmt.Errorf("admin: delete io cq: %w", err)
	}
	if cqCpl.IsError() {
		return fmt.Errorf("admin: delete io cq failed: sct=%d sc=%d", cqCpl.SCT(), cqCpl.SC())
	}

	return nil
}
