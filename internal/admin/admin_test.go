package admin

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/nvmepcie/nvmepcie/internal/collab"
	"github.com/nvmepcie/nvmepcie/internal/qpair"
	"github.com/nvmepcie/nvmepcie/internal/regs"
	"github.com/nvmepcie/nvmepcie/internal/wire"
)

func newTestAdminQ(t *testing.T) (*qpair.QPair, *regs.Window) {
	t.Helper()
	data, err := unix.Mmap(-1, 0, 0x2000, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Munmap(data) })
	w := regs.New(unsafe.Pointer(&data[0]), 0x2000)

	dma := collab.NewMemDMA()
	q, err := qpair.New(qpair.Config{
		QID:               0,
		NumEntries:        8,
		TrackerCount:      4,
		IsAdmin:           true,
		Window:            w,
		DoorbellStrideU32: 1,
		DMA:               dma,
		Translator:        collab.NewMemTranslator(dma),
	})
	require.NoError(t, err)
	q.Enable()
	return q, w
}

// autoComplete spawns a goroutine that waits until the admin SQ tail
// doorbell reads seq (the seq-th command of the test has been submitted)
// and then injects a completion with the given status for it. With a
// fresh or single-outstanding tracker pool the next-acquired CID is
// deterministically predictable, so the fixed cid given here matches what
// submitAndWait will see.
func autoComplete(q *qpair.QPair, w *regs.Window, seq uint32, cid uint16, sct, sc uint8, dnr bool) {
	go func() {
		for w.Get32(regs.Doorbell(0, false, 1)) != seq {
			time.Sleep(100 * time.Microsecond)
		}
		q.InjectCompletionForTest(cid, sct, sc, dnr)
	}()
}

func TestBuildCreateIOCQPacksFields(t *testing.T) {
	cmd := buildCreateIOCQ(QueueParams{QID: 3, NumEntries: 256}, 0xdead0000)
	assert.Equal(t, opCreateIOCQ, cmd.Opcode())
	assert.Equal(t, uint64(0xdead0000), cmd.PRP1)
	assert.Equal(t, (uint32(255)<<16)|3, cmd.CDW10)
	assert.Equal(t, uint32(0x1), cmd.CDW11)
}

func TestBuildCreateIOSQPacksFields(t *testing.T) {
	cmd := buildCreateIOSQ(QueueParams{QID: 3, CQID: 3, NumEntries: 256, Priority: 2}, 0xbeef0000)
	assert.Equal(t, opCreateIOSQ, cmd.Opcode())
	assert.Equal(t, uint64(0xbeef0000), cmd.PRP1)
	assert.Equal(t, (uint32(255)<<16)|3, cmd.CDW10)
	assert.Equal(t, (uint32(3)<<16)|(uint32(2)<<1)|0x1, cmd.CDW11)
}

func TestBuildDeleteIOSQAndCQCarryQIDOnly(t *testing.T) {
	sq := buildDeleteIOSQ(7)
	assert.Equal(t, opDeleteIOSQ, sq.Opcode())
	assert.Equal(t, uint32(7), sq.CDW10)

	cq := buildDeleteIOCQ(7)
	assert.Equal(t, opDeleteIOCQ, cq.Opcode())
	assert.Equal(t, uint32(7), cq.CDW10)
}

func TestCreateIOQueuePairSuccess(t *testing.T) {
	adminQ, w := newTestAdminQ(t)

	autoComplete(adminQ, w, 1, 0, wire.SCTGeneric, 0, false) // CREATE_IO_CQ
	autoComplete(adminQ, w, 2, 0, wire.SCTGeneric, 0, false) // CREATE_IO_SQ

	err := CreateIOQueuePair(context.Background(), adminQ,
		QueueParams{QID: 1, CQID: 1, NumEntries: 256}, 0x1000,
		QueueParams{QID: 1, NumEntries: 256}, 0x2000)
	require.NoError(t, err)
}

func TestCreateIOQueuePairCompensatesOnSQFailure(t *testing.T) {
	adminQ, w := newTestAdminQ(t)

	autoComplete(adminQ, w, 1, 0, wire.SCTGeneric, 0, false)                  // CREATE_IO_CQ succeeds
	autoComplete(adminQ, w, 2, 0, wire.SCTGeneric, wire.SCInvalidField, true) // CREATE_IO_SQ fails
	autoComplete(adminQ, w, 3, 0, wire.SCTGeneric, 0, false)                  // compensating DELETE_IO_CQ succeeds

	err := CreateIOQueuePair(context.Background(), adminQ,
		QueueParams{QID: 1, CQID: 1, NumEntries: 256}, 0x1000,
		QueueParams{QID: 1, NumEntries: 256}, 0x2000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create io sq failed")
}

func TestDeleteIOQueuePairOrdersSQThenCQ(t *testing.T) {
	adminQ, w := newTestAdminQ(t)

	autoComplete(adminQ, w, 1, 0, wire.SCTGeneric, 0, false) // DELETE_IO_SQ
	autoComplete(adminQ, w, 2, 0, wire.SCTGeneric, 0, false) // DELETE_IO_CQ

	err := DeleteIOQueuePair(context.Background(), adminQ, 1)
	require.NoError(t, err)
}

func TestSubmitAndWaitContextCancellation(t *testing.T) {
	adminQ, _ := newTestAdminQ(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := submitAndWait(ctx, adminQ, buildDeleteIOSQ(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
