package nvmepcie

import (
	"context"
	"time"

	"github.com/nvmepcie/nvmepcie/internal/admin"
	"github.com/nvmepcie/nvmepcie/internal/collab"
	"github.com/nvmepcie/nvmepcie/internal/constants"
	"github.com/nvmepcie/nvmepcie/internal/ctrlr"
	"github.com/nvmepcie/nvmepcie/internal/procroute"
	"github.com/nvmepcie/nvmepcie/internal/qpair"
	"github.com/nvmepcie/nvmepcie/internal/wire"
)

// Public aliases for the internal types callers need to hold references to
// without reaching into internal/*. The implementations live in their
// respective internal packages (§6's "Public entry points" enumerates the
// operations these types carry; the types themselves are plumbing).
type (
	// Options configures Construct; see internal/ctrlr.Options.
	Options = ctrlr.Options

	// IdentifyController is the Identify Controller subset GetMaxTransferSize
	// derives from; see internal/ctrlr.IdentifyController.
	IdentifyController = ctrlr.IdentifyController

	// QueuePair is one submission/completion ring pair, admin or I/O.
	QueuePair = qpair.QPair

	// Request describes one command to submit on a QueuePair.
	Request = qpair.Request

	// PayloadKind discriminates how a Request's data pointer is built.
	PayloadKind = qpair.PayloadKind

	// CompletionEntry is a decoded 16-byte completion queue entry.
	CompletionEntry = wire.CompletionEntry

	// ProcessRegistry routes admin completions to the process that
	// submitted the originating request; see internal/procroute.Registry.
	ProcessRegistry = procroute.Registry

	// IOQueueParams describes one side (SQ or CQ) of an I/O queue pair
	// being created or torn down through the admin queue.
	IOQueueParams = admin.QueueParams
)

// Payload kind constants, re-exported for callers building a Request.
const (
	PayloadNone   = qpair.PayloadNone
	PayloadContig = qpair.PayloadContig
	PayloadSGL    = qpair.PayloadSGL
)

// Controller is the public handle to a bring-up NVMe-over-PCIe controller:
// its register window, CMB (if any), and admin queue pair.
type Controller struct {
	inner *ctrlr.Controller
}

// Construct performs Controller Bring-up (§4.7): maps BAR0, discovers the
// CMB best-effort, sets the PCI command register's bus-master/INTx-disable
// bits, derives the doorbell stride, and constructs the admin queue pair.
// The returned Controller is not yet enabled; call Enable to perform the
// ASQ/ACQ/AQA/CC.EN handshake.
func Construct(set collab.Set, opts Options) (*Controller, error) {
	c, err := ctrlr.Construct(set, opts)
	if err != nil {
		return nil, err
	}
	return &Controller{inner: c}, nil
}

// Enable programs ASQ, ACQ, and AQA from the admin queue pair's actual
// parameters and sets CC.EN=1, then polls CSTS.RDY until it is set or the
// bring-up timeout elapses (§4.7: "on success the controller is ready for
// upper-layer bring-up ... performed by enable()").
func (c *Controller) Enable() error {
	w := c.inner.Window()
	aq := c.inner.AdminQueuePair()

	w.SetASQ(aq.SQPhysAddr())
	w.SetACQ(aq.CQPhysAddr())
	w.SetAQA(aq.NumEntries()-1, aq.NumEntries()-1)
	w.SetEnabled(true)

	deadline := time.Now().Add(constants.AdminPollTimeout)
	for !w.Ready() {
		if time.Now().After(deadline) {
			return NewError("enable", ErrCodeBringUpFailed, "controller did not report CSTS.RDY before timeout")
		}
		time.Sleep(constants.AdminPollInterval)
	}
	return nil
}

// Destruct tears the controller down: fails the admin queue pair's
// outstanding commands, releases its resources, and unmaps BAR0.
func (c *Controller) Destruct() error { return c.inner.Destruct() }

// AdminQueuePair returns the controller's admin queue pair.
func (c *Controller) AdminQueuePair() *QueuePair { return c.inner.AdminQueuePair() }

// Router returns the registry callers use to Register/Deregister processes
// sharing this controller's admin queue (§4.8).
func (c *Controller) Router() *ProcessRegistry { return c.inner.Router() }

// GetMaxTransferSize returns the controller's maximum data transfer size in
// bytes (§3.9), or 0 (no limit) if SetIdentity was never called.
func (c *Controller) GetMaxTransferSize() uint64 { return c.inner.GetMaxTransferSize() }

// GetPCIIdentifier returns the controller's PCI vendor/device ID pair.
func (c *Controller) GetPCIIdentifier() (vendor, device uint16) {
	return c.inner.GetPCIIdentifier()
}

// SetIdentity records the Identify Controller data GetMaxTransferSize
// derives from.
func (c *Controller) SetIdentity(id IdentifyController) { c.inner.SetIdentity(id) }

// NewIOQueuePair constructs an I/O queue pair (§4.5 Construction) against
// this controller's register window and doorbell stride, sharing its CMB
// if one was discovered.
func (c *Controller) NewIOQueuePair(qid uint16, numEntries uint32, trackerCount int, sglSupported bool, useCMBSQ bool) (*QueuePair, error) {
	coll := c.inner.Collab()
	return qpair.New(qpair.Config{
		QID:               qid,
		NumEntries:        numEntries,
		TrackerCount:      trackerCount,
		IsAdmin:           false,
		Window:            c.inner.Window(),
		DoorbellStrideU32: c.inner.DoorbellStrideU32(),
		DMA:               coll.DMA,
		CMB:               c.inner.CMB(),
		UseCMBSQs:         useCMBSQ,
		SGLSupported:      sglSupported,
		Translator:        coll.Translator,
		Observer:          c.inner.Observer(),
	})
}

// CreateIOQueuePair issues the admin CREATE_IO_CQ/CREATE_IO_SQ sequence
// (§4.6) for an already-constructed I/O queue pair's rings.
func (c *Controller) CreateIOQueuePair(ctx context.Context, sq IOQueueParams, cq IOQueueParams, qp *QueuePair) error {
	return admin.CreateIOQueuePair(ctx, c.inner.AdminQueuePair(), sq, qp.SQPhysAddr(), cq, qp.CQPhysAddr())
}

// DeleteIOQueuePair issues the admin DELETE_IO_SQ/DELETE_IO_CQ sequence
// (§4.6) for the given qid.
func (c *Controller) DeleteIOQueuePair(ctx context.Context, qid uint16) error {
	return admin.DeleteIOQueuePair(ctx, c.inner.AdminQueuePair(), qid)
}

// Submit queues req on qp, deferring it if the tracker pool is exhausted
// (§4.5 step 2).
func Submit(qp *QueuePair, req *Request) error { return qp.Submit(req) }

// ProcessCompletions drains up to max completions from qp's completion
// ring, invoking each request's callback (§4.5 step 5).
func ProcessCompletions(qp *QueuePair, max uint32) (uint32, error) {
	return qp.ProcessCompletions(max)
}
