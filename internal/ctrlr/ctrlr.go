// Package ctrlr implements Controller Bring-up (§4.7): mapping BAR0,
// best-effort CMB discovery, setting the PCI command register's
// bus-master/INTx-disable bits, deriving the doorbell stride from CAP, and
// constructing the admin queue pair. The upper-layer ASQ/ACQ/AQA/CC.EN
// handshake itself is out of scope (§4 Non-goals); Construct hands back a
// Controller ready for that handshake to be performed against its Window.
package ctrlr

import (
	"fmt"

	"github.com/nvmepcie/nvmepcie/internal/cmb"
	"github.com/nvmepcie/nvmepcie/internal/collab"
	"github.com/nvmepcie/nvmepcie/internal/constants"
	"github.com/nvmepcie/nvmepcie/internal/logging"
	"github.com/nvmepcie/nvmepcie/internal/procroute"
	"github.com/nvmepcie/nvmepcie/internal/qpair"
	"github.com/nvmepcie/nvmepcie/internal/regs"
)

// PCI configuration-space command register offset and bits this core
// touches during bring-up. Standard PCI, not NVMe-specific.
const (
	pciCommandOffset = 0x04

	pciCommandBusMasterEnable = 1 << 2
	pciCommandINTxDisable     = 1 << 10
)

// Options configures Construct.
type Options struct {
	// BAR0Size is the size in bytes of BAR0 to map for the register window.
	BAR0Size uintptr

	// SGLSupported reports whether the controller advertises hardware SGL
	// support (CAP.NVM Command Set, out of scope here); callers that know
	// this from Identify pass it through.
	SGLSupported bool

	// Observer receives queue pair engine events for every queue pair this
	// controller constructs, admin and I/O alike. May be nil.
	Observer qpair.Observer

	// Logger receives bring-up lifecycle and degrade-path messages. May be
	// nil.
	Logger *logging.Logger
}

// Controller is a constructed, admin-ready controller: its register window
// is mapped, its CMB (if any) is discovered, and its admin queue pair
// exists. It has not yet been told CC.EN=1; that belongs to the caller's
// ASQ/ACQ/AQA/CC.EN sequencing (§4 Non-goals).
type Controller struct {
	window            *regs.Window
	bar0              collab.BarMapping
	cmbRegion         *cmb.Region
	doorbellStrideU32 uint32
	admin             *qpair.QPair
	router            *procroute.Registry
	collab            collab.Set
	observer          qpair.Observer
	logger            *logging.Logger

	identity *IdentifyController
}

// IdentifyController is the subset of an Identify Controller response this
// core derives public accessors from (§3.9 supplemented feature); callers
// that perform Identify elsewhere feed the result back in via SetIdentity.
type IdentifyController struct {
	// MDTS is the Maximum Data Transfer Size, encoded as log2(pages), 0
	// meaning no limit.
	MDTS uint8
}

// Construct implements §4.7's bring-up sequence in order, tearing the
// partially-built controller down on any failure.
func Construct(set collab.Set, opts Options) (*Controller, error) {
	if set.BarMapper == nil || set.Device == nil || set.Config == nil || set.DMA == nil || set.Translator == nil {
		return nil, fmt.Errorf("ctrlr: incomplete collaborator set")
	}

	bar0, err := set.BarMapper.MapBar(set.Device, 0)
	if err != nil {
		return nil, fmt.Errorf("ctrlr: map BAR0: %w", err)
	}
	cleanupBAR0 := func() { _ = set.BarMapper.UnmapBar(set.Device, 0, bar0) }

	if bar0.Size < opts.BAR0Size {
		cleanupBAR0()
		return nil, fmt.Errorf("ctrlr: BAR0 too small: mapped %#x, need %#x", bar0.Size, opts.BAR0Size)
	}
	window := regs.New(bar0.Virt, opts.BAR0Size)

	cmbRegion, hasCMB, err := cmb.Discover(window, set.BarMapper, set.Device)
	if err != nil {
		if opts.Logger != nil {
			opts.Logger.Warn("cmb discovery failed, disabling CMB", "err", err)
		}
		cmbRegion, hasCMB = nil, false
	}
	cleanupCMB := func() {
		if hasCMB && cmbRegion != nil {
			_ = cmbRegion.Close()
		}
	}

	cmd, err := set.Config.ConfigRead32(set.Device, pciCommandOffset)
	if err != nil {
		cleanupCMB()
		cleanupBAR0()
		return nil, fmt.Errorf("ctrlr: read PCI command register: %w", err)
	}
	cmd |= pciCommandBusMasterEnable | pciCommandINTxDisable
	if err := set.Config.ConfigWrite32(set.Device, pciCommandOffset, cmd); err != nil {
		cleanupCMB()
		cleanupBAR0()
		return nil, fmt.Errorf("ctrlr: write PCI command register: %w", err)
	}

	strideU32 := window.DoorbellStrideU32()

	router := procroute.New(opts.Logger)

	admin, err := qpair.New(qpair.Config{
		QID:               constants.AdminQueueID,
		NumEntries:        constants.AdminQueueEntries,
		TrackerCount:      constants.AdminTrackerCount,
		IsAdmin:           true,
		Window:            window,
		DoorbellStrideU32: strideU32,
		DMA:               set.DMA,
		CMB:               cmbRegion,
		UseCMBSQs:         hasCMB,
		SGLSupported:      opts.SGLSupported,
		Translator:        set.Translator,
		Router:            router,
		Observer:          opts.Observer,
		Logger:            opts.Logger,
	})
	if err != nil {
		cleanupCMB()
		cleanupBAR0()
		return nil, fmt.Errorf("ctrlr: construct admin queue pair: %w", err)
	}

	if opts.Logger != nil {
		opts.Logger.Info("controller constructed", "mqes", window.MQES(), "dstrd", window.DSTRD(), "cmb", hasCMB)
	}

	return &Controller{
		window:            window,
		bar0:              bar0,
		cmbRegion:         cmbRegion,
		doorbellStrideU32: strideU32,
		admin:             admin,
		router:            router,
		collab:            set,
		observer:          opts.Observer,
		logger:            opts.Logger,
	}, nil
}

// Window returns the controller's mapped register window, for the
// caller's own ASQ/ACQ/AQA/CC.EN sequencing.
func (c *Controller) Window() *regs.Window { return c.window }

// AdminQueuePair returns the constructed admin queue pair.
func (c *Controller) AdminQueuePair() *qpair.QPair { return c.admin }

// Router returns the per-process admin routing registry, so callers can
// Register/Deregister processes sharing this controller.
func (c *Controller) Router() *procroute.Registry { return c.router }

// DoorbellStrideU32 returns the derived doorbell stride in 32-bit-word
// units, for constructing additional I/O queue pairs against this
// controller.
func (c *Controller) DoorbellStrideU32() uint32 { return c.doorbellStrideU32 }

// CMB returns the controller's CMB region, or nil if none was discovered.
func (c *Controller) CMB() *cmb.Region { return c.cmbRegion }

// Collab returns the collaborator set this controller was constructed
// against, so callers building additional I/O queue pairs can reuse its DMA
// allocator and translator.
func (c *Controller) Collab() collab.Set { return c.collab }

// Observer returns the observer this controller was constructed with, so
// callers building additional I/O queue pairs can route their events to
// the same place as the admin queue pair's.
func (c *Controller) Observer() qpair.Observer { return c.observer }

// SetIdentity records the Identify Controller data GetMaxTransferSize
// derives from (§3.9 supplemented feature; Identify itself is out of
// scope, callers that perform it elsewhere feed the result back here).
func (c *Controller) SetIdentity(id IdentifyController) { c.identity = &id }

// GetMaxTransferSize returns the controller's maximum data transfer size
// in bytes, derived from the Identify Controller MDTS field SetIdentity
// was given, or 0 (no limit) if SetIdentity was never called.
func (c *Controller) GetMaxTransferSize() uint64 {
	if c.identity == nil || c.identity.MDTS == 0 {
		return 0
	}
	return uint64(constants.PageSize) << c.identity.MDTS
}

// GetPCIIdentifier returns the controller's PCI vendor/device ID pair.
func (c *Controller) GetPCIIdentifier() (vendor, device uint16) {
	return c.collab.Device.VendorID(), c.collab.Device.DeviceID()
}

// Destruct tears the controller down: fails the admin queue pair's
// outstanding commands, releases its resources, closes the CMB region if
// any, and unmaps BAR0.
func (c *Controller) Destruct() error {
	c.admin.Fail()
	c.admin.Close()

	if c.cmbRegion != nil {
		if err := c.cmbRegion.Close(); err != nil {
			return fmt.Errorf("ctrlr: close cmb: %w", err)
		}
	}

	if err := c.collab.BarMapper.UnmapBar(c.collab.Device, 0, c.bar0); err != nil {
		return fmt.Errorf("ctrlr: unmap bar0: %w", err)
	}
	return nil
}
