// Command nvmeprobe brings up a controller against a synthetic
// collaborator set and dumps its identity. There is no real PCIe access
// path in this core (BAR mapping and config-space I/O are collaborator
// interfaces the caller supplies), so nvmeprobe demonstrates the bring-up
// sequence against a synthetic controller instead of real hardware.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/nvmepcie/nvmepcie"
	"github.com/nvmepcie/nvmepcie/internal/logging"
	"github.com/nvmepcie/nvmepcie/internal/regs"
)

func main() {
	var (
		bar0Size = flag.Int("bar0-size", 0x2000, "BAR0 size in bytes")
		mdts     = flag.Uint("mdts", 5, "Maximum Data Transfer Size exponent to report (log2 pages)")
		verbose  = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	mc, err := nvmepcie.NewMockCollaborators(*bar0Size, nil)
	if err != nil {
		logger.Error("failed to build collaborator set", "error", err)
		os.Exit(1)
	}

	stopDevice := simulateDeviceBringup(mc, logger)
	defer stopDevice()

	opts := nvmepcie.Options{BAR0Size: uintptr(*bar0Size), Logger: logger}
	ctrl, err := nvmepcie.Construct(mc.Set(), opts)
	if err != nil {
		logger.Error("construct failed", "error", err)
		os.Exit(1)
	}
	defer ctrl.Destruct()

	if err := ctrl.Enable(); err != nil {
		logger.Error("enable failed", "error", err)
		os.Exit(1)
	}

	ctrl.SetIdentity(nvmepcie.IdentifyController{MDTS: uint8(*mdts)})
	vendor, device := ctrl.GetPCIIdentifier()

	fmt.Printf("vendor=%#04x device=%#04x max_transfer=%d bytes admin_entries=%d\n",
		vendor, device, ctrl.GetMaxTransferSize(), ctrl.AdminQueuePair().NumEntries())
}

// simulateDeviceBringup maps BAR0 a second time and polls CC.EN, flipping
// CSTS.RDY once the caller's Enable has set it, standing in for the
// microseconds-to-milliseconds a real controller takes to complete its own
// internal bring-up after CC.EN is written. Returns a stop func to leave no
// goroutine behind after main exits.
func simulateDeviceBringup(mc *nvmepcie.MockCollaborators, logger *logging.Logger) func() {
	mapping, err := mc.BarMapper.MapBar(mc.Device, 0)
	if err != nil {
		logger.Warn("could not attach fake device to BAR0, Enable will time out", "error", err)
		return func() {}
	}
	w := regs.New(mapping.Virt, mapping.Size)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if w.CC()&0x1 != 0 {
					w.Set32(regs.OffCSTS, 0x1)
					return
				}
			}
		}
	}()
	return func() { close(done) }
}
