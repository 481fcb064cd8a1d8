package nvmepcie

import (
	"sync"

	"github.com/nvmepcie/nvmepcie/internal/collab"
)

// MockCollaborators bundles an in-memory collab.Set built entirely from
// this package's fakes, for tests that bring up a Controller without real
// PCIe hardware. It also tracks config-space reads/writes for assertions.
type MockCollaborators struct {
	DMA        *collab.MemDMA
	Translator *collab.MemTranslator
	Device     collab.FakePCIDevice
	BarMapper  *collab.FakeBarMapper
	Config     *MockPCIConfig
}

// NewMockCollaborators builds a MockCollaborators whose BAR0 is sized
// bar0Size bytes; additional BARs (e.g. a CMB window) can be added via
// extraBars.
func NewMockCollaborators(bar0Size int, extraBars map[int]int) (*MockCollaborators, error) {
	sizes := map[int]int{0: bar0Size}
	for bar, size := range extraBars {
		sizes[bar] = size
	}
	mapper, err := collab.NewFakeBarMapper(sizes)
	if err != nil {
		return nil, err
	}

	dma := collab.NewMemDMA()
	return &MockCollaborators{
		DMA:        dma,
		Translator: collab.NewMemTranslator(dma),
		Device:     collab.FakePCIDevice{Vendor: 0x1d1d, Device: 0x0001}, // arbitrary test identity
		BarMapper:  mapper,
		Config:     NewMockPCIConfig(),
	}, nil
}

// Set returns the collab.Set a Controller is constructed against.
func (m *MockCollaborators) Set() collab.Set {
	return collab.Set{
		Translator: m.Translator,
		DMA:        m.DMA,
		Device:     m.Device,
		BarMapper:  m.BarMapper,
		Config:     m.Config,
	}
}

// MockPCIConfig implements collab.PCIConfig over a flat register map,
// recording read/write call counts for test assertions (MockBackend's
// CallCounts, generalized to config-space access).
type MockPCIConfig struct {
	mu         sync.Mutex
	regs       map[int]uint32
	readCalls  int
	writeCalls int
}

// NewMockPCIConfig creates an empty config space.
func NewMockPCIConfig() *MockPCIConfig {
	return &MockPCIConfig{regs: make(map[int]uint32)}
}

func (c *MockPCIConfig) ConfigRead32(dev collab.PCIDevice, offset int) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readCalls++
	return c.regs[offset], nil
}

func (c *MockPCIConfig) ConfigWrite32(dev collab.PCIDevice, offset int, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeCalls++
	c.regs[offset] = value
	return nil
}

// CallCounts returns the number of ConfigRead32/ConfigWrite32 calls made so
// far.
func (c *MockPCIConfig) CallCounts() (reads, writes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readCalls, c.writeCalls
}

var _ collab.PCIConfig = (*MockPCIConfig)(nil)
