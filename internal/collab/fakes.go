package collab

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MemTranslator and MemDMA model vtophys/dma_zalloc over anonymous mmap'd
// memory instead of real PCIe-addressable DMA memory. Physical addresses
// are synthesized as an offset into a single fake "bus address space" so
// every allocation has a stable, page-aligned phys value a real vtophys
// would also guarantee.
type MemDMA struct {
	mu        sync.Mutex
	nextPhys  uint64
	allocated map[uintptr]region
}

type region struct {
	size uintptr
	phys uint64
}

// NewMemDMA creates a fake DMA allocator backed by anonymous mmap.
func NewMemDMA() *MemDMA {
	return &MemDMA{
		nextPhys:  0x100000, // arbitrary non-zero base, mirrors real BAR-adjacent DMA windows
		allocated: make(map[uintptr]region),
	}
}

// Alloc implements DMAAllocator.
func (d *MemDMA) Alloc(size, alignment uintptr) (unsafe.Pointer, uint64, bool) {
	if size == 0 {
		return nil, 0, false
	}
	if alignment == 0 {
		alignment = 1
	}

	pageSize := uintptr(unix.Getpagesize())
	mapSize := size
	if rem := mapSize % pageSize; rem != 0 {
		mapSize += pageSize - rem
	}

	data, err := unix.Mmap(-1, 0, int(mapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, 0, false
	}

	virt := unsafe.Pointer(&data[0])

	d.mu.Lock()
	defer d.mu.Unlock()

	// Round the bump pointer up to alignment so the synthetic phys address
	// satisfies the caller's alignment requirement the same way a real
	// page allocator would.
	if rem := d.nextPhys % uint64(alignment); rem != 0 {
		d.nextPhys += uint64(alignment) - rem
	}
	phys := d.nextPhys
	d.nextPhys += uint64(mapSize)

	d.allocated[uintptr(virt)] = region{size: mapSize, phys: phys}
	return virt, phys, true
}

// Free implements DMAAllocator.
func (d *MemDMA) Free(virt unsafe.Pointer) {
	d.mu.Lock()
	r, ok := d.allocated[uintptr(virt)]
	if ok {
		delete(d.allocated, uintptr(virt))
	}
	d.mu.Unlock()
	if !ok {
		return
	}
	data := unsafe.Slice((*byte)(virt), r.size)
	_ = unix.Munmap(data)
}

// lookup returns the region containing virt, if any.
func (d *MemDMA) lookup(virt unsafe.Pointer) (uintptr, region, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	addr := uintptr(virt)
	for base, r := range d.allocated {
		if addr >= base && addr < base+r.size {
			return base, r, true
		}
	}
	return 0, region{}, false
}

// MemTranslator implements Translator against a MemDMA's bookkeeping. This
// is the fake analogue of vtophys: a real implementation walks page tables,
// this one walks the allocator's own region map.
type MemTranslator struct {
	dma *MemDMA
}

// NewMemTranslator creates a Translator backed by dma's allocation table.
func NewMemTranslator(dma *MemDMA) *MemTranslator {
	return &MemTranslator{dma: dma}
}

// Translate implements Translator.
func (t *MemTranslator) Translate(virt unsafe.Pointer) (uint64, error) {
	base, r, ok := t.dma.lookup(virt)
	if !ok {
		return 0, fmt.Errorf("collab: address %p not backed by a known DMA allocation", virt)
	}
	delta := uintptr(virt) - base
	return r.phys + uint64(delta), nil
}

// FakePCIDevice is a stand-in PCI handle for tests.
type FakePCIDevice struct {
	Vendor, Device uint16
}

func (d FakePCIDevice) VendorID() uint16 { return d.Vendor }
func (d FakePCIDevice) DeviceID() uint16 { return d.Device }

// FakeBarMapper hands back BARs backed by anonymous mmap, sized by the
// caller at construction. It models a controller whose BAR0 contains the
// NVMe register block (and, optionally, a CMB window on a different BAR).
type FakeBarMapper struct {
	bars map[int][]byte
}

// NewFakeBarMapper creates a mapper serving the given BAR sizes.
func NewFakeBarMapper(sizes map[int]int) (*FakeBarMapper, error) {
	m := &FakeBarMapper{bars: make(map[int][]byte, len(sizes))}
	for bar, size := range sizes {
		data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return nil, fmt.Errorf("collab: mmap BAR%d: %w", bar, err)
		}
		m.bars[bar] = data
	}
	return m, nil
}

// MapBar implements PCIBarMapper.
func (m *FakeBarMapper) MapBar(dev PCIDevice, bar int) (BarMapping, error) {
	data, ok := m.bars[bar]
	if !ok {
		return BarMapping{}, fmt.Errorf("collab: no BAR%d configured", bar)
	}
	return BarMapping{
		Virt: unsafe.Pointer(&data[0]),
		Phys: uint64(0x80000000 + bar*0x01000000),
		Size: uintptr(len(data)),
	}, nil
}

// UnmapBar implements PCIBarMapper as a no-op; the fake never releases
// the backing mmap of a BAR.
func (m *FakeBarMapper) UnmapBar(dev PCIDevice, bar int, mapping BarMapping) error {
	return nil
}

// FakeConfig is a minimal PCI config-space stand-in: a map of 32-bit
// registers keyed by byte offset, enough to model the command register
// bits the bring-up sequence sets.
type FakeConfig struct {
	mu   sync.Mutex
	regs map[int]uint32
}

// NewFakeConfig creates an empty config space.
func NewFakeConfig() *FakeConfig {
	return &FakeConfig{regs: make(map[int]uint32)}
}

func (c *FakeConfig) ConfigRead32(dev PCIDevice, offset int) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[offset], nil
}

func (c *FakeConfig) ConfigWrite32(dev PCIDevice, offset int, value uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regs[offset] = value
	return nil
}
