package core_engine

import (
	"fmt"
	"unsafe"

	"core_engine/mmu"
)

// GuestMemory adapts a VirtualMachine's flat, mmap'd guest-physical
// slice to mmu.Memory, the same unsafe.Pointer-based technique vcpu.go
// already uses to reinterpret mmap'd KVM structures.
type GuestMemory struct {
	backing []byte
}

func NewGuestMemory(backing []byte) *GuestMemory {
	return &GuestMemory{backing: backing}
}

func (g *GuestMemory) Read(phys uint64, buf []byte) error {
	end := phys + uint64(len(buf))
	if end > uint64(len(g.backing)) {
		return fmt.Errorf("guest memory read out of range: [0x%x, 0x%x) exceeds %d bytes", phys, end, len(g.backing))
	}
	copy(buf, g.backing[phys:end])
	return nil
}

func (g *GuestMemory) Write(phys uint64, buf []byte) error {
	end := phys + uint64(len(buf))
	if end > uint64(len(g.backing)) {
		return fmt.Errorf("guest memory write out of range: [0x%x, 0x%x) exceeds %d bytes", phys, end, len(g.backing))
	}
	copy(g.backing[phys:end], buf)
	return nil
}

// HostPtr returns a pointer into the backing slice at the start of
// phys's containing page, or nil if phys lies outside guest RAM
// (MMIO holes are not backed by this slice in the current device model).
func (g *GuestMemory) HostPtr(phys uint64, kind mmu.AccessKind, purpose mmu.AccessPurpose) unsafe.Pointer {
	lpf := phys &^ 0xFFF
	if lpf >= uint64(len(g.backing)) {
		return nil
	}
	return unsafe.Pointer(&g.backing[lpf])
}
