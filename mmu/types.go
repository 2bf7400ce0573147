// Package mmu implements the software paging unit used by core_engine to
// walk a guest's own page tables: linear-to-physical translation, a TLB
// with global-page semantics, page-level protection checks, and #PF
// fault construction, independent of whatever hardware-assisted paging
// (EPT) the host VCPU may or may not have active.
package mmu

import "unsafe"

// AccessKind distinguishes a read from a write for permission checks.
type AccessKind int

const (
	AccessRead AccessKind = iota
	AccessWrite
)

// AccessPurpose distinguishes a data access from an instruction fetch,
// relevant for NX enforcement.
type AccessPurpose int

const (
	PurposeData AccessPurpose = iota
	PurposeCode
)

// invalidLPF is the sentinel "empty" marker for a TLB slot's lpf field.
// Bits [11:0] of a real lpf are always zero (a linear page frame), so
// reusing them as a tag is safe; an all-ones value can never equal a
// valid frame.
const invalidLPF = ^uint64(0)

// Memory is the guest physical memory collaborator. len(buf) determines
// the transfer size; Read/Write is 4 or 8 bytes for table walks and
// arbitrary for data accesses.
type Memory interface {
	Read(phys uint64, buf []byte) error
	Write(phys uint64, buf []byte) error

	// HostPtr optionally returns a direct host pointer backing phys,
	// enabling the engine's fast path. Returns nil when no such pointer
	// exists (MMIO, ROM, or simply not supported by the backing store).
	HostPtr(phys uint64, kind AccessKind, purpose AccessPurpose) unsafe.Pointer
}

// BreakpointMatcher is notified of linear accesses so hardware
// breakpoints (DR0-DR3 style) can be evaluated. Optional: a nil
// matcher on Engine disables the check entirely.
type BreakpointMatcher interface {
	Check(laddr uint64, kind AccessKind)
}

// ExceptionSink delivers architectural exceptions raised by the engine.
// vector 14 is #PF, vector 13 is #GP.
type ExceptionSink interface {
	Raise(vector uint8, errorCode uint32)
}

// Registers exposes the subset of CPU state the engine needs to read,
// plus the ability to set CR2 on a page fault.
type Registers interface {
	CR0() uint32
	CR3() uint64
	CR4() uint32
	EFER() uint64
	CPL() uint8
	SetCR2(laddr uint64)
}

// CR0 bits consulted by the engine.
const (
	CR0PE uint32 = 1 << 0
	CR0WP uint32 = 1 << 16
	CR0PG uint32 = 1 << 31
)

// CR4 bits consulted by the engine.
const (
	CR4PSE uint32 = 1 << 4
	CR4PAE uint32 = 1 << 5
	CR4PGE uint32 = 1 << 7
)

// EFER bits consulted by the engine.
const (
	EFERLME uint64 = 1 << 8
	EFERLMA uint64 = 1 << 10
	EFERNXE uint64 = 1 << 11
)

// page-table entry bits, shared by 2-level, PAE, and long-mode formats.
const (
	entryPresent uint64 = 1 << 0
	entryRW      uint64 = 1 << 1
	entryUS      uint64 = 1 << 2
	entryAccess  uint64 = 1 << 5
	entryDirty   uint64 = 1 << 6
	entryPS      uint64 = 1 << 7 // page size (PDE only)
	entryGlobal  uint64 = 1 << 8
	entryNX      uint64 = 1 << 63
)

// faultReason distinguishes the three #PF kinds the walker can detect;
// it carries only enough information for FaultEncoder to build the
// architectural error code.
type faultReason int

const (
	faultNone faultReason = iota
	faultNotPresent
	faultReserved
	faultProtection
)
