package mmu_test

import (
	"testing"

	"core_engine/mmu"
)

// fakeBreakpointMatcher records every access it is asked about, the
// same shape as fakeExceptionSink.
type fakeBreakpointMatcher struct {
	laddrs []uint64
	kinds  []mmu.AccessKind
}

func (b *fakeBreakpointMatcher) Check(laddr uint64, kind mmu.AccessKind) {
	b.laddrs = append(b.laddrs, laddr)
	b.kinds = append(b.kinds, kind)
}

func TestAccessNotifiesBreakpointMatcherEvenOnFault(t *testing.T) {
	mem := newFakeMemory(0x10000)
	regs := &fakeRegisters{cr0: mmu.CR0PG | mmu.CR0PE, cr3: 0x3000}
	exc := &fakeExceptionSink{}
	bp := &fakeBreakpointMatcher{}
	eng := mmu.NewEngine(mem, exc, regs, 16, bp)

	buf := make([]byte, 1)
	eng.Access(0x1234, 0, mmu.AccessWrite, mmu.PurposeData, buf)

	if len(bp.laddrs) != 1 || bp.laddrs[0] != 0x1234 {
		t.Fatalf("breakpoint matcher not notified with the faulting address")
	}
	if bp.kinds[0] != mmu.AccessWrite {
		t.Fatalf("breakpoint matcher got the wrong access kind")
	}
}

func TestAccessWithoutHostPointerFallsBackToMemoryReadWrite(t *testing.T) {
	mem := newFakeMemory(0x10000)
	mem.noHostPtr = true
	mem.putPTE32(0x3000, 0x4000|uint32(pteP|pteRW|pteUS))
	mem.putPTE32(0x4000, 0x6000|uint32(pteP|pteRW|pteUS))

	regs := &fakeRegisters{cr0: mmu.CR0PG | mmu.CR0PE, cr3: 0x3000}
	exc := &fakeExceptionSink{}
	eng := mmu.NewEngine(mem, exc, regs, 16, nil)

	eng.Access(0x10, 0, mmu.AccessWrite, mmu.PurposeData, []byte{0x9A})
	if exc.count() != 0 {
		t.Fatalf("unexpected fault")
	}
	if mem.backing[0x6010] != 0x9A {
		t.Fatalf("write via Memory.Write did not land")
	}

	buf := make([]byte, 1)
	eng.Access(0x10, 0, mmu.AccessRead, mmu.PurposeData, buf)
	if buf[0] != 0x9A {
		t.Fatalf("read via Memory.Read did not see the prior write")
	}
}

func TestReadModifyWriteUsesWriteSemanticsForPermission(t *testing.T) {
	mem := newFakeMemory(0x10000)
	mem.putPTE32(0x3000, 0x4000|uint32(pteP|pteRW|pteUS))
	mem.putPTE32(0x4000, 0x6000|uint32(pteP|pteUS)) // read-only

	regs := &fakeRegisters{cr0: mmu.CR0PG | mmu.CR0PE | mmu.CR0WP, cr3: 0x3000}
	exc := &fakeExceptionSink{}
	eng := mmu.NewEngine(mem, exc, regs, 16, nil)

	// An AccessWrite to a read-only page under CR0.WP faults before any
	// byte moves: the write-permission check a read-modify-write relies
	// on. Access itself has no read-modify-write kind.
	buf := make([]byte, 1)
	eng.Access(0x10, 0, mmu.AccessWrite, mmu.PurposeData, buf)

	if exc.count() != 1 {
		t.Fatalf("expected the write-protect fault to be raised before any read-modify-write proceeds")
	}
}
