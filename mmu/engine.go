package mmu

// Engine is the paging unit for a single guest vCPU: TLB, page-table
// walker, permission engine, fault encoder, and the control-register
// reactions that keep them coherent. One Engine exists per vCPU and is
// never shared or accessed concurrently — see SPEC_FULL.md §5.
type Engine struct {
	mem  Memory
	exc  ExceptionSink
	regs Registers
	tlb  *TLB
	bp   BreakpointMatcher

	cr3Masked uint64
	cr0       uint32
	cr4       uint32

	// cpuLevel selects the emulated processor generation; only 3
	// (386) activates the U/S-OR/R/W-AND combining quirk in 2-level
	// mode. Defaults to 486+ semantics.
	cpuLevel int

	// Debug gates verbose logging of faults and TLB flushes, mirroring
	// VirtualMachine.Debug in core_engine.
	Debug bool

	stats Stats
}

// Stats exposes lookup/miss/flush counters for tests and diagnostics,
// mirroring the instrumentation counters the original source tracks
// around every TLB operation.
type Stats struct {
	Lookups       uint64
	Misses        uint64
	Rewalks       uint64
	GlobalFlushes uint64
	LocalFlushes  uint64
	Invalidations uint64
}

// NewEngine constructs a paging engine backed by the given collaborators
// and a tlbSize-entry TLB (must be a power of two). bp may be nil.
func NewEngine(mem Memory, exc ExceptionSink, regs Registers, tlbSize int, bp BreakpointMatcher) *Engine {
	e := &Engine{
		mem:      mem,
		exc:      exc,
		regs:     regs,
		tlb:      NewTLB(tlbSize),
		bp:       bp,
		cpuLevel: 486,
		cr0:      regs.CR0(),
		cr4:      regs.CR4(),
	}
	e.recomputeCR3Masked()
	return e
}

// SetCPULevel selects 386-quirk combining (level == 3) or 486+ semantics
// (any other value). Must be called before any translation if non-default.
func (e *Engine) SetCPULevel(level int) { e.cpuLevel = level }

func (e *Engine) Stats() Stats { return e.stats }

// recomputeCR3Masked applies the mode-dependent CR3 mask from
// SPEC_FULL.md §3: PAE-non-long masks to a 32-byte-aligned PDPT base,
// everything else masks to a 4KiB-aligned base within the low 52 bits.
func (e *Engine) recomputeCR3Masked() {
	cr4 := e.regs.CR4()
	longMode := e.regs.EFER()&EFERLMA != 0
	if cr4&CR4PAE != 0 && !longMode {
		e.cr3Masked = e.regs.CR3() & 0xFFFFFFE0
	} else {
		e.cr3Masked = e.regs.CR3() & 0x000FFFFFFFFFF000
	}
}
