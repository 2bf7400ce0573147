package mmu

// WriteCR0 reacts to a CR0 write. A change to PG, WP, or PE triggers a
// full flush including global entries (SPEC_FULL.md §4.6); the engine
// does not cache WP in TLB entries, so any WP change alone also forces
// a flush.
func (e *Engine) WriteCR0(newCR0 uint32) {
	changed := newCR0 ^ e.cr0
	e.cr0 = newCR0
	if changed&(CR0PG|CR0WP|CR0PE) != 0 {
		e.tlb.Flush(true)
		e.stats.GlobalFlushes++
	}
}

// WriteCR4 reacts to a CR4 write. A change to PSE, PAE, or PGE triggers
// a full flush including global entries; a PAE toggle also recomputes
// cr3Masked since the mask depends on PAE/long-mode state.
func (e *Engine) WriteCR4(newCR4 uint32) {
	changed := newCR4 ^ e.cr4
	e.cr4 = newCR4
	if changed&(CR4PSE|CR4PAE|CR4PGE) != 0 {
		e.tlb.Flush(true)
		e.stats.GlobalFlushes++
	}
	if changed&CR4PAE != 0 {
		e.recomputeCR3Masked()
	}
}

// WriteCR3 always flushes non-global entries, even when the value does
// not change, matching architectural semantics (a CR3 write is always a
// TLB flush point, not just a CR3-value-change point). The engine
// assumes the caller has already updated Registers' CR3 value; it
// recomputes cr3Masked from Registers.CR3() directly.
func (e *Engine) WriteCR3() {
	e.recomputeCR3Masked()
	e.tlb.Flush(false)
	e.stats.LocalFlushes++
}

// Invlpg invalidates the single TLB slot for laddr. Outside real mode,
// callers must be at CPL 0; a caller at CPL != 0 is refused with #GP(0).
func (e *Engine) Invlpg(laddr uint64, realMode bool) {
	if !realMode && e.regs.CPL() != 0 {
		e.raiseGP()
		return
	}
	e.tlb.Invalidate(laddr)
	e.stats.Invalidations++
}
