package mmu

// Translate resolves laddr to a physical frame without raising any
// exception and without disturbing Accessed/Dirty state, for the
// debugger/monitor's gva-to-gpa resolution (SPEC_FULL.md §4.7). A TLB hit of
// any cached permission counts as present here; protection bits are
// not re-checked since the caller is not the faulting access itself.
func (e *Engine) Translate(laddr uint64) (ppf uint64, ok bool) {
	if e.regs.CR0()&CR0PG == 0 {
		return laddr &^ 0xFFF, true
	}

	if ppf, _, present := e.tlb.present(laddr); present {
		return ppf, true
	}

	wr, _, _, reason := e.walk(laddr, PurposeData, true)
	if reason != faultNone {
		return 0, false
	}
	return wr.ppf, true
}
