package mmu

import "log"

// errorCode bit positions, SPEC_FULL.md §4.4 / distilled spec §4.4 and §7.
const (
	errBitProtection uint32 = 1 << 0
	errBitWrite      uint32 = 1 << 1
	errBitUser       uint32 = 1 << 2
	errBitReserved   uint32 = 1 << 3
	errBitFetch      uint32 = 1 << 4
)

// raisePageFault builds the #PF error code, sets CR2, invalidates the
// faulting TLB slot, and delivers vector 14. Control does not return to
// the caller's walk in any meaningful sense after this — the exception
// collaborator is expected to redirect execution.
func (e *Engine) raisePageFault(laddr uint64, reason faultReason, cpl uint8, kind AccessKind, purpose AccessPurpose) {
	var code uint32
	if reason != faultNotPresent {
		code |= errBitProtection
	}
	if reason == faultReserved {
		code |= errBitReserved
	}
	if kind == AccessWrite {
		code |= errBitWrite
	}
	if cpl == 3 {
		code |= errBitUser
	}
	if purpose == PurposeCode && e.regs.EFER()&EFERNXE != 0 {
		code |= errBitFetch
	}

	e.regs.SetCR2(laddr)
	e.tlb.Invalidate(laddr)
	if e.Debug {
		log.Printf("mmu: #PF laddr=0x%x error_code=0x%x cpl=%d write=%v", laddr, code, cpl, kind == AccessWrite)
	}
	e.exc.Raise(14, code)
}

// raiseGP delivers #GP(0), used by Invlpg when CPL != 0 outside real mode.
func (e *Engine) raiseGP() {
	if e.Debug {
		log.Printf("mmu: #GP(0) from INVLPG at CPL != 0")
	}
	e.exc.Raise(13, 0)
}
