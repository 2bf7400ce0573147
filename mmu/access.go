package mmu

import "unsafe"

// translateForAccess resolves laddr to a physical page frame, consulting
// the TLB fast path first and falling back to a full walk + permission
// check on miss or on a cached-but-insufficient permission. On failure
// it has already delivered #PF and the caller must not touch the
// guest's destination buffer.
func (e *Engine) translateForAccess(laddr uint64, cpl uint8, kind AccessKind, purpose AccessPurpose) (ppf uint64, hostPtr unsafe.Pointer, ok bool) {
	e.stats.Lookups++
	ppf, hostPtr, result := e.tlb.Lookup(laddr, kind, cpl)
	if result == lookupHit {
		return ppf, hostPtr, true
	}
	if result == lookupMiss {
		e.stats.Misses++
	} else {
		e.stats.Rewalks++
	}

	wr, leaf, nonLeaves, reason := e.walk(laddr, purpose, false)
	if reason != faultNone {
		e.raisePageFault(laddr, reason, cpl, kind, purpose)
		return 0, nil, false
	}

	wp := e.regs.CR0()&CR0WP != 0
	decision := checkPermission(wr.combinedAccess, cpl, wp, kind, wr.nxViolation)
	if !decision.allowed {
		e.raisePageFault(laddr, faultProtection, cpl, kind, purpose)
		return 0, nil, false
	}

	e.updateAccessedDirty(nonLeaves, leaf, kind)

	hp := e.mem.HostPtr(wr.ppf, kind, purpose)
	bits := decision.accessBits
	if hp != nil {
		bits = withHostPtrMirror(bits)
	}
	e.tlb.Install(laddr, wr.ppf, bits, hp)
	return wr.ppf, hp, true
}

// transfer moves data between the guest's buffer and physical address
// ppf|offset, via the host pointer when available or through Memory
// otherwise.
func (e *Engine) transfer(ppf uint64, hostPtr unsafe.Pointer, offset uint64, data []byte, kind AccessKind) {
	if hostPtr != nil {
		dst := unsafe.Add(hostPtr, offset)
		window := unsafe.Slice((*byte)(dst), len(data))
		if kind == AccessWrite {
			copy(window, data)
		} else {
			copy(data, window)
		}
		return
	}
	phys := ppf | offset
	if kind == AccessWrite {
		e.mem.Write(phys, data)
	} else {
		e.mem.Read(phys, data)
	}
}

// accessIdentity handles the CR0.PG=0 case: translation is the identity
// function, but a flat TLB entry is still populated so repeated accesses
// reach the host-pointer fast path. No permission check applies — there
// is no paging to enforce it.
func (e *Engine) accessIdentity(laddr uint64, buf []byte, kind AccessKind, purpose AccessPurpose) {
	lpf := laddr &^ 0xFFF
	offset := laddr & 0xFFF

	ppf, hostPtr, result := e.tlb.Lookup(laddr, kind, 0)
	if result != lookupHit {
		hp := e.mem.HostPtr(lpf, kind, purpose)
		const fullPermission = uint32(0xFF00) // read+write, every CPL
		bits := fullPermission | tlbGlobalPage
		if hp != nil {
			bits = withHostPtrMirror(bits)
		}
		e.tlb.Install(laddr, lpf, bits, hp)
		ppf, hostPtr = lpf, hp
	}
	e.transfer(ppf, hostPtr, offset, buf, kind)
}

// Access is the entry point for every guest memory access: instruction
// fetches and data reads/writes alike. It handles the single-page path
// and the cross-page-boundary split, and defers to accessIdentity when
// paging is disabled. The kind both selects the permission check and
// the direction of the transfer: AccessWrite checks write permission
// and then writes buf to guest memory. There is no read-modify-write
// kind that checks write permission and then reads into buf.
func (e *Engine) Access(laddr uint64, cpl uint8, kind AccessKind, purpose AccessPurpose, buf []byte) {
	if e.bp != nil {
		e.bp.Check(laddr, kind)
	}

	if e.regs.CR0()&CR0PG == 0 {
		e.accessIdentity(laddr, buf, kind, purpose)
		return
	}

	pageOffset := laddr & 0xFFF
	length := uint64(len(buf))

	if pageOffset+length <= 4096 {
		ppf, hostPtr, ok := e.translateForAccess(laddr, cpl, kind, purpose)
		if !ok {
			return
		}
		e.transfer(ppf, hostPtr, pageOffset, buf, kind)
		return
	}

	// Cross-page split: both translations must succeed before any byte
	// of buf is touched, so a second-page fault leaves buf untouched.
	firstLen := 4096 - pageOffset
	secondLaddr := laddr + firstLen

	ppf1, hp1, ok1 := e.translateForAccess(laddr, cpl, kind, purpose)
	if !ok1 {
		return
	}
	ppf2, hp2, ok2 := e.translateForAccess(secondLaddr, cpl, kind, purpose)
	if !ok2 {
		return
	}

	e.transfer(ppf1, hp1, pageOffset, buf[:firstLen], kind)
	e.transfer(ppf2, hp2, 0, buf[firstLen:], kind)
}
