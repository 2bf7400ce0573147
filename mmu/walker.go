package mmu

import (
	"encoding/binary"
	"fmt"
)

// walkMode identifies which of the three table structures applies,
// selected from CR4.PAE/EFER.LMA per SPEC_FULL.md §4.1. 4MB and 2MB
// large pages are handled inside the 2-level and PAE/long walks
// (CR4.PSE is read there), and CR0.PG is checked by the callers.
type walkMode int

const (
	mode2Level walkMode = iota
	modePAE3Level
	modeLong4Level
)

func (e *Engine) selectMode() walkMode {
	cr4 := e.regs.CR4()
	if cr4&CR4PAE != 0 {
		if e.regs.EFER()&EFERLMA != 0 {
			return modeLong4Level
		}
		return modePAE3Level
	}
	return mode2Level
}

// walkResult carries the Walker's output to PermissionEngine.
type walkResult struct {
	ppf            uint64
	combinedAccess uint64 // bit2 = U/S, bit1 = R/W, bit8 = G, all AND/OR-accumulated
	nxViolation    bool
}

// readEntry loads a page-table entry of the given width (4 or 8 bytes)
// at base+index*width from guest physical memory. Guest physical memory
// is assumed always backed (it is the VM's own allocated RAM); a read
// failure here indicates a hypervisor bug, not a guest condition, so it
// panics rather than faulting the guest.
func (e *Engine) readEntry(base uint64, index uint64, width int) (value uint64, entryPhys uint64) {
	entryPhys = base + index*uint64(width)
	buf := make([]byte, width)
	if err := e.mem.Read(entryPhys, buf); err != nil {
		panic(fmt.Sprintf("mmu: page-table entry read at 0x%x failed: %v", entryPhys, err))
	}
	if width == 4 {
		value = uint64(binary.LittleEndian.Uint32(buf))
	} else {
		value = binary.LittleEndian.Uint64(buf)
	}
	return value, entryPhys
}

// writeEntry writes an updated entry value back, same width as the read.
func (e *Engine) writeEntry(entryPhys uint64, value uint64, width int) {
	buf := make([]byte, width)
	if width == 4 {
		binary.LittleEndian.PutUint32(buf, uint32(value))
	} else {
		binary.LittleEndian.PutUint64(buf, value)
	}
	if err := e.mem.Write(entryPhys, buf); err != nil {
		panic(fmt.Sprintf("mmu: page-table entry write-back at 0x%x failed: %v", entryPhys, err))
	}
}

// checkReservedWide panics per the stated non-goal when a PAE/long-mode
// entry sets any of bits [51:32] — physical addresses wider than 32
// bits are not modeled in the fast path.
func checkReservedWide(entry uint64) {
	if entry&0x000FFFFF00000000 != 0 {
		panic(fmt.Sprintf("mmu: page-table entry 0x%x sets bits [51:32]; physical addresses beyond 32 bits are not supported", entry))
	}
}

// walkEntry is one level's worth of decoded state, tracked so the leaf
// can be written back (A and possibly D) after the permission decision.
type walkEntry struct {
	phys  uint64
	value uint64
	width int
}

// walk performs the full page-table traversal for laddr and reports
// either a definitive not-present/reserved-bit fault, or a successful
// walk whose permission is still to be decided by PermissionEngine.
// When noFault is true (the debug walker), A/D bits are never updated
// and reason is still computed but the caller must not deliver it.
func (e *Engine) walk(laddr uint64, purpose AccessPurpose, noFault bool) (res walkResult, leaf walkEntry, nonLeaves []walkEntry, reason faultReason) {
	cr3 := e.cr3Masked
	nxe := e.regs.EFER()&EFERNXE != 0
	pge := e.regs.CR4()&CR4PGE != 0

	switch e.selectMode() {
	case mode2Level:
		pdIndex := (laddr >> 22) & 0x3FF
		pde, pdePhys := e.readEntry(cr3, pdIndex, 4)
		if pde&entryPresent == 0 {
			return res, leaf, nil, faultNotPresent
		}
		pse := e.regs.CR4()&CR4PSE != 0
		if pse && pde&entryPS != 0 {
			// 4MB large page; PDE is the leaf.
			if pde&0x003FE000 != 0 { // bits [21:13] must be zero
				return res, leaf, nil, faultReserved
			}
			res.combinedAccess = pde & (entryUS | entryRW)
			if pge {
				res.combinedAccess |= pde & entryGlobal
			}
			res.ppf = (pde & 0xFFC00000) | (laddr & 0x003FF000)
			return res, walkEntry{pdePhys, pde, 4}, nil, faultNone
		}

		ptIndex := (laddr >> 12) & 0x3FF
		ptBase := pde &^ 0xFFF
		pte, ptePhys := e.readEntry(ptBase, ptIndex, 4)
		if pte&entryPresent == 0 {
			return res, leaf, nil, faultNotPresent
		}

		if e.cpuLevel == 3 {
			// 386 quirk: U/S is the OR (least restrictive), R/W the AND.
			res.combinedAccess = (pde | pte) & entryUS
			res.combinedAccess |= (pde & pte) & entryRW
		} else {
			res.combinedAccess = (pde & pte) & (entryUS | entryRW)
		}
		if pge {
			res.combinedAccess |= pte & entryGlobal
		}
		res.ppf = pte &^ 0xFFF
		return res, walkEntry{ptePhys, pte, 4}, []walkEntry{{pdePhys, pde, 4}}, faultNone

	case modePAE3Level:
		pdptIndex := (laddr >> 30) & 0x3
		pdpte, _ := e.readEntry(cr3, pdptIndex, 8)
		if pdpte&entryPresent == 0 {
			return res, leaf, nil, faultNotPresent
		}
		checkReservedWide(pdpte)
		if pdpte&0x180 != 0 { // bits 7,8 reserved
			return res, leaf, nil, faultReserved
		}

		pdIndex := (laddr >> 21) & 0x1FF
		pdBase := pdpte &^ 0xFFF
		pde, pdePhys := e.readEntry(pdBase, pdIndex, 8)
		if pde&entryPresent == 0 {
			return res, leaf, nil, faultNotPresent
		}
		checkReservedWide(pde)
		if pde&entryNX != 0 {
			if !nxe {
				return res, leaf, nil, faultReserved
			}
			if purpose == PurposeCode {
				res.nxViolation = true
			}
		}
		if pde&entryPS != 0 {
			// 2MB large page; PDE is the leaf.
			res.combinedAccess = pde & (entryUS | entryRW)
			if pge {
				res.combinedAccess |= pde & entryGlobal
			}
			res.ppf = (pde & 0x000FFFFFFFE00000) | (laddr & 0x001FF000)
			return res, walkEntry{pdePhys, pde, 8}, nil, faultNone
		}

		ptIndex := (laddr >> 12) & 0x1FF
		ptBase := pde &^ 0xFFF
		pte, ptePhys := e.readEntry(ptBase, ptIndex, 8)
		if pte&entryPresent == 0 {
			return res, leaf, nil, faultNotPresent
		}
		checkReservedWide(pte)
		if pte&entryNX != 0 {
			if !nxe {
				return res, leaf, nil, faultReserved
			}
			if purpose == PurposeCode {
				res.nxViolation = true
			}
		}
		res.combinedAccess = (pde & pte) & (entryUS | entryRW)
		if pge {
			res.combinedAccess |= pte & entryGlobal
		}
		res.ppf = pte &^ 0xFFF
		return res, walkEntry{ptePhys, pte, 8}, []walkEntry{{pdePhys, pde, 8}}, faultNone

	default: // modeLong4Level
		pml4Index := (laddr >> 39) & 0x1FF
		pml4e, pml4ePhys := e.readEntry(cr3, pml4Index, 8)
		if pml4e&entryPresent == 0 {
			return res, leaf, nil, faultNotPresent
		}
		checkReservedWide(pml4e)
		if pml4e&0x180 != 0 {
			return res, leaf, nil, faultReserved
		}
		if pml4e&entryNX != 0 {
			if !nxe {
				return res, leaf, nil, faultReserved
			}
			if purpose == PurposeCode {
				res.nxViolation = true
			}
		}

		pdptIndex := (laddr >> 30) & 0x1FF
		pdptBase := pml4e &^ 0xFFF
		pdpte, pdptePhys := e.readEntry(pdptBase, pdptIndex, 8)
		if pdpte&entryPresent == 0 {
			return res, leaf, nil, faultNotPresent
		}
		checkReservedWide(pdpte)
		if pdpte&0x180 != 0 {
			return res, leaf, nil, faultReserved
		}
		if pdpte&entryNX != 0 {
			if !nxe {
				return res, leaf, nil, faultReserved
			}
			if purpose == PurposeCode {
				res.nxViolation = true
			}
		}

		combined := (pml4e & pdpte) & (entryUS | entryRW)

		pdIndex := (laddr >> 21) & 0x1FF
		pdBase := pdpte &^ 0xFFF
		pde, pdePhys := e.readEntry(pdBase, pdIndex, 8)
		if pde&entryPresent == 0 {
			return res, leaf, nil, faultNotPresent
		}
		checkReservedWide(pde)
		if pde&entryNX != 0 {
			if !nxe {
				return res, leaf, nil, faultReserved
			}
			if purpose == PurposeCode {
				res.nxViolation = true
			}
		}
		combined &= pde & (entryUS | entryRW)

		if pde&entryPS != 0 {
			res.combinedAccess = combined
			if pge {
				res.combinedAccess |= pde & entryGlobal
			}
			res.ppf = (pde & 0x000FFFFFFFE00000) | (laddr & 0x001FF000)
			nonLeaves = []walkEntry{{pml4ePhys, pml4e, 8}, {pdptePhys, pdpte, 8}}
			return res, walkEntry{pdePhys, pde, 8}, nonLeaves, faultNone
		}

		ptIndex := (laddr >> 12) & 0x1FF
		ptBase := pde &^ 0xFFF
		pte, ptePhys := e.readEntry(ptBase, ptIndex, 8)
		if pte&entryPresent == 0 {
			return res, leaf, nil, faultNotPresent
		}
		checkReservedWide(pte)
		if pte&entryNX != 0 {
			if !nxe {
				return res, leaf, nil, faultReserved
			}
			if purpose == PurposeCode {
				res.nxViolation = true
			}
		}
		combined &= pte & (entryUS | entryRW)
		res.combinedAccess = combined
		if pge {
			res.combinedAccess |= pte & entryGlobal
		}
		res.ppf = pte &^ 0xFFF
		nonLeaves = []walkEntry{{pml4ePhys, pml4e, 8}, {pdptePhys, pdpte, 8}, {pdePhys, pde, 8}}
		return res, walkEntry{ptePhys, pte, 8}, nonLeaves, faultNone
	}
}

// updateAccessedDirty implements SPEC_FULL.md §4.1's A/D policy: every
// non-leaf entry traversed gets its A bit set if clear; the leaf gets A
// set if clear and, for a write, D set if clear. Each entry is written
// back at most once, after the permission decision and before the
// guest data transfer.
func (e *Engine) updateAccessedDirty(nonLeaves []walkEntry, leaf walkEntry, kind AccessKind) {
	for _, nl := range nonLeaves {
		if nl.value&entryAccess == 0 {
			e.writeEntry(nl.phys, nl.value|entryAccess, nl.width)
		}
	}
	v := leaf.value
	needsWriteBack := v&entryAccess == 0
	v |= entryAccess
	if kind == AccessWrite && v&entryDirty == 0 {
		v |= entryDirty
		needsWriteBack = true
	}
	if needsWriteBack {
		e.writeEntry(leaf.phys, v, leaf.width)
	}
}
