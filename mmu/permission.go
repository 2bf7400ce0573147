package mmu

// permissionDecision is the result of PermissionEngine's evaluation of a
// single access against a walked page's combined access bits.
type permissionDecision struct {
	allowed    bool
	accessBits uint32 // valid only when allowed
}

// checkPermission implements SPEC_FULL.md §4.2 / distilled spec §4.2:
// compute the priv_index, consult privCheckTable, and on success
// synthesize the full accessBits bitmap (bits 8-15; bits 0-7, the
// host-pointer-gated mirror, are added separately once a host pointer
// is known).
func checkPermission(combinedAccess uint64, cpl uint8, wp bool, kind AccessKind, nxViolation bool) permissionDecision {
	isWrite := kind == AccessWrite
	cplUser := cpl == 3

	idx := privIndex(wp, cplUser, combinedAccess, isWrite)
	if privCheckTable[idx] == 0 || nxViolation {
		return permissionDecision{allowed: false}
	}

	var bits uint32
	for c := uint8(0); c < 4; c++ {
		cUser := c == 3
		if privCheckTable[privIndex(wp, cUser, combinedAccess, false)] != 0 {
			bits |= readBitForCPL(c)
		}
		if privCheckTable[privIndex(wp, cUser, combinedAccess, true)] != 0 {
			bits |= writeBitForCPL(c)
		}
	}
	if combinedAccess&entryGlobal != 0 {
		bits |= tlbGlobalPage
	}
	return permissionDecision{allowed: true, accessBits: bits}
}

// withHostPtrMirror ORs in the low-nibble bits (0-7) that mirror bits
// 8-15 once a direct host pointer is known to back the page. Preserves
// the invariant that bit n (0<=n<=7) implies bit n+8.
func withHostPtrMirror(bits uint32) uint32 {
	return bits | ((bits >> 8) & 0xFF)
}
