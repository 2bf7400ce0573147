package mmu

// privCheckTable is a precomputed 32-entry permission table indexed by
// {WP, CPL_user, page_U/S, page_R/W, access_is_write}, MSB to LSB:
//
//	b4 = WP
//	b3 = cpl_is_user
//	b2 = page U/S
//	b1 = page R/W
//	b0 = access is write
//
// A single indexed load replaces a branchy runtime check on every
// translation. Semantics (486+):
//
//   - supervisor access with WP=0 is always permitted
//   - user access requires the page to be U=1, and if the access is a
//     write, also R/W=1
//   - with WP=1, supervisor writes additionally require page R/W=1
var privCheckTable = buildPrivCheckTable()

func buildPrivCheckTable() [32]byte {
	var t [32]byte
	for i := 0; i < 32; i++ {
		wp := i&0x10 != 0
		user := i&0x08 != 0
		pageUS := i&0x04 != 0
		pageRW := i&0x02 != 0
		isWrite := i&0x01 != 0

		var ok bool
		switch {
		case !user && !wp:
			// Supervisor, WP=0: anything goes.
			ok = true
		case !user && wp:
			// Supervisor, WP=1: writes honor the page's R/W bit.
			ok = !isWrite || pageRW
		default:
			// User access: page must be user-accessible, and writes
			// additionally require R/W=1 regardless of WP.
			ok = pageUS && (!isWrite || pageRW)
		}
		if ok {
			t[i] = 1
		}
	}
	return t
}

func privIndex(wp, cplUser bool, combinedAccess uint64, isWrite bool) int {
	idx := 0
	if wp {
		idx |= 0x10
	}
	if cplUser {
		idx |= 0x08
	}
	idx |= int(combinedAccess & 0x06) // bits 2 (U/S) and 1 (R/W) line up directly
	if isWrite {
		idx |= 0x01
	}
	return idx
}
