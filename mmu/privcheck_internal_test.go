package mmu

import "testing"

func TestBuildPrivCheckTableMatchesArchitecturalRules(t *testing.T) {
	tbl := buildPrivCheckTable()

	cases := []struct {
		wp, user, pageUS, pageRW, isWrite bool
		want                              bool
	}{
		{wp: false, user: false, pageUS: false, pageRW: false, isWrite: true, want: true},  // supervisor, WP=0: anything
		{wp: true, user: false, pageUS: false, pageRW: false, isWrite: true, want: false},  // supervisor, WP=1, RO page, write: denied
		{wp: true, user: false, pageUS: false, pageRW: true, isWrite: true, want: true},    // supervisor, WP=1, RW page, write: ok
		{wp: true, user: false, pageUS: false, pageRW: false, isWrite: false, want: true},  // supervisor, WP=1, read: always ok
		{wp: false, user: true, pageUS: false, pageRW: true, isWrite: false, want: false},  // user, page not U/S: denied
		{wp: false, user: true, pageUS: true, pageRW: false, isWrite: false, want: true},   // user read of U/S page: ok
		{wp: false, user: true, pageUS: true, pageRW: false, isWrite: true, want: false},   // user write, RO page: denied
		{wp: false, user: true, pageUS: true, pageRW: true, isWrite: true, want: true},     // user write, RW page: ok
		{wp: true, user: true, pageUS: true, pageRW: false, isWrite: true, want: false},    // WP does not relax user checks
	}

	for _, c := range cases {
		idx := 0
		if c.wp {
			idx |= 0x10
		}
		if c.user {
			idx |= 0x08
		}
		if c.pageUS {
			idx |= 0x04
		}
		if c.pageRW {
			idx |= 0x02
		}
		if c.isWrite {
			idx |= 0x01
		}
		got := tbl[idx] != 0
		if got != c.want {
			t.Errorf("idx=0x%02x (wp=%v user=%v us=%v rw=%v write=%v): got %v, want %v",
				idx, c.wp, c.user, c.pageUS, c.pageRW, c.isWrite, got, c.want)
		}
	}
}

func TestPrivIndexExtractsUSAndRWBitsDirectly(t *testing.T) {
	// combinedAccess bit2=U/S, bit1=R/W per entryUS/entryRW; privIndex
	// must place them at index bits 2 and 1 unchanged.
	idx := privIndex(true, true, entryUS|entryRW, true)
	want := 0x10 | 0x08 | 0x04 | 0x02 | 0x01
	if idx != want {
		t.Fatalf("idx = 0x%x, want 0x%x", idx, want)
	}
}
