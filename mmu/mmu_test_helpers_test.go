package mmu_test

import (
	"encoding/binary"
	"sync"
	"unsafe"

	"core_engine/mmu"
)

// fakeMemory backs guest physical memory with a plain byte slice and
// optionally exposes host pointers into it: a small hand-rolled fake,
// no assertion library.
type fakeMemory struct {
	mu      sync.Mutex
	backing []byte
	noHostPtr bool
}

func newFakeMemory(size int) *fakeMemory {
	return &fakeMemory{backing: make([]byte, size)}
}

func (m *fakeMemory) Read(phys uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(buf, m.backing[phys:int(phys)+len(buf)])
	return nil
}

func (m *fakeMemory) Write(phys uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.backing[phys:int(phys)+len(buf)], buf)
	return nil
}

func (m *fakeMemory) HostPtr(phys uint64, kind mmu.AccessKind, purpose mmu.AccessPurpose) unsafe.Pointer {
	if m.noHostPtr {
		return nil
	}
	lpf := phys &^ 0xFFF
	return unsafe.Pointer(&m.backing[lpf])
}

func (m *fakeMemory) putPTE32(phys uint64, v uint32) {
	binary.LittleEndian.PutUint32(m.backing[phys:], v)
}

func (m *fakeMemory) putPTE64(phys uint64, v uint64) {
	binary.LittleEndian.PutUint64(m.backing[phys:], v)
}

func (m *fakeMemory) getPTE32(phys uint64) uint32 {
	return binary.LittleEndian.Uint32(m.backing[phys:])
}

func (m *fakeMemory) getPTE64(phys uint64) uint64 {
	return binary.LittleEndian.Uint64(m.backing[phys:])
}

// fakeExceptionSink records every exception raised.
type fakeExceptionSink struct {
	mu      sync.Mutex
	vectors []uint8
	codes   []uint32
}

func (f *fakeExceptionSink) Raise(vector uint8, errorCode uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors = append(f.vectors, vector)
	f.codes = append(f.codes, errorCode)
}

func (f *fakeExceptionSink) last() (vector uint8, code uint32, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.vectors) == 0 {
		return 0, 0, false
	}
	n := len(f.vectors) - 1
	return f.vectors[n], f.codes[n], true
}

func (f *fakeExceptionSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.vectors)
}

// fakeRegisters is a settable Registers implementation; tests mutate
// its fields directly between calls into the engine.
type fakeRegisters struct {
	cr0, cr4 uint32
	cr3      uint64
	efer     uint64
	cpl      uint8
	cr2      uint64
}

func (r *fakeRegisters) CR0() uint32       { return r.cr0 }
func (r *fakeRegisters) CR3() uint64       { return r.cr3 }
func (r *fakeRegisters) CR4() uint32       { return r.cr4 }
func (r *fakeRegisters) EFER() uint64      { return r.efer }
func (r *fakeRegisters) CPL() uint8        { return r.cpl }
func (r *fakeRegisters) SetCR2(l uint64)   { r.cr2 = l }

const (
	pteP  = uint64(1 << 0)
	pteRW = uint64(1 << 1)
	pteUS = uint64(1 << 2)
	pteA  = uint64(1 << 5)
	pteD  = uint64(1 << 6)
	ptePS = uint64(1 << 7)
	pteG  = uint64(1 << 8)
	pteNX = uint64(1 << 63)
)
