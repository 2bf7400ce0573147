package core_engine

import (
	"fmt"
	"log"
	"syscall"
	"unsafe"

	"core_engine/hypervisor"
	"core_engine/mmu"
)

// VCPU represents a virtual CPU within a KVM virtual machine.
type VCPU struct {
	id             int
	fd             int
	vm             *VirtualMachine // Reference to the parent VM
	kvmRun         *hypervisor.KvmRun
	kvmRunMmapSize int
	kvmRunPtr      uintptr // mmaped pointer to kvm_run structure

	// mmuEngine is the software paging unit for this vCPU. KVM's
	// hardware-assisted paging (EPT) handles the guest's own address
	// translation during KVM_RUN; mmuEngine walks the guest's page
	// tables independently for the debugger/monitor's gva-to-gpa
	// resolution (TranslateLinear). It does not replace EPT: no code
	// path here shadows the guest's page tables for KVM_RUN.
	mmuEngine *mmu.Engine
}

// vcpuRegisters adapts a VCPU's live KVM sregs to mmu.Registers. Each
// accessor re-reads SREGS via KVM_GET_SREGS rather than caching, since
// the guest may change CR0/CR3/CR4 at any time between shadow-MMU
// calls and this path is not the hot instruction loop.
type vcpuRegisters struct {
	vcpu *VCPU
}

func (r *vcpuRegisters) sregs() *hypervisor.KvmSregs {
	sregs, err := hypervisor.DoKVMGetSregs(r.vcpu.fd)
	if err != nil {
		// The collaborator interface has no error return; a failure here
		// means the vCPU fd is no longer valid, which is a hypervisor
		// bug, not a guest condition.
		panic(fmt.Sprintf("vcpu %d: KVM_GET_SREGS failed in mmu.Registers adapter: %v", r.vcpu.id, err))
	}
	return sregs
}

func (r *vcpuRegisters) CR0() uint32  { return uint32(r.sregs().CR0) }
func (r *vcpuRegisters) CR3() uint64  { return r.sregs().CR3 }
func (r *vcpuRegisters) CR4() uint32  { return uint32(r.sregs().CR4) }
func (r *vcpuRegisters) EFER() uint64 { return r.sregs().EFER }

// CPL approximates the current privilege level from CS.DPL, which
// equals the RPL-derived CPL for any non-conforming code segment --
// the common case for the flat segments this hypervisor sets up.
func (r *vcpuRegisters) CPL() uint8 { return r.sregs().CS.DPL }

func (r *vcpuRegisters) SetCR2(laddr uint64) {
	sregs := r.sregs()
	sregs.CR2 = laddr
	if err := hypervisor.DoKVMSetSregs(r.vcpu.fd, sregs); err != nil {
		log.Printf("vcpu %d: failed to write CR2 after a shadow-MMU fault: %v", r.vcpu.id, err)
	}
}

// Raise implements mmu.ExceptionSink. CR2 is already set by the time
// this is called (Registers.SetCR2 runs first). Delivering the
// architectural error code itself requires KVM_SET_VCPU_EVENTS, which
// this hypervisor's ioctl wrapper set does not cover; Raise injects the
// vector via the existing interrupt-injection path and logs the error
// code it could not deliver so a debugger session can still see it.
func (vcpu *VCPU) Raise(vector uint8, errorCode uint32) {
	if vcpu.vm.Debug {
		log.Printf("vcpu %d: mmu exception vector=%d error_code=0x%x", vcpu.id, vector, errorCode)
	}
	if err := hypervisor.DoKVMInjectInterrupt(vcpu.fd, uint32(vector)); err != nil {
		log.Printf("vcpu %d: failed to inject shadow-MMU exception vector %d: %v", vcpu.id, vector, err)
	}
}

// NewVCPU creates and initializes a new VCPU for the given VM.
func NewVCPU(vm *VirtualMachine, id int) (*VCPU, error) {
	vcpuFD, err := hypervisor.DoKVMCreateVCPU(vm.vmFD)
	if err != nil {
		return nil, fmt.Errorf("failed to create VCPU %d: %v", id, err)
	}

	// Get KVM_RUN mmap size
	// Note: KVM_GET_VCPU_MMAP_SIZE is a KVM system ioctl, not on vcpuFD or vmFD directly.
	// It's usually called on the main KVM FD (vm.kvmFD).
	mmapSize, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(vm.kvmFD), hypervisor.KVM_GET_VCPU_MMAP_SIZE, 0)
	if errno != 0 {
		syscall.Close(vcpuFD)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE failed for VCPU %d: %v", id, errno)
	}
	if mmapSize == 0 {
		syscall.Close(vcpuFD)
		return nil, fmt.Errorf("KVM_GET_VCPU_MMAP_SIZE returned 0 for VCPU %d", id)
	}


	// Mmap the KVM_RUN structure
	kvmRunAddr, err := syscall.Mmap(vcpuFD, 0, int(mmapSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		syscall.Close(vcpuFD)
		return nil, fmt.Errorf("failed to mmap kvm_run for VCPU %d: %v", id, err)
	}

	// Cast the mmaped address to a KvmRun struct pointer
	// Note: This direct casting is a simplification. In C, kvm_run is a complex union.
	// Go's unsafe.Pointer allows this, but care must be taken with layout and access.
	kvmRunStruct := (*hypervisor.KvmRun)(unsafe.Pointer(&kvmRunAddr[0]))


	vcpu := &VCPU{
		id:            id,
		fd:            vcpuFD,
		vm:            vm,
		kvmRun:        kvmRunStruct,
		kvmRunMmapSize: int(mmapSize),
		kvmRunPtr:      uintptr(unsafe.Pointer(&kvmRunAddr[0])), // Store the original uintptr for Munmap
	}

	// Initialize VCPU state (e.g., registers, SREGS)
	if err := vcpu.initRegisters(); err != nil {
		vcpu.Close()
		return nil, fmt.Errorf("failed to initialize registers for VCPU %d: %v", id, err)
	}

	vcpu.mmuEngine = mmu.NewEngine(NewGuestMemory(vm.guestMemory), vcpu, &vcpuRegisters{vcpu: vcpu}, 64, nil)
	vcpu.mmuEngine.Debug = vm.Debug

	if vm.Debug {
		log.Printf("VCPU %d: Created and initialized successfully. KVM_RUN mmap size: %d bytes.\n", id, mmapSize)
	}
	return vcpu, nil
}

// initRegisters sets up the initial state of VCPU registers (general purpose and segment).
func (vcpu *VCPU) initRegisters() error {
	// Get current SREGS
	sregs, err := hypervisor.DoKVMGetSregs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_SREGS failed: %v", err)
	}

	// Set CS for real-mode like segment starting at 0x0000
	sregs.CS.Base = 0
	sregs.CS.Selector = 0
	// Other CS fields (Limit, Type, Present, DPL, DB, S, L, G) are often
	// initialized by KVM to usable defaults for real mode, or should be
	// set explicitly if a specific protected mode segment is desired.
	// For a simple HLT at 0x0, KVM's defaults after setting Base/Selector to 0
	// are usually sufficient for CS to function as a basic code segment.
	// The existing settings for Type, Present, DB, G, etc. are fine.

	// Data segments (DS, ES, SS) typically also flat
	sregs.DS.Base = 0
	sregs.DS.Limit = 0xFFFFFFFF
	sregs.DS.Selector = 0 // Or GDT selector
	sregs.DS.Type = 3     // Data, Read/Write
	sregs.DS.Present = 1
	sregs.DS.G = 1
	sregs.DS.S = 1
	sregs.DS.DB = 1

	sregs.ES = sregs.DS
	sregs.FS = sregs.DS
	sregs.GS = sregs.DS
	sregs.SS = sregs.DS

	// Set CR0 for protected mode if desired, or clear for real mode.
	// Minimal real mode: sregs.CR0 = 0x10 (PE bit clear, some other bits might be set by KVM)
	// For starting in protected mode (common for modern kernels):
	// sregs.CR0 = 0x11 // PE=1 (Protected Mode), MP=1 (Monitor Coprocessor)
	// KVM might initialize CR0 to a default state. Get it, modify, then set.
	// For this example, let KVM handle initial CR0 or assume it's suitable.
	// A common starting point is often real mode, with bootloader setting up protected mode.
	// To start in real mode, ensure PE bit (bit 0) of CR0 is 0.
	// KVM often starts VCPUs in real mode by default.
	// To enter protected mode, the PE bit (bit 0) of CR0 must be set.
	sregs.CR0 |= 1 // Set PE bit (Protection Enable)
	// Other CR0 bits (like PG for paging) will be set later by guest OS.
	// KVM might initialize CR0 to something like 0x60000010 (real mode with some flags).
	// Setting PE turns it into 0x60000011 or similar.

	// Set GDTR
	// The GDT is constructed and loaded by VirtualMachine at a known address (e.g., 0x500).
	// This address needs to be known here or passed. For now, using a constant.
	// TODO: Make GDT base address configurable or passed from VM.
	const gdtBaseAddress = 0x500
	const numberOfGDTEntries = 5 // null, ring 0 code/data, ring 3 code/data
	sregs.GDT.Base = gdtBaseAddress
	sregs.GDT.Limit = uint16(numberOfGDTEntries*8 - 1) // 5 entries * 8 bytes/entry - 1 = 39

	// LDTR and TR are typically 0 for a simple setup unless tasks/LDTs are used.
	// KVM usually initializes them appropriately.

	if err := hypervisor.DoKVMSetSregs(vcpu.fd, sregs); err != nil {
		return fmt.Errorf("KVM_SET_SREGS failed: %v", err)
	}

	// Set general purpose registers
	regs, err := hypervisor.DoKVMGetRegs(vcpu.fd)
	if err != nil {
		return fmt.Errorf("KVM_GET_REGS failed for RIP setting: %v", err)
	}
	regs.RIP = 0x0 // Start execution at address 0x0
	// RFLAGS is typically 0x2 by default in KVM for VCPUs.
	// RSP can be left to KVM default or set to top of initial RAM region if needed.
	// For a single HLT instruction, RSP is not critical.
	if err := hypervisor.DoKVMSetRegs(vcpu.fd, regs); err != nil {
		return fmt.Errorf("KVM_SET_REGS for RIP failed: %v", err)
	}
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: Registers initialized. RIP=0x%x, RFLAGS=0x%x, CS.Base=0x%x\n", vcpu.id, regs.RIP, regs.RFLAGS, sregs.CS.Base)
	}
	return nil
}

// Run starts the VCPU execution loop.
func (vcpu *VCPU) Run() error {
	if vcpu.vm.Debug {
		log.Printf("VCPU %d: Entering run loop.\n", vcpu.id)
	}

	for {
		select {
		case <-vcpu.vm.stopChan: // Check if VM is stopping
			if vcpu.vm.Debug {
				log.Printf("VCPU %d: Stop signal received, exiting run loop.\n", vcpu.id)
			}
			return nil
		default:
			// Non-blocking check for stopChan before KVM_RUN, so we don't
			// enter KVM_RUN again if a stop was just requested.
		}

		// Run the VCPU
		_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(vcpu.fd), hypervisor.KVM_RUN, 0)
		if errno != 0 && errno != syscall.EINTR { // EINTR is not an error, just means syscall was interrupted
			return fmt.Errorf("KVM_RUN failed for VCPU %d: %v", vcpu.id, errno)
		}

		// Process KVM exit reason
		exitReason := vcpu.kvmRun.ExitReason
		// log.Printf("VCPU %d: KVM_RUN exited. Reason: %d\n", vcpu.id, exitReason)


		switch exitReason {
		case hypervisor.KVM_EXIT_IO:
			// Extract I/O details from the KvmRun structure.
			// The KvmIo struct is embedded within the KvmRun.Io byte array.
			// We need to cast this part of the byte array to a KvmIo struct.
			// The offset of the io struct within kvm_run might not be 0.
			// For simplicity, assuming it's at the start of the Io field.
			// A more robust way is to use CGO or ensure struct layouts match perfectly.
			ioExit := (*hypervisor.KvmIo)(unsafe.Pointer(&vcpu.kvmRun.Io[0]))
			dataPtr := uintptr(unsafe.Pointer(vcpu.kvmRun)) + uintptr(ioExit.DataOffset)

			if ioExit.Port == com1DataPort && ioExit.Direction == 1 && ioExit.Size >= 1 {
				b := *(*byte)(unsafe.Pointer(dataPtr))
				if _, err := vcpu.vm.Console.Write([]byte{b}); err != nil {
					log.Printf("VCPU %d: console write failed: %v\n", vcpu.id, err)
				}
			} else if vcpu.vm.Debug {
				log.Printf("VCPU %d: unhandled KVM_EXIT_IO on port 0x%x (dir=%d size=%d count=%d)\n",
					vcpu.id, ioExit.Port, ioExit.Direction, ioExit.Size, ioExit.Count)
			}

		case hypervisor.KVM_EXIT_MMIO:
			// Similar to KVM_EXIT_IO, extract MMIO details.
			// The mmio struct is also part of the KvmRun.Io union.
			mmioExit := (*struct { // Simplified anonymous struct for kvm_mmio
				PhysAddr uint64
				Data     [8]byte // Data for MMIO (up to 8 bytes)
				Len      uint32  // Length of data (1, 2, 4, or 8)
				IsWrite  uint8   // 1 if write, 0 if read
				_        [3]byte // Padding
			})(unsafe.Pointer(&vcpu.kvmRun.Io[0])) // Assuming mmio struct is at start of Io union field

			// The entire guest-physical range is backed by the single mmap'd
			// memory region set up in NewVirtualMachine, so a real MMIO exit
			// here means the guest touched an address outside that region --
			// exactly the out-of-range access mmuEngine's Memory adapter
			// (guestmem.go) would also refuse. Log it and, for a read,
			// return a recognizable unmapped-access pattern.
			log.Printf("VCPU %d: KVM_EXIT_MMIO at 0x%x (len %d, write=%t) -- address outside backed guest memory\n",
				vcpu.id, mmioExit.PhysAddr, mmioExit.Len, mmioExit.IsWrite == 1)
			if mmioExit.IsWrite == 0 {
				for i := uint32(0); i < mmioExit.Len && i < 8; i++ {
					mmioExit.Data[i] = 0xFF
				}
			}

		case hypervisor.KVM_EXIT_HLT:
			log.Printf("VCPU %d: Halted Successfully. Proof of Life Confirmed.", vcpu.id)
			return nil // Exit the run loop and function cleanly


		case hypervisor.KVM_EXIT_SHUTDOWN:
			log.Printf("VCPU %d: KVM_EXIT_SHUTDOWN. Guest initiated shutdown.\n", vcpu.id)
			// This is a "triple fault" or similar unrecoverable error from the guest's perspective.
			// Signal the main VM to stop.
			// vcpu.vm.Stop() // This might be too abrupt, or VM might already be stopping.
			return fmt.Errorf("VCPU %d received KVM_EXIT_SHUTDOWN", vcpu.id)


		case hypervisor.KVM_EXIT_FAIL_ENTRY:
			hwReason := vcpu.kvmRun.HwReason // Accessing HwReason from KvmRun struct
			log.Printf("VCPU %d: KVM_EXIT_FAIL_ENTRY. Hardware entry failure. Reason: 0x%x\n", vcpu.id, hwReason)
			return fmt.Errorf("VCPU %d KVM_EXIT_FAIL_ENTRY, hardware reason: 0x%x", vcpu.id, hwReason)

		case hypervisor.KVM_EXIT_UNKNOWN:
			hwReasonUnknown := vcpu.kvmRun.HwReason
			log.Printf("VCPU %d: KVM_EXIT_UNKNOWN. Hardware reason: 0x%x\n", vcpu.id, hwReasonUnknown)
			return fmt.Errorf("VCPU %d KVM_EXIT_UNKNOWN, hardware reason: 0x%x", vcpu.id, hwReasonUnknown)


		default:
			log.Printf("VCPU %d: Unhandled KVM exit reason: %d\n", vcpu.id, exitReason)
			// For other reasons, we might want to log, inject a fault, or stop.
			// return fmt.Errorf("VCPU %d unhandled KVM exit reason: %d", vcpu.id, exitReason)
		}
	}
}

// Close cleans up resources used by the VCPU.
func (vcpu *VCPU) Close() {
	if vcpu.kvmRunPtr != 0 { // Check if mmap was successful
		err := syscall.Munmap((*[1<<30]byte)(unsafe.Pointer(vcpu.kvmRunPtr))[:vcpu.kvmRunMmapSize])
		if err != nil {
			log.Printf("VCPU %d: Error unmapping kvm_run: %v\n", vcpu.id, err)
		}
		vcpu.kvmRunPtr = 0
		vcpu.kvmRun = nil
	}
	if vcpu.fd != 0 {
		syscall.Close(vcpu.fd)
		vcpu.fd = 0
	}
	if vcpu.vm.Debug && vcpu.id >=0 { // ensure id is valid if logging
		log.Printf("VCPU %d: Closed.\n", vcpu.id)
	}
}

// TranslateLinear resolves a guest linear address to a guest physical
// frame through this vCPU's shadow paging unit, without disturbing
// guest state or raising any exception -- the gva-to-gpa resolution
// VirtualMachine.TranslateGuestVirtual relies on. The shadow MMU does not intercept the guest's own CR3/CR4
// writes, so cr3Masked is re-derived from the live SREGS on every call
// rather than trusted from a prior translation.
func (vcpu *VCPU) TranslateLinear(laddr uint64) (uint64, bool) {
	vcpu.mmuEngine.WriteCR3()
	return vcpu.mmuEngine.Translate(laddr)
}

// Helper to get KVM exit reason string (optional)
func KvmExitReasonName(reason uint32) string {
	switch reason {
	case hypervisor.KVM_EXIT_UNKNOWN: return "KVM_EXIT_UNKNOWN"
	case hypervisor.KVM_EXIT_HLT: return "KVM_EXIT_HLT"
	case hypervisor.KVM_EXIT_IO: return "KVM_EXIT_IO"
	case hypervisor.KVM_EXIT_MMIO: return "KVM_EXIT_MMIO"
	case hypervisor.KVM_EXIT_SHUTDOWN: return "KVM_EXIT_SHUTDOWN"
	case hypervisor.KVM_EXIT_FAIL_ENTRY: return "KVM_EXIT_FAIL_ENTRY"
	// Add other KVM_EXIT reasons as needed
	default: return fmt.Sprintf("Unknown KVM Exit Reason (%d)", reason)
	}
}
