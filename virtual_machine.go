package core_engine

import (
	"fmt"
	"io"
	"log"
	"os"
	"syscall"
	"unsafe"

	"core_engine/hypervisor"
)

// VirtualMachine represents a KVM-based virtual machine.
type VirtualMachine struct {
	vmFD         int
	kvmFD        int
	guestMemory  []byte
	vcpus        []*VCPU
	Console      io.Writer // COM1 data-port sink, for boot/debug observability
	MemorySize   uint64
	NumVCPUs     int
	stopChan     chan struct{}
	vcpusRunning chan struct{} // Used to signal when all VCPUs have exited their run loops
	Debug        bool
}

// com1DataPort is the only I/O port this hypervisor still answers
// directly: a write echoes the byte to Console, the minimal signal a
// boot binary needs to prove it reached protected mode and ran past
// the paging setup, without a full UART model behind it.
const com1DataPort = 0x3F8

// NewVirtualMachine creates and initializes a new virtual machine.
func NewVirtualMachine(memSize uint64, numVCPUs int, enableDebug bool) (*VirtualMachine, error) {
	if memSize == 0 {
		memSize = 128 * 1024 * 1024 // Default to 128MB
	}
	if numVCPUs == 0 {
		numVCPUs = 1 // Default to 1 VCPU
	}

	kvmFD, err := syscall.Open("/dev/kvm", syscall.O_RDWR|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open /dev/kvm: %v", err)
	}

	vmFD, err := hypervisor.DoKVMCreateVM(kvmFD)
	if err != nil {
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("failed to create KVM VM: %v", err)
	}

	// Allocate guest memory
	guestMem, err := syscall.Mmap(-1, 0, int(memSize), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_PRIVATE|syscall.MAP_ANONYMOUS|syscall.MAP_NORESERVE)
	if err != nil {
		syscall.Close(vmFD)
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("failed to mmap guest memory: %v", err)
	}

	// Tell KVM about the memory region
	err = hypervisor.DoKVMSetUserMemoryRegion(vmFD, 0, 0, memSize, uintptr(unsafe.Pointer(&guestMem[0])))
	if err != nil {
		syscall.Munmap(guestMem)
		syscall.Close(vmFD)
		syscall.Close(kvmFD)
		return nil, fmt.Errorf("failed to set user memory region: %v", err)
	}

	vm := &VirtualMachine{
		vmFD:         vmFD,
		kvmFD:        kvmFD,
		guestMemory:  guestMem,
		Console:      os.Stdout,
		MemorySize:   memSize,
		NumVCPUs:     numVCPUs,
		stopChan:     make(chan struct{}),
		vcpusRunning: make(chan struct{}, numVCPUs), // Buffered channel
		Debug:        enableDebug,
	}

	// Create VCPUs
	for i := 0; i < numVCPUs; i++ {
		vcpu, err := NewVCPU(vm, i) // Pass reference to VM
		if err != nil {
			vm.Close() // Cleanup already initialized parts
			return nil, fmt.Errorf("failed to create VCPU %d: %v", i, err)
		}
		vm.vcpus = append(vm.vcpus, vcpu)
	}

	// Load program from boot.bin
	// Assuming boot.bin is in the parent directory relative to where core_engine commands might be run from.
	// If running 'go run main.go' from project root, path should be "boot.bin".
	// If building core_engine and running its binary from elsewhere, this path needs care.
	// For now, assuming a relative path from where the executable might be, or it's in CWD.
	// A more robust solution would use an absolute path or path relative to executable.
	// For this step, we'll try `../boot_pm.bin` as if running from within `core_engine` after `cd`.
	// And a fallback to `boot_pm.bin` if running from project root.
	bootBinaryPath := "../boot_pm.bin" // Primary attempt for `cd core_engine && go run ...`
	program, err := os.ReadFile(bootBinaryPath)
	if err != nil {
		// Fallback: try reading from current working directory (e.g. if running from project root)
		bootBinaryPath = "boot_pm.bin"
		program, err = os.ReadFile(bootBinaryPath)
		if err != nil {
			vm.Close() // Clean up VM resources
			return nil, fmt.Errorf("failed to read boot_pm.bin from %s or current dir: %v", "../boot_pm.bin", err)
		}
	}

	if uint64(len(program)) > vm.MemorySize {
		vm.Close()
		return nil, fmt.Errorf("boot_pm.bin content too large for guest memory (%d vs %d)", len(program), vm.MemorySize)
	}
	if len(vm.guestMemory) < len(program) {
		vm.Close()
		return nil, fmt.Errorf("guest memory too small (%d bytes) to load boot_pm.bin (%d bytes)", len(vm.guestMemory), len(program))
	}
	copy(vm.guestMemory[0:], program)
	if vm.Debug {
		log.Printf("VirtualMachine: Loaded %d bytes from %s (Protected Mode Bootloader) at address 0x0.", len(program), bootBinaryPath)
	}

	// Construct and Load GDT. Ring 3 entries exist alongside the ring 0
	// pair so a guest monitor can demonstrate the MMU's user/supervisor
	// privilege check (mmu/permission.go) by actually switching CPL via
	// a far call/iret, not just by forging CS.DPL through SREGS.
	gdtBaseAddress := uint64(0x500) // Arbitrary high address for GDT
	gdt := make([]hypervisor.GDTEntry, 5)

	// Entry 0: Null Descriptor
	gdt[0] = hypervisor.NewGDTEntry(0, 0, 0, 0)
	// Entry 1: Ring 0 Code Segment (Base=0, Limit=4GB, 32-bit, DPL=0)
	gdt[1] = hypervisor.NewGDTEntry(0, 0xFFFFF, 0x9A, 0xCF)
	// Entry 2: Ring 0 Data Segment (Base=0, Limit=4GB, 32-bit, DPL=0)
	gdt[2] = hypervisor.NewGDTEntry(0, 0xFFFFF, 0x92, 0xCF)
	// Entry 3: Ring 3 Code Segment (Access=0xFA: Present, DPL3, Executable, Read)
	gdt[3] = hypervisor.NewGDTEntry(0, 0xFFFFF, 0xFA, 0xCF)
	// Entry 4: Ring 3 Data Segment (Access=0xF2: Present, DPL3, Read/Write)
	gdt[4] = hypervisor.NewGDTEntry(0, 0xFFFFF, 0xF2, 0xCF)

	// Convert GDT entries to byte slice
	gdtBytes := make([]byte, len(gdt)*8) // Each GDT entry is 8 bytes
	for i, entry := range gdt {
		entryBytes := (*[8]byte)(unsafe.Pointer(&entry))
		copy(gdtBytes[i*8:], entryBytes[:])
	}

	// Ensure GDT fits in guest memory
	if gdtBaseAddress+uint64(len(gdtBytes)) > vm.MemorySize {
		vm.Close()
		return nil, fmt.Errorf("GDT too large or base address too high for guest memory")
	}
	// Copy GDT to guest memory
	copy(vm.guestMemory[gdtBaseAddress:], gdtBytes)
	if vm.Debug {
		log.Printf("VirtualMachine: GDT constructed and loaded at 0x%x (%d entries, %d bytes).", gdtBaseAddress, len(gdt), len(gdtBytes))
	}

	// VMM-Side Paging Setup: Identity map first 4MB
	pageDirectoryBaseAddress := uint64(0x1000) // Must be 4KB aligned
	// Page Directory has 1024 entries, each PDE is 4 bytes (uint32). Total size 4096 bytes.
	numPDEntries := 1024
	pdSizeBytes := uint64(numPDEntries * 4)

	if pageDirectoryBaseAddress+pdSizeBytes > vm.MemorySize {
		vm.Close()
		return nil, fmt.Errorf("page directory too large or base address too high for guest memory")
	}
	// Ensure memory for PD is clear (Go slices from mmap are zeroed)

	// Create first PDE for a 4MB page, identity mapping 0x0 - 0x3FFFFF
	// Physical address of the 4MB page is 0x0.
	// Flags: Present, Read/Write, User (can be supervisor too), PageSize (4MB)
	pdeFlags := hypervisor.PTE_PRESENT | hypervisor.PTE_READ_WRITE | hypervisor.PTE_USER_SUPER | hypervisor.PDE_PAGE_SIZE
	pdeEntry := hypervisor.NewPDE4MB(0x0, pdeFlags) // Identity maps physical 0x0

	// Write PDE to guest memory. Each PDE is uint32.
	// guestMemory is []byte. Need to write uint32 as 4 bytes.
	if len(vm.guestMemory) < int(pageDirectoryBaseAddress+4) {
		vm.Close()
		return nil, fmt.Errorf("not enough guest memory to write PDE for paging setup")
	}
	// Little-endian encoding for uint32
	vm.guestMemory[pageDirectoryBaseAddress+0] = byte(pdeEntry >> 0)
	vm.guestMemory[pageDirectoryBaseAddress+1] = byte(pdeEntry >> 8)
	vm.guestMemory[pageDirectoryBaseAddress+2] = byte(pdeEntry >> 16)
	vm.guestMemory[pageDirectoryBaseAddress+3] = byte(pdeEntry >> 24)

	if vm.Debug {
		log.Printf("VirtualMachine: Page Directory set up at 0x%x. First PDE (4MB page) created for 0x0-0x3FFFFF.", pageDirectoryBaseAddress)
	}

	if enableDebug {
		log.Println("VirtualMachine: KVM VM and VCPU(s) created successfully. Bootloader, GDT, and Page Directory loaded.")
	}
	return vm, nil
}

// LoadBinary loads a binary image (e.g., bootloader, kernel) into guest memory.
func (vm *VirtualMachine) LoadBinary(image []byte, address uint64) error {
	if address+uint64(len(image)) > vm.MemorySize {
		return fmt.Errorf("binary image too large or address out of bounds")
	}
	copy(vm.guestMemory[address:], image)
	if vm.Debug {
		log.Printf("VirtualMachine: Loaded %d bytes into guest memory at 0x%x\n", len(image), address)
	}
	return nil
}

// Run starts the execution of all VCPUs.
func (vm *VirtualMachine) Run() error {
	if vm.Debug {
		log.Println("VirtualMachine: Starting VCPU run loops...")
	}
	for _, vcpu := range vm.vcpus {
		go func(v *VCPU) {
			if err := v.Run(); err != nil {
				log.Printf("VCPU %d exited with error: %v", v.id, err)
			} else {
				if vm.Debug {
					log.Printf("VCPU %d exited normally.", v.id)
				}
			}
			vm.vcpusRunning <- struct{}{} // Signal that this VCPU has finished
		}(vcpu)
	}

	// Wait for all VCPUs to finish or for a stop signal
	for i := 0; i < vm.NumVCPUs; i++ {
		select {
		case <-vm.vcpusRunning:
			// A VCPU finished
		case <-vm.stopChan:
			// Stop signal received, though VCPUs manage their own stopChan
			// This path might be redundant if VCPU.Run respects vm.stopChan correctly.
			if vm.Debug {
				log.Println("VirtualMachine: Run loop detected stop signal (should be handled by VCPUs).")
			}
			// return nil // Or handle cleanup
		}
	}

	if vm.Debug {
		log.Println("VirtualMachine: All VCPUs have completed their run loops.")
	}
	return nil // Or return an error if any VCPU failed catastrophically
}

// Stop signals all VCPUs to stop execution.
func (vm *VirtualMachine) Stop() {
	if vm.Debug {
		log.Println("VirtualMachine: Sending stop signal to VCPUs...")
	}
	close(vm.stopChan) // Signal all VCPUs to stop

	// Optionally, wait for VCPUs to acknowledge stop, though Run() already waits.
	// This function is more about initiating the stop.
}

// Close cleans up resources used by the virtual machine.
func (vm *VirtualMachine) Close() {
	if vm.Debug {
		log.Println("VirtualMachine: Closing...")
	}
	// Ensure VCPUs are stopped first
	vm.Stop()

	for _, vcpu := range vm.vcpus {
		if vcpu != nil {
			vcpu.Close() // vcpu.Close() should be idempotent
		}
	}
	if vm.guestMemory != nil {
		syscall.Munmap(vm.guestMemory)
		vm.guestMemory = nil
	}
	if vm.vmFD != 0 {
		syscall.Close(vm.vmFD)
		vm.vmFD = 0
	}
	if vm.kvmFD != 0 {
		syscall.Close(vm.kvmFD)
		vm.kvmFD = 0
	}
	if vm.Debug {
		log.Println("VirtualMachine: Closed.")
	}
}

// GetVCPU returns a specific VCPU by its ID.
func (vm *VirtualMachine) GetVCPU(id int) (*VCPU, error) {
	if id < 0 || id >= len(vm.vcpus) {
		return nil, fmt.Errorf("VCPU ID %d out of range", id)
	}
	return vm.vcpus[id], nil
}

// TranslateGuestVirtual resolves a guest linear address to a guest
// physical address through the named vCPU's shadow paging unit. It is
// the read-back counterpart of the identity-mapped page directory built
// during NewVirtualMachine: a debugger or monitor attached to the VM
// can ask what a guest pointer actually resolves to without single-
// stepping the guest or parsing its page tables by hand. ok is false
// when the walk finds a not-present entry or a reserved-bit violation;
// the page-table permission bits (U/S, R/W, NX) are not checked on this
// path, and the shadow MMU does not inject a fault since no real access
// occurred.
func (vm *VirtualMachine) TranslateGuestVirtual(vcpuID int, laddr uint64) (uint64, bool, error) {
	vcpu, err := vm.GetVCPU(vcpuID)
	if err != nil {
		return 0, false, err
	}
	ppf, ok := vcpu.TranslateLinear(laddr)
	if !ok {
		return 0, false, nil
	}
	return ppf | (laddr & 0xFFF), true, nil
}
