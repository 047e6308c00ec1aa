package vibeflash

import (
	"encoding/binary"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
)

// NVMMode is the access mode of the program flash controller.
type NVMMode int

// Program flash controller modes.
const (
	NVMRead NVMMode = iota
	NVMWrite
	NVMErase
)

func (m NVMMode) String() string {
	switch m {
	case NVMRead:
		return "read"
	case NVMWrite:
		return "write"
	case NVMErase:
		return "erase"
	default:
		return "invalid mode"
	}
}

// The NVM interface is the microcontroller's internal program flash
// controller. Writes and erases are started by the call and completed in the
// background; callers poll Ready before the next access.
type NVM interface {
	SetMode(mode NVMMode)
	ErasePage(address uint32)
	WriteWord(address uint32, word uint32)
	ReadWord(address uint32) uint32
	Ready() bool
}

// The Core interface is the handful of CPU controls needed to hand over to an
// application. On hardware Branch does not return.
type Core interface {
	SetMSP(sp uint32)
	DisableIRQ()
	SetVTOR(address uint32)
	// ClearIRQs disables and un-pends every interrupt line.
	ClearIRQs()
	StopSysTick()
	Branch(entry uint32)
}

// MemoryNVM is an in-memory program flash covering [base, base+size).
// Accesses in the wrong mode, unaligned or out of range are not performed and
// are counted as violations instead.
type MemoryNVM struct {
	base     uint32
	data     []byte
	pageSize uint32
	mode     NVMMode
	busyLeft int
	path     string

	// BusyPolls is the number of Ready polls answered false after each
	// write or erase.
	BusyPolls int
	// StuckBusy makes the controller never become ready.
	StuckBusy bool

	// Violations counts rejected accesses.
	Violations int
	// ErasedPages lists the page addresses erased, in order.
	ErasedPages []uint32
	// WordsWritten counts successful word writes.
	WordsWritten int
}

// NewMemoryNVM returns an erased program flash.
func NewMemoryNVM(base, size, pageSize uint32) *MemoryNVM {
	n := &MemoryNVM{
		base:     base,
		data:     make([]byte, size),
		pageSize: pageSize,
	}
	fill(n.data, 0xFF)
	return n
}

// OpenMemoryNVMFile returns a program flash backed by a file holding the
// contents from base onwards. Sync writes it back.
func OpenMemoryNVMFile(path string, base, size, pageSize uint32) (*MemoryNVM, error) {
	n := NewMemoryNVM(base, size, pageSize)
	n.path = path
	b, err := ioutil.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return n, nil
	case err != nil:
		return nil, errors.Wrap(err, "failed to read program flash image")
	}
	if len(b) > len(n.data) {
		return nil, &BoundsError{What: "program flash image", Size: uint32(len(b)), Limit: size}
	}
	copy(n.data, b)
	return n, nil
}

// Sync writes a file-backed program flash back to its file.
func (n *MemoryNVM) Sync() error {
	if n.path == "" {
		return nil
	}
	return errors.Wrap(ioutil.WriteFile(n.path, n.data, 0644), "failed to write program flash image")
}

// Bytes returns the contents from base onwards. The slice aliases the memory.
func (n *MemoryNVM) Bytes() []byte { return n.data }

// Mode returns the current controller mode.
func (n *MemoryNVM) Mode() NVMMode { return n.mode }

func (n *MemoryNVM) offset(address uint32, length uint32) (uint32, bool) {
	if address < n.base || uint64(address-n.base)+uint64(length) > uint64(len(n.data)) {
		return 0, false
	}
	return address - n.base, true
}

func (n *MemoryNVM) SetMode(mode NVMMode) {
	n.mode = mode
}

func (n *MemoryNVM) ErasePage(address uint32) {
	off, ok := n.offset(address, n.pageSize)
	if !ok || n.mode != NVMErase || address%n.pageSize != 0 || !n.ready() {
		n.Violations++
		return
	}
	fill(n.data[off:off+n.pageSize], 0xFF)
	n.ErasedPages = append(n.ErasedPages, address)
	n.busyLeft = n.BusyPolls
}

func (n *MemoryNVM) WriteWord(address uint32, word uint32) {
	off, ok := n.offset(address, 4)
	if !ok || n.mode != NVMWrite || address%4 != 0 || !n.ready() {
		n.Violations++
		return
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], word)
	for i := range b {
		n.data[off+uint32(i)] &= b[i]
	}
	n.WordsWritten++
	n.busyLeft = n.BusyPolls
}

func (n *MemoryNVM) ReadWord(address uint32) uint32 {
	off, ok := n.offset(address, 4)
	if !ok {
		n.Violations++
		return 0xFFFFFFFF
	}
	return binary.LittleEndian.Uint32(n.data[off:])
}

// Ready reports whether the last write or erase has completed. Each call
// counts as one poll.
func (n *MemoryNVM) Ready() bool {
	if n.StuckBusy {
		return false
	}
	if n.busyLeft > 0 {
		n.busyLeft--
		return false
	}
	return true
}

func (n *MemoryNVM) ready() bool {
	return !n.StuckBusy && n.busyLeft == 0
}

// RecordingCore is a Core that records what was asked of it.
type RecordingCore struct {
	Calls  []string
	MSP    uint32
	VTOR   uint32
	Entry  uint32
	Jumped bool
}

func (c *RecordingCore) SetMSP(sp uint32) {
	c.MSP = sp
	c.Calls = append(c.Calls, fmt.Sprintf("msp %08X", sp))
}

func (c *RecordingCore) DisableIRQ() {
	c.Calls = append(c.Calls, "disable irq")
}

func (c *RecordingCore) SetVTOR(address uint32) {
	c.VTOR = address
	c.Calls = append(c.Calls, fmt.Sprintf("vtor %08X", address))
}

func (c *RecordingCore) ClearIRQs() {
	c.Calls = append(c.Calls, "clear irqs")
}

func (c *RecordingCore) StopSysTick() {
	c.Calls = append(c.Calls, "stop systick")
}

func (c *RecordingCore) Branch(entry uint32) {
	c.Entry = entry
	c.Jumped = true
	c.Calls = append(c.Calls, fmt.Sprintf("branch %08X", entry))
}
