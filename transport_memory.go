package vibeflash

import (
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
)

// MemoryChip is an in-memory serial NOR flash that implements Transport.
// It follows NOR rules: erase sets a whole unit to 0xFF, programming can only
// clear bits, and every program or erase needs a preceding write enable.
// While in deep power-down it only answers the release command.
//
// If the chip was created with OpenMemoryChipFile, its contents are written
// back to the file on Uninit.
type MemoryChip struct {
	data      []byte
	unitSize  uint32
	path      string
	cfg       TransportConfig
	init      bool
	wel       bool
	resetEn   bool
	powerDown bool
	status2   byte
	busyLeft  int

	// BusyPolls is the number of Busy polls reported as busy after each
	// program or erase.
	BusyPolls int
	// StuckBusy makes the chip report busy forever.
	StuckBusy bool
	// FailInits is the number of upcoming Init calls that fail.
	FailInits int
	// Fault, when set, is consulted before every read, write and erase.
	// A non-nil return is reported as a transfer failure.
	Fault func(op string, address uint32) error

	inits, reads, writes, erases int
}

// NewMemoryChip returns an erased chip of unitCount units of unitSize bytes.
func NewMemoryChip(unitSize, unitCount uint32) *MemoryChip {
	c := &MemoryChip{
		data:     make([]byte, unitSize*unitCount),
		unitSize: unitSize,
	}
	for i := range c.data {
		c.data[i] = 0xFF
	}
	return c
}

// OpenMemoryChipFile returns a chip backed by the given image file. A missing
// file yields an erased chip; a short file is padded with 0xFF.
func OpenMemoryChipFile(path string, unitSize, unitCount uint32) (*MemoryChip, error) {
	c := NewMemoryChip(unitSize, unitCount)
	c.path = path
	b, err := ioutil.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return c, nil
	case err != nil:
		return nil, errors.Wrap(err, "failed to read flash image")
	}
	if len(b) > len(c.data) {
		return nil, &BoundsError{What: "flash image", Size: uint32(len(b)), Limit: uint32(len(c.data))}
	}
	copy(c.data, b)
	return c, nil
}

// Bytes returns the raw chip contents. The slice aliases the chip memory.
func (c *MemoryChip) Bytes() []byte { return c.data }

// Reads returns the number of memory reads serviced so far.
func (c *MemoryChip) Reads() int { return c.reads }

// Writes returns the number of page program operations serviced so far.
func (c *MemoryChip) Writes() int { return c.writes }

// Erases returns the number of erase operations serviced so far.
func (c *MemoryChip) Erases() int { return c.erases }

// Inits returns the number of successful Init calls.
func (c *MemoryChip) Inits() int { return c.inits }

// PoweredDown reports whether the chip is in deep power-down.
func (c *MemoryChip) PoweredDown() bool { return c.powerDown }

// ResetCounters zeroes the operation counters.
func (c *MemoryChip) ResetCounters() {
	c.inits, c.reads, c.writes, c.erases = 0, 0, 0, 0
}

func (c *MemoryChip) Init(cfg TransportConfig) error {
	if c.FailInits > 0 {
		c.FailInits--
		return errors.New("memory chip: init refused")
	}
	c.cfg = cfg
	c.init = true
	c.inits++
	return nil
}

func (c *MemoryChip) Uninit() error {
	if !c.init {
		return nil
	}
	c.init = false
	if c.path != "" {
		if err := ioutil.WriteFile(c.path, c.data, 0644); err != nil {
			return errors.Wrap(err, "failed to write flash image")
		}
	}
	return nil
}

func (c *MemoryChip) fault(op string, address uint32) error {
	if !c.init {
		return errors.New("memory chip: not initialised")
	}
	if c.powerDown {
		return errors.New("memory chip: in deep power-down")
	}
	if c.StuckBusy || c.busyLeft > 0 {
		return errors.Errorf("memory chip: %s while busy", op)
	}
	if c.Fault != nil {
		return c.Fault(op, address)
	}
	return nil
}

func (c *MemoryChip) inRange(address, length uint32) error {
	if uint64(address)+uint64(length) > uint64(len(c.data)) {
		return errors.Errorf("memory chip: address %X+%d out of range", address, length)
	}
	return nil
}

func (c *MemoryChip) Command(opcode byte, tx []byte, rx []byte) error {
	if !c.init {
		return errors.New("memory chip: not initialised")
	}
	if c.powerDown && opcode != OpReleasePowerDown {
		return errors.Errorf("memory chip: command %02X ignored in deep power-down", opcode)
	}

	switch opcode {
	case OpWriteEnable:
		c.wel = true
	case OpWriteDisable:
		c.wel = false
	case OpEnableReset:
		c.resetEn = true
	case OpReset:
		if !c.resetEn {
			return errors.New("memory chip: reset without enable")
		}
		c.resetEn = false
		c.wel = false
	case OpWriteStatus:
		if len(tx) == 2 {
			c.status2 = tx[1]
		}
	case OpReadStatus:
		if len(rx) > 0 {
			rx[0] = c.status()
		}
	case OpReadStatus2:
		if len(rx) > 0 {
			rx[0] = c.status2
		}
	case OpErasePage:
		if len(tx) != 3 {
			return errors.New("memory chip: page erase needs a 24-bit address")
		}
		address := uint32(tx[0])<<16 | uint32(tx[1])<<8 | uint32(tx[2])
		if err := c.fault("erase", address); err != nil {
			return err
		}
		if !c.wel {
			return errors.New("memory chip: erase without write enable")
		}
		address &^= c.unitSize - 1
		if err := c.inRange(address, c.unitSize); err != nil {
			return err
		}
		fill(c.data[address:address+c.unitSize], 0xFF)
		c.finishOp()
		c.erases++
	case OpEraseChip:
		if err := c.fault("erase", 0); err != nil {
			return err
		}
		if !c.wel {
			return errors.New("memory chip: erase without write enable")
		}
		fill(c.data, 0xFF)
		c.finishOp()
		c.erases++
	case OpPowerDown:
		c.powerDown = true
	case OpReleasePowerDown:
		c.powerDown = false
	default:
		return errors.Errorf("memory chip: unsupported command %02X", opcode)
	}
	return nil
}

func (c *MemoryChip) Read(address uint32, buf []byte) error {
	if err := c.fault("read", address); err != nil {
		return err
	}
	if err := c.inRange(address, uint32(len(buf))); err != nil {
		return err
	}
	copy(buf, c.data[address:])
	c.reads++
	return nil
}

func (c *MemoryChip) Write(address uint32, data []byte) error {
	if err := c.fault("write", address); err != nil {
		return err
	}
	if !c.wel {
		return errors.New("memory chip: program without write enable")
	}
	if err := c.inRange(address, uint32(len(data))); err != nil {
		return err
	}
	if len(data) > 0 && address/programPageSize != (address+uint32(len(data))-1)/programPageSize {
		return errors.Errorf("memory chip: program at %X crosses a page boundary", address)
	}
	for i, b := range data {
		c.data[address+uint32(i)] &= b
	}
	c.finishOp()
	c.writes++
	return nil
}

func (c *MemoryChip) Busy() (bool, error) {
	if !c.init {
		return false, errors.New("memory chip: not initialised")
	}
	busy := c.status()&StatusBusy != 0
	if c.busyLeft > 0 {
		c.busyLeft--
	}
	return busy, nil
}

func (c *MemoryChip) status() byte {
	var s byte
	if c.StuckBusy || c.busyLeft > 0 {
		s |= StatusBusy
	}
	if c.wel {
		s |= StatusWriteEnable
	}
	return s
}

func (c *MemoryChip) finishOp() {
	c.wel = false
	c.busyLeft = c.BusyPolls
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
