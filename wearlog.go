package vibeflash

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// counterSize is the size of the counter at the start of every slot.
const counterSize = 4

// emptyCounter is how an erased counter reads back.
const emptyCounter = 0xFFFFFFFF

// Log is a wear-leveling log: a ring of erase units ("slots"), each starting
// with a monotonic 32-bit counter followed by a fixed-size payload. Every
// Append goes to the next slot, so erases are spread over the whole ring.
//
// The current slot is the one holding the largest counter. Its position is
// never stored anywhere; Recover finds it again after a reset.
type Log struct {
	dev       *Device
	start     uint32
	count     uint32
	index     uint32
	counter   uint32
	recovered bool
}

// NewLog creates a log over count units of dev starting at unit start.
func NewLog(dev *Device, start, count uint32) *Log {
	return &Log{
		dev:   dev,
		start: start,
		count: count,
	}
}

// NewLogFromLayout creates the log described by a profile layout.
func NewLogFromLayout(dev *Device, l Layout) *Log {
	return NewLog(dev, l.LogStart, l.LogUnits)
}

// Index returns the current slot index.
func (l *Log) Index() uint32 { return l.index }

// Counter returns the counter of the current slot. Zero means the log is empty.
func (l *Log) Counter() uint32 { return l.counter }

// Slots returns the number of slots in the ring.
func (l *Log) Slots() uint32 { return l.count }

// PayloadLimit returns the largest payload a slot can hold.
func (l *Log) PayloadLimit() uint32 { return l.dev.UnitSize() - counterSize }

func (l *Log) slotAddress(index uint32) uint32 {
	return (l.start + index) * l.dev.UnitSize()
}

func (l *Log) readCounter(index uint32) (uint32, error) {
	var b [counterSize]byte
	if err := l.dev.Read(l.slotAddress(index), b[:]); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(b[:])
	if v == emptyCounter {
		v = 0
	}
	return v, nil
}

// Recover locates the slot with the largest counter.
//
// Counters grow by one per append, so read in slot order they form a sorted
// sequence rotated at the slot written last. The maximum is found by binary
// search: a sub-range whose low end is not above its high end is sorted and
// has its maximum at the high end; otherwise the midpoint tells which half
// holds the rotation point. This takes O(log n) counter reads.
//
// A log with no written slot recovers to index 0, counter 0.
func (l *Log) Recover() error {
	if l.count == 0 {
		return errors.New("log has no slots")
	}
	lo, hi := int64(0), int64(l.count)-1
	var loValue, hiValue, midValue uint32
	var err error

	for lo < hi {
		if loValue, err = l.readCounter(uint32(lo)); err != nil {
			return err
		}
		if hiValue, err = l.readCounter(uint32(hi)); err != nil {
			return err
		}
		pkgLog.Debugf("recover: lo %v (%v) hi %v (%v)", lo, loValue, hi, hiValue)

		if loValue <= hiValue {
			l.set(uint32(hi), hiValue)
			return nil
		}

		mid := (lo + hi) / 2
		if midValue, err = l.readCounter(uint32(mid)); err != nil {
			return err
		}
		if loValue < midValue {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	if l.count == 1 {
		if loValue, err = l.readCounter(0); err != nil {
			return err
		}
	}
	l.set(uint32(lo), loValue)
	return nil
}

func (l *Log) set(index, counter uint32) {
	if counter == 0 {
		index = 0
	}
	l.index, l.counter = index, counter
	l.recovered = true
	pkgLog.Infof("log recovered: slot %v counter %v", l.index, l.counter)
}

func (l *Log) ensureRecovered() error {
	if l.recovered {
		return nil
	}
	return l.Recover()
}

// Append writes payload to the next slot and makes it current. The counter is
// written before the payload, so a torn append leaves a valid-looking counter
// in front of a damaged payload; the layer above has to detect that.
func (l *Log) Append(payload []byte) error {
	if uint32(len(payload)) > l.PayloadLimit() {
		return &BoundsError{What: "log payload", Size: uint32(len(payload)), Limit: l.PayloadLimit()}
	}
	if err := l.ensureRecovered(); err != nil {
		return err
	}

	counter := l.counter + 1
	index := l.index
	if counter > 1 {
		index = (index + 1) % l.count
	}

	if err := l.dev.EraseUnit(l.start + index); err != nil {
		return err
	}
	// The slot is gone from here on, so move the state even if a write fails.
	l.index, l.counter = index, counter

	var b [counterSize]byte
	binary.LittleEndian.PutUint32(b[:], counter)
	address := l.slotAddress(index)
	if err := l.dev.Write(address, b[:]); err != nil {
		return err
	}
	if err := l.dev.Write(address+counterSize, payload); err != nil {
		return err
	}
	pkgLog.Debugf("log append: slot %v counter %v", index, counter)
	return l.dev.Sleep()
}

func (l *Log) readPayload(index uint32, buf []byte) error {
	if uint32(len(buf)) > l.PayloadLimit() {
		return &BoundsError{What: "log payload", Size: uint32(len(buf)), Limit: l.PayloadLimit()}
	}
	if err := l.dev.Read(l.slotAddress(index)+counterSize, buf); err != nil {
		return err
	}
	return l.dev.Sleep()
}

// ReadCurrent reads the payload of the current slot into buf.
func (l *Log) ReadCurrent(buf []byte) error {
	if err := l.ensureRecovered(); err != nil {
		return err
	}
	return l.readPayload(l.index, buf)
}

// ReadPrevious reads the payload of the slot before the current one into buf.
func (l *Log) ReadPrevious(buf []byte) error {
	if err := l.ensureRecovered(); err != nil {
		return err
	}
	return l.readPayload((l.index+l.count-1)%l.count, buf)
}

// Format erases every slot and empties the log.
func (l *Log) Format() error {
	for i := uint32(0); i < l.count; i++ {
		if err := l.dev.EraseUnit(l.start + i); err != nil {
			return err
		}
	}
	l.index, l.counter = 0, 0
	l.recovered = true
	pkgLog.Infof("log formatted: %v slots", l.count)
	return nil
}
