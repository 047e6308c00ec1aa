// Package vibeflash implements the flash-backed persistence and boot-update
// subsystem of a battery powered vibration sensor.
//
// The package is built in layers. Device drives a serial NOR flash chip through
// a hardware Transport. Log is a wear-leveling ring of erase units on top of a
// Device, recovered at start-up with a binary search over the slot counters.
// Store keeps the calibration Settings in the Log behind a magic and checksum
// envelope, falling back to the previous slot and then to defaults. Updater is
// the boot-time state machine that copies a staged application image from
// external flash into program flash and jumps to it.
//
// Also included is a command line tool, found in the cmd/vibeflash directory,
// that stages HEX images, inspects the log and runs the updater against
// file-backed flash images.
package vibeflash

import (
	"hash/crc32"
	"time"

	"github.com/pkg/errors"
)

// programPageSize is the largest chunk a single page program may cover.
const programPageSize = 256

// crcChunkSize is the size of the buffer CRC32 streams through.
const crcChunkSize = 64

// PowerState is the power mode of the flash chip.
type PowerState int

// Power states.
const (
	Active PowerState = iota
	DeepSleep
)

func (s PowerState) String() string {
	switch s {
	case Active:
		return "active"
	case DeepSleep:
		return "deep sleep"
	default:
		return "invalid power state"
	}
}

// Device is a serial NOR flash chip. It owns no policy: callers decide what to
// erase and where to write.
//
// Every operation opens the device on demand, and every operation other than
// Sleep and Wake leaves deep power-down first. There is no internal locking;
// a Device must only be used by one caller at a time.
type Device struct {
	transport   Transport
	cfg         TransportConfig
	unitSize    uint32
	unitCount   uint32
	transportUp bool
	open        bool
	state       PowerState
	retryDelay  time.Duration
}

// NewDevice creates a device on top of the given transport. Geometry comes
// from the profile's layout, the transport options from its transport section.
func NewDevice(t Transport, p Profile) *Device {
	d := &Device{
		transport:  t,
		cfg:        p.Transport,
		unitSize:   p.Layout.UnitSize,
		unitCount:  p.Layout.UnitCount,
		retryDelay: 100 * time.Millisecond,
	}
	if d.cfg.PollLimit <= 0 {
		d.cfg.PollLimit = DefaultTransportConfig().PollLimit
	}
	if d.cfg.InitRetries <= 0 {
		d.cfg.InitRetries = DefaultTransportConfig().InitRetries
	}
	return d
}

// UnitSize returns the erase unit size in bytes.
func (d *Device) UnitSize() uint32 { return d.unitSize }

// UnitCount returns the number of erase units.
func (d *Device) UnitCount() uint32 { return d.unitCount }

// Size returns the chip capacity in bytes.
func (d *Device) Size() uint32 { return d.unitSize * d.unitCount }

// State returns the current power state.
func (d *Device) State() PowerState { return d.state }

func (d *Device) startTransport() error {
	if d.transportUp {
		return nil
	}
	var err error
	for attempt := 1; attempt <= d.cfg.InitRetries; attempt++ {
		if err = d.transport.Init(d.cfg); err == nil {
			d.transportUp = true
			pkgLog.Debugf("flash transport initialised")
			return nil
		}
		pkgLog.Warnf("flash transport init attempt %v failed: %v", attempt, err)
		if attempt < d.cfg.InitRetries {
			time.Sleep(d.retryDelay)
		}
	}
	return errors.Wrapf(ErrHardwareInit, "after %v attempts: %v", d.cfg.InitRetries, err)
}

// Open initialises the transport and resets the chip into quad mode.
// Opening an open device only wakes it.
func (d *Device) Open() error {
	if err := d.startTransport(); err != nil {
		return err
	}
	if !d.open {
		// A previous owner may have left the chip in deep power-down.
		d.state = DeepSleep
	}
	if err := d.Wake(); err != nil {
		return err
	}
	if d.open {
		return nil
	}

	steps := []struct {
		name   string
		opcode byte
		tx     []byte
	}{
		{"reset enable", OpEnableReset, nil},
		{"reset", OpReset, nil},
		{"quad enable", OpWriteStatus, []byte{0x00, 0x02}},
	}
	for _, s := range steps {
		if err := d.waitReady(); err != nil {
			return err
		}
		if err := d.transport.Command(s.opcode, s.tx, nil); err != nil {
			return ioErrorf("chip init %s failed: %v", s.name, err)
		}
	}
	if err := d.waitReady(); err != nil {
		return err
	}
	d.open = true
	pkgLog.Infof("flash initialised: %v units of %v bytes", d.unitCount, d.unitSize)
	return nil
}

// Close releases the transport. The chip keeps its power state.
func (d *Device) Close() error {
	d.open = false
	if !d.transportUp {
		return nil
	}
	d.transportUp = false
	if err := d.transport.Uninit(); err != nil {
		return errors.Wrap(err, "failed to release flash transport")
	}
	return nil
}

// Sleep puts the chip into deep power-down.
func (d *Device) Sleep() error {
	if d.state == DeepSleep {
		return nil
	}
	if err := d.startTransport(); err != nil {
		return err
	}
	if err := d.waitReady(); err != nil {
		return err
	}
	if err := d.transport.Command(OpPowerDown, nil, nil); err != nil {
		return ioErrorf("power down failed: %v", err)
	}
	d.state = DeepSleep
	pkgLog.Debugf("flash sleep")
	return nil
}

// Wake releases the chip from deep power-down.
func (d *Device) Wake() error {
	if d.state == Active {
		return nil
	}
	if err := d.startTransport(); err != nil {
		return err
	}
	if err := d.transport.Command(OpReleasePowerDown, nil, nil); err != nil {
		return ioErrorf("release power down failed: %v", err)
	}
	d.state = Active
	pkgLog.Debugf("flash wake")
	return nil
}

// waitReady polls the busy bit at most PollLimit times.
func (d *Device) waitReady() error {
	for i := 0; i < d.cfg.PollLimit; i++ {
		busy, err := d.transport.Busy()
		if err != nil {
			return ioErrorf("status poll failed: %v", err)
		}
		if !busy {
			return nil
		}
	}
	return errors.Wrapf(ErrTimeout, "flash busy after %v polls", d.cfg.PollLimit)
}

func (d *Device) checkRange(what string, address uint32, length int) error {
	if uint64(address)+uint64(length) > uint64(d.Size()) {
		return &BoundsError{What: what, Size: address + uint32(length), Limit: d.Size()}
	}
	return nil
}

// Read fills buf from the given address.
func (d *Device) Read(address uint32, buf []byte) error {
	if err := d.checkRange("read", address, len(buf)); err != nil {
		return err
	}
	if err := d.Open(); err != nil {
		return err
	}
	if err := d.waitReady(); err != nil {
		return err
	}
	if err := d.transport.Read(address, buf); err != nil {
		return ioErrorf("read at %X failed: %v", address, err)
	}
	return nil
}

// Write programs data at the given address, one program page at a time.
// The target must have been erased beforehand.
func (d *Device) Write(address uint32, data []byte) error {
	if err := d.checkRange("write", address, len(data)); err != nil {
		return err
	}
	if err := d.Open(); err != nil {
		return err
	}
	for len(data) > 0 {
		leftOnPage := programPageSize - address%programPageSize
		chunk := data
		if uint32(len(chunk)) > leftOnPage {
			chunk = data[:leftOnPage]
		}
		if err := d.writeEnable(); err != nil {
			return err
		}
		if err := d.transport.Write(address, chunk); err != nil {
			return ioErrorf("write at %X failed: %v", address, err)
		}
		address += uint32(len(chunk))
		data = data[len(chunk):]
	}
	return nil
}

func (d *Device) writeEnable() error {
	if err := d.waitReady(); err != nil {
		return err
	}
	if err := d.transport.Command(OpWriteEnable, nil, nil); err != nil {
		return ioErrorf("write enable failed: %v", err)
	}
	return nil
}

// EraseUnit erases a single erase unit.
func (d *Device) EraseUnit(index uint32) error {
	if index >= d.unitCount {
		return &BoundsError{What: "erase unit index", Size: index, Limit: d.unitCount - 1}
	}
	if err := d.Open(); err != nil {
		return err
	}
	if err := d.writeEnable(); err != nil {
		return err
	}
	if err := d.transport.Command(OpErasePage, addr24(index*d.unitSize), nil); err != nil {
		return ioErrorf("erase of unit %v failed: %v", index, err)
	}
	return nil
}

// EraseRange erases every unit overlapping [address, address+length).
func (d *Device) EraseRange(address, length uint32) error {
	if length == 0 {
		return nil
	}
	if err := d.checkRange("erase", address, int(length)); err != nil {
		return err
	}
	last := (address + length - 1) / d.unitSize
	for u := address / d.unitSize; u <= last; u++ {
		if err := d.EraseUnit(u); err != nil {
			return err
		}
	}
	return nil
}

// EraseAll erases the whole chip.
func (d *Device) EraseAll() error {
	if err := d.Open(); err != nil {
		return err
	}
	if err := d.writeEnable(); err != nil {
		return err
	}
	if err := d.transport.Command(OpEraseChip, nil, nil); err != nil {
		return ioErrorf("chip erase failed: %v", err)
	}
	return d.waitReady()
}

// CRC32 returns the CRC-32/ISO-HDLC of length bytes starting at address. The
// range is streamed through a small buffer rather than read in one go.
func (d *Device) CRC32(address, length uint32) (uint32, error) {
	if err := d.checkRange("crc", address, int(length)); err != nil {
		return 0, err
	}
	var buf [crcChunkSize]byte
	var crc uint32
	for length > 0 {
		n := uint32(len(buf))
		if length < n {
			n = length
		}
		if err := d.Read(address, buf[:n]); err != nil {
			return 0, err
		}
		crc = crc32.Update(crc, crc32.IEEETable, buf[:n])
		address += n
		length -= n
	}
	return crc, nil
}
