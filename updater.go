package vibeflash

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// State is a step of the update protocol.
type State int

// Update protocol states, in order.
const (
	CheckMetadata State = iota
	ValidateCrc
	CopyImage
	InvalidateMetadata
	JumpToApp
)

func (s State) String() string {
	switch s {
	case CheckMetadata:
		return "check metadata"
	case ValidateCrc:
		return "validate crc"
	case CopyImage:
		return "copy image"
	case InvalidateMetadata:
		return "invalidate metadata"
	case JumpToApp:
		return "jump to app"
	default:
		return "invalid state"
	}
}

// Outcome is how an update attempt ended. Every outcome boots the
// application that is in program flash afterwards.
type Outcome int

// Update outcomes.
const (
	Updated Outcome = iota
	InitFailed
	NoMetadata
	BadMagic
	WrongType
	TooLarge
	CrcMismatch
	CopyFailed
)

func (o Outcome) String() string {
	switch o {
	case Updated:
		return "updated"
	case InitFailed:
		return "flash init failed"
	case NoMetadata:
		return "no metadata"
	case BadMagic:
		return "bad magic"
	case WrongType:
		return "no update requested"
	case TooLarge:
		return "image too large"
	case CrcMismatch:
		return "crc mismatch"
	case CopyFailed:
		return "copy failed"
	default:
		return "invalid outcome"
	}
}

// Report describes a finished update attempt.
type Report struct {
	Outcome  Outcome
	Metadata Metadata
	// States lists the states entered, ending with JumpToApp.
	States []State
	// Err is the error behind a failed outcome, or a failure to invalidate
	// the metadata after a successful copy.
	Err error
}

// Updater is the boot-time update protocol. It checks the metadata record in
// external flash, validates the staged image against its CRC, copies it into
// program flash, erases the metadata so the update is applied only once and
// finally starts the application.
//
// The protocol fails open: whatever goes wrong, the application currently in
// program flash is started, and an image that failed validation is never
// copied.
type Updater struct {
	dev       *Device
	layout    Layout
	nvm       NVM
	core      Core
	pollLimit int
}

// NewUpdater creates an updater for the given profile.
func NewUpdater(dev *Device, p Profile, nvm NVM, core Core) *Updater {
	u := &Updater{
		dev:       dev,
		layout:    p.Layout,
		nvm:       nvm,
		core:      core,
		pollLimit: p.Transport.PollLimit,
	}
	if u.pollLimit <= 0 {
		u.pollLimit = DefaultTransportConfig().PollLimit
	}
	return u
}

// Run performs the update protocol and jumps to the application. On hardware
// it does not return; with a Core that returns from Branch, the report of the
// attempt is returned.
func (u *Updater) Run() Report {
	pkgLog.Infof("updater started")
	r := u.update()
	if r.Outcome == Updated {
		pkgLog.Infof("firmware updated to %v", r.Metadata)
	} else {
		pkgLog.Warnf("update skipped: %v: %v", r.Outcome, r.Err)
	}

	if err := u.dev.Close(); err != nil {
		pkgLog.Warnf("failed to close flash: %v", err)
	}
	r.States = append(r.States, JumpToApp)
	pkgLog.Infof("jumping to app at %X", u.layout.AppStart)
	u.jumpToApp()
	return r
}

func (u *Updater) update() Report {
	var r Report
	enter := func(s State) {
		pkgLog.Debugf("updater: %v", s)
		r.States = append(r.States, s)
	}
	fail := func(o Outcome, err error) Report {
		r.Outcome, r.Err = o, err
		return r
	}

	if err := u.dev.Open(); err != nil {
		return fail(InitFailed, err)
	}

	enter(CheckMetadata)
	m, err := ReadMetadata(u.dev, u.layout)
	if err != nil {
		return fail(NoMetadata, err)
	}
	r.Metadata = m
	if m.Magic != MetadataMagic {
		return fail(BadMagic, &IntegrityError{What: "metadata", Reason: fmt.Sprintf("bad magic %08X", m.Magic)})
	}
	if m.Type != TypeApp {
		return fail(WrongType, fmt.Errorf("image type %v (%v)", m.Type, GetTypeString(m.Type)))
	}

	enter(ValidateCrc)
	if m.Size > u.layout.ImageBudget() {
		return fail(TooLarge, &BoundsError{What: "firmware image", Size: m.Size, Limit: u.layout.ImageBudget()})
	}
	crc, err := u.dev.CRC32(u.layout.ImageAddress, m.Size)
	if err != nil {
		return fail(CrcMismatch, errors.Wrap(err, "failed to read staged image"))
	}
	if crc != m.CRC32 {
		return fail(CrcMismatch, &IntegrityError{What: "firmware image", Reason: fmt.Sprintf("crc %08X, expected %08X", crc, m.CRC32)})
	}

	enter(CopyImage)
	if err := u.copyImage(m); err != nil {
		return fail(CopyFailed, err)
	}

	enter(InvalidateMetadata)
	if err := u.dev.EraseUnit(u.layout.MetadataAddress / u.dev.UnitSize()); err != nil {
		r.Err = errors.Wrap(err, "failed to invalidate metadata")
		pkgLog.Warnf("%v", r.Err)
	}
	r.Outcome = Updated
	return r
}

func (u *Updater) waitNVM() error {
	for i := 0; i < u.pollLimit; i++ {
		if u.nvm.Ready() {
			return nil
		}
	}
	return errors.Wrapf(ErrTimeout, "program flash busy after %v polls", u.pollLimit)
}

func (u *Updater) setMode(mode NVMMode) error {
	u.nvm.SetMode(mode)
	return u.waitNVM()
}

// copyImage copies the staged image word by word into program flash, erasing
// each page as the first word of it is reached. A trailing partial word is
// padded with the erased value.
func (u *Updater) copyImage(m Metadata) error {
	pkgLog.Infof("flashing firmware v%v (%v bytes)", m.Version, m.Size)
	defer u.nvm.SetMode(NVMRead)

	var word [4]byte
	for offset := uint32(0); offset < m.Size; offset += 4 {
		n := m.Size - offset
		if n > 4 {
			n = 4
		}
		fill(word[:], 0xFF)
		src := u.layout.ImageAddress + offset
		if err := u.dev.Read(src, word[:n]); err != nil {
			return errors.Wrapf(err, "failed to read image at %X", src)
		}

		dest := u.layout.AppStart + offset
		if dest%u.layout.ProgramPageSize == 0 {
			pkgLog.Debugf("erasing program page at %X", dest)
			if err := u.setMode(NVMErase); err != nil {
				return err
			}
			u.nvm.ErasePage(dest)
			if err := u.waitNVM(); err != nil {
				return errors.Wrapf(err, "erase of page %X", dest)
			}
		}

		if err := u.setMode(NVMWrite); err != nil {
			return err
		}
		u.nvm.WriteWord(dest, binary.LittleEndian.Uint32(word[:]))
		if err := u.waitNVM(); err != nil {
			return errors.Wrapf(err, "write at %X", dest)
		}
	}

	pkgLog.Infof("flashing complete")
	return nil
}

// jumpToApp hands the CPU over to the application whose vector table sits at
// AppStart.
func (u *Updater) jumpToApp() {
	sp := u.nvm.ReadWord(u.layout.AppStart)
	entry := u.nvm.ReadWord(u.layout.AppStart + 4)

	u.core.SetMSP(sp)
	u.core.DisableIRQ()
	u.core.SetVTOR(u.layout.AppStart)
	u.core.ClearIRQs()
	u.core.StopSysTick()
	u.core.Branch(entry)
}
