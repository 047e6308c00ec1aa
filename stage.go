package vibeflash

import (
	"fmt"
	"hash/crc32"
	"io"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

type progError struct {
	Address uint32
	Err     error
}

func (e *progError) Error() string {
	return fmt.Sprintf("error at %X: %v", e.Address, e.Err)
}

func (e *progError) Unwrap() error { return e.Err }

// LoadHexImage parses an Intel HEX application and returns it as a flat image
// starting at the layout's AppStart. Gaps between segments are filled with
// 0xFF. Data outside [AppStart, AppEnd) is rejected.
func LoadHexImage(r io.Reader, l Layout) ([]byte, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, errors.Wrap(err, "failed to parse hex file")
	}

	validSegment := func(s *gohex.DataSegment) bool {
		return s.Address >= l.AppStart && s.Address+uint32(len(s.Data)) <= l.AppEnd
	}

	segments := mem.GetDataSegments()
	end := l.AppStart
	for _, segment := range segments {
		if !validSegment(&segment) {
			return nil, fmt.Errorf("invalid data segment at address %X", segment.Address)
		}
		if e := segment.Address + uint32(len(segment.Data)); e > end {
			end = e
		}
		pkgLog.Debugf("loaded segment at %X length %v", segment.Address, len(segment.Data))
	}
	if end == l.AppStart {
		return nil, errors.New("hex file holds no application data")
	}

	image := make([]byte, end-l.AppStart)
	fill(image, 0xFF)
	for _, segment := range segments {
		copy(image[segment.Address-l.AppStart:], segment.Data)
	}
	return image, nil
}

func writeChunks(data []byte, address uint32, chunkSize int, writeFunc func(uint32, []byte) error) error {
	for offset := 0; offset < len(data); offset += chunkSize {
		chunk := data[offset:]
		if len(chunk) > chunkSize {
			chunk = chunk[:chunkSize]
		}
		addr := address + uint32(offset)
		if err := writeFunc(addr, chunk); err != nil {
			return &progError{Address: addr, Err: err}
		}
	}
	return nil
}

// StageImage writes an application image and its metadata into external
// flash, where the updater will pick it up on the next boot. The image is
// verified by reading back its CRC before the metadata is written, so a
// failed staging never leaves valid metadata behind.
func StageImage(dev *Device, l Layout, image []byte, version uint32) (Metadata, error) {
	size := uint32(len(image))
	if size > l.ImageBudget() {
		return Metadata{}, &BoundsError{What: "firmware image", Size: size, Limit: l.ImageBudget()}
	}
	m := Metadata{
		Type:    TypeApp,
		Magic:   MetadataMagic,
		Version: version,
		Size:    size,
		CRC32:   crc32.ChecksumIEEE(image),
	}

	// Drop any previous metadata first: from here on the staged region is in flux.
	metaUnit := l.MetadataAddress / dev.UnitSize()
	if err := dev.EraseUnit(metaUnit); err != nil {
		return Metadata{}, errors.Wrap(err, "failed to erase metadata")
	}

	pkgLog.Infof("staging %v bytes at %X", size, l.ImageAddress)
	if err := dev.EraseRange(l.ImageAddress, size); err != nil {
		return Metadata{}, errors.Wrap(err, "failed to erase staging area")
	}
	if err := writeChunks(image, l.ImageAddress, int(dev.UnitSize()), dev.Write); err != nil {
		pe := err.(*progError)
		return Metadata{}, errors.Wrapf(pe.Err, "failed to write image at %X", pe.Address)
	}

	crc, err := dev.CRC32(l.ImageAddress, size)
	if err != nil {
		return Metadata{}, errors.Wrap(err, "failed to verify staged image")
	}
	if crc != m.CRC32 {
		return Metadata{}, &IntegrityError{What: "staged image", Reason: fmt.Sprintf("crc %08X, expected %08X", crc, m.CRC32)}
	}

	if err := dev.Write(l.MetadataAddress, m.GetBytes()); err != nil {
		return Metadata{}, errors.Wrap(err, "failed to write metadata")
	}
	pkgLog.Infof("staged %v", m)
	return m, nil
}
