package vibeflash

import (
	"encoding/binary"
	"fmt"
)

// Firmware metadata constants.
const (
	// MetadataMagic marks a valid metadata record.
	MetadataMagic = 0xBEEFCAFE
	// MetadataSize is the encoded size of a metadata record.
	MetadataSize = 32

	// TypeApp marks a staged application image.
	TypeApp = 6587
	// TypeUpdater marks a staged updater image.
	TypeUpdater = 3427
)

// Metadata describes a firmware image staged in external flash. It is
// encoded as 8 little-endian 32-bit words:
//
//	0  type
//	4  magic
//	8  version
//	12 size
//	16 crc32
//	20 reserved[3]
type Metadata struct {
	Type     uint32
	Magic    uint32
	Version  uint32
	Size     uint32
	CRC32    uint32
	Reserved [3]uint32
}

// GetTypeString returns the name of a metadata image type.
func GetTypeString(t uint32) string {
	switch t {
	case TypeApp:
		return "application"
	case TypeUpdater:
		return "updater"
	default:
		return "unknown"
	}
}

func (m Metadata) String() string {
	return fmt.Sprintf("%s v%d, %d bytes, crc %08X", GetTypeString(m.Type), m.Version, m.Size, m.CRC32)
}

// GetBytes returns the encoded metadata record.
func (m Metadata) GetBytes() []byte {
	b := make([]byte, MetadataSize)
	binary.LittleEndian.PutUint32(b[0:], m.Type)
	binary.LittleEndian.PutUint32(b[4:], m.Magic)
	binary.LittleEndian.PutUint32(b[8:], m.Version)
	binary.LittleEndian.PutUint32(b[12:], m.Size)
	binary.LittleEndian.PutUint32(b[16:], m.CRC32)
	for i, r := range m.Reserved {
		binary.LittleEndian.PutUint32(b[20+4*i:], r)
	}
	return b
}

// ParseMetadata decodes a metadata record without judging its contents.
func ParseMetadata(data []byte) (Metadata, error) {
	if len(data) != MetadataSize {
		return Metadata{}, &BoundsError{What: "metadata record", Size: uint32(len(data)), Limit: MetadataSize}
	}
	m := Metadata{
		Type:    binary.LittleEndian.Uint32(data[0:]),
		Magic:   binary.LittleEndian.Uint32(data[4:]),
		Version: binary.LittleEndian.Uint32(data[8:]),
		Size:    binary.LittleEndian.Uint32(data[12:]),
		CRC32:   binary.LittleEndian.Uint32(data[16:]),
	}
	for i := range m.Reserved {
		m.Reserved[i] = binary.LittleEndian.Uint32(data[20+4*i:])
	}
	return m, nil
}

// ReadMetadata reads the metadata record at the layout's metadata address.
func ReadMetadata(dev *Device, l Layout) (Metadata, error) {
	b := make([]byte, MetadataSize)
	if err := dev.Read(l.MetadataAddress, b); err != nil {
		return Metadata{}, err
	}
	return ParseMetadata(b)
}
