package vibeflash

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Flash bridge commands. The bridge is a small firmware that sits between a
// host serial port and the NOR chip and executes one transport call per frame.
const (
	bridgeInit    = 0x00
	bridgeUninit  = 0x01
	bridgeCommand = 0x02
	bridgeRead    = 0x03
	bridgeWrite   = 0x04
	bridgeBusy    = 0x05
)

// bridgeSync starts every frame sent to the bridge.
const bridgeSync = 0x55

// bridgeHeaderSize is the size of a frame without sync byte and data.
const bridgeHeaderSize = 9

// maxBridgeData is the largest data block a single frame can carry.
const maxBridgeData = 0xFFFF

// Bridge result codes.
const (
	ResultSuccess      = 0x01
	ResultBusError     = 0xFD
	ResultAddressError = 0xFE
	ResultUnsupported  = 0xFF
)

// GetResponseCodeString returns the string representation of a bridge response code.
func GetResponseCodeString(code int) string {
	switch code {
	case ResultSuccess:
		return "success"
	case ResultUnsupported:
		return "unsupported"
	case ResultAddressError:
		return "address error"
	case ResultBusError:
		return "bus error"
	default:
		return "invalid response code"
	}
}

// Frame represents a flash bridge request.
type Frame struct {
	Command uint8
	// Opcode is the flash instruction for bridgeCommand frames.
	Opcode uint8
	// Address is the flash address. bridgeCommand frames have no address
	// and carry the number of response bytes to clock in here instead.
	Address uint32
	Length  uint16
	Data    []byte
	// Response length, excluding the success code.
	responseLength int
}

// GetBytes returns a byte slice containing the data for the frame:
// command, length (LE16), opcode, a reserved byte, address (LE32), data.
// For bridgeCommand frames the address word holds the response length.
func (f Frame) GetBytes() []byte {
	if len(f.Data) > 0 {
		f.Length = uint16(len(f.Data))
	}
	b := make([]byte, bridgeHeaderSize, bridgeHeaderSize+len(f.Data))
	b[0] = f.Command
	binary.LittleEndian.PutUint16(b[1:], f.Length)
	b[3] = f.Opcode
	binary.LittleEndian.PutUint32(b[5:], f.Address)
	return append(b, f.Data...)
}

// GetResponseLength returns the expected number of response bytes.
func (f Frame) GetResponseLength() int {
	return f.responseLength
}

// NewInitFrame returns the frame that configures the bridge's flash interface.
func NewInitFrame(cfg TransportConfig) Frame {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data, cfg.ClockHz)
	data[4] = byte(cfg.IOWidth)
	data[5] = byte(cfg.AddressWidth)
	data[6] = cfg.ReadOpcode
	data[7] = cfg.WriteOpcode
	return Frame{Command: bridgeInit, Data: data}
}

// NewUninitFrame returns the frame that releases the bridge's flash interface.
func NewUninitFrame() Frame {
	return Frame{Command: bridgeUninit}
}

// NewCommandFrame returns a frame carrying a single flash instruction.
func NewCommandFrame(opcode byte, tx []byte, rxLength int) Frame {
	return Frame{
		Command:        bridgeCommand,
		Opcode:         opcode,
		Address:        uint32(rxLength),
		Data:           tx,
		responseLength: rxLength,
	}
}

// NewReadFrame returns the frame that reads length bytes at address.
func NewReadFrame(address uint32, length uint16) Frame {
	return Frame{
		Command:        bridgeRead,
		Address:        address,
		Length:         length,
		responseLength: int(length),
	}
}

// NewWriteFrame returns the frame that programs data at address.
func NewWriteFrame(address uint32, data []byte) Frame {
	return Frame{
		Command: bridgeWrite,
		Address: address,
		Data:    data,
	}
}

// NewBusyFrame returns the frame that polls the chip's busy bit.
func NewBusyFrame() Frame {
	return Frame{
		Command:        bridgeBusy,
		responseLength: 1,
	}
}

// ParseBusyResponse parses the response of a busy poll.
func ParseBusyResponse(data []byte) (bool, error) {
	if len(data) != 1 {
		return false, errors.New("invalid response length")
	}
	return data[0]&StatusBusy != 0, nil
}
