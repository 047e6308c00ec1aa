package vibeflash

// Serial NOR command set (P25Q16H and compatibles).
const (
	OpWriteStatus      = 0x01
	OpPageProgram      = 0x02
	OpRead             = 0x03
	OpWriteDisable     = 0x04
	OpReadStatus       = 0x05
	OpWriteEnable      = 0x06
	OpQuadPageProgram  = 0x32
	OpReadStatus2      = 0x35
	OpEnableReset      = 0x66
	OpQuadRead         = 0x6B
	OpErasePage        = 0x81
	OpReset            = 0x99
	OpReleasePowerDown = 0xAB
	OpPowerDown        = 0xB9
	OpEraseChip        = 0xC7
)

// Status register bits.
const (
	StatusBusy        = 0x01
	StatusWriteEnable = 0x02
)

// TransportConfig is the options table handed to a Transport when it is
// initialised. The log and update logic never look at these values.
type TransportConfig struct {
	// ClockHz is the serial clock frequency.
	ClockHz uint32
	// IOWidth is the number of data lines used for reads and writes (1, 2 or 4).
	IOWidth int
	// AddressWidth is the address size in bits (24 or 32).
	AddressWidth int
	// ReadOpcode and WriteOpcode select the memory access instructions.
	ReadOpcode  byte
	WriteOpcode byte
	// PollLimit bounds every wait-for-ready loop.
	PollLimit int
	// InitRetries is the number of transport init attempts.
	InitRetries int
}

// DefaultTransportConfig returns the configuration used on the sensor board:
// quad I/O at 32 MHz with 24-bit addressing.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		ClockHz:      32000000,
		IOWidth:      4,
		AddressWidth: 24,
		ReadOpcode:   OpQuadRead,
		WriteOpcode:  OpQuadPageProgram,
		PollLimit:    100000,
		InitRetries:  3,
	}
}

// The Transport interface is the hardware adapter underneath a Device.
// Implementations move bytes and nothing else; sequencing (write enable,
// page splitting, ready polling) is done by Device.
type Transport interface {
	Init(cfg TransportConfig) error
	Uninit() error
	// Command sends a single-byte instruction followed by tx, then clocks in
	// len(rx) response bytes.
	Command(opcode byte, tx []byte, rx []byte) error
	Read(address uint32, buf []byte) error
	// Write programs data starting at address. It must not cross a program page.
	Write(address uint32, data []byte) error
	Busy() (bool, error)
}

func addr24(address uint32) []byte {
	return []byte{byte(address >> 16), byte(address >> 8), byte(address)}
}
