package vibeflash

import (
	"bytes"
	"hash/crc32"
	"testing"

	"github.com/pkg/errors"
)

// testProfile is a small board: 64 units of 256 bytes, an 8 slot log, the
// staged image at unit 16 and the metadata in the last unit.
func testProfile() Profile {
	p := DefaultProfile()
	p.Layout = Layout{
		UnitSize:        256,
		UnitCount:       64,
		LogStart:        0,
		LogUnits:        8,
		MetadataAddress: 63 * 256,
		ImageAddress:    16 * 256,
		AppStart:        0x40000,
		AppEnd:          0x42000,
		ProgramPageSize: 0x400,
	}
	p.Transport.PollLimit = 100
	return p
}

func newTestDevice(t *testing.T) (*Device, *MemoryChip) {
	t.Helper()
	p := testProfile()
	chip := NewMemoryChip(p.Layout.UnitSize, p.Layout.UnitCount)
	dev := NewDevice(chip, p)
	dev.retryDelay = 0
	return dev, chip
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)*7 + seed
	}
	return b
}

func TestCRC32(t *testing.T) {
	dev, _ := newTestDevice(t)

	if err := dev.Write(0, []byte("123456789")); err != nil {
		t.Fatal(err)
	}
	crc, err := dev.CRC32(0, 9)
	if err != nil {
		t.Fatal(err)
	}
	if crc != 0xCBF43926 {
		t.Errorf("check value: got %08X, want CBF43926", crc)
	}

	data := pattern(1000, 3)
	if err := dev.Write(0x300, data); err != nil {
		t.Fatal(err)
	}
	tests := []uint32{0, 1, 63, 64, 65, 1000}
	for _, n := range tests {
		crc, err := dev.CRC32(0x300, n)
		if err != nil {
			t.Fatal(err)
		}
		if want := crc32.ChecksumIEEE(data[:n]); crc != want {
			t.Errorf("crc of %v bytes: got %08X, want %08X", n, crc, want)
		}
	}
}

func TestWriteSplitsPages(t *testing.T) {
	dev, chip := newTestDevice(t)

	data := pattern(600, 1)
	if err := dev.Write(200, data); err != nil {
		t.Fatal(err)
	}
	// 56 bytes to the first boundary, two full pages and 32 bytes.
	if chip.Writes() != 4 {
		t.Errorf("got %v page programs, want 4", chip.Writes())
	}
	if !bytes.Equal(chip.Bytes()[200:800], data) {
		t.Error("written data does not read back")
	}

	buf := make([]byte, 600)
	if err := dev.Read(200, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data) {
		t.Error("Read returned different data")
	}
}

func TestProgramOnlyClearsBits(t *testing.T) {
	dev, chip := newTestDevice(t)

	if err := dev.Write(10, []byte{0x0F}); err != nil {
		t.Fatal(err)
	}
	if err := dev.Write(10, []byte{0xF3}); err != nil {
		t.Fatal(err)
	}
	if got := chip.Bytes()[10]; got != 0x03 {
		t.Errorf("got %02X, want 03", got)
	}

	if err := dev.EraseUnit(0); err != nil {
		t.Fatal(err)
	}
	if got := chip.Bytes()[10]; got != 0xFF {
		t.Errorf("after erase got %02X, want FF", got)
	}
}

func TestEraseRange(t *testing.T) {
	dev, chip := newTestDevice(t)

	if err := dev.Write(0, bytes.Repeat([]byte{0}, 1024)); err != nil {
		t.Fatal(err)
	}
	// Touches units 1 and 2 only.
	if err := dev.EraseRange(300, 300); err != nil {
		t.Fatal(err)
	}
	mem := chip.Bytes()
	for i := 0; i < 1024; i++ {
		want := byte(0)
		if i >= 256 && i < 768 {
			want = 0xFF
		}
		if mem[i] != want {
			t.Fatalf("byte %v: got %02X, want %02X", i, mem[i], want)
		}
	}
	if chip.Erases() != 2 {
		t.Errorf("got %v erases, want 2", chip.Erases())
	}

	if err := dev.EraseAll(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(mem[:1024], bytes.Repeat([]byte{0xFF}, 1024)) {
		t.Error("chip erase left programmed bytes")
	}
}

func TestSleepAndImplicitWake(t *testing.T) {
	dev, chip := newTestDevice(t)

	if err := dev.Sleep(); err != nil {
		t.Fatal(err)
	}
	if err := dev.Sleep(); err != nil {
		t.Fatal(err)
	}
	if !chip.PoweredDown() || dev.State() != DeepSleep {
		t.Fatal("device not in deep power-down")
	}

	buf := make([]byte, 4)
	if err := dev.Read(0, buf); err != nil {
		t.Fatalf("read after sleep: %v", err)
	}
	if chip.PoweredDown() || dev.State() != Active {
		t.Error("read did not wake the device")
	}
	if err := dev.Wake(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenRetriesInit(t *testing.T) {
	dev, chip := newTestDevice(t)
	chip.FailInits = 2

	if err := dev.Open(); err != nil {
		t.Fatalf("open with two failed inits: %v", err)
	}
	if chip.Inits() != 1 {
		t.Errorf("got %v inits, want 1", chip.Inits())
	}
	if err := dev.Open(); err != nil {
		t.Fatal(err)
	}
	if chip.Inits() != 1 {
		t.Error("second open initialised the transport again")
	}
}

func TestOpenFails(t *testing.T) {
	dev, chip := newTestDevice(t)
	chip.FailInits = 6

	err := dev.Open()
	if !errors.Is(err, ErrHardwareInit) {
		t.Fatalf("got %v, want ErrHardwareInit", err)
	}
	if err := dev.Read(0, make([]byte, 1)); !errors.Is(err, ErrHardwareInit) {
		t.Errorf("read on failed device: got %v", err)
	}
}

func TestOpenWakesSleepingChip(t *testing.T) {
	p := testProfile()
	chip := NewMemoryChip(p.Layout.UnitSize, p.Layout.UnitCount)
	first := NewDevice(chip, p)
	if err := first.Sleep(); err != nil {
		t.Fatal(err)
	}
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}

	second := NewDevice(chip, p)
	if err := second.Open(); err != nil {
		t.Fatalf("open of sleeping chip: %v", err)
	}
	if chip.PoweredDown() {
		t.Error("chip still in deep power-down")
	}
}

func TestBusyTimeout(t *testing.T) {
	dev, chip := newTestDevice(t)
	if err := dev.Open(); err != nil {
		t.Fatal(err)
	}
	chip.StuckBusy = true

	err := dev.Read(0, make([]byte, 4))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if err := dev.EraseUnit(0); !errors.Is(err, ErrTimeout) {
		t.Errorf("erase: got %v, want ErrTimeout", err)
	}
}

func TestBusyPolls(t *testing.T) {
	dev, chip := newTestDevice(t)
	chip.BusyPolls = 5

	data := pattern(512, 9)
	if err := dev.Write(0, data); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(data))
	if err := dev.Read(0, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, data) {
		t.Error("data mismatch with a slow chip")
	}
}

func TestIOError(t *testing.T) {
	dev, chip := newTestDevice(t)
	chip.Fault = func(op string, address uint32) error {
		if op == "read" {
			return errors.New("bus fault")
		}
		return nil
	}

	if err := dev.Read(0, make([]byte, 4)); !errors.Is(err, ErrIO) {
		t.Errorf("read: got %v, want ErrIO", err)
	}
	if err := dev.Write(0, []byte{1}); err != nil {
		t.Errorf("write: %v", err)
	}
}

func TestBounds(t *testing.T) {
	dev, _ := newTestDevice(t)

	tests := []struct {
		name string
		run  func() error
	}{
		{"erase unit", func() error { return dev.EraseUnit(64) }},
		{"read", func() error { return dev.Read(dev.Size()-2, make([]byte, 4)) }},
		{"write", func() error { return dev.Write(dev.Size(), []byte{0}) }},
		{"erase range", func() error { return dev.EraseRange(dev.Size()-256, 512) }},
		{"crc", func() error { _, err := dev.CRC32(0, dev.Size()+1); return err }},
	}
	for _, test := range tests {
		var be *BoundsError
		if err := test.run(); !errors.As(err, &be) {
			t.Errorf("%v: got %v, want a BoundsError", test.name, err)
		}
	}
}
