package vibeflash

import (
	"bytes"
	"hash/crc32"
	"strings"
	"testing"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
)

const sparseHex = `:020000040004F6
:0400000001020304F2
:020008000506EB
:00000001FF
`

func TestLoadHexImage(t *testing.T) {
	l := testProfile().Layout
	image, err := LoadHexImage(strings.NewReader(sparseHex), l)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 2, 3, 4, 0xFF, 0xFF, 0xFF, 0xFF, 5, 6}
	if !bytes.Equal(image, want) {
		t.Errorf("got % X, want % X", image, want)
	}
}

func TestLoadHexImageRejects(t *testing.T) {
	l := testProfile().Layout
	tests := []struct {
		name string
		hex  string
	}{
		{"below app", ":0400000001020304F2\n:00000001FF\n"},
		{"empty", ":00000001FF\n"},
		{"malformed", ":0400000001020304F3\n:00000001FF\n"},
	}
	for _, test := range tests {
		if _, err := LoadHexImage(strings.NewReader(test.hex), l); err == nil {
			t.Errorf("%v: accepted", test.name)
		}
	}

	mem := gohex.NewMemory()
	if err := mem.AddBinary(l.AppEnd-2, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	buf := new(bytes.Buffer)
	if err := mem.DumpIntelHex(buf, 16); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadHexImage(buf, l); err == nil {
		t.Error("data past the application end accepted")
	}
}

func TestStageAndUpdate(t *testing.T) {
	f := newUpdaterFixture(t)
	l := f.profile.Layout
	app := appImage(2500)

	mem := gohex.NewMemory()
	if err := mem.AddBinary(l.AppStart, app); err != nil {
		t.Fatal(err)
	}
	buf := new(bytes.Buffer)
	if err := mem.DumpIntelHex(buf, 32); err != nil {
		t.Fatal(err)
	}
	image, err := LoadHexImage(buf, l)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(image, app) {
		t.Fatal("hex round trip changed the image")
	}

	m, err := StageImage(f.dev, l, image, 5)
	if err != nil {
		t.Fatal(err)
	}
	if m.Size != 2500 || m.Version != 5 || m.CRC32 != crc32.ChecksumIEEE(app) || m.Type != TypeApp {
		t.Errorf("staged %+v", m)
	}
	read, err := ReadMetadata(f.dev, l)
	if err != nil {
		t.Fatal(err)
	}
	if read != m {
		t.Errorf("metadata in flash %+v, want %+v", read, m)
	}

	r := f.run()
	if r.Outcome != Updated {
		t.Fatalf("outcome %v: %v", r.Outcome, r.Err)
	}
	if !bytes.Equal(f.nvm.Bytes()[:len(app)], app) {
		t.Error("program flash does not hold the staged application")
	}
	if f.core.Entry != 0x00040101 {
		t.Errorf("jumped to %08X", f.core.Entry)
	}
}

func TestStageImageRejects(t *testing.T) {
	dev, chip := newTestDevice(t)
	l := testProfile().Layout

	var be *BoundsError
	if _, err := StageImage(dev, l, make([]byte, l.ImageBudget()+1), 1); !errors.As(err, &be) {
		t.Errorf("oversized image: got %v, want a BoundsError", err)
	}

	// A failed staging leaves no valid metadata behind.
	old := Metadata{Type: TypeApp, Magic: MetadataMagic, Size: 4}
	if err := dev.Write(l.MetadataAddress, old.GetBytes()); err != nil {
		t.Fatal(err)
	}
	chip.Fault = func(op string, address uint32) error {
		if op == "write" && address >= l.ImageAddress+512 {
			return errors.New("program fault")
		}
		return nil
	}
	if _, err := StageImage(dev, l, pattern(1000, 2), 1); !errors.Is(err, ErrIO) {
		t.Errorf("write fault: got %v, want ErrIO", err)
	}
	chip.Fault = nil
	m, err := ReadMetadata(dev, l)
	if err != nil {
		t.Fatal(err)
	}
	if m.Magic == MetadataMagic {
		t.Error("metadata survived a failed staging")
	}
}
