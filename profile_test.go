package vibeflash

import (
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultProfileValid(t *testing.T) {
	p := DefaultProfile()
	if err := p.Validate(); err != nil {
		t.Fatal(err)
	}
	if p.Layout.ImageBudget() != 0xAD000 {
		t.Errorf("image budget %X", p.Layout.ImageBudget())
	}
	if err := testProfile().Validate(); err != nil {
		t.Fatalf("test profile: %v", err)
	}
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile([]byte(`
layout:
  logunits: 16
  append: 0xE0000
transport:
  polllimit: 500
  iowidth: 1
`))
	if err != nil {
		t.Fatal(err)
	}
	def := DefaultProfile()
	if p.Layout.LogUnits != 16 || p.Layout.AppEnd != 0xE0000 {
		t.Errorf("layout overrides not applied: %+v", p.Layout)
	}
	if p.Layout.UnitSize != def.Layout.UnitSize || p.Layout.ImageAddress != def.Layout.ImageAddress {
		t.Errorf("defaults lost: %+v", p.Layout)
	}
	if p.Transport.PollLimit != 500 || p.Transport.IOWidth != 1 {
		t.Errorf("transport overrides not applied: %+v", p.Transport)
	}
	if p.Transport.ReadOpcode != OpQuadRead {
		t.Errorf("read opcode %02X", p.Transport.ReadOpcode)
	}
}

func TestParseProfileRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"syntax", "layout: [", "failed to parse profile"},
		{"unit size", "layout:\n  unitsize: 300\n", "invalid unit size"},
		{"unit below settings", "layout:\n  unitsize: 32\n  unitcount: 65536\n", "cannot hold"},
		{"log start wraps", "layout:\n  logstart: 4294967295\n  logunits: 2\n", "exceed unit count"},
		{"short log", "layout:\n  logunits: 1\n", "at least 2 units"},
		{"metadata alignment", "layout:\n  metadataaddress: 0x1FFF10\n", "not unit aligned"},
		{"app range", "layout:\n  appstart: 0xF0000\n", "must be above start"},
		{"overlap", "layout:\n  imageaddress: 0x80000\n", "overlaps"},
		{"too big", "layout:\n  unitcount: 0x20000\n", "32-bit addressing"},
		{"past end", "layout:\n  metadataaddress: 0x200000\n", "exceeds flash size"},
	}
	for _, test := range tests {
		_, err := ParseProfile([]byte(test.yaml))
		if err == nil {
			t.Errorf("%v: accepted", test.name)
			continue
		}
		if !strings.Contains(err.Error(), test.want) {
			t.Errorf("%v: got %q, want %q", test.name, err, test.want)
		}
	}
}

func TestLoadProfile(t *testing.T) {
	name := filepath.Join(t.TempDir(), "board.yaml")
	if err := ioutil.WriteFile(name, []byte("layout:\n  logunits: 32\n"), 0644); err != nil {
		t.Fatal(err)
	}
	p, err := LoadProfile(name)
	if err != nil {
		t.Fatal(err)
	}
	if p.Layout.LogUnits != 32 {
		t.Errorf("log units %v", p.Layout.LogUnits)
	}

	if _, err := LoadProfile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file accepted")
	}
}
