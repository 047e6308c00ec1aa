package vibeflash

import (
	"fmt"
	"io/ioutil"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Layout is the address map shared by the updater, the application and the
// staging tool. External flash addresses are byte offsets into the NOR chip;
// AppStart and AppEnd are program flash addresses.
type Layout struct {
	// External flash geometry.
	UnitSize  uint32
	UnitCount uint32
	// The wear-leveling log occupies units [LogStart, LogStart+LogUnits).
	LogStart uint32
	LogUnits uint32
	// MetadataAddress is the unit holding the firmware metadata record.
	MetadataAddress uint32
	// ImageAddress is where a staged application image begins.
	ImageAddress uint32
	// AppStart and AppEnd bound the application in program flash.
	AppStart uint32
	AppEnd   uint32
	// ProgramPageSize is the program flash erase page size.
	ProgramPageSize uint32
}

// ImageBudget returns the largest application image that fits in program flash.
func (l Layout) ImageBudget() uint32 {
	return l.AppEnd - l.AppStart
}

// Profile holds everything needed to talk to a board: its address map and
// the options for the flash transport.
type Profile struct {
	Layout    Layout
	Transport TransportConfig
}

// DefaultProfile returns the profile of the sensor board: a 2 MiB P25Q16H
// with 256 byte pages, the log in the first MiB, the staged image in the
// second MiB and the metadata record in the last page.
func DefaultProfile() Profile {
	return Profile{
		Layout: Layout{
			UnitSize:        0x100,
			UnitCount:       0x2000,
			LogStart:        0,
			LogUnits:        0x1000,
			MetadataAddress: 0x1FFF00,
			ImageAddress:    0x100000,
			AppStart:        0x40000,
			AppEnd:          0xED000,
			ProgramPageSize: 0x1000,
		},
		Transport: DefaultTransportConfig(),
	}
}

// LoadProfile reads a YAML profile. Fields missing from the file keep their
// DefaultProfile values.
func LoadProfile(fileName string) (Profile, error) {
	b, err := ioutil.ReadFile(fileName)
	if err != nil {
		return Profile{}, errors.Wrap(err, "failed to read profile")
	}
	return ParseProfile(b)
}

// ParseProfile parses a YAML profile on top of DefaultProfile and validates it.
func ParseProfile(data []byte) (Profile, error) {
	p := DefaultProfile()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, errors.Wrap(err, "failed to parse profile")
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func isPow2(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}

type region struct {
	name       string
	start, end uint64
}

// Validate checks that the layout is self-consistent.
func (p Profile) Validate() error {
	l := p.Layout
	switch {
	case !isPow2(l.UnitSize) || l.UnitSize < 8:
		return fmt.Errorf("invalid unit size %v: must be a power of two of at least 8", l.UnitSize)
	case l.UnitSize < SettingsSize+counterSize:
		return fmt.Errorf("unit size %v cannot hold a %v byte settings record and its counter", l.UnitSize, SettingsSize)
	case l.UnitCount == 0:
		return errors.New("unit count must not be zero")
	case uint64(l.UnitSize)*uint64(l.UnitCount) > 1<<24:
		return errors.New("flash larger than 16 MiB needs 32-bit addressing")
	case l.LogUnits < 2:
		return fmt.Errorf("log needs at least 2 units, has %v", l.LogUnits)
	case uint64(l.LogStart)+uint64(l.LogUnits) > uint64(l.UnitCount):
		return fmt.Errorf("log units %v..%v exceed unit count %v", l.LogStart, uint64(l.LogStart)+uint64(l.LogUnits), l.UnitCount)
	case l.MetadataAddress%l.UnitSize != 0:
		return fmt.Errorf("metadata address %X is not unit aligned", l.MetadataAddress)
	case l.ImageAddress%l.UnitSize != 0:
		return fmt.Errorf("image address %X is not unit aligned", l.ImageAddress)
	case l.AppEnd <= l.AppStart:
		return fmt.Errorf("application end %X must be above start %X", l.AppEnd, l.AppStart)
	case !isPow2(l.ProgramPageSize) || l.ProgramPageSize < 4:
		return fmt.Errorf("invalid program page size %v", l.ProgramPageSize)
	case l.AppStart%l.ProgramPageSize != 0:
		return fmt.Errorf("application start %X is not page aligned", l.AppStart)
	}

	unit := uint64(l.UnitSize)
	size := unit * uint64(l.UnitCount)
	regions := []region{
		{"log", uint64(l.LogStart) * unit, (uint64(l.LogStart) + uint64(l.LogUnits)) * unit},
		{"metadata", uint64(l.MetadataAddress), uint64(l.MetadataAddress) + unit},
		{"image", uint64(l.ImageAddress), uint64(l.ImageAddress) + uint64(l.ImageBudget())},
	}
	for i, a := range regions {
		if a.end > size {
			return fmt.Errorf("%s region %X..%X exceeds flash size %X", a.name, a.start, a.end, size)
		}
		for _, b := range regions[i+1:] {
			if a.start < b.end && b.start < a.end {
				return fmt.Errorf("%s region overlaps %s region", a.name, b.name)
			}
		}
	}
	return nil
}
