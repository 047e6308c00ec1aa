package vibeflash

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// Settings record envelope.
const (
	// SettingsMagic marks a settings record.
	SettingsMagic = 9654
	// SettingsSize is the encoded size of a settings record.
	SettingsSize = 46
	// BandCount is the number of monitored frequency bands.
	BandCount = 6

	checksumSeed = 71
)

// Settings record field offsets. All multi-byte fields are little-endian.
const (
	offIntegrity    = 0
	offMagic        = 1
	offControl      = 5
	offFilter       = 6
	offGain         = 10
	offTimeConstant = 14
	offAlarm        = 18
	offBands        = 22
)

// Control bits select the accelerometer axes used by the spectral pipeline.
type Control uint8

// Axis enables.
const (
	XEnable Control = 1 << iota
	YEnable
	ZEnable
)

// Settings is the calibration record persisted in the log.
type Settings struct {
	Control Control
	// Filter is the spectrum smoothing factor, 0 to 0.9.
	Filter float32
	// Gain scales raw acceleration.
	Gain float32
	// TimeConstant is the output filter time constant in seconds.
	TimeConstant float32
	// AlarmThreshold is the velocity RMS alarm level in in/s.
	AlarmThreshold float32
	// Bands are the centre frequencies of the monitored bands in Hz.
	Bands [BandCount]float32
}

// DefaultSettings returns the compiled-in calibration: all axes, 0.8
// smoothing and bands derived from the 5500 rpm gearbox train.
func DefaultSettings() Settings {
	const rpm = 5500.0
	reduction := rpm * 22 / 56 * 98 / 66
	return Settings{
		Control:        XEnable | YEnable | ZEnable,
		Filter:         0.8,
		Gain:           1.0,
		TimeConstant:   10.0,
		AlarmThreshold: 0.6,
		Bands: [BandCount]float32{
			float32(reduction * 7 / 41 / 60),
			float32(reduction * 7 / 41 * 2 / 60),
			float32(reduction * 21 / 20 / 60),
			float32(reduction / 60),
			float32(rpm * 22 / 56 / 60),
			float32(rpm / 60),
		},
	}
}

// BandLimits returns the frequency window, ±5 %, of band i.
func (s Settings) BandLimits(i int) (lo, hi float32) {
	return 0.95 * s.Bands[i], 1.05 * s.Bands[i]
}

// GetBytes returns the sealed encoding of the settings: magic and integrity
// byte included.
func (s Settings) GetBytes() []byte {
	b := make([]byte, SettingsSize)
	binary.LittleEndian.PutUint32(b[offMagic:], SettingsMagic)
	b[offControl] = byte(s.Control)
	putFloat(b[offFilter:], s.Filter)
	putFloat(b[offGain:], s.Gain)
	putFloat(b[offTimeConstant:], s.TimeConstant)
	putFloat(b[offAlarm:], s.AlarmThreshold)
	for i, f := range s.Bands {
		putFloat(b[offBands+4*i:], f)
	}
	b[offIntegrity] = settingsChecksum(b)
	return b
}

// ParseSettings decodes and checks a settings record.
func ParseSettings(data []byte) (Settings, error) {
	if len(data) != SettingsSize {
		return Settings{}, &BoundsError{What: "settings record", Size: uint32(len(data)), Limit: SettingsSize}
	}
	if magic := binary.LittleEndian.Uint32(data[offMagic:]); magic != SettingsMagic {
		return Settings{}, &IntegrityError{What: "settings", Reason: fmt.Sprintf("bad magic %v", magic)}
	}
	if sum := settingsChecksum(data); sum != data[offIntegrity] {
		return Settings{}, &IntegrityError{What: "settings", Reason: fmt.Sprintf("checksum %02X, stored %02X", sum, data[offIntegrity])}
	}

	s := Settings{
		Control:        Control(data[offControl]),
		Filter:         getFloat(data[offFilter:]),
		Gain:           getFloat(data[offGain:]),
		TimeConstant:   getFloat(data[offTimeConstant:]),
		AlarmThreshold: getFloat(data[offAlarm:]),
	}
	for i := range s.Bands {
		s.Bands[i] = getFloat(data[offBands+4*i:])
	}
	return s, nil
}

// settingsChecksum folds every byte after the integrity byte into a running
// XOR seeded with a constant. It catches torn and blank records only; it is
// part of the on-flash format and must stay as is.
func settingsChecksum(data []byte) byte {
	sum := byte(checksumSeed)
	for _, b := range data[offIntegrity+1:] {
		sum ^= b
	}
	return sum
}

func putFloat(b []byte, f float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(f))
}

func getFloat(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

// Source tells where Load found its settings.
type Source int

// Load sources.
const (
	FromCurrent Source = iota
	FromPrevious
	FromDefaults
)

func (s Source) String() string {
	switch s {
	case FromCurrent:
		return "current"
	case FromPrevious:
		return "previous"
	case FromDefaults:
		return "defaults"
	default:
		return "invalid source"
	}
}

// Store keeps Settings in a Log.
type Store struct {
	log      *Log
	defaults func() Settings
	current  Settings
}

// NewStore creates a settings store on top of the given log. If defaults is
// nil, DefaultSettings is used.
func NewStore(log *Log, defaults func() Settings) *Store {
	if defaults == nil {
		defaults = DefaultSettings
	}
	return &Store{log: log, defaults: defaults}
}

// Current returns the settings last loaded or saved.
func (s *Store) Current() Settings { return s.current }

// Save seals the settings and appends them to the log.
func (s *Store) Save(settings Settings) error {
	if err := s.log.Append(settings.GetBytes()); err != nil {
		pkgLog.Warnf("save settings failed: %v", err)
		return errors.Wrap(err, "failed to save settings")
	}
	s.current = settings
	pkgLog.Infof("settings saved")
	return nil
}

// Load returns the settings in the current slot. If that record is damaged it
// falls back to the previous slot, and if that is damaged too the defaults are
// saved and returned. Load never fails; errors are logged.
func (s *Store) Load() (Settings, Source) {
	buf := make([]byte, SettingsSize)

	if err := s.log.ReadCurrent(buf); err != nil {
		// The flash itself is not usable, so there is no point writing defaults.
		pkgLog.Warnf("load settings failed: %v", err)
		s.current = s.defaults()
		return s.current, FromDefaults
	}
	settings, err := ParseSettings(buf)
	if err == nil {
		pkgLog.Infof("settings loaded")
		s.current = settings
		return settings, FromCurrent
	}
	pkgLog.Warnf("current settings rejected: %v", err)

	if err := s.log.ReadPrevious(buf); err != nil {
		pkgLog.Warnf("load previous settings failed: %v", err)
		s.current = s.defaults()
		return s.current, FromDefaults
	}
	if settings, err = ParseSettings(buf); err == nil {
		pkgLog.Warnf("rolled back to previous settings")
		s.current = settings
		return settings, FromPrevious
	}
	pkgLog.Warnf("previous settings rejected: %v", err)

	pkgLog.Warnf("%v: applying defaults", ErrRecoveryExhausted)
	settings = s.defaults()
	if err := s.Save(settings); err != nil {
		pkgLog.Warnf("defaults not persisted: %v", err)
	}
	s.current = settings
	return settings, FromDefaults
}

// ApplyControl overlays a raw control write from the radio link onto the
// encoded current record and persists the fields verbatim. The write may be
// shorter than a full record but not longer. The integrity byte is
// recomputed; the magic is not, so a write that clobbers it is rejected.
func (s *Store) ApplyControl(raw []byte) (Settings, error) {
	if len(raw) > SettingsSize {
		return s.current, &BoundsError{What: "control write", Size: uint32(len(raw)), Limit: SettingsSize}
	}
	b := s.current.GetBytes()
	copy(b, raw)
	b[offIntegrity] = settingsChecksum(b)
	settings, err := ParseSettings(b)
	if err != nil {
		return s.current, err
	}
	if err := s.Save(settings); err != nil {
		return s.current, err
	}
	return settings, nil
}

// Status returns the encoded current settings, as reported to the radio link.
func (s *Store) Status() []byte {
	return s.current.GetBytes()
}
