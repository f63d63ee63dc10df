package sdr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	// NumChannels is the size of the per-channel frequency table.
	NumChannels = 2

	DefaultSampleRate = 192000
)

// DefaultFrequencies holds the initial target per channel in Hz.
var DefaultFrequencies = [NumChannels]int64{14021000, 105000000}

// Attenuation is the HF attenuator level in 6 dB steps. AttenuationAGC selects
// the receiver's HF AGC instead of a fixed level.
type Attenuation int

const (
	AttenuationAGC Attenuation = -1
	Attenuation0dB Attenuation = iota - 1
	Attenuation6dB
	Attenuation12dB
	Attenuation18dB
	Attenuation24dB
	Attenuation30dB
	Attenuation36dB
	Attenuation42dB
	Attenuation48dB
)

func (a Attenuation) Valid() bool {
	return a >= AttenuationAGC && a <= Attenuation48dB
}

func (a Attenuation) String() string {
	if a == AttenuationAGC {
		return "0 dB (HF AGC mode)"
	}
	return fmt.Sprintf("%d dB", int(a)*6)
}

// ParseAttenuation accepts "agc" or a level in dB such as "18" or "18dB".
func ParseAttenuation(s string) (Attenuation, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "agc" {
		return AttenuationAGC, nil
	}
	db, err := strconv.Atoi(strings.TrimSpace(strings.TrimSuffix(s, "db")))
	if err != nil {
		return 0, fmt.Errorf("invalid attenuation %q: %s", s, err)
	}
	if db%6 != 0 {
		return 0, fmt.Errorf("invalid attenuation %q: must be a multiple of 6 dB", s)
	}
	a := Attenuation(db / 6)
	if a < Attenuation0dB || !a.Valid() {
		return 0, fmt.Errorf("invalid attenuation %q: must be between 0 and 48 dB", s)
	}
	return a, nil
}

// Gain is the gain configuration as the device sees it. Attenuation and AGC are
// mutually exclusive: AGC implies attenuation 0, a fixed level implies AGC off.
type Gain struct {
	Preamp       bool
	AGC          bool
	AGCThreshold bool
	Attenuation  uint8
}

// Settings is the configuration value object exchanged with the host.
type Settings struct {
	SampleRate    int
	PreampEnabled bool
	Frequencies   [NumChannels]int64

	// Read-only, filled in from the attached device.
	DeviceSN string
	DeviceFW string

	attenuation  Attenuation
	agcThreshold bool
}

func DefaultSettings() Settings {
	return Settings{
		SampleRate:  DefaultSampleRate,
		Frequencies: DefaultFrequencies,
		attenuation: Attenuation0dB,
	}
}

func (s *Settings) Attenuation() Attenuation {
	return s.attenuation
}

// SetAttenuation selects a level or AGC. Either way the AGC threshold is reset,
// it has to be enabled again explicitly in AGC mode.
func (s *Settings) SetAttenuation(a Attenuation) error {
	if !a.Valid() {
		return fmt.Errorf("invalid attenuation level %d", a)
	}
	s.attenuation = a
	s.agcThreshold = false
	return nil
}

func (s *Settings) AGCEnabled() bool {
	return s.attenuation == AttenuationAGC
}

func (s *Settings) AGCThreshold() bool {
	return s.agcThreshold
}

// SetAGCThreshold only sticks in AGC mode.
func (s *Settings) SetAGCThreshold(high bool) {
	s.agcThreshold = high && s.AGCEnabled()
}

func (s *Settings) Gain() Gain {
	if s.AGCEnabled() {
		return Gain{
			Preamp:       s.PreampEnabled,
			AGC:          true,
			AGCThreshold: s.agcThreshold,
		}
	}
	return Gain{
		Preamp:      s.PreampEnabled,
		Attenuation: uint8(s.attenuation),
	}
}

type settingsJSON struct {
	SampleRate    int
	PreampEnabled bool
	Attenuation   Attenuation
	AGCThreshold  bool
	AGCEnabled    bool
	Frequencies   [NumChannels]int64
	DeviceSN      string
	DeviceFW      string
}

func (s Settings) MarshalJSON() ([]byte, error) {
	return json.Marshal(settingsJSON{
		SampleRate:    s.SampleRate,
		PreampEnabled: s.PreampEnabled,
		Attenuation:   s.attenuation,
		AGCThreshold:  s.agcThreshold,
		AGCEnabled:    s.AGCEnabled(),
		Frequencies:   s.Frequencies,
		DeviceSN:      s.DeviceSN,
		DeviceFW:      s.DeviceFW,
	})
}

// UnmarshalJSON applies the same rules as the setters. AGCEnabled is derived
// from Attenuation and ignored on input.
func (s *Settings) UnmarshalJSON(b []byte) error {
	in := settingsJSON{
		SampleRate:  DefaultSampleRate,
		Frequencies: DefaultFrequencies,
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	out := Settings{
		SampleRate:    in.SampleRate,
		PreampEnabled: in.PreampEnabled,
		Frequencies:   in.Frequencies,
		DeviceSN:      in.DeviceSN,
		DeviceFW:      in.DeviceFW,
	}
	if err := out.SetAttenuation(in.Attenuation); err != nil {
		return err
	}
	out.SetAGCThreshold(in.AGCThreshold)
	*s = out
	return nil
}
