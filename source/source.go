// Package source is the host facing receiver: it ties settings, the sample ring
// and the device session together and serializes all control operations.
package source

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/hb9tf/hfstream/ring"
	"github.com/hb9tf/hfstream/sdr"
	"github.com/hb9tf/hfstream/session"
)

const deviceOpenError = "Error opening device"

var ErrNoSampleRate = errors.New("no sample rate selected")

// SampleRate is a selectable native rate with its display label.
type SampleRate struct {
	Rate  uint32
	Label string
}

type Source struct {
	mu       sync.Mutex
	settings sdr.Settings
	ring     *ring.Ring
	session  *session.Session
	hub      *Hub
}

func New(identifier string, driver sdr.Driver) *Source {
	r := ring.New(sdr.DefaultSampleRate)
	s := &Source{
		settings: sdr.DefaultSettings(),
		ring:     r,
		session:  session.New(identifier, driver, r),
		hub:      NewHub(),
	}
	s.session.OnEvent(s.hub.Publish)
	return s
}

// Session exposes the underlying device session, mostly for diagnostics.
func (s *Source) Session() *session.Session {
	return s.session
}

func (s *Source) Subscribe() (<-chan sdr.Event, func()) {
	return s.hub.Subscribe()
}

// OnSamplesAvailable registers fn to be told how many pairs are held after each
// block. fn runs on the driver goroutine and must not block.
func (s *Source) OnSamplesAvailable(fn func(held int)) {
	s.ring.OnSamplesAvailable(fn)
}

// Initialize prepares the ring for the configured sample rate. The device is
// only opened when the source is activated.
func (s *Source) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settings.SampleRate <= 0 {
		return fmt.Errorf("%w: select a sample rate in the receiver settings", ErrNoSampleRate)
	}
	if s.session.Active() {
		return nil
	}
	return s.ring.Resize(s.settings.SampleRate)
}

func (s *Source) Active() bool {
	return s.session.Active()
}

func (s *Source) SetActive(active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active && !s.session.Active() {
		if s.settings.SampleRate <= 0 {
			return ErrNoSampleRate
		}
		s.session.Configure(s.settings.SampleRate, s.settings.Gain())
	}
	return s.session.SetActive(active)
}

// Read copies up to count floats of interleaved I/Q into buf starting at offset
// and returns the number of floats copied, always even. It never blocks and
// must only be called from one goroutine.
func (s *Source) Read(buf []float32, offset, count int) int {
	if offset < 0 || offset > len(buf) {
		return 0
	}
	end := min(len(buf), offset+max(count, 0))
	return 2 * s.ring.Read(buf[offset:end])
}

func (s *Source) Frequency(channel int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Tuner().Frequency(channel)
}

// SetFrequency sets the dial frequency of channel, retuning while streaming.
func (s *Source) SetFrequency(channel int, hz int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Tuner().SetFrequency(channel, hz)
}

// Echo applies a frequency change reported by a synchronized rig.
func (s *Source) Echo(channel int, hz int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Tuner().Echo(channel, hz)
}

func (s *Source) ActiveChannel() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Tuner().ActiveChannel()
}

func (s *Source) SetActiveChannel(channel int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Tuner().SetActiveChannel(channel)
}

// Settings returns the current settings including the live frequency table.
func (s *Source) Settings() sdr.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.settings
	out.Frequencies = s.session.Tuner().Frequencies()
	return out
}

// SetSettings replaces the settings and refreshes the device serial number and
// firmware version. Sample rate and gain take effect on the next activation.
func (s *Source) SetSettings(settings sdr.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = settings
	s.session.Tuner().SetFrequencies(settings.Frequencies)
	s.refreshDevice()
}

// refreshDevice opens the device briefly unless it is already streaming.
func (s *Source) refreshDevice() {
	if !s.session.Active() {
		if err := s.session.Initialize(); err != nil {
			glog.Warningf("unable to read device info: %s\n", err)
			s.settings.DeviceSN = ""
			s.settings.DeviceFW = deviceOpenError
			return
		}
		defer s.session.Dispose()
	}
	sn, fw, err := s.session.DeviceInfo()
	if err != nil {
		glog.Warningf("unable to read device info: %s\n", err)
		s.settings.DeviceSN = ""
		s.settings.DeviceFW = deviceOpenError
		return
	}
	s.settings.DeviceSN = fmt.Sprintf("%016X", sn)
	s.settings.DeviceFW = fw
}

// SampleRates lists the native rates of the device, opening it briefly unless
// it is streaming.
func (s *Source) SampleRates() ([]SampleRate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.session.Active() {
		if err := s.session.Initialize(); err != nil {
			return nil, err
		}
		defer s.session.Dispose()
	}
	var out []SampleRate
	for _, r := range s.session.SampleRates() {
		out = append(out, SampleRate{Rate: r, Label: fmt.Sprintf("%d KSps", r/1000)})
	}
	return out, nil
}

func (s *Source) Stats() session.Stats {
	return s.session.Stats()
}

// Run checks the stream's health and publishes a stats event every interval
// until ctx is done.
func (s *Source) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			s.session.CheckHealth()
			s.session.ReportStats()
			s.mu.Unlock()
		}
	}
}

// Close stops streaming, releases the device and ends all subscriptions.
func (s *Source) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session.Dispose()
	s.hub.Close()
}
