package session

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"

	"github.com/hb9tf/hfstream/ring"
	"github.com/hb9tf/hfstream/sdr"
)

const gracefulStopMessage = "Gracefully stopped SDR receiver."

// State is the lifecycle state of a Session:
//
//	Closed      -> Initialized  (Initialize)
//	Initialized -> Streaming    (Start)
//	Streaming   -> Closed       (Stop, Fail)
//	any         -> Closed       (Dispose)
type State int32

const (
	Closed State = iota
	Initialized
	Streaming
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Initialized:
		return "initialized"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Session owns the handle of one receiver. Control methods must be called from
// a single goroutine at a time; State, Active and Stats are safe from anywhere.
type Session struct {
	Identifier string
	// Serial selects the device to open, 0 picks the first one.
	Serial uint64

	driver sdr.Driver
	ring   *ring.Ring
	bridge *Bridge
	tuner  *Tuner

	state    atomic.Int32
	handle   sdr.Handle
	rates    []uint32
	rate     uint32
	applied  *sdr.Gain
	streamID string

	sampleRate int
	gain       sdr.Gain

	observersMu sync.Mutex
	observers   []func(sdr.Event)
}

func New(identifier string, driver sdr.Driver, r *ring.Ring) *Session {
	s := &Session{
		Identifier: identifier,
		driver:     driver,
		ring:       r,
		bridge:     NewBridge(r),
		sampleRate: sdr.DefaultSampleRate,
	}
	s.tuner = newTuner(s, sdr.DefaultFrequencies)
	return s
}

func (s *Session) Tuner() *Tuner {
	return s.tuner
}

func (s *Session) Bridge() *Bridge {
	return s.bridge
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) Active() bool {
	return s.State() == Streaming
}

// OnEvent registers an observer for started, stopped and tuned events. Observers
// run on the control goroutine after the transition they describe.
func (s *Session) OnEvent(fn func(sdr.Event)) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, fn)
}

// Configure sets the sample rate and gain used by the next Start.
func (s *Session) Configure(sampleRate int, gain sdr.Gain) {
	s.sampleRate = sampleRate
	s.gain = gain
}

// SetActive starts or stops streaming. Setting the current value is a no-op.
func (s *Session) SetActive(active bool) error {
	if active == s.Active() {
		return nil
	}
	if !active {
		s.Stop()
		return nil
	}
	if err := s.Initialize(); err != nil {
		return err
	}
	return s.Start(s.sampleRate)
}

// Initialize opens the device and reads its native sample rates.
func (s *Session) Initialize() error {
	if s.State() != Closed {
		return nil
	}
	h, err := s.driver.Open(s.Serial)
	if err != nil {
		return fmt.Errorf("%w: %w", sdr.ErrOpenFailed, asDriverError("open", err))
	}
	rates, err := h.SampleRates()
	if err != nil || len(rates) == 0 {
		glog.Warningf("unable to list sample rates, assuming %d: %v\n", sdr.DefaultSampleRate, err)
		rates = []uint32{sdr.DefaultSampleRate}
	}
	s.handle = h
	s.rates = rates
	s.rate = 0
	s.applied = nil
	s.state.Store(int32(Initialized))
	glog.Infof("opened %s device (serial %#x), native sample rates: %v", s.driver.Name(), s.Serial, rates)
	return nil
}

// SampleRates returns the native rates of the open device, nil when closed.
func (s *Session) SampleRates() []uint32 {
	if s.handle == nil {
		return nil
	}
	return append([]uint32(nil), s.rates...)
}

// DeviceInfo reads serial number and firmware version of the open device.
func (s *Session) DeviceInfo() (uint64, string, error) {
	if s.handle == nil {
		return 0, "", fmt.Errorf("device info: %w: session is %s", sdr.ErrInvalidState, s.State())
	}
	sn, err := s.handle.SerialNumber()
	if err != nil {
		return 0, "", err
	}
	fw, err := s.handle.FirmwareVersion()
	if err != nil {
		return sn, "", err
	}
	return sn, fw, nil
}

// Start applies the gain settings, sizes the ring for one second of samples and
// begins streaming at rate. On failure nothing is left streaming and the session
// stays Initialized.
func (s *Session) Start(rate int) error {
	switch st := s.State(); st {
	case Streaming:
		return nil
	case Closed:
		return fmt.Errorf("start: %w: session is %s", sdr.ErrInvalidState, st)
	}
	if !s.supports(rate) {
		return fmt.Errorf("%w: sample rate %d not supported (supported: %v)", sdr.ErrStartFailed, rate, s.rates)
	}
	if err := s.applyGain(s.gain); err != nil {
		return fmt.Errorf("%w: %w", sdr.ErrStartFailed, err)
	}
	if uint32(rate) != s.rate {
		if err := s.handle.SetSampleRate(uint32(rate)); err != nil {
			return fmt.Errorf("%w: %w", sdr.ErrStartFailed, asDriverError("set_samplerate", err))
		}
		s.rate = uint32(rate)
	}

	prevCap := s.ring.Cap()
	if err := s.ring.Resize(rate); err != nil {
		return fmt.Errorf("%w: %w", sdr.ErrStartFailed, err)
	}
	cb := s.bridge.Arm()
	s.ring.SetStreaming(true)
	rollback := func() {
		s.bridge.Disarm()
		s.ring.SetStreaming(false)
		s.ring.Resize(prevCap)
	}
	if err := s.handle.Start(cb); err != nil {
		rollback()
		return fmt.Errorf("%w: %w", sdr.ErrStartFailed, asDriverError("start", err))
	}

	freq := s.tuner.activeTarget()
	if err := s.tune(freq); err != nil {
		if stopErr := s.handle.Stop(); stopErr != nil {
			glog.Warningf("unable to stop stream after failed tune: %s\n", stopErr)
		}
		rollback()
		return fmt.Errorf("%w: %w: %w", sdr.ErrStartFailed, sdr.ErrTuneFailed, err)
	}

	s.streamID = uuid.NewString()
	s.state.Store(int32(Streaming))
	glog.Infof("streaming at %d samples/s on %d Hz (stream %s)", rate, freq, s.streamID)
	s.emit(sdr.Event{
		Kind:       sdr.EventStarted,
		Channel:    s.tuner.ActiveChannel(),
		Frequency:  freq,
		SampleRate: rate,
	})
	return nil
}

// Stop ends streaming and closes the device. It is a no-op unless streaming.
func (s *Session) Stop() {
	if s.State() != Streaming {
		return
	}
	s.teardown(nil)
}

// Dispose releases the device from any state. Calling it again has no effect.
func (s *Session) Dispose() {
	s.teardown(nil)
}

// Fail tears the session down because of err. The stopped event carries err.
func (s *Session) Fail(err error) {
	s.teardown(err)
}

// CheckHealth fails the session if the driver stopped streaming on its own.
func (s *Session) CheckHealth() {
	if s.State() != Streaming || s.handle.IsStreaming() {
		return
	}
	s.Fail(errors.New("receiver stopped streaming unexpectedly"))
}

func (s *Session) teardown(reason error) {
	wasStreaming := s.State() == Streaming
	rate := int(s.rate)
	s.bridge.Disarm()
	if s.handle != nil {
		if wasStreaming {
			if err := s.handle.Stop(); err != nil {
				glog.Warningf("error stopping stream: %s\n", err)
			}
		}
		if err := s.handle.Close(); err != nil {
			glog.Warningf("error closing device: %s\n", err)
		}
	}
	s.ring.SetStreaming(false)
	s.handle = nil
	s.rates = nil
	s.rate = 0
	s.applied = nil
	s.state.Store(int32(Closed))

	if !wasStreaming {
		return
	}
	ev := sdr.Event{
		Kind:       sdr.EventStopped,
		Channel:    s.tuner.ActiveChannel(),
		Frequency:  s.tuner.activeTarget(),
		SampleRate: rate,
		Message:    gracefulStopMessage,
	}
	if reason != nil {
		ev.Message = reason.Error()
		ev.Failed = true
		glog.Warningf("receiver stopped: %s\n", reason)
	} else {
		glog.Info(gracefulStopMessage)
	}
	s.emit(ev)
}

func (s *Session) supports(rate int) bool {
	for _, r := range s.rates {
		if int(r) == rate {
			return true
		}
	}
	return false
}

// applyGain pushes g to the device, skipping values the device already has.
// A partial failure forgets what was applied so the next attempt sends everything.
func (s *Session) applyGain(g sdr.Gain) error {
	if g.AGC {
		g.Attenuation = 0
	} else {
		g.AGCThreshold = false
	}
	cur := s.applied
	s.applied = nil

	if cur == nil || cur.Preamp != g.Preamp {
		if err := s.handle.SetPreamp(g.Preamp); err != nil {
			return asDriverError("set_hf_lna", err)
		}
	}
	if g.AGC && (cur == nil || cur.Attenuation != 0) {
		if err := s.handle.SetAttenuation(0); err != nil {
			return asDriverError("set_hf_att", err)
		}
	}
	if cur == nil || cur.AGC != g.AGC {
		if err := s.handle.SetAGC(g.AGC); err != nil {
			return asDriverError("set_hf_agc", err)
		}
	}
	if cur == nil || cur.AGCThreshold != g.AGCThreshold {
		if err := s.handle.SetAGCThreshold(g.AGCThreshold); err != nil {
			return asDriverError("set_hf_agc_threshold", err)
		}
	}
	if !g.AGC && (cur == nil || cur.Attenuation != g.Attenuation) {
		if err := s.handle.SetAttenuation(g.Attenuation); err != nil {
			return asDriverError("set_hf_att", err)
		}
	}
	s.applied = &g
	return nil
}

// tune sets the RF frequency on the open device.
func (s *Session) tune(hz int64) error {
	if s.handle == nil {
		return fmt.Errorf("tune: %w: session is %s", sdr.ErrInvalidState, s.State())
	}
	if hz < 0 || hz > math.MaxUint32 {
		return &sdr.DriverError{Op: "set_freq", Code: sdr.CodeError, Err: fmt.Errorf("frequency %d Hz out of range", hz)}
	}
	if err := s.handle.SetFrequency(uint32(hz)); err != nil {
		return asDriverError("set_freq", err)
	}
	glog.V(2).Infof("device LO frequency changed: %d", hz)
	return nil
}

func (s *Session) emit(ev sdr.Event) {
	ev.Identifier = s.Identifier
	ev.Source = s.driver.Name()
	ev.StreamID = s.streamID
	ev.Time = time.Now()
	if ev.SampleRate == 0 {
		ev.SampleRate = int(s.rate)
	}
	st := s.Stats()
	ev.Held = st.Held
	ev.RingDropped = st.RingDropped
	ev.DriverDropped = st.DriverDropped

	s.observersMu.Lock()
	observers := slices.Clone(s.observers)
	s.observersMu.Unlock()
	for _, fn := range observers {
		fn(ev)
	}
}

// ReportStats emits a stats event while streaming.
func (s *Session) ReportStats() {
	if !s.Active() {
		return
	}
	s.emit(sdr.Event{
		Kind:      sdr.EventStats,
		Channel:   s.tuner.ActiveChannel(),
		Frequency: s.tuner.activeTarget(),
	})
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	State         State
	Held          int
	Capacity      int
	RingDropped   uint64
	DriverDropped uint64
	Blocks        uint64
}

func (s *Session) Stats() Stats {
	return Stats{
		State:         s.State(),
		Held:          s.ring.Len(),
		Capacity:      s.ring.Cap(),
		RingDropped:   s.ring.Dropped(),
		DriverDropped: s.bridge.DriverDropped(),
		Blocks:        s.bridge.Blocks(),
	}
}

// StreamID identifies the current or last stream, empty before the first Start.
func (s *Session) StreamID() string {
	return s.streamID
}

func asDriverError(op string, err error) error {
	var de *sdr.DriverError
	if errors.As(err, &de) {
		return err
	}
	code := sdr.CodeError
	if errors.Is(err, sdr.ErrBusy) {
		code = sdr.CodeBusy
	}
	return &sdr.DriverError{Op: op, Code: code, Err: err}
}
