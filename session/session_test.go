package session

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/hb9tf/hfstream/ring"
	"github.com/hb9tf/hfstream/sdr"
)

func newTestSession(t *testing.T) (*Session, *fakeDriver, *eventLog) {
	t.Helper()
	d := newFakeDriver()
	s := New("test", d, ring.New(1024))
	log := &eventLog{}
	s.OnEvent(log.record)
	return s, d, log
}

func startStreaming(t *testing.T, s *Session) {
	t.Helper()
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.Start(192000); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestInitializeOpenFailed(t *testing.T) {
	s, d, _ := newTestSession(t)
	d.openErr = &sdr.DriverError{Op: "airspyhf_open_sn", Code: sdr.CodeNotFound}

	err := s.Initialize()
	if !errors.Is(err, sdr.ErrOpenFailed) {
		t.Fatalf("expected ErrOpenFailed, got %v", err)
	}
	if got := sdr.Code(err); got != sdr.CodeNotFound {
		t.Fatalf("expected driver code %d, got %d", sdr.CodeNotFound, got)
	}
	if s.State() != Closed {
		t.Fatalf("expected state closed, got %s", s.State())
	}
}

func TestInitializeOpenFailedWithoutCode(t *testing.T) {
	s, d, _ := newTestSession(t)
	d.openErr = sdr.ErrBusy

	err := s.Initialize()
	if !errors.Is(err, sdr.ErrOpenFailed) || !errors.Is(err, sdr.ErrBusy) {
		t.Fatalf("expected ErrOpenFailed wrapping ErrBusy, got %v", err)
	}
	if got := sdr.Code(err); got != sdr.CodeBusy {
		t.Fatalf("expected driver code %d, got %d", sdr.CodeBusy, got)
	}
}

func TestInitializeReadsSampleRates(t *testing.T) {
	s, d, _ := newTestSession(t)
	if s.SampleRates() != nil {
		t.Fatal("expected no sample rates while closed")
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !reflect.DeepEqual(s.SampleRates(), d.handle.rates) {
		t.Fatalf("expected rates %v, got %v", d.handle.rates, s.SampleRates())
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if d.opened != 1 {
		t.Fatalf("expected the device to be opened once, got %d", d.opened)
	}
}

func TestStartFromClosed(t *testing.T) {
	s, _, _ := newTestSession(t)
	if err := s.Start(192000); !errors.Is(err, sdr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestStartAGC(t *testing.T) {
	s, d, log := newTestSession(t)
	s.Configure(192000, sdr.Gain{AGC: true, AGCThreshold: true, Attenuation: 4})
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.SetActive(true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	want := []string{
		"set_hf_lna(false)",
		"set_hf_att(0)",
		"set_hf_agc(true)",
		"set_hf_agc_threshold(true)",
		"set_samplerate(192000)",
		"start",
		"set_freq(14021000)",
	}
	if got := d.handle.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected driver calls:\n got %v\nwant %v", got, want)
	}
	if !s.Active() {
		t.Fatalf("expected streaming, got %s", s.State())
	}
	if s.ring.Cap() < 192000 {
		t.Fatalf("expected at least one second of buffering, got %d", s.ring.Cap())
	}
	if started := log.kinds(sdr.EventStarted); len(started) != 1 || started[0].StreamID == "" {
		t.Fatalf("expected one started event with a stream ID, got %+v", started)
	}
}

func TestStartFixedAttenuation(t *testing.T) {
	s, d, _ := newTestSession(t)
	s.Configure(384000, sdr.Gain{Preamp: true, AGCThreshold: true, Attenuation: 3})
	if err := s.SetActive(true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	want := []string{
		"set_hf_lna(true)",
		"set_hf_agc(false)",
		"set_hf_agc_threshold(false)",
		"set_hf_att(3)",
		"set_samplerate(384000)",
		"start",
		"set_freq(14021000)",
	}
	if got := d.handle.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected driver calls:\n got %v\nwant %v", got, want)
	}
}

func TestStartFailureLeavesInitialized(t *testing.T) {
	s, d, log := newTestSession(t)
	d.handle.fail["set_samplerate"] = &sdr.DriverError{Op: "airspyhf_set_samplerate", Code: sdr.CodeError}
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	capBefore := s.ring.Cap()

	err := s.Start(192000)
	if !errors.Is(err, sdr.ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
	if s.State() != Initialized {
		t.Fatalf("expected state initialized, got %s", s.State())
	}
	if s.ring.Cap() != capBefore {
		t.Fatalf("expected ring capacity %d, got %d", capBefore, s.ring.Cap())
	}
	if s.ring.Streaming() {
		t.Fatal("expected ring not to be streaming")
	}
	if len(log.events) != 0 {
		t.Fatalf("expected no events, got %+v", log.events)
	}
}

func TestStartFailureRestoresRing(t *testing.T) {
	s, d, _ := newTestSession(t)
	d.handle.fail["start"] = errors.New("usb transfer failed")
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	capBefore := s.ring.Cap()

	if err := s.Start(192000); !errors.Is(err, sdr.ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
	if s.State() != Initialized || s.ring.Cap() != capBefore || s.ring.Streaming() {
		t.Fatalf("expected untouched session, got state %s cap %d", s.State(), s.ring.Cap())
	}

	// Settings already on the device are not sent again.
	delete(d.handle.fail, "start")
	d.handle.Reset()
	if err := s.Start(192000); err != nil {
		t.Fatalf("Start: %v", err)
	}
	want := []string{"start", "set_freq(14021000)"}
	if got := d.handle.Calls(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected driver calls:\n got %v\nwant %v", got, want)
	}
}

func TestStartTuneFailureStopsStream(t *testing.T) {
	s, d, _ := newTestSession(t)
	d.handle.fail["set_freq"] = errors.New("pll unlocked")
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	err := s.Start(192000)
	if !errors.Is(err, sdr.ErrStartFailed) || !errors.Is(err, sdr.ErrTuneFailed) {
		t.Fatalf("expected ErrStartFailed and ErrTuneFailed, got %v", err)
	}
	if d.handle.streaming || s.State() != Initialized {
		t.Fatalf("expected stream stopped and state initialized, got %s", s.State())
	}
}

func TestStartUnsupportedRate(t *testing.T) {
	s, d, _ := newTestSession(t)
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := s.Start(48000); !errors.Is(err, sdr.ErrStartFailed) {
		t.Fatalf("expected ErrStartFailed, got %v", err)
	}
	if calls := d.handle.Calls(); len(calls) != 0 {
		t.Fatalf("expected no driver calls, got %v", calls)
	}
}

func TestStopEmitsOnce(t *testing.T) {
	s, d, log := newTestSession(t)
	startStreaming(t, s)

	s.Stop()
	s.Stop()
	s.Dispose()
	if err := s.SetActive(false); err != nil {
		t.Fatalf("SetActive(false): %v", err)
	}

	stopped := log.kinds(sdr.EventStopped)
	if len(stopped) != 1 {
		t.Fatalf("expected one stopped event, got %d", len(stopped))
	}
	if stopped[0].Failed || stopped[0].Message != gracefulStopMessage {
		t.Fatalf("expected graceful stop, got %+v", stopped[0])
	}
	if stopped[0].SampleRate != 192000 {
		t.Fatalf("expected sample rate on stopped event, got %d", stopped[0].SampleRate)
	}
	if s.State() != Closed || d.handle.streaming || d.handle.closes != 1 {
		t.Fatalf("expected closed device, got state %s, closes %d", s.State(), d.handle.closes)
	}
	if s.ring.Streaming() {
		t.Fatal("expected ring to allow resizing again")
	}
}

func TestDisposeInitialized(t *testing.T) {
	s, d, log := newTestSession(t)
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	s.Dispose()
	s.Dispose()
	if s.State() != Closed || d.handle.closes != 1 {
		t.Fatalf("expected one close, got %d", d.handle.closes)
	}
	if len(log.events) != 0 {
		t.Fatalf("expected no events, got %+v", log.events)
	}
}

func TestStoppedEventAfterTransition(t *testing.T) {
	s, _, _ := newTestSession(t)
	var stateAtEvent State = -1
	s.OnEvent(func(ev sdr.Event) {
		if ev.Kind == sdr.EventStopped {
			stateAtEvent = s.State()
		}
	})
	startStreaming(t, s)
	s.Stop()
	if stateAtEvent != Closed {
		t.Fatalf("expected observers to see closed, got %s", stateAtEvent)
	}
}

func TestCheckHealth(t *testing.T) {
	s, d, log := newTestSession(t)
	startStreaming(t, s)

	s.CheckHealth()
	if !s.Active() {
		t.Fatal("expected healthy stream to keep running")
	}

	d.handle.streaming = false
	s.CheckHealth()
	stopped := log.kinds(sdr.EventStopped)
	if len(stopped) != 1 || !stopped[0].Failed {
		t.Fatalf("expected one failed stop, got %+v", stopped)
	}
	if s.State() != Closed {
		t.Fatalf("expected closed, got %s", s.State())
	}
}

func TestStreamingDeliversToRing(t *testing.T) {
	s, d, _ := newTestSession(t)
	startStreaming(t, s)

	d.handle.deliver([]complex64{complex(1, -1), complex(2, -2)}, 0)
	d.handle.deliver([]complex64{complex(3, -3)}, 7)

	dst := make([]float32, 8)
	n := s.ring.Read(dst)
	if n != 3 {
		t.Fatalf("expected 3 pairs, got %d", n)
	}
	want := []float32{1, -1, 2, -2, 3, -3}
	if !reflect.DeepEqual(dst[:6], want) {
		t.Fatalf("expected %v, got %v", want, dst[:6])
	}
	st := s.Stats()
	if st.DriverDropped != 7 || st.Blocks != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestDeviceInfo(t *testing.T) {
	s, _, _ := newTestSession(t)
	if _, _, err := s.DeviceInfo(); !errors.Is(err, sdr.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState while closed, got %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	sn, fw, err := s.DeviceInfo()
	if err != nil {
		t.Fatalf("DeviceInfo: %v", err)
	}
	if sn != 0x1234 || !strings.HasPrefix(fw, "R3") {
		t.Fatalf("unexpected device info %#x %q", sn, fw)
	}
}
