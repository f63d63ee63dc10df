package session

import (
	"fmt"
	"sync"

	"github.com/hb9tf/hfstream/sdr"
)

type fakeDriver struct {
	handle  *fakeHandle
	openErr error
	opened  int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{handle: &fakeHandle{
		rates: []uint32{912000, 768000, 456000, 384000, 256000, 192000},
		fail:  map[string]error{},
	}}
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) ListDevices() ([]uint64, error) { return []uint64{0x1234}, nil }

func (d *fakeDriver) Open(serial uint64) (sdr.Handle, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opened++
	d.handle.closed = false
	return d.handle, nil
}

// fakeHandle records every driver call by its native name.
type fakeHandle struct {
	mu        sync.Mutex
	calls     []string
	fail      map[string]error
	rates     []uint32
	cb        sdr.BlockCallback
	streaming bool
	closed    bool
	closes    int
}

func (h *fakeHandle) call(name string, arg interface{}) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if arg != nil {
		h.calls = append(h.calls, fmt.Sprintf("%s(%v)", name, arg))
	} else {
		h.calls = append(h.calls, name)
	}
	return h.fail[name]
}

func (h *fakeHandle) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *fakeHandle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

func (h *fakeHandle) SerialNumber() (uint64, error)    { return 0x1234, h.call("serialno", nil) }
func (h *fakeHandle) FirmwareVersion() (string, error) { return "R3.0.7-CD", h.call("version", nil) }
func (h *fakeHandle) SampleRates() ([]uint32, error)   { return h.rates, nil }
func (h *fakeHandle) SetSampleRate(rate uint32) error  { return h.call("set_samplerate", rate) }
func (h *fakeHandle) SetFrequency(hz uint32) error     { return h.call("set_freq", hz) }
func (h *fakeHandle) SetPreamp(on bool) error          { return h.call("set_hf_lna", on) }
func (h *fakeHandle) SetAGC(on bool) error             { return h.call("set_hf_agc", on) }
func (h *fakeHandle) SetAGCThreshold(high bool) error  { return h.call("set_hf_agc_threshold", high) }
func (h *fakeHandle) SetAttenuation(step uint8) error  { return h.call("set_hf_att", step) }
func (h *fakeHandle) IsStreaming() bool                { return h.streaming }

func (h *fakeHandle) Start(cb sdr.BlockCallback) error {
	if err := h.call("start", nil); err != nil {
		return err
	}
	h.cb = cb
	h.streaming = true
	return nil
}

func (h *fakeHandle) Stop() error {
	h.streaming = false
	return h.call("stop", nil)
}

func (h *fakeHandle) Close() error {
	h.closed = true
	h.closes++
	return h.call("close", nil)
}

// deliver plays the driver thread handing over a block.
func (h *fakeHandle) deliver(samples []complex64, dropped uint64) {
	h.cb(&sdr.Transfer{Samples: samples, DroppedSamples: dropped})
}

type eventLog struct {
	events []sdr.Event
}

func (l *eventLog) record(ev sdr.Event) {
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds(kind sdr.EventKind) []sdr.Event {
	var out []sdr.Event
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
