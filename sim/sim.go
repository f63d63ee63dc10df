// Package sim provides a driver that synthesizes a tone in noise, for running
// the stream without hardware attached.
package sim

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hb9tf/hfstream/sdr"
)

const (
	SourceName = "sim"

	// DefaultSerial is reported when no serials are configured.
	DefaultSerial   = 0x5349_4D00_0000_0001
	firmwareVersion = "SIM-1.0"
	blockSize       = 2048
)

var sampleRates = []uint32{912000, 768000, 456000, 384000, 256000, 192000}

// Driver simulates one or more receivers.
type Driver struct {
	// Serials lists the simulated devices, DefaultSerial if empty.
	Serials []uint64
	// ToneOffset is the tone's distance from the tuned frequency in Hz.
	ToneOffset float64
	// Noise is the standard deviation of the added gaussian noise.
	Noise float64
	// Realtime paces blocks at the sample rate. Otherwise blocks are produced
	// as fast as the callback returns.
	Realtime bool

	mu   sync.Mutex
	open map[uint64]bool
}

func (d *Driver) Name() string {
	return SourceName
}

func (d *Driver) ListDevices() ([]uint64, error) {
	if len(d.Serials) == 0 {
		return []uint64{DefaultSerial}, nil
	}
	return d.Serials, nil
}

func (d *Driver) Open(serial uint64) (sdr.Handle, error) {
	serials, _ := d.ListDevices()
	if serial == 0 {
		serial = serials[0]
	}
	found := false
	for _, s := range serials {
		if s == serial {
			found = true
		}
	}
	if !found {
		return nil, &sdr.DriverError{Op: "open", Code: sdr.CodeNotFound, Err: fmt.Errorf("no simulated device %#x", serial)}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open == nil {
		d.open = map[uint64]bool{}
	}
	if d.open[serial] {
		return nil, &sdr.DriverError{Op: "open", Code: sdr.CodeBusy, Err: sdr.ErrBusy}
	}
	d.open[serial] = true
	return &Handle{driver: d, serial: serial, rate: sdr.DefaultSampleRate}, nil
}

func (d *Driver) release(serial uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.open, serial)
}

// Handle is an open simulated receiver.
type Handle struct {
	driver *Driver
	serial uint64

	mu     sync.Mutex
	closed bool
	rate   uint32
	freq   uint32
	gain   sdr.Gain

	stop      chan struct{}
	done      chan struct{}
	streaming atomic.Bool
	blocks    atomic.Uint64
}

func (h *Handle) SerialNumber() (uint64, error)    { return h.serial, nil }
func (h *Handle) FirmwareVersion() (string, error) { return firmwareVersion, nil }
func (h *Handle) SampleRates() ([]uint32, error)   { return sampleRates, nil }

func (h *Handle) SetSampleRate(rate uint32) error {
	for _, r := range sampleRates {
		if r == rate {
			h.mu.Lock()
			h.rate = rate
			h.mu.Unlock()
			return nil
		}
	}
	return &sdr.DriverError{Op: "set_samplerate", Code: sdr.CodeError, Err: fmt.Errorf("unsupported sample rate %d", rate)}
}

func (h *Handle) SetFrequency(hz uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.freq = hz
	return nil
}

// Frequency returns the last tuned frequency.
func (h *Handle) Frequency() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.freq
}

func (h *Handle) SetPreamp(on bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gain.Preamp = on
	return nil
}

func (h *Handle) SetAGC(on bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gain.AGC = on
	return nil
}

func (h *Handle) SetAGCThreshold(high bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gain.AGCThreshold = high
	return nil
}

func (h *Handle) SetAttenuation(step uint8) error {
	if step > uint8(sdr.Attenuation48dB) {
		return &sdr.DriverError{Op: "set_hf_att", Code: sdr.CodeError, Err: fmt.Errorf("attenuation step %d out of range", step)}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gain.Attenuation = step
	return nil
}

// Gain returns the gain settings last applied.
func (h *Handle) Gain() sdr.Gain {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.gain
}

func (h *Handle) Start(cb sdr.BlockCallback) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return &sdr.DriverError{Op: "start", Code: sdr.CodeError, Err: fmt.Errorf("device closed")}
	}
	if h.streaming.Load() {
		return nil
	}
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	h.streaming.Store(true)
	go h.run(cb, float64(h.rate), h.stop, h.done)
	return nil
}

// run is the simulated realtime thread.
func (h *Handle) run(cb sdr.BlockCallback, rate float64, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	t := &sdr.Transfer{Samples: make([]complex64, blockSize)}
	rnd := rand.New(rand.NewSource(int64(h.serial)))
	step := 2 * math.Pi * h.driver.ToneOffset / rate
	phase := 0.0

	var tick <-chan time.Time
	if h.driver.Realtime {
		ticker := time.NewTicker(time.Duration(float64(blockSize) / rate * float64(time.Second)))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-stop:
			return
		default:
		}
		if tick != nil {
			select {
			case <-stop:
				return
			case <-tick:
			}
		}
		for i := range t.Samples {
			noiseI := rnd.NormFloat64() * h.driver.Noise
			noiseQ := rnd.NormFloat64() * h.driver.Noise
			t.Samples[i] = complex64(complex(math.Cos(phase)+noiseI, math.Sin(phase)+noiseQ))
			phase = math.Mod(phase+step, 2*math.Pi)
		}
		cb(t)
		h.blocks.Add(1)
	}
}

// Blocks returns the number of blocks delivered.
func (h *Handle) Blocks() uint64 {
	return h.blocks.Load()
}

func (h *Handle) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopLocked()
	return nil
}

func (h *Handle) stopLocked() {
	if !h.streaming.Load() {
		return
	}
	close(h.stop)
	<-h.done
	h.streaming.Store(false)
}

func (h *Handle) IsStreaming() bool {
	return h.streaming.Load()
}

func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.stopLocked()
	h.closed = true
	h.driver.release(h.serial)
	return nil
}
