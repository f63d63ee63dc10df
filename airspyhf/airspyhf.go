package airspyhf

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"

	"github.com/hb9tf/hfstream/sdr"
)

const (
	SourceName = "airspyhf"
	rxAlias    = "airspyhf_rx"
	infoAlias  = "airspyhf_info"

	// blockSize is the number of I/Q samples handed to the callback at once,
	// the same block size libairspyhf uses.
	blockSize = 2048
	// bytesPerSample is one float32 I and one float32 Q.
	bytesPerSample = 8

	// defaultFrequency is used when streaming starts before a frequency was set.
	defaultFrequency = 14074000
)

// NativeSampleRates are the rates of an HF+ Discovery / Dual, used when
// airspyhf_info does not report any.
var NativeSampleRates = []uint32{912000, 768000, 456000, 384000, 256000, 192000}

// SDR drives AirSpy HF+ receivers through the airspyhf command line tools. The
// sample stream is read from airspyhf_rx's stdout on a dedicated goroutine.
type SDR struct {
	// RxCommand and InfoCommand override the tool names, mostly for tests.
	RxCommand   string
	InfoCommand string

	mu   sync.Mutex
	open map[uint64]bool
}

func (s *SDR) Name() string {
	return SourceName
}

func (s *SDR) rxCommand() string {
	if s.RxCommand != "" {
		return s.RxCommand
	}
	return rxAlias
}

func (s *SDR) infoCommand() string {
	if s.InfoCommand != "" {
		return s.InfoCommand
	}
	return infoAlias
}

type deviceInfo struct {
	Serial   uint64
	Firmware string
	Rates    []uint32
}

func (s *SDR) info() ([]deviceInfo, error) {
	cmd := exec.Command(s.infoCommand())
	glog.V(2).Infof("running %q", cmd)
	out, err := cmd.Output()
	if err != nil {
		return nil, &sdr.DriverError{Op: infoAlias, Code: sdr.CodeError, Err: err}
	}
	return parseInfo(bytes.NewReader(out))
}

// parseInfo reads airspyhf_info output, one block per attached device starting
// with its "S/N:" line.
func parseInfo(r io.Reader) ([]deviceInfo, error) {
	var devices []deviceInfo
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		switch {
		case key == "s/n" || key == "serial number":
			sn, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(value), "0x"), 16, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid serial number %q: %s", value, err)
			}
			devices = append(devices, deviceInfo{Serial: sn})
		case len(devices) == 0:
			continue
		case strings.HasPrefix(key, "firmware"):
			devices[len(devices)-1].Firmware = value
		case strings.Contains(key, "sample rates"):
			devices[len(devices)-1].Rates = parseRates(value)
		}
	}
	return devices, scanner.Err()
}

// parseRates reads "912 ksps 768 ksps ..." style lists.
func parseRates(s string) []uint32 {
	var rates []uint32
	for _, f := range strings.Fields(s) {
		v, err := strconv.ParseFloat(strings.TrimRight(f, ","), 64)
		if err != nil {
			continue
		}
		if v < 10000 {
			v *= 1000
		}
		rates = append(rates, uint32(v))
	}
	return rates
}

func (s *SDR) ListDevices() ([]uint64, error) {
	devices, err := s.info()
	if err != nil {
		return nil, err
	}
	serials := make([]uint64, 0, len(devices))
	for _, d := range devices {
		serials = append(serials, d.Serial)
	}
	return serials, nil
}

func (s *SDR) Open(serial uint64) (sdr.Handle, error) {
	devices, err := s.info()
	if err != nil {
		return nil, err
	}
	var found *deviceInfo
	for i := range devices {
		if serial == 0 || devices[i].Serial == serial {
			found = &devices[i]
			break
		}
	}
	if found == nil {
		return nil, &sdr.DriverError{Op: "airspyhf_open_sn", Code: sdr.CodeNotFound, Err: fmt.Errorf("no device with serial %#x", serial)}
	}
	if err := s.acquire(found.Serial); err != nil {
		return nil, err
	}
	rates := found.Rates
	if len(rates) == 0 {
		rates = NativeSampleRates
	}
	return &device{
		sdr:      s,
		serial:   found.Serial,
		firmware: found.Firmware,
		rates:    rates,
		rate:     sdr.DefaultSampleRate,
		freq:     defaultFrequency,
		agc:      true,
	}, nil
}

func (s *SDR) acquire(serial uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open == nil {
		s.open = map[uint64]bool{}
	}
	if s.open[serial] {
		return &sdr.DriverError{Op: "airspyhf_open_sn", Code: sdr.CodeBusy, Err: sdr.ErrBusy}
	}
	s.open[serial] = true
	return nil
}

func (s *SDR) release(serial uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.open, serial)
}

// device is an open receiver. The command line tool cannot change settings on a
// running stream, so setters only record values, except SetFrequency which
// restarts a running stream on the new frequency.
type device struct {
	sdr      *SDR
	serial   uint64
	firmware string
	rates    []uint32

	mu        sync.Mutex
	closed    bool
	rate      uint32
	freq      uint32
	preamp    bool
	agc       bool
	threshold bool
	att       uint8

	cmd       *exec.Cmd
	cb        sdr.BlockCallback
	done      chan struct{}
	streaming atomic.Bool
}

var errClosed = errors.New("device closed")

func (d *device) check(op string) error {
	if d.closed {
		return &sdr.DriverError{Op: op, Code: sdr.CodeError, Err: errClosed}
	}
	return nil
}

func (d *device) SerialNumber() (uint64, error) {
	return d.serial, nil
}

func (d *device) FirmwareVersion() (string, error) {
	return d.firmware, nil
}

func (d *device) SampleRates() ([]uint32, error) {
	return d.rates, nil
}

func (d *device) SetSampleRate(rate uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("airspyhf_set_samplerate"); err != nil {
		return err
	}
	for _, r := range d.rates {
		if r == rate {
			d.rate = rate
			return nil
		}
	}
	return &sdr.DriverError{Op: "airspyhf_set_samplerate", Code: sdr.CodeError, Err: fmt.Errorf("unsupported sample rate %d", rate)}
}

func (d *device) SetFrequency(hz uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("airspyhf_set_freq"); err != nil {
		return err
	}
	if hz == d.freq {
		return nil
	}
	d.freq = hz
	if !d.streaming.Load() {
		d.stopLocked()
		return nil
	}
	d.stopLocked()
	if err := d.startLocked(d.cb); err != nil {
		return &sdr.DriverError{Op: "airspyhf_set_freq", Code: sdr.CodeError, Err: err}
	}
	return nil
}

func (d *device) set(op string, fn func()) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(op); err != nil {
		return err
	}
	fn()
	return nil
}

func (d *device) SetPreamp(on bool) error {
	return d.set("airspyhf_set_hf_lna", func() { d.preamp = on })
}

func (d *device) SetAGC(on bool) error {
	return d.set("airspyhf_set_hf_agc", func() { d.agc = on })
}

func (d *device) SetAGCThreshold(high bool) error {
	return d.set("airspyhf_set_hf_agc_threshold", func() { d.threshold = high })
}

func (d *device) SetAttenuation(step uint8) error {
	if step > uint8(sdr.Attenuation48dB) {
		return &sdr.DriverError{Op: "airspyhf_set_hf_att", Code: sdr.CodeError, Err: fmt.Errorf("attenuation step %d out of range", step)}
	}
	return d.set("airspyhf_set_hf_att", func() { d.att = step })
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func highLow(b bool) string {
	if b {
		return "high"
	}
	return "low"
}

func (d *device) args() []string {
	return []string{
		"-s", fmt.Sprintf("0x%016X", d.serial),
		"-f", strconv.FormatFloat(float64(d.freq)/1e6, 'f', 6, 64),
		"-a", strconv.Itoa(int(d.rate)),
		"-m", onOff(d.preamp),
		"-g", onOff(d.agc),
		"-l", highLow(d.threshold),
		"-t", strconv.Itoa(int(d.att)),
		"-r", "-", // dumps samples to stdout
	}
}

func (d *device) Start(cb sdr.BlockCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check("airspyhf_start"); err != nil {
		return err
	}
	if d.streaming.Load() {
		return nil
	}
	// The previous run may have ended on its own and still needs to be reaped.
	d.stopLocked()
	if err := d.startLocked(cb); err != nil {
		return &sdr.DriverError{Op: "airspyhf_start", Code: sdr.CodeError, Err: err}
	}
	return nil
}

func (d *device) startLocked(cb sdr.BlockCallback) error {
	cmd := exec.Command(d.sdr.rxCommand(), d.args()...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	glog.Infof("Running AirSpy HF+ receiver: %q\n", cmd)
	if err := cmd.Start(); err != nil {
		return err
	}
	d.cmd = cmd
	d.cb = cb
	d.done = make(chan struct{})
	d.streaming.Store(true)
	go d.pump(out, cb, d.done)
	return nil
}

// pump is the stream's realtime goroutine. It ends on EOF or read error, which
// also happens when the tool dies on its own.
func (d *device) pump(out io.Reader, cb sdr.BlockCallback, done chan<- struct{}) {
	defer close(done)
	defer d.streaming.Store(false)

	raw := make([]byte, blockSize*bytesPerSample)
	t := &sdr.Transfer{Samples: make([]complex64, blockSize)}
	for {
		if _, err := io.ReadFull(out, raw); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				glog.Warningf("error reading samples: %s\n", err)
			}
			return
		}
		decodeBlock(raw, t.Samples)
		cb(t)
	}
}

// decodeBlock converts little endian float32 I/Q pairs into samples.
func decodeBlock(raw []byte, samples []complex64) {
	for i := range samples {
		re := math.Float32frombits(binary.LittleEndian.Uint32(raw[bytesPerSample*i:]))
		im := math.Float32frombits(binary.LittleEndian.Uint32(raw[bytesPerSample*i+4:]))
		samples[i] = complex(re, im)
	}
}

func (d *device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	return nil
}

// stopLocked kills the tool and waits for the pump, so no callback runs after it.
func (d *device) stopLocked() {
	if d.cmd == nil {
		return
	}
	if err := d.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		glog.V(2).Infof("kill %s: %s", rxAlias, err)
	}
	<-d.done
	if err := d.cmd.Wait(); err != nil {
		glog.V(2).Infof("%s ended: %s", rxAlias, err)
	}
	d.cmd = nil
	d.streaming.Store(false)
}

func (d *device) IsStreaming() bool {
	return d.streaming.Load()
}

func (d *device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.stopLocked()
	d.closed = true
	d.sdr.release(d.serial)
	return nil
}
