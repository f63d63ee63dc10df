package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hb9tf/hfstream/render"
	"github.com/hb9tf/hfstream/sdr"
	"github.com/hb9tf/hfstream/sim"
	"github.com/hb9tf/hfstream/source"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestAPI(t *testing.T) (*API, http.Handler) {
	t.Helper()
	src := source.New("test", &sim.Driver{ToneOffset: 5000, Noise: 0.01, Realtime: true})
	t.Cleanup(src.Close)
	a := New(src, &source.Pump{Source: src, BlockSize: 512})
	return a, a.Router()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, BasePath+path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
}

func TestStatusClosed(t *testing.T) {
	_, h := newTestAPI(t)
	w := do(t, h, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var st Status
	decode(t, w, &st)
	if st.Active || st.State != "closed" || st.Frequencies != sdr.DefaultFrequencies {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestActivateAndTune(t *testing.T) {
	_, h := newTestAPI(t)

	if w := do(t, h, http.MethodPut, "/active", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without active, got %d", w.Code)
	}
	if w := do(t, h, http.MethodPut, "/active", `{"active": true}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	var st Status
	decode(t, do(t, h, http.MethodGet, "/status", ""), &st)
	if !st.Active || st.StreamID == "" || st.SampleRate != sdr.DefaultSampleRate {
		t.Fatalf("unexpected status %+v", st)
	}

	if w := do(t, h, http.MethodPut, "/frequency/0", `{"frequency": 7074000}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	var freq struct {
		Channel   int   `json:"channel"`
		Frequency int64 `json:"frequency"`
	}
	decode(t, do(t, h, http.MethodGet, "/frequency/0", ""), &freq)
	if freq.Frequency != 7074000 {
		t.Fatalf("expected 7074000, got %d", freq.Frequency)
	}
	if w := do(t, h, http.MethodPut, "/frequency/1", `{"frequency": 3573000, "echo": true}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for echo, got %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/frequency/2", ""); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown channel, got %d", w.Code)
	}
	if w := do(t, h, http.MethodPut, "/channel", `{"channel": 1}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w := do(t, h, http.MethodPut, "/channel", `{"channel": 7}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	if w := do(t, h, http.MethodPut, "/active", `{"active": false}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	decode(t, do(t, h, http.MethodGet, "/status", ""), &st)
	if st.Active || st.ActiveChannel != 1 || st.Frequencies[1] != 3573000 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestActivateWithoutSampleRate(t *testing.T) {
	_, h := newTestAPI(t)
	if w := do(t, h, http.MethodPut, "/settings", `{"SampleRate": 0, "Attenuation": 0}`); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if w := do(t, h, http.MethodPut, "/active", `{"active": true}`); w.Code != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d", w.Code)
	}
}

func TestSettings(t *testing.T) {
	_, h := newTestAPI(t)
	w := do(t, h, http.MethodPut, "/settings", `{"SampleRate": 384000, "Attenuation": -1, "AGCThreshold": true, "Frequencies": [7074000, 14074000]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	var got map[string]interface{}
	decode(t, do(t, h, http.MethodGet, "/settings", ""), &got)
	if got["SampleRate"] != float64(384000) || got["AGCEnabled"] != true || got["AGCThreshold"] != true {
		t.Fatalf("unexpected settings %v", got)
	}
	if got["DeviceFW"] != "SIM-1.0" {
		t.Fatalf("expected device info to be refreshed, got %v", got["DeviceFW"])
	}

	if w := do(t, h, http.MethodPut, "/settings", `{"Attenuation": 11}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid attenuation, got %d", w.Code)
	}
}

func TestSampleRates(t *testing.T) {
	_, h := newTestAPI(t)
	var rates []struct {
		Rate  uint32 `json:"rate"`
		Label string `json:"label"`
	}
	decode(t, do(t, h, http.MethodGet, "/samplerates", ""), &rates)
	if len(rates) == 0 || rates[len(rates)-1].Label != "192 KSps" {
		t.Fatalf("unexpected rates %+v", rates)
	}
}

func TestSnapshots(t *testing.T) {
	a, h := newTestAPI(t)
	for _, path := range []string{"/samples", "/spectrum.png", "/waterfall.png"} {
		if w := do(t, h, http.MethodGet, path, ""); w.Code != http.StatusNoContent {
			t.Fatalf("expected 204 for %s before streaming, got %d", path, w.Code)
		}
	}

	if err := a.Source.SetActive(true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Pump.Run(ctx, 5*time.Millisecond)
	}()
	deadline := time.Now().Add(5 * time.Second)
	for a.Pump.Last() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	w := do(t, h, http.MethodGet, "/samples", "")
	if w.Code != http.StatusOK || w.Body.Len() != 512*8 {
		t.Fatalf("expected one block of samples, got %d with %d bytes", w.Code, w.Body.Len())
	}
	for _, path := range []string{"/spectrum.png?width=128&height=64", "/waterfall.png"} {
		w := do(t, h, http.MethodGet, path, "")
		if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
			t.Fatalf("expected a PNG for %s, got %d", path, w.Code)
		}
		if _, err := png.Decode(bytes.NewReader(w.Body.Bytes())); err != nil {
			t.Fatalf("decoding %s: %v", path, err)
		}
	}

	w = do(t, h, http.MethodGet, "/spectrum.png?width=200000&height=200000&grid=false", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for an oversized spectrum, got %d", w.Code)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("decoding oversized spectrum: %v", err)
	}
	if cfg.Width != render.MaxWidth || cfg.Height != render.MaxHeight {
		t.Fatalf("expected a %dx%d spectrum, got %dx%d", render.MaxWidth, render.MaxHeight, cfg.Width, cfg.Height)
	}
}

func TestWaterfallWithRunningPump(t *testing.T) {
	src := source.New("test", &sim.Driver{ToneOffset: 5000, Noise: 0.01, Realtime: true})
	t.Cleanup(src.Close)
	if err := src.SetActive(true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	pump := &source.Pump{Source: src, BlockSize: 256}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pump.Run(ctx, time.Millisecond)
	}()
	defer func() {
		cancel()
		<-done
	}()

	h := New(src, pump).Router()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if w := do(t, h, http.MethodGet, "/waterfall.png", ""); w.Code == http.StatusOK {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected the waterfall to fill from the running pump")
}
