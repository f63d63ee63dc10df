package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hb9tf/hfstream/export"
	"github.com/hb9tf/hfstream/sdr"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func post(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/"+export.CollectEndpoint, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCollect(t *testing.T) {
	events := make(chan sdr.Event, 10)
	c := &Collector{events: events}
	w := post(c.Router(), `[{"Identifier":"rx1","Source":"sim","Kind":"tuned","Frequency":7074000},{"Identifier":"rx1","Source":"sim","Kind":"stopped","Failed":true}]`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body)
	}
	if !strings.Contains(w.Body.String(), `"eventCount":2`) {
		t.Fatalf("unexpected response %s", w.Body)
	}
	first := <-events
	second := <-events
	if first.Kind != sdr.EventTuned || first.Frequency != 7074000 || !second.Failed {
		t.Fatalf("unexpected events %+v %+v", first, second)
	}
}

func TestCollectRejectsInvalid(t *testing.T) {
	events := make(chan sdr.Event, 10)
	c := &Collector{events: events}
	for _, body := range []string{
		`not json`,
		`[{"Source":"sim","Kind":"tuned"}]`,
		`[{"Identifier":"rx1"}]`,
	} {
		if w := post(c.Router(), body); w.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for %s, got %d", body, w.Code)
		}
	}
	if len(events) != 0 {
		t.Fatalf("expected nothing collected, got %d events", len(events))
	}
}

func TestCollectEndToEnd(t *testing.T) {
	events := make(chan sdr.Event, 10)
	c := &Collector{events: events}
	ts := httptest.NewServer(c.Router())
	defer ts.Close()

	in := make(chan sdr.Event, 3)
	for i := 0; i < 3; i++ {
		in <- sdr.Event{Identifier: "rx1", Kind: sdr.EventStats, Time: time.Now()}
	}
	close(in)
	push := &export.Server{Server: ts.URL, SendEventsAmount: 2}
	if err := push.Write(context.Background(), in); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 collected events, got %d", len(events))
	}
}
