package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"

	"github.com/hb9tf/hfstream/sdr"
)

const (
	contentType            = "application/json"
	CollectEndpoint        = "hfstream/v1/collect"
	defaultSendEventAmount = 20
	defaultMaxRetries      = 5
)

// Server pushes batches of events to a collector server as JSON.
type Server struct {
	Server           string
	SendEventsAmount int
	// FlushInterval sends a partial batch after this long, 0 waits for a full one.
	FlushInterval time.Duration
	MaxRetries    uint64
	Client        *http.Client
}

type CollectResponse struct {
	Status     string `json:"status"`
	EventCount int    `json:"eventCount"`
}

func (s *Server) Write(ctx context.Context, events <-chan sdr.Event) error {
	sendEventsAmount := defaultSendEventAmount
	if s.SendEventsAmount > 0 {
		sendEventsAmount = s.SendEventsAmount
	}
	var flush <-chan time.Time
	if s.FlushInterval > 0 {
		ticker := time.NewTicker(s.FlushInterval)
		defer ticker.Stop()
		flush = ticker.C
	}

	var eventsToSend []sdr.Event
	send := func() {
		if len(eventsToSend) == 0 {
			return
		}
		if err := s.push(ctx, eventsToSend); err != nil {
			glog.Warningf("error submitting %d events to %s: %s\n", len(eventsToSend), s.Server, err)
		}
		eventsToSend = nil
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-flush:
			send()
		case ev, ok := <-events:
			if !ok {
				send()
				return nil
			}
			eventsToSend = append(eventsToSend, ev)
			if len(eventsToSend) >= sendEventsAmount {
				send()
			}
		}
	}
}

// push POSTs one batch, retrying with exponential backoff. Client errors are
// not retried.
func (s *Server) push(ctx context.Context, events []sdr.Event) error {
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("error marshalling events to JSON: %s", err)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	url := fmt.Sprintf("%s/%s", strings.TrimRight(s.Server, "/"), CollectEndpoint)
	maxRetries := uint64(defaultMaxRetries)
	if s.MaxRetries > 0 {
		maxRetries = s.MaxRetries
	}

	var collected CollectResponse
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("server returned %s", resp.Status)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("server returned %s: %s", resp.Status, respBody))
		}
		return json.Unmarshal(respBody, &collected)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	notify := func(err error, wait time.Duration) {
		glog.V(1).Infof("retrying event push in %s: %s", wait, err)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return err
	}
	glog.Infof("submitted %v events to server %s", collected.EventCount, s.Server)
	return nil
}
