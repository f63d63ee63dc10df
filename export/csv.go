package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/golang/glog"

	"github.com/hb9tf/hfstream/sdr"
)

type CSV struct {
	// Out defaults to stdout.
	Out io.Writer
}

func (c *CSV) Write(ctx context.Context, events <-chan sdr.Event) error {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	w := csv.NewWriter(out)
	w.Write([]string{
		"Source",
		"Identifier",
		"StreamID",
		"Kind",
		"TimeUnixMilli",
		"Channel",
		"Frequency",
		"SampleRate",
		"Held",
		"RingDropped",
		"DriverDropped",
		"Failed",
		"Message",
	})
	w.Flush()

	for {
		var ev sdr.Event
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			ev = e
		}
		if err := w.Write([]string{
			ev.Source,
			ev.Identifier,
			ev.StreamID,
			string(ev.Kind),
			fmt.Sprintf("%d", ev.Time.UnixMilli()),
			fmt.Sprintf("%d", ev.Channel),
			fmt.Sprintf("%d", ev.Frequency),
			fmt.Sprintf("%d", ev.SampleRate),
			fmt.Sprintf("%d", ev.Held),
			fmt.Sprintf("%d", ev.RingDropped),
			fmt.Sprintf("%d", ev.DriverDropped),
			strconv.FormatBool(ev.Failed),
			ev.Message,
		}); err != nil {
			glog.Warningf("error while writing CSV line: %s\n", err)
		}

		w.Flush()
		if err := w.Error(); err != nil {
			glog.Warningf("error flushing CSV: %s\n", err)
		}
	}
}
