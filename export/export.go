package export

import (
	"context"

	"github.com/hb9tf/hfstream/sdr"
)

// Exporter consumes receiver events until the channel is closed or ctx is done.
type Exporter interface {
	Write(context.Context, <-chan sdr.Event) error
}

// exportCountInfo is how many events pass between two count log lines.
const exportCountInfo = 1000

type counts map[string]int

func newCounts() counts {
	return counts{
		"error":   0,
		"success": 0,
		"total":   0,
	}
}
