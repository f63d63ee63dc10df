package source

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
)

const DefaultBlockSize = 2048

// Pump is the consumer side of a Source: it pulls blocks on a ticker, streams
// them to Out as little endian float32 I/Q and keeps the last full block for
// snapshots. Only one Pump may run per Source.
type Pump struct {
	Source *Source
	// BlockSize is in sample pairs.
	BlockSize int
	// Out receives every pulled sample, nil discards them.
	Out io.Writer

	mu       sync.Mutex
	last     []complex64
	pulled   uint64
	handlers []func([]complex64)
}

// HandleBlocks registers fn to be called with every full block on the pump
// goroutine. It may be called while the pump runs. fn must not retain the block.
func (p *Pump) HandleBlocks(fn func([]complex64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append(p.handlers, fn)
}

func (p *Pump) blockSize() int {
	if p.BlockSize > 0 {
		return p.BlockSize
	}
	return DefaultBlockSize
}

// Run pulls until ctx is done.
func (p *Pump) Run(ctx context.Context, interval time.Duration) {
	n := p.blockSize()
	buf := make([]float32, 2*n)
	block := make([]complex64, 0, n)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			got := p.Source.Read(buf, 0, len(buf))
			if got == 0 {
				break
			}
			if p.Out != nil {
				if err := binary.Write(p.Out, binary.LittleEndian, buf[:got]); err != nil {
					glog.Warningf("error writing samples: %s\n", err)
					p.Out = nil
				}
			}
			for i := 0; i < got; i += 2 {
				block = append(block, complex(buf[i], buf[i+1]))
				if len(block) == n {
					p.publish(block)
					block = block[:0]
				}
			}
		}
	}
}

func (p *Pump) publish(block []complex64) {
	p.mu.Lock()
	p.last = append(p.last[:0], block...)
	p.pulled += uint64(len(block))
	handlers := p.handlers
	p.mu.Unlock()
	for _, fn := range handlers {
		fn(block)
	}
}

// Last returns a copy of the most recent full block, nil before the first one.
func (p *Pump) Last() []complex64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	return append([]complex64(nil), p.last...)
}

// Pulled returns the number of sample pairs published in full blocks.
func (p *Pump) Pulled() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pulled
}
