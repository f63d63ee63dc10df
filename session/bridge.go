package session

import (
	"sync/atomic"

	"github.com/hb9tf/hfstream/ring"
	"github.com/hb9tf/hfstream/sdr"
)

// MaxBlockSize is the largest block, in samples, the bridge expects from a driver.
// The AirSpy HF+ delivers 2048 samples per callback.
const MaxBlockSize = 8192

// Bridge moves driver blocks into the ring. Its callback runs on the driver's
// goroutine and must return quickly: it does not log, lock or allocate once the
// scratch buffer is large enough for the blocks seen.
type Bridge struct {
	ring    *ring.Ring
	scratch []float32

	gen           atomic.Uint64
	armed         atomic.Uint64
	driverDropped atomic.Uint64
	blocks        atomic.Uint64
}

func NewBridge(r *ring.Ring) *Bridge {
	return &Bridge{
		ring:    r,
		scratch: make([]float32, 2*MaxBlockSize),
	}
}

// Arm returns the callback for a new stream. Callbacks handed out by earlier
// calls to Arm become no-ops.
func (b *Bridge) Arm() sdr.BlockCallback {
	g := b.gen.Add(1)
	b.armed.Store(g)
	return func(t *sdr.Transfer) {
		b.deliver(g, t)
	}
}

// Disarm turns every outstanding callback into a no-op.
func (b *Bridge) Disarm() {
	b.armed.Store(0)
}

func (b *Bridge) deliver(gen uint64, t *sdr.Transfer) {
	if t == nil || b.armed.Load() != gen {
		return
	}
	b.driverDropped.Add(t.DroppedSamples)
	b.blocks.Add(1)

	n := 2 * len(t.Samples)
	if n > len(b.scratch) {
		b.scratch = make([]float32, n)
	}
	buf := b.scratch[:n]
	for i, c := range t.Samples {
		buf[2*i] = real(c)
		buf[2*i+1] = imag(c)
	}
	b.ring.Write(buf)
}

// DriverDropped is the cumulative number of samples the driver reported as lost.
func (b *Bridge) DriverDropped() uint64 {
	return b.driverDropped.Load()
}

// Blocks is the number of blocks delivered to the ring.
func (b *Bridge) Blocks() uint64 {
	return b.blocks.Load()
}
