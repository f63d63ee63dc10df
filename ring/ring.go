// Package ring implements the sample buffer between a driver callback and the
// host's pull loop.
//
// A Ring holds interleaved float32 I/Q pairs. There is exactly one producer
// (Write) and one consumer (Read); neither ever blocks. When the producer runs
// ahead of the consumer the oldest unread samples are dropped so the newest ones
// are always kept.
//
// Both cursors are free-running uint64 counters, only masked when indexing the
// storage. The held count is write - read. The producer advances the read cursor
// with a CAS when it has to drop; the consumer commits a read with a CAS and
// retries if the producer moved the cursor in the meantime, so a read never
// returns samples that were overwritten while it was copying them. Retries are
// capped at maxRetries, after which Read returns 0 and the consumer tries again
// on its next pull.
package ring

import (
	"sync/atomic"

	"github.com/hb9tf/hfstream/sdr"
)

const maxRetries = 64

type storage struct {
	data     []float32
	capacity uint64 // in pairs, power of two
	mask     uint64

	writePos atomic.Uint64
	readPos  atomic.Uint64
}

type Ring struct {
	st        atomic.Pointer[storage]
	streaming atomic.Bool
	dropped   atomic.Uint64
	notify    atomic.Pointer[func(held int)]
}

// New returns a ring holding at least capacity sample pairs.
func New(capacity int) *Ring {
	r := &Ring{}
	r.st.Store(newStorage(capacity))
	return r
}

func newStorage(capacity int) *storage {
	size := uint64(1)
	for size < uint64(max(capacity, 1)) {
		size <<= 1
	}
	return &storage{
		data:     make([]float32, 2*size),
		capacity: size,
		mask:     size - 1,
	}
}

// Resize replaces the storage with room for at least capacity pairs and drops
// everything unread. It fails with sdr.ErrInvalidState while streaming.
func (r *Ring) Resize(capacity int) error {
	if r.streaming.Load() {
		return sdr.ErrInvalidState
	}
	r.st.Store(newStorage(capacity))
	return nil
}

// SetStreaming marks the ring as being fed by a live stream, which locks its size.
func (r *Ring) SetStreaming(streaming bool) {
	r.streaming.Store(streaming)
}

func (r *Ring) Streaming() bool {
	return r.streaming.Load()
}

// OnSamplesAvailable registers the observer called after every write with the
// number of held pairs. It runs on the producer's goroutine and must not block.
func (r *Ring) OnSamplesAvailable(fn func(held int)) {
	if fn == nil {
		r.notify.Store(nil)
		return
	}
	r.notify.Store(&fn)
}

// Cap returns the capacity in pairs.
func (r *Ring) Cap() int {
	return int(r.st.Load().capacity)
}

// Len returns the number of pairs available to Read.
func (r *Ring) Len() int {
	st := r.st.Load()
	for range maxRetries {
		rd := st.readPos.Load()
		w := st.writePos.Load()
		if w-rd <= st.capacity {
			return int(w - rd)
		}
	}
	return int(st.capacity)
}

// Dropped returns the number of pairs discarded on overflow since creation.
func (r *Ring) Dropped() uint64 {
	return r.dropped.Load()
}

// Write appends interleaved real/imag pairs, a trailing odd value is ignored.
// Producer only.
func (r *Ring) Write(samples []float32) {
	st := r.st.Load()
	n := uint64(len(samples) / 2)
	if n == 0 {
		return
	}
	if n > st.capacity {
		skip := n - st.capacity
		r.dropped.Add(skip)
		samples = samples[2*skip:]
		n = st.capacity
	}

	w := st.writePos.Load()
	held := uint64(0)
	for {
		rd := st.readPos.Load()
		held = w - rd
		if held+n <= st.capacity {
			break
		}
		excess := held + n - st.capacity
		if st.readPos.CompareAndSwap(rd, rd+excess) {
			r.dropped.Add(excess)
			held -= excess
			break
		}
	}

	pos := w & st.mask
	first := st.capacity - pos
	if first >= n {
		copy(st.data[2*pos:], samples[:2*n])
	} else {
		copy(st.data[2*pos:], samples[:2*first])
		copy(st.data, samples[2*first:2*n])
	}
	st.writePos.Store(w + n)

	if fn := r.notify.Load(); fn != nil {
		(*fn)(int(held + n))
	}
}

// Read copies up to len(dst)/2 pairs into dst and returns the number of pairs
// copied. Consumer only.
func (r *Ring) Read(dst []float32) int {
	st := r.st.Load()
	want := uint64(len(dst) / 2)
	if want == 0 {
		return 0
	}
	for range maxRetries {
		rd := st.readPos.Load()
		w := st.writePos.Load()
		avail := w - rd
		if avail > st.capacity {
			// Producer is between dropping and publishing, look again.
			continue
		}
		n := min(want, avail)
		if n == 0 {
			return 0
		}

		pos := rd & st.mask
		first := st.capacity - pos
		if first >= n {
			copy(dst[:2*n], st.data[2*pos:2*(pos+n)])
		} else {
			copy(dst[:2*first], st.data[2*pos:])
			copy(dst[2*first:2*n], st.data[:2*(n-first)])
		}
		if st.readPos.CompareAndSwap(rd, rd+n) {
			return int(n)
		}
	}
	return 0
}
