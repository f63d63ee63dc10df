// Package render draws spectrum and waterfall images of I/Q sample blocks.
package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

var (
	// Colors defining the gradient in the heatmap. The higher the index, the warmer.
	colors = []color.RGBA{
		{0, 0, 0, 255},       // black
		{0, 0, 255, 255},     // blue
		{0, 255, 255, 255},   // cyan
		{0, 255, 0, 255},     // green
		{255, 255, 0, 255},   // yellow
		{255, 0, 0, 255},     // red
		{255, 255, 255, 255}, // white
	}

	backgroundColor = color.RGBA{0, 0, 0, 255}
)

const (
	DefaultWidth  = 1024
	DefaultHeight = 256
	// Larger requested sizes are clamped.
	MaxWidth  = 4096
	MaxHeight = 2048
	// floorDB is used for empty bins so the level scale stays finite.
	floorDB = -160.0
)

// GetColor determines the color of a pixel based on a color gradient and a pixel "level".
// http://www.andrewnoske.com/wiki/Code_-_heatmaps_and_color_gradients
func GetColor(lvl uint16) color.RGBA {
	pos := float64(lvl) / math.MaxUint16 * float64(len(colors)-1)
	i := int(pos)
	if i >= len(colors)-1 {
		return colors[len(colors)-1]
	}
	fract := pos - float64(i)
	from, to := colors[i], colors[i+1]
	mix := func(a, b uint8) uint8 {
		return uint8(math.Round(float64(a) + (float64(b)-float64(a))*fract))
	}
	return color.RGBA{mix(from.R, to.R), mix(from.G, to.G), mix(from.B, to.B), 255}
}

// Spectrum returns the power of samples per frequency bin in dBFS, DC centered.
// A Hann window is applied and the result normalized by the window sum.
func Spectrum(samples []complex64) []float64 {
	n := len(samples)
	if n == 0 {
		return nil
	}
	windowed := make([]complex128, n)
	sumWin := 0.0
	for i, s := range samples {
		w := 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n))
		if n == 1 {
			w = 1
		}
		sumWin += w
		windowed[i] = complex128(s) * complex(w, 0)
	}
	coeffs := fourier.NewCmplxFFT(n).Coefficients(nil, windowed)

	dbfs := make([]float64, n)
	half := n / 2
	for i := range coeffs {
		mag := cmplx.Abs(coeffs[(i+n-half)%n]) / sumWin
		if mag == 0 {
			dbfs[i] = floorDB
			continue
		}
		dbfs[i] = math.Max(floorDB, 20*math.Log10(mag))
	}
	return dbfs
}

// bucket reduces bins to width columns, keeping the peak of each column.
func bucket(bins []float64, width int) []float64 {
	out := make([]float64, width)
	for x := range out {
		lo := x * len(bins) / width
		hi := max((x+1)*len(bins)/width, lo+1)
		peak := math.Inf(-1)
		for _, v := range bins[lo:min(hi, len(bins))] {
			peak = math.Max(peak, v)
		}
		out[x] = peak
	}
	return out
}

func levelRange(values []float64) (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi-lo < 1 {
		hi = lo + 1
	}
	return lo, hi
}

func level(v, lo, hi float64) uint16 {
	f := (v - lo) / (hi - lo)
	return uint16(math.Max(0, math.Min(1, f)) * math.MaxUint16)
}

type Options struct {
	Width  int
	Height int
	// CenterFreq and SampleRate label the frequency axis.
	CenterFreq int64
	SampleRate int

	AddGrid bool
}

func (o *Options) defaults() {
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	o.Width = min(o.Width, MaxWidth)
	o.Height = min(o.Height, MaxHeight)
}

func (o *Options) freqRange() (int64, int64) {
	return o.CenterFreq - int64(o.SampleRate/2), o.CenterFreq + int64(o.SampleRate/2)
}

// RenderSpectrum draws the spectrum of one block as colored bars.
func RenderSpectrum(samples []complex64, opts Options) (image.Image, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples to render")
	}
	opts.defaults()
	columns := bucket(Spectrum(samples), opts.Width)
	lo, hi := levelRange(columns)

	canvas := image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{backgroundColor}, image.Point{}, draw.Src)
	for x, v := range columns {
		lvl := level(v, lo, hi)
		top := opts.Height - 1 - int(float64(lvl)/math.MaxUint16*float64(opts.Height-1))
		c := GetColor(lvl)
		for y := top; y < opts.Height; y++ {
			canvas.SetRGBA(x, y, c)
		}
	}
	if !opts.AddGrid {
		return canvas, nil
	}
	low, high := opts.freqRange()
	return DrawGrid(canvas, low, high, func(y int) string {
		return fmt.Sprintf("%.0f dBFS", hi-(hi-lo)*float64(y)/float64(opts.Height))
	}), nil
}

// Waterfall keeps the spectra of the most recent blocks, newest first.
type Waterfall struct {
	opts Options
	rows [][]float64
}

func NewWaterfall(opts Options) *Waterfall {
	opts.defaults()
	return &Waterfall{opts: opts}
}

// Add appends the spectrum of one block, dropping the oldest row when full.
func (w *Waterfall) Add(samples []complex64) {
	if len(samples) == 0 {
		return
	}
	row := bucket(Spectrum(samples), w.opts.Width)
	if len(w.rows) < w.opts.Height {
		w.rows = append(w.rows, nil)
	}
	copy(w.rows[1:], w.rows)
	w.rows[0] = row
}

func (w *Waterfall) Rows() int {
	return len(w.rows)
}

// Image draws the waterfall as a heatmap, empty rows stay black.
func (w *Waterfall) Image() image.Image {
	canvas := image.NewRGBA(image.Rect(0, 0, w.opts.Width, w.opts.Height))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{backgroundColor}, image.Point{}, draw.Src)

	var all []float64
	for _, row := range w.rows {
		all = append(all, row...)
	}
	lo, hi := levelRange(all)
	for y, row := range w.rows {
		for x, v := range row {
			canvas.SetRGBA(x, y, GetColor(level(v, lo, hi)))
		}
	}
	if !w.opts.AddGrid {
		return canvas
	}
	low, high := w.opts.freqRange()
	return DrawGrid(canvas, low, high, func(y int) string {
		return fmt.Sprintf("-%d", y)
	})
}
