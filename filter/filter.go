package filter

import "github.com/hb9tf/hfstream/sdr"

type Filterer interface {
	ShouldIgnore(*sdr.Event) bool
}

// Filter forwards every event no filter ignores and closes output once input
// is drained.
func Filter(input <-chan sdr.Event, output chan<- sdr.Event, filters []Filterer) error {
	defer close(output)
	for ev := range input {
		skip := false
		for _, f := range filters {
			if f.ShouldIgnore(&ev) {
				skip = true
				break
			}
		}
		if skip {
			continue
		}
		output <- ev
	}
	return nil
}

type FilterFreq struct {
	FreqHigh int64
	FreqLow  int64
}

func (f *FilterFreq) ShouldIgnore(ev *sdr.Event) bool {
	return ev.Frequency < f.FreqLow || ev.Frequency > f.FreqHigh
}

// FilterKind ignores every event whose kind is not listed.
type FilterKind struct {
	Kinds []sdr.EventKind
}

func (f *FilterKind) ShouldIgnore(ev *sdr.Event) bool {
	for _, k := range f.Kinds {
		if ev.Kind == k {
			return false
		}
	}
	return true
}
