package session

import (
	"fmt"

	"github.com/hb9tf/hfstream/sdr"
)

// Tuner keeps the target frequency per channel and retunes the device while the
// session streams. The active channel drives the single RF path.
//
// Changes come in two flavours. SetFrequency originates a change: once the
// device accepted it observers get a tuned event. Echo applies a change that was
// observed elsewhere, for example on a synchronized rig display, and stays
// silent so the two sides do not keep bouncing the same frequency back and forth.
type Tuner struct {
	session *Session
	targets [sdr.NumChannels]int64
	active  int
}

func newTuner(s *Session, targets [sdr.NumChannels]int64) *Tuner {
	return &Tuner{
		session: s,
		targets: targets,
	}
}

// Frequency returns the target of channel in Hz, 0 for an unknown channel.
func (t *Tuner) Frequency(channel int) int64 {
	if !validChannel(channel) {
		return 0
	}
	return t.targets[channel]
}

// Frequencies returns the whole target table.
func (t *Tuner) Frequencies() [sdr.NumChannels]int64 {
	return t.targets
}

// SetFrequencies replaces the target table without touching the device. Used
// when the host loads settings.
func (t *Tuner) SetFrequencies(targets [sdr.NumChannels]int64) {
	t.targets = targets
}

func (t *Tuner) ActiveChannel() int {
	return t.active
}

// SetActiveChannel selects the channel driving the RF path and retunes to its
// target if streaming.
func (t *Tuner) SetActiveChannel(channel int) error {
	if !validChannel(channel) {
		return fmt.Errorf("invalid channel %d", channel)
	}
	if channel == t.active {
		return nil
	}
	t.active = channel
	return t.apply(channel, true)
}

// SetFrequency records hz as the target of channel. While streaming on that
// channel the device is retuned before returning. If the device refuses, the
// target is kept, the session is torn down and the stopped event carries the
// error, which is returned as well.
func (t *Tuner) SetFrequency(channel int, hz int64) error {
	if !validChannel(channel) {
		return fmt.Errorf("invalid channel %d", channel)
	}
	t.targets[channel] = hz
	return t.apply(channel, true)
}

// Echo is SetFrequency for changes that originate outside, it never emits a
// tuned event. An echo of the current target is ignored.
func (t *Tuner) Echo(channel int, hz int64) error {
	if !validChannel(channel) {
		return fmt.Errorf("invalid channel %d", channel)
	}
	if t.targets[channel] == hz {
		return nil
	}
	t.targets[channel] = hz
	return t.apply(channel, false)
}

func (t *Tuner) apply(channel int, originated bool) error {
	if !t.session.Active() || channel != t.active {
		return nil
	}
	hz := t.targets[channel]
	if err := t.session.tune(hz); err != nil {
		err = fmt.Errorf("%w: set frequency %d Hz on channel %d: %w", sdr.ErrTuneFailed, hz, channel, err)
		t.session.Fail(err)
		return err
	}
	if originated {
		t.session.emit(sdr.Event{
			Kind:      sdr.EventTuned,
			Channel:   channel,
			Frequency: hz,
		})
	}
	return nil
}

func (t *Tuner) activeTarget() int64 {
	return t.targets[t.active]
}

func validChannel(channel int) bool {
	return channel >= 0 && channel < sdr.NumChannels
}
