// Package typing turns local keystrokes into typing start/stop signals and
// aggregates the typing signals of other users per room.
package typing

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDelay is how long after the last keystroke a stop signal is sent.
const DefaultDelay = 3 * time.Second

type (
	// Signaler delivers typing signals. It is called with the debouncer lock
	// held and must not call back into the debouncer.
	Signaler interface {
		SendTyping(roomID string, typing bool) error
	}

	Timer interface {
		Stop() bool
	}

	// AfterFunc schedules f after d, like time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) Timer

	DebouncerConfig struct {
		Logger    *zerolog.Logger
		Signaler  Signaler
		RoomID    string
		Delay     time.Duration
		AfterFunc AfterFunc
	}

	Debouncer struct {
		logger    zerolog.Logger
		sig       Signaler
		roomID    string
		delay     time.Duration
		afterFunc AfterFunc

		mx     *sync.Mutex
		typing bool
		gen    uint64
		timer  Timer
	}
)

func NewDebouncer(cfg DebouncerConfig) *Debouncer {
	d := &Debouncer{
		logger:    cfg.Logger.With().Str("component", "typing").Str("roomID", cfg.RoomID).Logger(),
		sig:       cfg.Signaler,
		roomID:    cfg.RoomID,
		delay:     cfg.Delay,
		afterFunc: cfg.AfterFunc,
		mx:        &sync.Mutex{},
	}
	if d.delay <= 0 {
		d.delay = DefaultDelay
	}
	if d.afterFunc == nil {
		d.afterFunc = func(delay time.Duration, f func()) Timer {
			return time.AfterFunc(delay, f)
		}
	}
	return d
}

// Keystroke signals start on the first call and pushes the automatic stop
// back by the configured delay on every call.
func (d *Debouncer) Keystroke() {
	d.mx.Lock()
	defer d.mx.Unlock()

	d.gen++
	gen := d.gen
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.afterFunc(d.delay, func() { d.expire(gen) })

	if !d.typing {
		d.typing = true
		d.emit(true)
	}
}

// Stop cancels the pending automatic stop and signals stop right away if
// typing was signalled.
func (d *Debouncer) Stop() {
	d.mx.Lock()
	defer d.mx.Unlock()

	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.typing {
		d.typing = false
		d.emit(false)
	}
}

func (d *Debouncer) Typing() bool {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.typing
}

func (d *Debouncer) expire(gen uint64) {
	d.mx.Lock()
	defer d.mx.Unlock()

	// superseded by a later keystroke or Stop
	if gen != d.gen || !d.typing {
		return
	}
	d.timer = nil
	d.typing = false
	d.emit(false)
}

func (d *Debouncer) emit(typing bool) {
	if err := d.sig.SendTyping(d.roomID, typing); err != nil {
		d.logger.Debug().Err(err).Bool("typing", typing).Msg("typing signal not sent")
	}
}
