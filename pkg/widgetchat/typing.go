package widgetchat

import (
	"strings"
	"time"

	"github.com/benbjohnson/clock"
)

// typingDebouncer turns keystrokes into typing:true / typing:false edges. It is owned by the
// session loop; timer callbacks re-enter through post and are discarded when stale.
type typingDebouncer struct {
	clock  clock.Clock
	idle   time.Duration
	emit   func(isTyping bool)
	post   func(func())
	active bool
	timer  *clock.Timer
	gen    uint64
}

func (d *typingDebouncer) keystroke(value string) {
	if strings.TrimSpace(value) == "" {
		d.stop()
		return
	}
	if !d.active {
		d.active = true
		d.emit(true)
	}
	d.schedule()
}

func (d *typingDebouncer) schedule() {
	d.cancelTimer()
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.idle, func() {
		d.post(func() {
			if gen != d.gen {
				return
			}
			d.timer = nil
			if d.active {
				d.active = false
				d.emit(false)
			}
		})
	})
}

// stop ends a burst immediately, emitting typing:false if one was announced.
func (d *typingDebouncer) stop() {
	d.cancelTimer()
	if d.active {
		d.active = false
		d.emit(false)
	}
}

// teardown always emits a final typing:false.
func (d *typingDebouncer) teardown() {
	d.cancelTimer()
	d.active = false
	d.emit(false)
}

func (d *typingDebouncer) cancelTimer() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
