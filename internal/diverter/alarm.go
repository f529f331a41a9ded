package diverter

import (
	"sync"
)

// AlarmSink drives the physical alarm outputs. The monitor consumes it; it
// does not own the hardware.
type AlarmSink interface {
	SetRedLight(on bool)
	SetBuzzer(on bool)
}

// LogAlarm is an AlarmSink that only logs and remembers the last state.
type LogAlarm struct {
	mu     sync.Mutex
	red    bool
	buzzer bool
}

func (a *LogAlarm) SetRedLight(on bool) {
	a.mu.Lock()
	changed := a.red != on
	a.red = on
	a.mu.Unlock()
	if changed {
		log.Warn("Red light", "on", on)
	}
}

func (a *LogAlarm) SetBuzzer(on bool) {
	a.mu.Lock()
	changed := a.buzzer != on
	a.buzzer = on
	a.mu.Unlock()
	if changed {
		log.Warn("Buzzer", "on", on)
	}
}

// State returns the current red light and buzzer outputs.
func (a *LogAlarm) State() (red, buzzer bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.red, a.buzzer
}
