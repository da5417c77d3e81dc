package control

import (
	"sync"

	"github.com/itohio/govent/pkg/mcu"
)

// Axis identifies one of the two actuator axes.
type Axis int

const (
	AxisX Axis = iota
	AxisY
)

func (a Axis) String() string {
	if a == AxisY {
		return "y"
	}
	return "x"
}

// Valves drives the valve actuators and keeps the cumulative position of
// each axis since startup.
type Valves struct {
	link mcu.Link
	opts Options

	mu   sync.Mutex
	x, y int

	callbacks []func(axis Axis, position float64)
	cbMu      sync.RWMutex
}

// NewValves creates an actuator controller at position (0, 0).
func NewValves(link mcu.Link, opts Options) *Valves {
	return &Valves{
		link: link,
		opts: opts.withDefaults("valves"),
	}
}

// OnPosition registers a callback invoked with the absolute position after
// every move.
func (v *Valves) OnPosition(callback func(axis Axis, position float64)) {
	v.cbMu.Lock()
	defer v.cbMu.Unlock()
	v.callbacks = append(v.callbacks, callback)
}

// MoveX moves the x actuator by delta steps.
func (v *Valves) MoveX(delta int) error {
	return v.move(AxisX, delta, v.link.MoveX)
}

// MoveY moves the y actuator by delta steps.
func (v *Valves) MoveY(delta int) error {
	return v.move(AxisY, delta, v.link.MoveY)
}

// Position returns the cumulative position of both axes.
func (v *Valves) Position() (x, y int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.x, v.y
}

// OpenValve opens valve n.
func (v *Valves) OpenValve(n int) error {
	return v.toggle(n, true)
}

// CloseValve closes valve n.
func (v *Valves) CloseValve(n int) error {
	return v.toggle(n, false)
}

// toggle forwards a valve command. The metric label is fixed per action;
// the valve index is carried as a log field.
func (v *Valves) toggle(n int, open bool) error {
	name := "valve_close"
	if open {
		name = "valve_open"
	}
	opts := v.opts
	opts.Log = opts.Log.WithField("valve", n)
	return opts.forward(name, func() error {
		return v.link.ToggleValve(n, open)
	})
}

// move sends the command first, then updates the accumulator, then
// publishes, then yields to the host.
func (v *Valves) move(axis Axis, delta int, send func(int) error) error {
	if err := v.opts.forward("move_"+axis.String(), func() error {
		return send(delta)
	}); err != nil {
		return err
	}

	v.mu.Lock()
	var pos int
	if axis == AxisX {
		v.x += delta
		pos = v.x
	} else {
		v.y += delta
		pos = v.y
	}
	v.mu.Unlock()

	v.notify(axis, float64(pos))
	v.opts.Yield()
	return nil
}

func (v *Valves) notify(axis Axis, pos float64) {
	v.cbMu.RLock()
	callbacks := make([]func(Axis, float64), len(v.callbacks))
	copy(callbacks, v.callbacks)
	v.cbMu.RUnlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb(axis, pos)
		}
	}
}
