package control

import (
	"fmt"
	"strings"
	"sync"

	"github.com/itohio/govent/pkg/config"
	"github.com/itohio/govent/pkg/mcu"
	"github.com/itohio/govent/pkg/scale"
	"github.com/sirupsen/logrus"
)

// Parameters is the last commanded value of each headline ventilation
// setting. It is not confirmed by the controller.
type Parameters struct {
	Vt   float64 // ml
	Ti   float64 // s
	RR   float64 // breaths/min
	PEEP float64 // cmH2O
}

// ParametersFrom returns the startup parameters from configuration.
func ParametersFrom(d config.DefaultsConfig) Parameters {
	return Parameters{Vt: d.Vt, Ti: d.Ti, RR: d.RR, PEEP: d.PEEP}
}

// Ventilator forwards ventilation parameter updates to the controller and
// caches the headline ones.
type Ventilator struct {
	link  mcu.Link
	table scale.Table
	opts  Options

	mu     sync.RWMutex
	params Parameters
}

// NewVentilator creates a parameter channel starting from initial.
func NewVentilator(link mcu.Link, table scale.Table, initial Parameters, opts Options) *Ventilator {
	return &Ventilator{
		link:   link,
		table:  table,
		opts:   opts.withDefaults("ventilator"),
		params: initial,
	}
}

// Parameters returns the cached headline parameters.
func (v *Ventilator) Parameters() Parameters {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.params
}

// Set scales a physical value for quantity q and forwards it. Only Vt, Ti,
// RR and PEEP are cached, and only once the command has been forwarded.
func (v *Ventilator) Set(q scale.Quantity, value float64) error {
	e, err := v.table.Lookup(q)
	if err != nil {
		return err
	}
	if e.Command == scale.NoCommand {
		return fmt.Errorf("%s is not a settable parameter", q)
	}

	wire, err := v.table.Encode(q, value)
	if err != nil {
		return err
	}

	name := strings.ToLower(q.String())
	if err := v.opts.forward(name, func() error {
		return v.link.SetParameter(e.Command, wire)
	}); err != nil {
		return err
	}

	v.mu.Lock()
	switch q {
	case scale.Vt:
		v.params.Vt = value
	case scale.Ti:
		v.params.Ti = value
	case scale.RR:
		v.params.RR = value
	case scale.PEEP:
		v.params.PEEP = value
	}
	v.mu.Unlock()

	v.opts.Log.WithFields(logrus.Fields{"parameter": q.String(), "value": value, "wire": wire}).Debug("parameter set")
	return nil
}

// SetVt sets the tidal volume in ml.
func (v *Ventilator) SetVt(value float64) error { return v.Set(scale.Vt, value) }

// SetTi sets the inspiratory time in s.
func (v *Ventilator) SetTi(value float64) error { return v.Set(scale.Ti, value) }

// SetRR sets the respiratory rate in breaths/min.
func (v *Ventilator) SetRR(value float64) error { return v.Set(scale.RR, value) }

// SetPEEP sets the positive end-expiratory pressure in cmH2O.
func (v *Ventilator) SetPEEP(value float64) error { return v.Set(scale.PEEP, value) }

// SetFlow sets the flow valve opening in steps.
func (v *Ventilator) SetFlow(value float64) error { return v.Set(scale.PositionSteps, value) }

// SetPinsp sets the inspiratory pressure in cmH2O.
func (v *Ventilator) SetPinsp(value float64) error { return v.Set(scale.Pinsp, value) }

// SetRiseTime sets the pressure-control rise time in ms.
func (v *Ventilator) SetRiseTime(value float64) error { return v.Set(scale.RiseTime, value) }

// SetPIDP sets the proportional gain of the controller's pressure loop.
func (v *Ventilator) SetPIDP(value float64) error { return v.Set(scale.PIDP, value) }

// SetPIDIFrac sets the integral fraction of the controller's pressure loop.
func (v *Ventilator) SetPIDIFrac(value float64) error { return v.Set(scale.PIDIFrac, value) }
