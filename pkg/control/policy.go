package control

import (
	"fmt"

	"github.com/itohio/govent/pkg/config"
	"github.com/itohio/govent/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Policy decides what happens when the link fails to send a command.
type Policy int

const (
	// Propagate returns the link error and leaves local state untouched.
	Propagate Policy = iota
	// BestEffort logs the link error and updates local state as if the
	// command had been sent.
	BestEffort
)

// ParsePolicy converts a configuration value to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case config.PolicyPropagate, "":
		return Propagate, nil
	case config.PolicyBestEffort:
		return BestEffort, nil
	default:
		return Propagate, fmt.Errorf("unknown command policy %q", s)
	}
}

func (p Policy) String() string {
	if p == BestEffort {
		return config.PolicyBestEffort
	}
	return config.PolicyPropagate
}

// Options configures the command components.
type Options struct {
	Policy  Policy
	Log     logrus.FieldLogger
	Metrics *metrics.Metrics
	// Yield is called after every actuator move so the host can drain
	// pending work. It must not block for long.
	Yield func()
}

func (o Options) withDefaults(component string) Options {
	if o.Log == nil {
		o.Log = logrus.StandardLogger()
	}
	o.Log = o.Log.WithField("component", component)
	if o.Yield == nil {
		o.Yield = func() {}
	}
	return o
}

// forward sends one command through send and applies the failure policy.
func (o Options) forward(name string, send func() error) error {
	err := send()
	o.Metrics.Command(name, err)
	if err == nil {
		return nil
	}
	if o.Policy == BestEffort {
		o.Log.WithError(err).WithField("command", name).Warn("command not sent, continuing")
		return nil
	}
	return fmt.Errorf("failed to send %s: %w", name, err)
}
