package waveform

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itohio/govent/pkg/config"
	"github.com/itohio/govent/pkg/control"
	"github.com/itohio/govent/pkg/datalog"
	"github.com/itohio/govent/pkg/mcu"
	"github.com/itohio/govent/pkg/metrics"
	"github.com/itohio/govent/pkg/scale"
	"github.com/itohio/govent/pkg/tick"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultFlushEvery is the default number of ticks between log flushes.
	DefaultFlushEvery = 500

	simStep    = 0.2
	simModulus = 5
)

// ErrReentrant is returned when Tick is called while a tick is running.
var ErrReentrant = errors.New("waveform: tick already in progress")

// State of the loop.
type State int32

const (
	Idle State = iota
	Ticking
)

// ParameterSource provides the commanded parameters logged with each sample.
type ParameterSource interface {
	Parameters() control.Parameters
}

var _ ParameterSource = (*control.Ventilator)(nil)

// Options configures the acquisition loop.
type Options struct {
	Interval          time.Duration
	Simulation        bool // Synthesize samples instead of reading the link
	DisplayDecimation int  // Publish every N ticks; <= 0 means every tick
	FlushEvery        int  // Flush the log every N ticks; <= 0 means DefaultFlushEvery
	Clock             func() time.Time
	Log               logrus.FieldLogger
	Metrics           *metrics.Metrics
}

// OptionsFrom returns loop options from configuration.
func OptionsFrom(cfg config.WaveformsConfig) Options {
	return Options{
		Interval:          cfg.UpdateInterval,
		Simulation:        cfg.Simulation,
		DisplayDecimation: cfg.DisplayDecimation,
		FlushEvery:        cfg.FlushEvery,
	}
}

// Loop polls the controller once per tick, decodes telemetry, logs it and
// publishes decimated waveforms to subscribers.
//
// Tick must be called from one goroutine at a time; a tick.Source
// guarantees that.
type Loop struct {
	link   mcu.Link
	table  scale.Table
	params ParameterSource
	sink   datalog.Sink
	opts   Options
	state  atomic.Int32

	// Last acquired values, republished between packets.
	paw, flow, volume float64

	displayCount int
	flushCount   int
	elapsed      float64
	prevPublish  time.Time

	// Callbacks
	cbMu      sync.RWMutex
	onPoint   []func(Point)
	onPlot    []func()
	onSample  []func(Sample)
	onLogFail []func(error)

	// Lifecycle
	mu      sync.Mutex
	src     tick.Source
	stopped bool
}

// New creates an acquisition loop. link may be nil in simulation mode.
func New(link mcu.Link, table scale.Table, params ParameterSource, sink datalog.Sink, opts Options) *Loop {
	if opts.DisplayDecimation <= 0 {
		opts.DisplayDecimation = 1
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = DefaultFlushEvery
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	opts.Log = opts.Log.WithField("component", "waveform")

	return &Loop{
		link:        link,
		table:       table,
		params:      params,
		sink:        sink,
		opts:        opts,
		prevPublish: opts.Clock(),
	}
}

// OnPoint registers a callback for decimated Paw, Flow and Volume points.
func (l *Loop) OnPoint(callback func(Point)) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.onPoint = append(l.onPoint, callback)
}

// OnPlotUpdate registers a callback invoked after each decimated publish.
func (l *Loop) OnPlotUpdate(callback func()) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.onPlot = append(l.onPlot, callback)
}

// OnSample registers a callback for every acquired sample.
func (l *Loop) OnSample(callback func(Sample)) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.onSample = append(l.onSample, callback)
}

// OnLogError registers a callback for session log failures. Acquisition
// continues after a failure.
func (l *Loop) OnLogError(callback func(error)) {
	l.cbMu.Lock()
	defer l.cbMu.Unlock()
	l.onLogFail = append(l.onLogFail, callback)
}

// State reports whether a tick is in progress.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Tick runs one poll, decode, log and publish cycle. The returned error is a
// log write or flush failure; the loop state still advances.
func (l *Loop) Tick() error {
	if !l.state.CompareAndSwap(int32(Idle), int32(Ticking)) {
		return ErrReentrant
	}
	defer l.state.Store(int32(Idle))

	now := l.opts.Clock()
	l.opts.Metrics.Tick()

	var errs []error

	if sample, ok := l.acquire(now); ok {
		l.emitSample(sample)
		if err := l.sink.Append(sample.Row()); err != nil {
			errs = append(errs, err)
		} else {
			l.opts.Metrics.Row()
		}
	}

	l.displayCount++
	if l.displayCount >= l.opts.DisplayDecimation {
		l.displayCount = 0
		l.elapsed += now.Sub(l.prevPublish).Seconds()
		l.prevPublish = now
		l.publish()
	}

	l.flushCount++
	if l.flushCount >= l.opts.FlushEvery {
		l.flushCount = 0
		if err := l.sink.Flush(); err != nil {
			errs = append(errs, err)
		} else {
			l.opts.Metrics.Flush()
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		l.opts.Metrics.LogError()
		l.opts.Log.WithError(err).Error("session log failure")
		l.emitLogError(err)
	}
	return err
}

// acquire produces this tick's sample, if any.
func (l *Loop) acquire(now time.Time) (Sample, bool) {
	if l.opts.Simulation {
		l.paw = math.Mod(l.paw+simStep, simModulus)
		l.flow = math.Mod(l.flow+simStep, simModulus)
		l.volume = math.Mod(l.volume+simStep, simModulus)
	} else {
		p, ok := l.link.TryReceive()
		if !ok {
			return Sample{}, false
		}
		paw, flow, volume, err := Decode(l.table, p)
		if err != nil {
			l.opts.Metrics.ShortPacket()
			l.opts.Log.WithError(err).Debug("discarding packet")
			return Sample{}, false
		}
		l.paw, l.flow, l.volume = paw, flow, volume
		l.opts.Metrics.Packet()
	}

	s := Sample{Time: now, Paw: l.paw, Flow: l.flow, Volume: l.volume}
	if l.params != nil {
		s.Parameters = l.params.Parameters()
	}
	return s, true
}

func (l *Loop) publish() {
	l.cbMu.RLock()
	onPoint := append([]func(Point){}, l.onPoint...)
	onPlot := append([]func(){}, l.onPlot...)
	l.cbMu.RUnlock()

	points := [...]Point{
		{Channel: Paw, Time: l.elapsed, Value: l.paw},
		{Channel: Flow, Time: l.elapsed, Value: l.flow},
		{Channel: Volume, Time: l.elapsed, Value: l.volume},
	}
	for _, p := range points {
		for _, cb := range onPoint {
			cb(p)
		}
	}
	for _, cb := range onPlot {
		cb()
	}
	l.opts.Metrics.Publish()
}

func (l *Loop) emitSample(s Sample) {
	l.cbMu.RLock()
	callbacks := append([]func(Sample){}, l.onSample...)
	l.cbMu.RUnlock()

	for _, cb := range callbacks {
		cb(s)
	}
}

func (l *Loop) emitLogError(err error) {
	l.cbMu.RLock()
	callbacks := append([]func(error){}, l.onLogFail...)
	l.cbMu.RUnlock()

	for _, cb := range callbacks {
		cb(err)
	}
}

// Start drives the loop from src at the configured interval.
func (l *Loop) Start(src tick.Source) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return errors.New("waveform: loop stopped")
	}
	if l.src != nil {
		return tick.ErrRunning
	}
	if !l.opts.Simulation && l.link == nil {
		return errors.New("waveform: link required outside simulation mode")
	}

	// Errors are reported through logging, metrics and OnLogError.
	if err := src.Start(l.opts.Interval, func() { _ = l.Tick() }); err != nil {
		return fmt.Errorf("failed to start tick source: %w", err)
	}
	l.src = src
	l.opts.Log.WithFields(logrus.Fields{
		"interval":   l.opts.Interval,
		"simulation": l.opts.Simulation,
	}).Info("acquisition started")
	return nil
}

// Stop stops ticking, then flushes and closes the session log. Calling Stop
// again returns nil.
func (l *Loop) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stopped {
		return nil
	}
	l.stopped = true

	if l.src != nil {
		l.src.Stop()
		l.src = nil
	}

	if err := l.sink.Close(); err != nil {
		l.opts.Metrics.LogError()
		return fmt.Errorf("failed to close session log: %w", err)
	}
	l.opts.Metrics.Flush()
	l.opts.Log.Info("acquisition stopped")
	return nil
}
