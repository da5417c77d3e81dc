package waveform

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/itohio/govent/pkg/config"
	"github.com/itohio/govent/pkg/control"
	"github.com/itohio/govent/pkg/datalog"
	"github.com/itohio/govent/pkg/mcu"
	"github.com/itohio/govent/pkg/metrics"
	"github.com/itohio/govent/pkg/scale"
	"github.com/itohio/govent/pkg/tick"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records rows and flushes in memory.
type fakeSink struct {
	rows      []datalog.Row
	flushes   int
	closes    int
	flushed   int // rows covered by the last flush
	appendErr error
	flushErr  error
}

func (s *fakeSink) Append(row datalog.Row) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.rows = append(s.rows, row)
	return nil
}

func (s *fakeSink) Flush() error {
	if s.flushErr != nil {
		return s.flushErr
	}
	s.flushes++
	s.flushed = len(s.rows)
	return nil
}

func (s *fakeSink) Close() error {
	s.closes++
	return s.Flush()
}

// fakeLink hands out queued packets; nil entries mean no data that tick.
type fakeLink struct {
	queue []mcu.Packet
	polls int
}

func (f *fakeLink) Connect() error                  { return nil }
func (f *fakeLink) Close() error                    { return nil }
func (f *fakeLink) IsConnected() bool               { return true }
func (f *fakeLink) SetParameter(int, float64) error { return nil }
func (f *fakeLink) MoveX(int) error                 { return nil }
func (f *fakeLink) MoveY(int) error                 { return nil }
func (f *fakeLink) ToggleValve(int, bool) error     { return nil }

func (f *fakeLink) TryReceive() (mcu.Packet, bool) {
	f.polls++
	if len(f.queue) == 0 {
		return nil, false
	}
	p := f.queue[0]
	f.queue = f.queue[1:]
	return p, p != nil
}

type staticParams control.Parameters

func (p staticParams) Parameters() control.Parameters { return control.Parameters(p) }

// fakeClock advances by step on every call.
type fakeClock struct {
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func testTable() scale.Table {
	return scale.NewTable(config.Default().FullScale) // Paw 50, Flow 200, Volume 1500
}

var params = staticParams{Vt: 300, Ti: 1.2, RR: 18, PEEP: 5}

func TestDecode(t *testing.T) {
	table := testTable()

	paw, flow, volume, err := Decode(table, mcu.EncodePacket(16384, -8192, 32768, 0))
	require.NoError(t, err)
	assert.InDelta(t, 25, paw, 1e-9)
	assert.InDelta(t, -50, flow, 1e-9)
	assert.InDelta(t, 750, volume, 1e-9)

	// Six bytes are enough.
	_, _, volume, err = Decode(table, mcu.Packet{0, 0, 0, 0, 0x40, 0})
	require.NoError(t, err)
	assert.InDelta(t, 375, volume, 1e-9)

	_, _, _, err = Decode(table, mcu.Packet{1, 2, 3, 4, 5})
	assert.ErrorIs(t, err, ErrShortPacket)
}

func TestSimulation_Waveform(t *testing.T) {
	sink := &fakeSink{}
	loop := New(nil, testTable(), params, sink, Options{Simulation: true})

	for i := 0; i < 26; i++ {
		require.NoError(t, loop.Tick())
	}

	require.Len(t, sink.rows, 26)
	last := sink.rows[25]
	assert.InDelta(t, 0.2, last.Paw, 1e-9)
	assert.InDelta(t, 0.2, last.Flow, 1e-9)
	assert.InDelta(t, 0.2, last.Volume, 1e-9)
	assert.InDelta(t, 0.2, sink.rows[0].Paw, 1e-12)
	assert.InDelta(t, 2.0, sink.rows[9].Paw, 1e-9)

	// Commanded parameters are logged with every row.
	assert.Equal(t, float64(300), last.Vt)
	assert.Equal(t, 1.2, last.Ti)
	assert.Equal(t, float64(18), last.RR)
	assert.Equal(t, float64(5), last.PEEP)
}

func TestSimulation_Wraps(t *testing.T) {
	loop := New(nil, testTable(), params, &fakeSink{}, Options{Simulation: true})
	var values []float64
	loop.OnSample(func(s Sample) { values = append(values, s.Paw) })

	for i := 0; i < 60; i++ {
		require.NoError(t, loop.Tick())
	}
	for _, v := range values {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.Less(t, v, 5.0+1e-9)
	}
}

func TestHardware_LogsOnlyRealData(t *testing.T) {
	link := &fakeLink{queue: []mcu.Packet{
		mcu.EncodePacket(16384, 0, 0, 1),
		nil,
		mcu.Packet{1, 2, 3}, // short
		mcu.EncodePacket(-16384, 3277, 4369, 2),
	}}
	sink := &fakeSink{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	clock := &fakeClock{now: time.Unix(1700000000, 0), step: 10 * time.Millisecond}
	loop := New(link, testTable(), params, sink, Options{Clock: clock.Now, Metrics: m})

	for i := 0; i < 6; i++ {
		require.NoError(t, loop.Tick())
	}

	assert.Equal(t, 6, link.polls)
	require.Len(t, sink.rows, 2)
	assert.InDelta(t, 25, sink.rows[0].Paw, 1e-9)
	assert.InDelta(t, -25, sink.rows[1].Paw, 1e-9)
	assert.InDelta(t, 3277.0/32768*200, sink.rows[1].Flow, 1e-9)
	assert.InDelta(t, 4369.0/65536*1500, sink.rows[1].Volume, 1e-9)
	assert.Equal(t, float64(300), sink.rows[1].Vt)

	// Row time is the tick's wall clock in unix seconds; clock call 0 was New.
	assert.InDelta(t, 1700000000.01, sink.rows[0].Time, 1e-6)
	assert.InDelta(t, 1700000000.04, sink.rows[1].Time, 1e-6)

	assert.Equal(t, float64(6), testutil.ToFloat64(m.Ticks))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Packets))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ShortPackets))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Rows))
}

func TestHardware_RepublishesLastValues(t *testing.T) {
	link := &fakeLink{queue: []mcu.Packet{mcu.EncodePacket(16384, 0, 0, 1)}}
	loop := New(link, testTable(), params, &fakeSink{}, Options{})

	var paws []float64
	loop.OnPoint(func(p Point) {
		if p.Channel == Paw {
			paws = append(paws, p.Value)
		}
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, loop.Tick())
	}
	assert.Equal(t, []float64{25, 25, 25}, paws)
}

func TestDisplayDecimation(t *testing.T) {
	for _, threshold := range []int{1, 3, 7} {
		clock := &fakeClock{now: time.Unix(0, 0), step: 10 * time.Millisecond}
		loop := New(nil, testTable(), params, &fakeSink{}, Options{
			Simulation:        true,
			DisplayDecimation: threshold,
			Clock:             clock.Now,
		})

		var points []Point
		plots := 0
		loop.OnPoint(func(p Point) { points = append(points, p) })
		loop.OnPlotUpdate(func() {
			plots++
			// Plot update follows the three points of the same publish.
			assert.Equal(t, 3*plots, len(points))
		})

		const ticks = 42
		for i := 0; i < ticks; i++ {
			require.NoError(t, loop.Tick())
		}

		assert.Equal(t, ticks/threshold, plots, "threshold %d", threshold)
		require.Len(t, points, 3*plots)

		prev := -1.0
		for i := 0; i < len(points); i += 3 {
			assert.Equal(t, []Channel{Paw, Flow, Volume}, []Channel{points[i].Channel, points[i+1].Channel, points[i+2].Channel})
			assert.Equal(t, points[i].Time, points[i+2].Time)
			assert.GreaterOrEqual(t, points[i].Time, prev)
			prev = points[i].Time
		}

		// Elapsed time accumulates the wall clock between publishes.
		assert.InDelta(t, float64(plots*threshold)*0.01, prev, 1e-9, "threshold %d", threshold)
	}
}

func TestFlushCadence(t *testing.T) {
	sink := &fakeSink{}
	loop := New(nil, testTable(), params, sink, Options{Simulation: true})

	for i := 0; i < 1250; i++ {
		require.NoError(t, loop.Tick())
	}
	assert.Equal(t, 2, sink.flushes)
	assert.Equal(t, 1000, sink.flushed)

	require.NoError(t, loop.Stop())
	assert.Equal(t, 3, sink.flushes)
	assert.Equal(t, 1, sink.closes)
	assert.Equal(t, 1250, sink.flushed, "close leaves no appended row unflushed")

	require.NoError(t, loop.Stop())
	assert.Equal(t, 1, sink.closes)
}

func TestFlushCadence_Custom(t *testing.T) {
	sink := &fakeSink{}
	loop := New(nil, testTable(), params, sink, Options{Simulation: true, FlushEvery: 10})

	for i := 0; i < 35; i++ {
		require.NoError(t, loop.Tick())
	}
	assert.Equal(t, 3, sink.flushes)
}

func TestLogFailure_AcquisitionContinues(t *testing.T) {
	sink := &fakeSink{appendErr: errors.New("disk full")}
	loop := New(nil, testTable(), params, sink, Options{Simulation: true})

	var reported []error
	loop.OnLogError(func(err error) { reported = append(reported, err) })
	published := 0
	loop.OnPlotUpdate(func() { published++ })

	for i := 0; i < 3; i++ {
		err := loop.Tick()
		assert.ErrorIs(t, err, sink.appendErr)
	}
	assert.Len(t, reported, 3)
	assert.Equal(t, 3, published)

	sink.appendErr = nil
	require.NoError(t, loop.Tick())
	require.Len(t, sink.rows, 1)
	assert.InDelta(t, 0.8, sink.rows[0].Paw, 1e-9)
}

func TestTick_Reentrant(t *testing.T) {
	loop := New(nil, testTable(), params, &fakeSink{}, Options{Simulation: true})

	var inner error
	loop.OnPlotUpdate(func() {
		assert.Equal(t, Ticking, loop.State())
		inner = loop.Tick()
	})

	require.NoError(t, loop.Tick())
	assert.ErrorIs(t, inner, ErrReentrant)
	assert.Equal(t, Idle, loop.State())
}

func TestStartStop_ManualSource(t *testing.T) {
	var buf bytes.Buffer
	sink, err := datalog.NewWriter(&buf)
	require.NoError(t, err)

	loop := New(nil, testTable(), params, sink, Options{Simulation: true, Interval: 10 * time.Millisecond})
	src := &tick.Manual{}
	require.NoError(t, loop.Start(src))
	assert.Equal(t, 10*time.Millisecond, src.Interval())
	assert.ErrorIs(t, loop.Start(src), tick.ErrRunning)

	src.Fire(5)
	require.NoError(t, loop.Stop())
	src.Fire(5) // detached

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 6)
	assert.Equal(t, strings.Join(datalog.Header, ","), lines[0])
	assert.Error(t, loop.Start(src))
}

func TestStart_RequiresLinkOutsideSimulation(t *testing.T) {
	loop := New(nil, testTable(), params, &fakeSink{}, Options{Interval: time.Millisecond})
	assert.Error(t, loop.Start(&tick.Manual{}))
}

func TestLoop_WithMockController(t *testing.T) {
	cfg := config.Default()
	cfg.Mock.SampleRate = 2 * time.Millisecond
	dev := mcu.NewMock(cfg)
	require.NoError(t, dev.Connect())
	defer dev.Close()

	table := scale.NewTable(cfg.FullScale)
	vent := control.NewVentilator(dev, table, control.ParametersFrom(cfg.Defaults), control.Options{})
	sink := &fakeSink{}
	loop := New(dev, table, vent, sink, Options{})

	require.NoError(t, vent.SetPEEP(8))

	require.Eventually(t, func() bool {
		_ = loop.Tick()
		return len(sink.rows) >= 5
	}, 2*time.Second, time.Millisecond)

	for _, row := range sink.rows {
		assert.Equal(t, float64(8), row.PEEP)
		assert.GreaterOrEqual(t, row.Volume, 0.0)
	}
}
