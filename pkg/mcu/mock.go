package mcu

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/chewxy/math32"
	"github.com/itohio/govent/pkg/config"
	"github.com/itohio/govent/pkg/scale"
)

// Mock simulates the ventilator controller for testing and development.
// It runs a single-compartment lung model with volume-controlled breaths,
// in float32 like the firmware does.
type Mock struct {
	cfg   config.MockConfig
	table scale.Table

	packets   chan Packet
	mu        sync.RWMutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool

	commands []Command
	x, y     int
	valves   map[int]bool

	// Commanded breath settings (physical units)
	vt, ti, rr, peep float32

	startTime time.Time
	timer     uint16
}

// NewMock creates a new simulated controller. Commanded parameters start at
// the configured defaults.
func NewMock(cfg *config.Config) *Mock {
	if cfg == nil {
		cfg = config.Default()
	}
	mc := cfg.Mock
	if mc.SampleRate <= 0 {
		mc.SampleRate = config.Default().Mock.SampleRate
	}

	return &Mock{
		cfg:     mc,
		table:   scale.NewTable(cfg.FullScale),
		packets: make(chan Packet, DefaultBufferSize),
		valves:  make(map[int]bool),
		vt:      float32(cfg.Defaults.Vt),
		ti:      float32(cfg.Defaults.Ti),
		rr:      float32(cfg.Defaults.RR),
		peep:    float32(cfg.Defaults.PEEP),
	}
}

// Connect starts generating packets.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return ErrAlreadyConnected
	}

	m.connected = true
	m.startTime = time.Now()
	m.ctx, m.cancel = context.WithCancel(context.Background())

	go m.generatePackets(m.ctx)

	return nil
}

// Close stops the simulated controller.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	m.cancel()
	m.connected = false
	return nil
}

// IsConnected returns whether the mock is running.
func (m *Mock) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// SetParameter records the command and applies headline breath settings.
func (m *Mock) SetParameter(cmd int, value float64) error {
	frame, err := encodeParameter(cmd, value)
	if err != nil {
		return err
	}
	c, err := m.record(frame)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for q, dst := range map[scale.Quantity]*float32{
		scale.Vt:   &m.vt,
		scale.Ti:   &m.ti,
		scale.RR:   &m.rr,
		scale.PEEP: &m.peep,
	} {
		if e := m.table[q]; e.Command == c.ID {
			*dst = float32(c.Normalized() * e.FullScale)
		}
	}
	return nil
}

// MoveX records a relative x move.
func (m *Mock) MoveX(delta int) error {
	frame, err := encodeMove(CmdMoveX, delta)
	if err != nil {
		return err
	}
	if _, err := m.record(frame); err != nil {
		return err
	}
	m.mu.Lock()
	m.x += delta
	m.mu.Unlock()
	return nil
}

// MoveY records a relative y move.
func (m *Mock) MoveY(delta int) error {
	frame, err := encodeMove(CmdMoveY, delta)
	if err != nil {
		return err
	}
	if _, err := m.record(frame); err != nil {
		return err
	}
	m.mu.Lock()
	m.y += delta
	m.mu.Unlock()
	return nil
}

// ToggleValve records a valve state change.
func (m *Mock) ToggleValve(n int, open bool) error {
	frame, err := encodeValve(n, open)
	if err != nil {
		return err
	}
	if _, err := m.record(frame); err != nil {
		return err
	}
	m.mu.Lock()
	m.valves[n] = open
	m.mu.Unlock()
	return nil
}

// TryReceive returns a pending packet, if any.
func (m *Mock) TryReceive() (Packet, bool) {
	select {
	case p := <-m.packets:
		return p, true
	default:
		return nil, false
	}
}

// Commands returns every command received so far, decoded from its wire frame.
func (m *Mock) Commands() []Command {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Command, len(m.commands))
	copy(result, m.commands)
	return result
}

// Position returns the controller-side actuator position.
func (m *Mock) Position() (x, y int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.x, m.y
}

// Valve reports whether valve n is open.
func (m *Mock) Valve(n int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.valves[n]
}

// record decodes the frame as the firmware would and appends it to the log.
func (m *Mock) record(frame []byte) (Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return Command{}, ErrNotConnected
	}

	c, err := DecodeCommand(frame)
	if err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}
	m.commands = append(m.commands, c)
	return c, nil
}

// generatePackets generates simulated packets at the configured rate.
func (m *Mock) generatePackets(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.mu.RLock()
			elapsed := now.Sub(m.startTime)
			m.mu.RUnlock()

			p := m.generatePacket(elapsed)
			select {
			case m.packets <- p:
			case <-ctx.Done():
				return
			default:
				// Channel full, skip
			}
		}
	}
}

// generatePacket computes the lung state at elapsed time since start and
// encodes it as a telemetry frame.
func (m *Mock) generatePacket(elapsed time.Duration) Packet {
	m.mu.Lock()
	vt, ti, rr, peep := m.vt, m.ti, m.rr, m.peep
	m.timer++
	timer := m.timer
	m.mu.Unlock()

	paw, flow, volume := m.lung(float32(elapsed.Seconds()), vt, ti, rr, peep)

	return EncodePacket(
		toSigned(paw, m.table[scale.Paw].FullScale),
		toSigned(flow, m.table[scale.Flow].FullScale),
		toUnsigned(volume, m.table[scale.Volume].FullScale),
		timer,
	)
}

// lung returns airway pressure (cmH2O), flow (l/min) and volume (ml) at time t.
// Inspiration delivers Vt at constant flow over Ti; expiration decays
// passively with time constant R*C.
func (m *Mock) lung(t, vt, ti, rr, peep float32) (paw, flow, volume float32) {
	if rr <= 0 || ti <= 0 {
		return peep, 0, 0
	}

	period := 60 / rr
	phase := math32.Mod(t, period)
	c := float32(m.cfg.Compliance)    // ml/cmH2O
	r := float32(m.cfg.Resistance)    // cmH2O/(l/s)
	tau := math32.Max(r*c/1000, 1e-3) // s
	noise := float32(m.cfg.NoiseLevel) * math32.Sin(t*97)

	if phase < ti {
		q := vt / ti // ml/s
		volume = q * phase
		flow = q * 60 / 1000
		paw = peep + volume/c + r*q/1000
	} else {
		v0 := vt
		if ti > period {
			v0 = vt * period / ti
		}
		volume = v0 * math32.Exp(-(phase-ti)/tau)
		q := -volume / tau
		flow = q * 60 / 1000
		paw = peep + volume/c + r*q/1000
	}

	return paw + noise, flow, volume
}

func toSigned(v float32, fullScale float64) int16 {
	raw := math32.Round(v / float32(fullScale) * 32768)
	return int16(math32.Max(math32.Min(raw, math.MaxInt16), math.MinInt16))
}

func toUnsigned(v float32, fullScale float64) uint16 {
	raw := math32.Round(v / float32(fullScale) * 65536)
	return uint16(math32.Max(math32.Min(raw, math.MaxUint16), 0))
}
