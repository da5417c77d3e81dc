package mcu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the controller's native USB CDC rate.
	DefaultBaudRate = 2000000
	// DefaultBufferSize is the default size for the packet channel buffer.
	DefaultBufferSize = 100

	readTimeout = 100 * time.Millisecond
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Serial is a connection to the ventilator controller over a serial port.
//
// All commands and TryReceive are serialized by a single mutex; the port is
// never written from two goroutines at once.
type Serial struct {
	port     string
	baudRate int
	bufSize  int
	log      logrus.FieldLogger

	conn      serial.Port
	packets   chan Packet
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	connected bool
}

// New creates a new Serial link with the specified port, baud rate, and buffer size.
func New(port string, baudRate int, bufSize int, log logrus.FieldLogger) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if bufSize == 0 {
		bufSize = DefaultBufferSize
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Serial{
		port:     port,
		baudRate: baudRate,
		bufSize:  bufSize,
		log:      log.WithFields(logrus.Fields{"component": "mcu", "port": port}),
		packets:  make(chan Packet, bufSize),
	}
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Connect opens the serial port and starts reading packets.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return ErrAlreadyConnected
	}

	port, err := serial.Open(d.port, &serial.Mode{BaudRate: d.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout on %s: %w", d.port, err)
	}

	d.conn = port
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.done = make(chan struct{})
	d.connected = true

	go d.readPackets(d.ctx, port, d.done)

	d.log.Info("connected")
	return nil
}

// Close stops the reader and closes the port.
func (d *Serial) Close() error {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil
	}

	d.cancel()
	d.connected = false
	err := d.conn.Close()
	d.conn = nil
	done := d.done
	d.mu.Unlock()

	<-done

	if err != nil {
		return fmt.Errorf("failed to close serial port %s: %w", d.port, err)
	}
	d.log.Info("disconnected")
	return nil
}

// IsConnected returns whether the port is open.
func (d *Serial) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// SetParameter sends a normalized parameter value.
func (d *Serial) SetParameter(cmd int, value float64) error {
	frame, err := encodeParameter(cmd, value)
	if err != nil {
		return err
	}
	return d.write(frame)
}

// MoveX sends a relative x actuator move in steps.
func (d *Serial) MoveX(delta int) error {
	frame, err := encodeMove(CmdMoveX, delta)
	if err != nil {
		return err
	}
	return d.write(frame)
}

// MoveY sends a relative y actuator move in steps.
func (d *Serial) MoveY(delta int) error {
	frame, err := encodeMove(CmdMoveY, delta)
	if err != nil {
		return err
	}
	return d.write(frame)
}

// ToggleValve opens or closes valve n.
func (d *Serial) ToggleValve(n int, open bool) error {
	frame, err := encodeValve(n, open)
	if err != nil {
		return err
	}
	return d.write(frame)
}

// TryReceive returns a pending packet, if any.
func (d *Serial) TryReceive() (Packet, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	select {
	case p := <-d.packets:
		return p, true
	default:
		return nil, false
	}
}

func (d *Serial) write(frame []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return ErrNotConnected
	}

	if _, err := d.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to send command %d: %w", frame[0], err)
	}
	return nil
}

// readPackets reads telemetry frames from the port and queues their payloads.
func (d *Serial) readPackets(ctx context.Context, r io.Reader, done chan<- struct{}) {
	defer close(done)

	fr := newFrameReader(r, d.log)
	for {
		frame, err := fr.next(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
				d.log.WithError(err).Error("failed to read from serial port")
			}
			return
		}

		// Non-blocking: the acquisition loop drains at most one packet per tick.
		select {
		case d.packets <- frame:
		default:
			d.log.Warn("packet buffer full, dropping packet")
		}
	}
}

// frameReader splits a byte stream into telemetry frames. It scans for the
// sync byte and drops candidates whose CRC does not match, so it recovers
// from a mid-frame start or lost bytes.
type frameReader struct {
	r       io.Reader
	log     logrus.FieldLogger
	buf     []byte
	chunk   []byte
	dropped int
}

func newFrameReader(r io.Reader, log logrus.FieldLogger) *frameReader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &frameReader{
		r:     r,
		log:   log,
		buf:   make([]byte, 0, 4*FrameLength),
		chunk: make([]byte, 4*FrameLength),
	}
}

// next returns the payload of the next valid frame. Read timeouts are
// tolerated so that cancellation is observed between reads.
func (f *frameReader) next(ctx context.Context) (Packet, error) {
	for {
		if p, ok := f.extract(); ok {
			return p, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := f.r.Read(f.chunk)
		f.buf = append(f.buf, f.chunk[:n]...)
		if err != nil {
			if p, ok := f.extract(); ok {
				return p, nil
			}
			return nil, err
		}
	}
}

// extract pops one valid frame from the buffer, discarding garbage before it.
func (f *frameReader) extract() (Packet, bool) {
	for {
		i := bytes.IndexByte(f.buf, FrameSync)
		if i < 0 {
			f.discard(len(f.buf))
			return nil, false
		}
		f.discard(i)
		if len(f.buf) < FrameLength {
			return nil, false
		}
		if !checkFrame(f.buf) {
			f.discard(1)
			continue
		}

		p := make(Packet, PacketLength)
		copy(p, f.buf[1:1+PacketLength])
		f.buf = append(f.buf[:0], f.buf[FrameLength:]...)
		return p, true
	}
}

func (f *frameReader) discard(n int) {
	if n == 0 {
		return
	}
	f.dropped += n
	f.log.WithField("bytes", n).Debug("discarding unsynchronized telemetry bytes")
	f.buf = append(f.buf[:0], f.buf[n:]...)
}
