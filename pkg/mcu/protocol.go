package mcu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// CommandLength is the size of every host to controller frame.
	CommandLength = 4
	// PacketLength is the size of the telemetry payload.
	PacketLength = 8
	// MinPacketLength is the number of bytes needed to decode Paw, Flow and Volume.
	MinPacketLength = 6
	// FieldWidth is the width of each telemetry field in bytes.
	FieldWidth = 2

	// FrameSync starts every controller to host telemetry frame.
	FrameSync = 0x7e
	// FrameLength is the size of a telemetry frame on the wire:
	// sync, payload, CRC16 high, CRC16 low.
	FrameLength = 1 + PacketLength + 2
)

// Motion and valve command identifiers. Parameter command identifiers live
// with the full-scale table.
const (
	CmdMoveX       = 20
	CmdMoveY       = 21
	CmdToggleValve = 22
)

var (
	ErrNotConnected     = errors.New("mcu: not connected")
	ErrAlreadyConnected = errors.New("mcu: already connected")
	ErrOutOfRange       = errors.New("mcu: value out of range")
)

// Packet is one telemetry payload: [0:2] signed Paw, [2:4] signed Flow,
// [4:6] unsigned Volume, all big-endian, optionally followed by the
// controller's timer counter.
type Packet []byte

// Command is a decoded host to controller frame.
type Command struct {
	ID    int
	Value int16 // Parameter value, motion delta, or valve state
	Index byte  // Valve index
}

// encodeParameter builds a set-parameter frame. value is scaled to int16.
func encodeParameter(cmd int, value float64) ([]byte, error) {
	if math.IsNaN(value) || value > 1 || value < -1 {
		return nil, fmt.Errorf("%w: parameter %d value %v", ErrOutOfRange, cmd, value)
	}
	if cmd < 0 || cmd > math.MaxUint8 {
		return nil, fmt.Errorf("%w: command id %d", ErrOutOfRange, cmd)
	}
	frame := make([]byte, CommandLength)
	frame[0] = byte(cmd)
	binary.BigEndian.PutUint16(frame[1:3], uint16(int16(math.Round(value*math.MaxInt16))))
	return frame, nil
}

// encodeMove builds a relative motion frame.
func encodeMove(cmd int, delta int) ([]byte, error) {
	if delta > math.MaxInt16 || delta < math.MinInt16 {
		return nil, fmt.Errorf("%w: move delta %d", ErrOutOfRange, delta)
	}
	frame := make([]byte, CommandLength)
	frame[0] = byte(cmd)
	binary.BigEndian.PutUint16(frame[1:3], uint16(int16(delta)))
	return frame, nil
}

// encodeValve builds a valve toggle frame.
func encodeValve(n int, open bool) ([]byte, error) {
	if n < 0 || n > math.MaxUint8 {
		return nil, fmt.Errorf("%w: valve index %d", ErrOutOfRange, n)
	}
	frame := make([]byte, CommandLength)
	frame[0] = CmdToggleValve
	frame[1] = byte(n)
	if open {
		frame[2] = 1
	}
	return frame, nil
}

// DecodeCommand parses a host to controller frame.
func DecodeCommand(frame []byte) (Command, error) {
	if len(frame) < CommandLength {
		return Command{}, fmt.Errorf("invalid command frame: expected %d bytes, got %d", CommandLength, len(frame))
	}
	cmd := Command{ID: int(frame[0])}
	if cmd.ID == CmdToggleValve {
		cmd.Index = frame[1]
		cmd.Value = int16(frame[2])
		return cmd, nil
	}
	cmd.Value = int16(binary.BigEndian.Uint16(frame[1:3]))
	return cmd, nil
}

// Normalized returns the parameter value of a set-parameter command in [-1, 1].
func (c Command) Normalized() float64 {
	return float64(c.Value) / math.MaxInt16
}

// EncodePacket builds a telemetry frame from raw field values.
func EncodePacket(paw, flow int16, volume uint16, timer uint16) Packet {
	p := make(Packet, PacketLength)
	binary.BigEndian.PutUint16(p[0:2], uint16(paw))
	binary.BigEndian.PutUint16(p[2:4], uint16(flow))
	binary.BigEndian.PutUint16(p[4:6], volume)
	binary.BigEndian.PutUint16(p[6:8], timer)
	return p
}

// EncodeFrame wraps a telemetry payload for the wire.
func EncodeFrame(p Packet) []byte {
	frame := make([]byte, 0, 1+len(p)+2)
	frame = append(frame, FrameSync)
	frame = append(frame, p...)
	hi, lo := crc16(p)
	return append(frame, hi, lo)
}

// checkFrame reports whether buf starts with a complete, valid frame.
func checkFrame(buf []byte) bool {
	if len(buf) < FrameLength || buf[0] != FrameSync {
		return false
	}
	hi, lo := crc16(buf[1 : 1+PacketLength])
	return buf[FrameLength-2] == hi && buf[FrameLength-1] == lo
}

// crc16 computes the CRC16-CCITT of buf, seeded with 0xffff.
func crc16(buf []byte) (byte, byte) {
	var crc uint16 = 0xffff
	for _, b := range buf {
		data := uint16(b)
		data ^= crc & 0xff
		data ^= (data & 0x0f) << 4
		crc = (crc >> 8) ^ (data << 8) ^ (data << 3) ^ (data >> 4)
	}
	return byte(crc >> 8), byte(crc)
}
