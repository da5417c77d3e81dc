package waveform

import (
	"errors"
	"fmt"
	"time"

	"github.com/itohio/govent/pkg/control"
	"github.com/itohio/govent/pkg/datalog"
	"github.com/itohio/govent/pkg/mcu"
	"github.com/itohio/govent/pkg/scale"
)

// ErrShortPacket is returned for packets too short to hold Paw, Flow and Volume.
var ErrShortPacket = errors.New("waveform: short packet")

// Channel identifies a published waveform.
type Channel int

const (
	Paw Channel = iota
	Flow
	Volume
)

var channelNames = [...]string{"paw", "flow", "volume"}

func (c Channel) String() string {
	if int(c) >= 0 && int(c) < len(channelNames) {
		return channelNames[c]
	}
	return "unknown"
}

// Point is one published waveform value at elapsed session time.
type Point struct {
	Channel Channel
	Time    float64 // Elapsed seconds
	Value   float64
}

// Sample represents one acquired set of physical values.
type Sample struct {
	Time       time.Time
	Paw        float64 // cmH2O
	Flow       float64 // l/min
	Volume     float64 // ml
	Parameters control.Parameters
}

// Row converts the sample to its log row.
func (s Sample) Row() datalog.Row {
	return datalog.Row{
		Time:   float64(s.Time.UnixNano()) / 1e9,
		Paw:    s.Paw,
		Flow:   s.Flow,
		Volume: s.Volume,
		Vt:     s.Parameters.Vt,
		Ti:     s.Parameters.Ti,
		RR:     s.Parameters.RR,
		PEEP:   s.Parameters.PEEP,
	}
}

// Decode converts a telemetry packet to Paw (cmH2O), Flow (l/min) and
// Volume (ml).
func Decode(table scale.Table, p mcu.Packet) (paw, flow, volume float64, err error) {
	if len(p) < mcu.MinPacketLength {
		return 0, 0, 0, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(p))
	}

	w := mcu.FieldWidth
	if paw, err = table.DecodeSigned(scale.Paw, p[0:w], w); err != nil {
		return 0, 0, 0, err
	}
	if flow, err = table.DecodeSigned(scale.Flow, p[w:2*w], w); err != nil {
		return 0, 0, 0, err
	}
	if volume, err = table.DecodeUnsigned(scale.Volume, p[2*w:3*w], w); err != nil {
		return 0, 0, 0, err
	}
	return paw, flow, volume, nil
}
