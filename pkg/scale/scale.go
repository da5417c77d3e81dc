// Package scale converts between physical ventilator quantities and the
// normalized fixed-point values exchanged with the controller.
package scale

import (
	"errors"
	"fmt"
	"math"

	"github.com/itohio/govent/pkg/config"
)

var (
	// ErrUnknownQuantity is returned for a quantity missing from the table.
	ErrUnknownQuantity = errors.New("scale: unknown quantity")
	// ErrShortBuffer is returned when fewer bytes than the field width are available.
	ErrShortBuffer = errors.New("scale: short buffer")
	// ErrWidth is returned for field widths outside 1..8 bytes.
	ErrWidth = errors.New("scale: invalid field width")
)

// Quantity identifies a physical value exchanged with the controller.
type Quantity int

const (
	Vt Quantity = iota
	Ti
	RR
	PEEP
	Pinsp
	RiseTime
	PIDP
	PIDIFrac
	Flow
	PositionSteps
	Paw
	Volume
)

var quantityNames = map[Quantity]string{
	Vt:            "Vt",
	Ti:            "Ti",
	RR:            "RR",
	PEEP:          "PEEP",
	Pinsp:         "Pinsp",
	RiseTime:      "RiseTime",
	PIDP:          "PID_P",
	PIDIFrac:      "PID_I_frac",
	Flow:          "Flow",
	PositionSteps: "PositionSteps",
	Paw:           "Paw",
	Volume:        "Volume",
}

func (q Quantity) String() string {
	if n, ok := quantityNames[q]; ok {
		return n
	}
	return "unknown"
}

// NoCommand marks telemetry-only quantities.
const NoCommand = -1

// Entry is the full-scale constant and wire command for a quantity.
type Entry struct {
	FullScale float64
	Command   int
}

// Table maps quantities to their full-scale constants. It is not modified
// after construction.
type Table map[Quantity]Entry

// Controller command identifiers for parameter updates.
const (
	CmdVt       = 0
	CmdTi       = 1
	CmdRR       = 2
	CmdPEEP     = 3
	CmdFlow     = 4
	CmdPinsp    = 6
	CmdRiseTime = 7
	CmdPIDP     = 8
	CmdPIDIFrac = 9
)

// NewTable builds the full-scale table from configuration.
func NewTable(fs config.FullScaleConfig) Table {
	return Table{
		Vt:            {FullScale: fs.Vt, Command: CmdVt},
		Ti:            {FullScale: fs.Ti, Command: CmdTi},
		RR:            {FullScale: fs.RR, Command: CmdRR},
		PEEP:          {FullScale: fs.PEEP, Command: CmdPEEP},
		Pinsp:         {FullScale: fs.Pinsp, Command: CmdPinsp},
		RiseTime:      {FullScale: fs.RiseTime, Command: CmdRiseTime},
		PIDP:          {FullScale: fs.PIDP, Command: CmdPIDP},
		PIDIFrac:      {FullScale: fs.PIDIFrac, Command: CmdPIDIFrac},
		PositionSteps: {FullScale: fs.PositionSteps, Command: CmdFlow},
		Flow:          {FullScale: fs.Flow, Command: NoCommand},
		Paw:           {FullScale: fs.Paw, Command: NoCommand},
		Volume:        {FullScale: fs.Volume, Command: NoCommand},
	}
}

// Lookup returns the table entry for q.
func (t Table) Lookup(q Quantity) (Entry, error) {
	e, ok := t[q]
	if !ok || e.FullScale == 0 {
		return Entry{}, fmt.Errorf("%w: %s", ErrUnknownQuantity, q)
	}
	return e, nil
}

// Encode converts a physical value to its normalized wire value.
// Values outside ±full-scale are not clamped.
func (t Table) Encode(q Quantity, physical float64) (float64, error) {
	e, err := t.Lookup(q)
	if err != nil {
		return 0, err
	}
	return physical / e.FullScale, nil
}

// DecodeSigned converts a big-endian two's complement field of width bytes
// to a physical value.
func (t Table) DecodeSigned(q Quantity, raw []byte, width int) (float64, error) {
	e, err := t.Lookup(q)
	if err != nil {
		return 0, err
	}
	u, err := readUint(raw, width)
	if err != nil {
		return 0, err
	}
	bits := uint(width * 8)
	shift := 64 - bits
	v := int64(u<<shift) >> shift // sign-extend
	half := math.Ldexp(1, int(bits)-1)
	return float64(v) / half * e.FullScale, nil
}

// DecodeUnsigned converts a big-endian unsigned field of width bytes to a
// physical value.
func (t Table) DecodeUnsigned(q Quantity, raw []byte, width int) (float64, error) {
	e, err := t.Lookup(q)
	if err != nil {
		return 0, err
	}
	u, err := readUint(raw, width)
	if err != nil {
		return 0, err
	}
	full := float64(uint64(1)<<(uint(width*8)-1)) * 2
	return float64(u) / full * e.FullScale, nil
}

func readUint(raw []byte, width int) (uint64, error) {
	if width < 1 || width > 8 {
		return 0, fmt.Errorf("%w: %d", ErrWidth, width)
	}
	if len(raw) < width {
		return 0, fmt.Errorf("%w: need %d bytes, got %d", ErrShortBuffer, width, len(raw))
	}
	var u uint64
	for _, b := range raw[:width] {
		u = u<<8 | uint64(b)
	}
	return u, nil
}
