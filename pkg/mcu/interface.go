package mcu

// Link defines the interface for ventilator controllers (real or mocked).
type Link interface {
	Connect() error
	Close() error
	IsConnected() bool

	// SetParameter forwards a normalized parameter value in [-1, 1].
	SetParameter(cmd int, value float64) error
	MoveX(delta int) error
	MoveY(delta int) error
	ToggleValve(n int, open bool) error

	// TryReceive returns the oldest pending telemetry packet without blocking.
	TryReceive() (Packet, bool)
}

// Ensure Serial implements Link.
var _ Link = (*Serial)(nil)

// Ensure Mock implements Link.
var _ Link = (*Mock)(nil)
