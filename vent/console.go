package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/itohio/govent/pkg/control"
)

var errQuit = errors.New("quit")

// console executes operator commands read line by line.
type console struct {
	vent    *control.Ventilator
	valves  *control.Valves
	out     io.Writer
	setters map[string]func(float64) error
}

func newConsole(vent *control.Ventilator, valves *control.Valves, out io.Writer) *console {
	return &console{
		vent:   vent,
		valves: valves,
		out:    out,
		setters: map[string]func(float64) error{
			"vt":    vent.SetVt,
			"ti":    vent.SetTi,
			"rr":    vent.SetRR,
			"peep":  vent.SetPEEP,
			"flow":  vent.SetFlow,
			"pinsp": vent.SetPinsp,
			"rise":  vent.SetRiseTime,
			"pid_p": vent.SetPIDP,
			"pid_i": vent.SetPIDIFrac,
		},
	}
}

// run reads commands from r until EOF or quit, returning errQuit for the
// latter. Command errors are printed and do not stop the console.
func (c *console) run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		err := c.exec(scanner.Text())
		if errors.Is(err, errQuit) {
			return err
		}
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

// exec runs one command line. Blank lines are ignored.
func (c *console) exec(line string) error {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]

	if set, ok := c.setters[cmd]; ok {
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <value>", cmd)
		}
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid value %q", args[0])
		}
		return set(v)
	}

	switch cmd {
	case "x", "y":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <delta>", cmd)
		}
		delta, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid delta %q", args[0])
		}
		if cmd == "x" {
			return c.valves.MoveX(delta)
		}
		return c.valves.MoveY(delta)

	case "valve":
		if len(args) != 2 {
			return errors.New("usage: valve <n> open|close")
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 || n > 255 {
			return fmt.Errorf("invalid valve %q", args[0])
		}
		switch args[1] {
		case "open":
			return c.valves.OpenValve(n)
		case "close":
			return c.valves.CloseValve(n)
		}
		return fmt.Errorf("invalid valve action %q", args[1])

	case "status":
		p := c.vent.Parameters()
		x, y := c.valves.Position()
		fmt.Fprintf(c.out, "Vt=%g Ti=%g RR=%g PEEP=%g x=%d y=%d\n", p.Vt, p.Ti, p.RR, p.PEEP, x, y)
		return nil

	case "quit", "exit":
		return errQuit
	}
	return fmt.Errorf("unknown command %q", cmd)
}
