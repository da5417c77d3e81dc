package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/itohio/govent/pkg/config"
	"github.com/itohio/govent/pkg/control"
	"github.com/itohio/govent/pkg/datalog"
	"github.com/itohio/govent/pkg/mcu"
	"github.com/itohio/govent/pkg/scale"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsole(t *testing.T) (*console, *mcu.Mock, *bytes.Buffer) {
	t.Helper()

	cfg := config.Default()
	dev := mcu.NewMock(cfg)
	require.NoError(t, dev.Connect())
	t.Cleanup(func() { dev.Close() })

	table := scale.NewTable(cfg.FullScale)
	vent := control.NewVentilator(dev, table, control.ParametersFrom(cfg.Defaults), control.Options{})
	valves := control.NewValves(dev, control.Options{})

	var out bytes.Buffer
	return newConsole(vent, valves, &out), dev, &out
}

func TestConsole_Commands(t *testing.T) {
	c, dev, out := newTestConsole(t)

	for _, line := range []string{
		"vt 300",
		"  TI   1.5 ",
		"rr 18",
		"peep 6",
		"",
		"x 5",
		"x -2",
		"y 7",
		"valve 2 open",
		"valve 2 close",
		"valve 3 open",
		"flow 62.5",
		"status",
	} {
		require.NoError(t, c.exec(line), line)
	}

	assert.Equal(t, "Vt=300 Ti=1.5 RR=18 PEEP=6 x=3 y=7\n", out.String())

	x, y := dev.Position()
	assert.Equal(t, 3, x)
	assert.Equal(t, 7, y)
	assert.False(t, dev.Valve(2))
	assert.True(t, dev.Valve(3))

	last := dev.Commands()[len(dev.Commands())-1]
	assert.Equal(t, scale.CmdFlow, last.ID)
	assert.InDelta(t, 0.5, last.Normalized(), 1e-4)
}

func TestConsole_Errors(t *testing.T) {
	c, dev, _ := newTestConsole(t)

	tests := []string{
		"vt",
		"vt abc",
		"vt 5000", // beyond full scale
		"x 1.5",
		"y",
		"valve open",
		"valve -1 open",
		"valve 1 toggle",
		"launch",
	}
	for _, line := range tests {
		assert.Error(t, c.exec(line), line)
	}

	assert.Equal(t, float64(250), c.vent.Parameters().Vt)
	assert.Empty(t, dev.Commands())
	assert.ErrorIs(t, c.exec("quit"), errQuit)
}

func TestConsole_Run(t *testing.T) {
	c, _, out := newTestConsole(t)

	err := c.run(strings.NewReader("bogus\nrr 12\nstatus\nquit\nrr 30\n"))
	assert.ErrorIs(t, err, errQuit)
	assert.Equal(t, "error: unknown command \"bogus\"\nVt=250 Ti=1 RR=12 PEEP=5 x=0 y=0\n", out.String())

	out.Reset()
	assert.NoError(t, c.run(strings.NewReader("status\n")), "EOF ends the console quietly")
	assert.Contains(t, out.String(), "RR=12")
}

func TestRun_MockSession(t *testing.T) {
	cfg := config.Default()
	cfg.Datalog.Dir = t.TempDir()
	cfg.Waveforms.UpdateInterval = time.Millisecond
	cfg.Mock.SampleRate = time.Millisecond

	log := logrus.New()
	log.SetOutput(&bytes.Buffer{})

	// Give the loop time to log a few rows before quitting.
	in, w := io.Pipe()
	go func() {
		w.Write([]byte("vt 400\n"))
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("status\nquit\n"))
	}()

	var out bytes.Buffer
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, run(ctx, cfg, true, in, &out, log))
	assert.Contains(t, out.String(), "Vt=400")

	files, err := filepath.Glob(filepath.Join(cfg.Datalog.Dir, "*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Equal(t, strings.Join(datalog.Header, ","), lines[0])
	assert.Greater(t, len(lines), 1)
}

func TestSetupLogger(t *testing.T) {
	log := setupLogger(config.LogConfig{Level: "debug", Format: "json"})
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)

	log = setupLogger(config.LogConfig{Level: "bogus"})
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)
}
