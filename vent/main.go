package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/itohio/govent/pkg/config"
	"github.com/itohio/govent/pkg/control"
	"github.com/itohio/govent/pkg/datalog"
	"github.com/itohio/govent/pkg/mcu"
	"github.com/itohio/govent/pkg/metrics"
	"github.com/itohio/govent/pkg/scale"
	"github.com/itohio/govent/pkg/stream"
	"github.com/itohio/govent/pkg/tick"
	"github.com/itohio/govent/pkg/waveform"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		portFlag   = flag.String("p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
		configFlag = flag.String("config", "config.yaml", "Configuration file path")
		mockFlag   = flag.Bool("mock", false, "Use simulated controller instead of serial port")
		simFlag    = flag.Bool("sim", false, "Synthesize waveforms instead of reading telemetry")
		logDirFlag = flag.String("log-dir", "", "Session log directory override")
		listenFlag = flag.String("listen", "", "HTTP listen address override for /metrics and /stream")
		portsFlag  = flag.Bool("ports", false, "List serial ports and exit")
	)
	flag.Parse()

	if *portsFlag {
		ports, err := mcu.Ports()
		if err != nil {
			logrus.Fatal(err)
		}
		for _, p := range ports {
			fmt.Printf("%s\t%s\n", p.Name, p.Description)
		}
		return
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	if *portFlag != "" {
		cfg.Serial.Port = *portFlag
	}
	if *simFlag {
		cfg.Waveforms.Simulation = true
	}
	if *logDirFlag != "" {
		cfg.Datalog.Dir = *logDirFlag
	}
	if *listenFlag != "" {
		cfg.HTTP.Listen = *listenFlag
	}

	log := setupLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *mockFlag, os.Stdin, os.Stdout, log); err != nil {
		log.WithError(err).Fatal("ventilator host failed")
	}
}

func setupLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	} else {
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}
	return log
}

// run wires the session together and blocks until ctx is done or the
// console quits.
func run(ctx context.Context, cfg *config.Config, useMock bool, in io.Reader, out io.Writer, log *logrus.Logger) error {
	policy, err := control.ParsePolicy(cfg.Commands.Policy)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	table := scale.NewTable(cfg.FullScale)

	var link mcu.Link
	if useMock {
		link = mcu.NewMock(cfg)
	} else {
		link = mcu.New(cfg.Serial.Port, cfg.Serial.BaudRate, 0, log)
	}
	if err := link.Connect(); err != nil {
		if !cfg.Waveforms.Simulation {
			return fmt.Errorf("failed to connect to controller: %w", err)
		}
		// Simulated waveforms don't need the link; commands will fail.
		log.WithError(err).Warn("controller not connected, running in simulation only")
	}
	defer link.Close()

	opts := control.Options{Policy: policy, Log: log, Metrics: m}
	vent := control.NewVentilator(link, table, control.ParametersFrom(cfg.Defaults), opts)
	valves := control.NewValves(link, opts)

	start := time.Now()
	sink, err := datalog.Create(cfg.Datalog.Dir, start)
	if err != nil {
		return err
	}
	log.WithField("path", sink.Path()).Info("session log created")

	loopOpts := waveform.OptionsFrom(cfg.Waveforms)
	loopOpts.Log = log
	loopOpts.Metrics = m
	loop := waveform.New(link, table, vent, sink, loopOpts)

	hub := stream.NewHub(0, log)
	hub.Attach(loop, valves)
	defer hub.Close()

	var srv *http.Server
	if cfg.HTTP.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		mux.Handle("/stream", hub)
		srv = &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.WithField("addr", srv.Addr).Info("http listener started")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("http listener failed")
			}
		}()
	}

	if err := loop.Start(tick.NewTicker()); err != nil {
		sink.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	con := newConsole(vent, valves, out)
	go func() {
		err := con.run(in)
		switch {
		case errors.Is(err, errQuit):
			cancel()
		case err != nil:
			log.WithError(err).Error("console failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	if srv != nil {
		shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown failed")
		}
	}
	return loop.Stop()
}
