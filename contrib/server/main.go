package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	srt "github.com/datarhei/gosrt"
	relay "github.com/datarhei/srtrelay"
	"github.com/pkg/profile"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type flags struct {
	config     string
	input      string
	output     string
	logtopics  string
	passphrase string
	profile    bool
}

func main() {
	f := flags{}

	flag.StringVar(&f.config, "config", "", "path to a YAML config file")
	flag.StringVar(&f.input, "input", "", "address to accept input streams on")
	flag.StringVar(&f.output, "output", "", "address to accept output streams on")
	flag.StringVar(&f.logtopics, "logtopics", "", "topics for the log output, comma separated")
	flag.StringVar(&f.passphrase, "passphrase", "", "passphrase for de- and encrypting the data")
	flag.BoolVar(&f.profile, "profile", false, "enable profiling")

	flag.Parse()

	config, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		flag.PrintDefaults()
		os.Exit(1)
	}

	if f.profile {
		defer profile.Start(profile.NoShutdownHook).Stop()
	}

	logger := newLogger(config.Log)

	if len(config.Log.Topics) != 0 {
		config.Logger = srt.NewLogger(config.Log.Topics)
	}

	logDone := make(chan struct{})

	go func() {
		defer close(logDone)

		if config.Logger == nil {
			return
		}

		for m := range config.Logger.Listen() {
			logger.LogAttrs(context.Background(), slog.LevelInfo, m.Message,
				slog.String("topic", m.Topic),
				slog.String("socket_id", fmt.Sprintf("%#08x", m.SocketId)),
				slog.String("source", fmt.Sprintf("%s:%d", m.File, m.Line)),
			)
		}
	}()

	var metrics *relay.Metrics
	var metricsServer *http.Server

	if config.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)

		metrics = relay.NewMetrics(registry)
		metricsServer = relay.NewMetricsServer(config.Metrics, registry)

		go func() {
			logger.Info("metrics endpoint", slog.String("address", metricsServer.Addr), slog.String("path", config.Metrics.Path))

			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics endpoint failed", slog.String("error", err.Error()))
			}
		}()
	}

	s := &relay.Server{
		Config:  &config,
		Metrics: metrics,
	}

	if err := s.Listen(); err != nil {
		logger.Error("listen failed", slog.String("error", err.Error()))
		os.Exit(2)
	}

	logger.Info("relay started",
		slog.String("input", s.Addr(relay.INPUT).String()),
		slog.String("output", s.Addr(relay.OUTPUT).String()),
	)

	serveDone := make(chan error, 1)

	go func() {
		serveDone <- s.Serve()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, shutdownSignals...)

	exitCode := 0
	var aborted []string

	select {
	case sig := <-quit:
		logger.Info("shutting down", slog.String("signal", sig.String()))

		aborted = s.Shutdown()
		if len(aborted) != 0 {
			logger.Warn("tasks aborted", slog.Any("tasks", aborted))
		}

		<-serveDone
	case err := <-serveDone:
		aborted = s.Shutdown()

		if !errors.Is(err, relay.ErrServerClosed) {
			logger.Error("relay failed", slog.String("error", err.Error()))
			exitCode = 2
		}
	}

	if metricsServer != nil {
		metricsServer.Close()
	}

	// Aborted tasks may still be logging
	if config.Logger != nil && len(aborted) == 0 {
		config.Logger.Close()
		<-logDone
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

// loadConfig reads the config file, if any, and applies the flags on top.
func loadConfig(f flags) (relay.Config, error) {
	config := relay.DefaultConfig()

	if len(f.config) != 0 {
		c, err := relay.LoadConfig(f.config)
		if err != nil {
			return config, err
		}

		config = c
	}

	if len(f.input) != 0 {
		config.InputAddr = f.input
	}

	if len(f.output) != 0 {
		config.OutputAddr = f.output
	}

	if len(f.logtopics) != 0 {
		config.Log.Topics = strings.Split(f.logtopics, ",")
	}

	if len(f.passphrase) != 0 {
		config.Passphrase = f.passphrase
	}

	if err := config.Validate(); err != nil {
		return config, err
	}

	return config, nil
}

func newLogger(config relay.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
