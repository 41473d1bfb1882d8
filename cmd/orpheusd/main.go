package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	flag "github.com/spf13/pflag"

	"github.com/jhead12/orpheus-engine/internal/api"
	"github.com/jhead12/orpheus-engine/internal/config"
	"github.com/jhead12/orpheus-engine/internal/stream"
	"github.com/jhead12/orpheus-engine/internal/transport"
)

var log = logging.Logger("orpheusd")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orpheusd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("ORPHEUS_CONFIG"), "path to a YAML config file")
	addr := flag.String("addr", "", "listen address, overrides host and port")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	lvl, err := logging.LevelFromString(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level %q: %w", cfg.LogLevel, err)
	}
	logging.SetAllLoggers(lvl)
	listen := cfg.Addr()
	if *addr != "" {
		listen = *addr
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("orpheusd starting up...")

	meter, err := cfg.Meter()
	if err != nil {
		return err
	}
	engine, err := transport.New(transport.Config{
		Format:  cfg.Format(),
		Project: transport.Project{Tempo: cfg.Tempo, TimeSignature: meter},
	})
	if err != nil {
		return err
	}
	defer engine.Close()

	reg := stream.NewRegistry()
	dispatcher := stream.NewDispatcher(reg, stream.NewRouter(reg), stream.NewHistory(cfg.HistorySize))

	srv := api.New(engine, dispatcher, api.Options{
		Socket: stream.SocketConfig{
			SendQueue:      cfg.SendQueue,
			WriteTimeout:   cfg.WriteTimeout,
			PingInterval:   cfg.PingInterval,
			PongTimeout:    cfg.PongTimeout,
			AllowedOrigins: cfg.AllowedOrigins,
		},
		ICEServers: cfg.ICEServers,
	})
	defer srv.Close()

	go api.NewPublisher(engine, dispatcher, cfg.PublishInterval, cfg.MetricsInterval).Run(ctx)

	server := &http.Server{Addr: listen, Handler: srv, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		log.Info("Shutting down...")
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		for _, id := range reg.IDs() {
			reg.Disconnect(id)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
		}
	}()

	f := cfg.Format()
	log.Infof("orpheusd live on %s (%d Hz, %d frames, %v per cycle)", listen, f.SampleRate, f.BufferSize, f.BufferDuration())
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server: %w", err)
	}
	return nil
}
