package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/gaspardpetit/wsbridge/internal/bridge"
	"github.com/gaspardpetit/wsbridge/internal/config"
	"github.com/gaspardpetit/wsbridge/internal/logx"
	"github.com/gaspardpetit/wsbridge/internal/metrics"
	"github.com/gaspardpetit/wsbridge/internal/server"
	"github.com/gaspardpetit/wsbridge/internal/serverstate"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func usage() {
	out := flag.CommandLine.Output()
	prog := filepath.Base(os.Args[0])
	_, _ = fmt.Fprintf(out, "wsbridge version=%s sha=%s date=%s\n\n", version, buildSHA, buildDate)
	_, _ = fmt.Fprintf(out, "Usage: %s [flags] backend_host backend_port bind_addr bind_port\n\n", prog)
	_, _ = fmt.Fprintf(out, "Examples:\n")
	_, _ = fmt.Fprintf(out, "  %s localhost 5551 127.0.0.1 5553\n", prog)
	_, _ = fmt.Fprintf(out, "      accept WebSocket clients from this machine only\n")
	_, _ = fmt.Fprintf(out, "  %s localhost 5551 0.0.0.0 5553\n", prog)
	_, _ = fmt.Fprintf(out, "      accept WebSocket clients on every interface\n\n")
	_, _ = fmt.Fprintf(out, "Flags:\n")
	flag.PrintDefaults()
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.BridgeConfig
	cfg.BindFlags()
	flag.Usage = usage
	flag.Parse()
	if *showVersion {
		fmt.Printf("wsbridge version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}

	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(cfg.ConfigFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			logx.Log.Fatal().Err(err).Str("path", cfg.ConfigFile).Msg("load config")
		}
	}
	if err := cfg.ApplyArgs(flag.Args()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}
	logx.Configure(cfg.LogLevel)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	if err := run(cfg, sigCh); err != nil {
		logx.Log.Error().Err(err).Msg("bridge stopped")
		os.Exit(1)
	}
}

// statePublishInterval refreshes the Redis snapshot even when nothing changed.
const statePublishInterval = 10 * time.Second

// run binds the listener and serves clients until signals ask it to stop.
// The first signal stops accepting and lets open sessions finish for up to
// DrainTimeout; a second signal or the timeout closes them.
func run(cfg config.BridgeConfig, sigCh <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)
	metrics.SetBuildInfo(version, buildSHA, buildDate)

	ln, err := bridge.Listen(ctx, cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr(), err)
	}
	listen := ln.Addr().String()
	backendAddr := net.JoinHostPort(cfg.BackendHost, strconv.Itoa(cfg.BackendPort))

	if cfg.RedisAddr != "" {
		host, _ := os.Hostname()
		rs, err := serverstate.NewRedisStore(cfg.RedisAddr, host+"/"+listen)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("redis: %w", err)
		}
		serverstate.UseStore(rs)
		stopPublisher := serverstate.StartPublisher(statePublishInterval)
		defer func() {
			stopPublisher()
			serverstate.UseStore(nil)
			_ = rs.Close()
		}()
		logx.Log.Info().Str("key", serverstate.RedisKey(host+"/"+listen)).Msg("publishing state to redis")
	}

	if cfg.MetricsAddr != "" {
		h := server.New(server.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			Gatherer:       reg,
			Listen:         listen,
			Backend:        backendAddr,
			Version:        version,
			BuildSHA:       buildSHA,
			BuildDate:      buildDate,
		})
		addr, err := server.Start(ctx, cfg.MetricsAddr, h)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("status server: %w", err)
		}
		logx.Log.Info().Str("addr", addr).Msg("status server started")
	}

	srv := bridge.NewServer(bridge.Options{BackendHost: cfg.BackendHost, BackendPort: cfg.BackendPort})
	serveErr := make(chan error, 1)
	serverstate.MarkReady(time.Now())
	go func() { serveErr <- srv.Serve(ctx, ln) }()
	logx.Log.Info().Str("listen", listen).Str("backend", backendAddr).Str("version", version).Msg("bridge listening")

	var (
		idle       chan struct{}
		drainTimer <-chan time.Time
	)
	for {
		select {
		case err := <-serveErr:
			serveErr = nil
			if errors.Is(err, bridge.ErrServerClosed) {
				continue
			}
			stop(srv)
			return err
		case <-sigCh:
			if serverstate.IsDraining() || cfg.DrainTimeout == 0 {
				logx.Log.Warn().Msg("termination requested")
				stop(srv)
				return nil
			}
			serverstate.StartDrain()
			srv.StopAccepting()
			logx.Log.Info().Dur("timeout", cfg.DrainTimeout).Int("sessions", srv.Active()).Msg("draining; send SIGTERM again to terminate immediately")
			drainTimer = time.After(cfg.DrainTimeout)
			idle = make(chan struct{})
			go func(done chan struct{}) {
				srv.Wait()
				close(done)
			}(idle)
		case <-idle:
			logx.Log.Info().Msg("all sessions closed")
			stop(srv)
			return nil
		case <-drainTimer:
			logx.Log.Warn().Int("sessions", srv.Active()).Msg("drain timeout exceeded; terminating")
			stop(srv)
			return nil
		}
	}
}

func stop(srv *bridge.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logx.Log.Error().Err(err).Msg("bridge shutdown")
	}
	serverstate.SetState(serverstate.StatusStopped)
}
