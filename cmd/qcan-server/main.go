// Command qcan-server runs a QCan network server: one TCP listener per CAN
// channel, optionally bridged to a serial or SocketCAN bus.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/kstaniek/go-qcan/internal/logging"
	"github.com/kstaniek/go-qcan/internal/metrics"
	"github.com/kstaniek/go-qcan/internal/server"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("qcan-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel, "qcan-server")
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	servers, cleanup, err := startChannels(ctx, cancel, cfg, &wg)
	if err != nil {
		l.Error("startup_error", "error", err)
		cancel()
		cleanup()
		wg.Wait()
		os.Exit(1)
	}

	// Ready when every listener is bound and context not cancelled.
	metrics.SetReadinessFunc(func() bool {
		for _, srv := range servers {
			select {
			case <-srv.Ready():
			default:
				return false
			}
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		for _, srv := range servers {
			select {
			case <-srv.Ready():
			case <-ctx.Done():
				return
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "base_port", cfg.basePort)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-ctx.Done():
	}
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	for _, srv := range servers {
		if err := srv.Shutdown(sctx); err != nil {
			l.Warn("shutdown_error", "channel", srv.Channel(), "error", err)
		}
	}
	cleanup()
	wg.Wait()
}

// startChannels builds one hub and server per enabled channel, opens the
// bridged backends and starts serving. The returned cleanup closes every
// backend that was opened, also on error.
func startChannels(ctx context.Context, cancel context.CancelFunc, cfg *appConfig, wg *sync.WaitGroup) ([]*server.Server, func(), error) {
	l := logging.L()
	bridges := make(map[int]bridgeConfig, len(cfg.bridges))
	for _, b := range cfg.bridges {
		bridges[b.Channel] = b
	}
	var cleanups []func()
	cleanup := func() {
		for _, c := range cleanups {
			c()
		}
	}
	servers := make([]*server.Server, 0, len(cfg.channels))
	for _, ch := range cfg.channels {
		h := initHub(cfg, ch, l)
		opts := []server.ServerOption{
			server.WithChannel(ch),
			server.WithListenAddr(net.JoinHostPort(cfg.listenHost, strconv.Itoa(cfg.basePort+ch))),
			server.WithHub(h),
			server.WithLogger(l),
			server.WithMaxClients(cfg.maxClients),
			server.WithHandshakeTimeout(cfg.handshakeTO),
			server.WithReadDeadline(cfg.clientReadTO),
		}
		if b, ok := bridges[ch]; ok {
			send, c, err := initBackend(ctx, cfg, b, h, l, wg)
			cleanups = append(cleanups, c)
			if err != nil {
				return nil, cleanup, fmt.Errorf("channel %d: %w", ch, err)
			}
			opts = append(opts, server.WithSend(send))
		}
		srv := server.NewServer(opts...)
		servers = append(servers, srv)
		ch := ch
		go func() {
			if err := srv.Serve(ctx); err != nil {
				l.Error("tcp_server_error", "channel", ch, "error", err)
				cancel()
			}
		}()
	}
	return servers, cleanup, nil
}
