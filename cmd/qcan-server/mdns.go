package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/kstaniek/go-qcan/internal/transport"
)

const mdnsServiceType = transport.ServiceType

// mdnsRegister is a hook for tests.
var mdnsRegister = func(instance, service, domain string, port int, text []string) (func(), error) {
	svc, err := zeroconf.Register(instance, service, domain, port, text, nil)
	if err != nil {
		return nil, err
	}
	return svc.Shutdown, nil
}

// mdnsText builds the TXT records. Clients find channel n at base_port+n.
func mdnsText(cfg *appConfig) []string {
	chs := make([]string, len(cfg.channels))
	for i, ch := range cfg.channels {
		chs[i] = strconv.Itoa(ch)
	}
	bridged := make([]string, 0, len(cfg.bridges))
	for _, b := range cfg.bridges {
		bridged = append(bridged, fmt.Sprintf("%d:%s", b.Channel, b.Backend))
	}
	return []string{
		"base_port=" + strconv.Itoa(cfg.basePort),
		"channels=" + strings.Join(chs, ","),
		"bridges=" + strings.Join(bridged, ","),
		"version=" + version,
		"commit=" + commit,
	}
}

// startMDNS registers the service via mDNS and returns a cleanup function.
// It is safe to call even if disabled (no-op). The advertised port is the
// lowest enabled channel's.
func startMDNS(ctx context.Context, cfg *appConfig) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("qcan-server-%s", host)
	}
	port := cfg.basePort + cfg.channels[0]
	shutdown, err := mdnsRegister(instance, mdnsServiceType, "local.", port, mdnsText(cfg))
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		shutdown()
	}()
	return func() { close(done); time.Sleep(50 * time.Millisecond) }, nil
}
