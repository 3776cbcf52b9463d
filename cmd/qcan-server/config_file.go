package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the flags; keys are the flag names with '_' for '-'.
//
//	channels = "1-4"
//	hub_policy = "kick"
//
//	[[bridge]]
//	channel = 1
//	backend = "socketcan"
//	can_if = "can0"
//	fd = true
type fileConfig struct {
	ListenHost         string         `toml:"listen_host"`
	BasePort           int            `toml:"base_port"`
	Channels           string         `toml:"channels"`
	LogFormat          string         `toml:"log_format"`
	LogLevel           string         `toml:"log_level"`
	MetricsAddr        string         `toml:"metrics_addr"`
	HubBuffer          int            `toml:"hub_buffer"`
	HubPolicy          string         `toml:"hub_policy"`
	LogMetricsInterval string         `toml:"log_metrics_interval"`
	MaxClients         int            `toml:"max_clients"`
	HandshakeTimeout   string         `toml:"handshake_timeout"`
	ClientReadTimeout  string         `toml:"client_read_timeout"`
	SerialReadTimeout  string         `toml:"serial_read_timeout"`
	MDNSEnable         bool           `toml:"mdns_enable"`
	MDNSName           string         `toml:"mdns_name"`
	Bridges            []bridgeConfig `toml:"bridge"`
}

// applyConfigFile loads path and copies every key it defines onto c, except
// keys whose flag was set on the command line.
func applyConfigFile(c *appConfig, path string, set map[string]struct{}) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undec := meta.Undecoded(); len(undec) > 0 {
		return fmt.Errorf("load config %s: unknown key %q", path, undec[0].String())
	}
	use := func(key string) bool {
		if _, ok := set[strings.ReplaceAll(key, "_", "-")]; ok {
			return false
		}
		return meta.IsDefined(key)
	}
	durs := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"log_metrics_interval", raw.LogMetricsInterval, &c.logMetricsEvery},
		{"handshake_timeout", raw.HandshakeTimeout, &c.handshakeTO},
		{"client_read_timeout", raw.ClientReadTimeout, &c.clientReadTO},
		{"serial_read_timeout", raw.SerialReadTimeout, &c.serialReadTO},
	}
	for _, d := range durs {
		if !use(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return fmt.Errorf("config %s: %w", d.key, err)
		}
		*d.dst = v
	}
	if use("listen_host") {
		c.listenHost = strings.TrimSpace(raw.ListenHost)
	}
	if use("base_port") {
		c.basePort = raw.BasePort
	}
	if use("channels") {
		c.channelSpec = raw.Channels
	}
	if use("log_format") {
		c.logFormat = raw.LogFormat
	}
	if use("log_level") {
		c.logLevel = raw.LogLevel
	}
	if use("metrics_addr") {
		c.metricsAddr = raw.MetricsAddr
	}
	if use("hub_buffer") {
		c.hubBuffer = raw.HubBuffer
	}
	if use("hub_policy") {
		c.hubPolicy = raw.HubPolicy
	}
	if use("max_clients") {
		c.maxClients = raw.MaxClients
	}
	if use("mdns_enable") {
		c.mdnsEnable = raw.MDNSEnable
	}
	if use("mdns_name") {
		c.mdnsName = raw.MDNSName
	}
	if meta.IsDefined("bridge") {
		c.fileBridges = c.fileBridges[:0]
		for _, b := range raw.Bridges {
			if b.Backend == backendSerial && b.Baud == 0 {
				b.Baud = c.baud
			}
			c.fileBridges = append(c.fileBridges, b)
		}
	}
	return nil
}
