package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// envPrefix namespaces every environment override.
const envPrefix = "QCAN_SERVER_"

// envName maps a flag name to its environment variable (hub-buffer -> QCAN_SERVER_HUB_BUFFER).
func envName(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// applyEnvOverrides maps QCAN_SERVER_* environment variables to config fields
// unless a corresponding flag was explicitly set. Empty values are ignored.
// Duration accepts Go time.ParseDuration format. The first parse error is
// returned after all variables were looked at.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(name string) (string, bool) {
		if _, ok := set[name]; ok {
			return "", false // flag wins
		}
		v, ok := os.LookupEnv(envName(name))
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	fail := func(name string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("invalid %s: %w", envName(name), err)
		}
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int, minVal int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err == nil && n < minVal {
				err = fmt.Errorf("%d below %d", n, minVal)
			}
			if err != nil {
				fail(name, err)
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err == nil && d < 0 {
				err = fmt.Errorf("negative duration %v", d)
			}
			if err != nil {
				fail(name, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := get(name); ok {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				*dst = true
			case "0", "false", "no", "off":
				*dst = false
			default:
				fail(name, fmt.Errorf("not a boolean: %q", v))
			}
		}
	}

	str("listen-host", &c.listenHost)
	num("base-port", &c.basePort, 1)
	str("channels", &c.channelSpec)
	str("log-format", &c.logFormat)
	str("log-level", &c.logLevel)
	str("metrics-addr", &c.metricsAddr)
	num("hub-buffer", &c.hubBuffer, 1)
	str("hub-policy", &c.hubPolicy)
	dur("log-metrics-interval", &c.logMetricsEvery)
	num("max-clients", &c.maxClients, 0)
	dur("handshake-timeout", &c.handshakeTO)
	dur("client-read-timeout", &c.clientReadTO)
	boolean("mdns-enable", &c.mdnsEnable)
	str("mdns-name", &c.mdnsName)
	str("backend", &c.backend)
	num("bridge-channel", &c.bridgeChannel, 1)
	str("serial", &c.serialDev)
	num("baud", &c.baud, 1)
	dur("serial-read-timeout", &c.serialReadTO)
	str("can-if", &c.canIf)
	boolean("can-fd", &c.canFD)
	return firstErr
}
