package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-qcan/internal/logging"
	"github.com/kstaniek/go-qcan/internal/socket"
	"github.com/kstaniek/go-qcan/internal/transport"
)

// Backend names accepted by -backend and the [[bridge]] table.
const (
	backendVirtual   = "virtual"
	backendSerial    = "serial"
	backendSocketCAN = "socketcan"
)

// bridgeConfig connects one channel to a physical bus.
type bridgeConfig struct {
	Channel int    `toml:"channel"`
	Backend string `toml:"backend"`
	Serial  string `toml:"serial"`
	Baud    int    `toml:"baud"`
	CANIf   string `toml:"can_if"`
	FD      bool   `toml:"fd"`
}

type appConfig struct {
	configPath      string
	listenHost      string
	basePort        int
	channelSpec     string
	channels        []int
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string

	// Single bridge from flags/env; the config file may list several instead.
	backend       string
	bridgeChannel int
	serialDev     string
	baud          int
	serialReadTO  time.Duration
	canIf         string
	canFD         bool

	fileBridges []bridgeConfig
	bridges     []bridgeConfig
}

func parseFlags() (*appConfig, bool) {
	fs := flag.CommandLine
	cfg, showVersion, err := loadConfig(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return nil, showVersion
	}
	return cfg, showVersion
}

// loadConfig layers defaults < config file < QCAN_SERVER_* env < flags.
func loadConfig(fs *flag.FlagSet, args []string) (*appConfig, bool, error) {
	cfg := &appConfig{}
	fs.StringVar(&cfg.configPath, "config", "", "TOML config file")
	fs.StringVar(&cfg.listenHost, "listen-host", "", "TCP listen host (empty = all interfaces)")
	fs.IntVar(&cfg.basePort, "base-port", transport.DefaultBasePort, "Channel n listens on base-port+n")
	fs.StringVar(&cfg.channelSpec, "channels", "1-8", "Enabled channels, e.g. 1-8 or 1,3,5")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", 512, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", "drop", "Backpressure policy: drop|kick")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients per channel (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", transport.DefaultHandshakeTimeout, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", 60*time.Second, "Per-connection read deadline")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS/Avahi advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default qcan-server-<hostname>)")
	fs.StringVar(&cfg.backend, "backend", backendVirtual, "Bus backend for -bridge-channel: virtual|serial|socketcan")
	fs.IntVar(&cfg.bridgeChannel, "bridge-channel", 1, "Channel bridged to the backend")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial device path")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when -backend=socketcan)")
	fs.BoolVar(&cfg.canFD, "can-fd", false, "Enable CAN-FD frames on the SocketCAN interface")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}

	// Track which flags were explicitly set to give them precedence over file and env.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if _, ok := setFlags["config"]; !ok {
		if v, ok := os.LookupEnv("QCAN_SERVER_CONFIG"); ok {
			cfg.configPath = strings.TrimSpace(v)
		}
	}
	if cfg.configPath != "" {
		if err := applyConfigFile(cfg, cfg.configPath, setFlags); err != nil {
			return nil, *showVersion, err
		}
	}
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		return nil, *showVersion, fmt.Errorf("environment override: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, *showVersion, err
	}
	return cfg, *showVersion, nil
}

// finish derives channels and bridges and validates the result.
func (c *appConfig) finish() error {
	chs, err := parseChannels(c.channelSpec)
	if err != nil {
		return err
	}
	c.channels = chs
	c.bridges = c.bridges[:0]
	if len(c.fileBridges) > 0 {
		c.bridges = append(c.bridges, c.fileBridges...)
	} else if c.backend != backendVirtual {
		c.bridges = append(c.bridges, bridgeConfig{
			Channel: c.bridgeChannel,
			Backend: c.backend,
			Serial:  c.serialDev,
			Baud:    c.baud,
			CANIf:   c.canIf,
			FD:      c.canFD,
		})
	}
	return c.validate()
}

// parseChannels accepts comma separated channel numbers and ranges ("1-4,7").
func parseChannels(spec string) ([]int, error) {
	seen := map[int]struct{}{}
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi := part, part
		if a, b, ok := strings.Cut(part, "-"); ok {
			lo, hi = a, b
		}
		l, err1 := strconv.Atoi(strings.TrimSpace(lo))
		h, err2 := strconv.Atoi(strings.TrimSpace(hi))
		if err1 != nil || err2 != nil || l > h {
			return nil, fmt.Errorf("invalid channels %q", part)
		}
		for ch := l; ch <= h; ch++ {
			if ch < socket.MinChannel || ch > socket.MaxChannel {
				return nil, fmt.Errorf("channel %d out of range %d..%d", ch, socket.MinChannel, socket.MaxChannel)
			}
			seen[ch] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil, errors.New("no channels enabled")
	}
	out := make([]int, 0, len(seen))
	for ch := range seen {
		out = append(out, ch)
	}
	sort.Ints(out)
	return out, nil
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners – only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.basePort <= 0 || c.basePort+socket.MaxChannel > 65535 {
		return fmt.Errorf("base-port %d leaves no room for channels", c.basePort)
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	switch c.backend {
	case backendVirtual, backendSerial, backendSocketCAN:
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	bridged := map[int]struct{}{}
	for _, b := range c.bridges {
		if err := b.validate(c.channels); err != nil {
			return err
		}
		if _, dup := bridged[b.Channel]; dup {
			return fmt.Errorf("channel %d bridged twice", b.Channel)
		}
		bridged[b.Channel] = struct{}{}
	}
	return nil
}

func (b bridgeConfig) validate(enabled []int) error {
	found := false
	for _, ch := range enabled {
		found = found || ch == b.Channel
	}
	if !found {
		return fmt.Errorf("bridge channel %d is not enabled", b.Channel)
	}
	switch b.Backend {
	case backendSerial:
		if b.Serial == "" {
			return fmt.Errorf("bridge channel %d: serial device required", b.Channel)
		}
		if b.Baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", b.Baud)
		}
		if b.FD {
			return fmt.Errorf("bridge channel %d: serial adapters carry classic frames only", b.Channel)
		}
	case backendSocketCAN:
		if b.CANIf == "" {
			return fmt.Errorf("bridge channel %d: can_if required", b.Channel)
		}
	default:
		return fmt.Errorf("bridge channel %d: invalid backend %q", b.Channel, b.Backend)
	}
	return nil
}
