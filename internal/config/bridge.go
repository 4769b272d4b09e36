package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BridgeConfig holds configuration for the WebSocket bridge.
type BridgeConfig struct {
	BackendHost    string        `yaml:"backend_host"`
	BackendPort    int           `yaml:"backend_port"`
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	RedisAddr      string        `yaml:"redis_addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`
	LogLevel       string        `yaml:"log_level"`
	ConfigFile     string        `yaml:"-"`
}

// ErrArgCount is returned when the positional arguments are neither absent nor
// the full backend_host backend_port bind_addr bind_port quadruple.
var ErrArgCount = errors.New("expected 4 arguments: backend_host backend_port bind_addr bind_port")

// LoadEnv populates the struct with defaults taken from environment variables.
func (c *BridgeConfig) LoadEnv() {
	c.ConfigFile = GetEnv("CONFIG_FILE", DefaultConfigPath("wsbridge.yaml"))
	c.LogLevel = GetEnv("LOG_LEVEL", "info")

	c.BackendHost = GetEnv("BACKEND_HOST", "")
	c.BackendPort, _ = strconv.Atoi(GetEnv("BACKEND_PORT", "0"))
	c.BindAddr = GetEnv("BIND_ADDR", "127.0.0.1")
	c.BindPort, _ = strconv.Atoi(GetEnv("BIND_PORT", "0"))

	mp := GetEnv("METRICS_PORT", "")
	if mp != "" && !strings.Contains(mp, ":") {
		mp = ":" + mp
	}
	c.MetricsAddr = mp
	c.RedisAddr = GetEnv("REDIS_ADDR", "")
	c.AllowedOrigins = splitList(GetEnv("ALLOWED_ORIGINS", ""))
	if d, err := time.ParseDuration(GetEnv("DRAIN_TIMEOUT", "0s")); err == nil {
		c.DrainTimeout = d
	}
}

// BindFlags populates the struct with defaults from environment variables and
// binds command line flags so main can call flag.Parse().
func (c *BridgeConfig) BindFlags() {
	c.LoadEnv()

	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "status and Prometheus metrics listen address or port (disabled when empty; e.g. 127.0.0.1:9090 or 9090)")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis URL used to publish bridge state (disabled when empty)")
	flag.Func("allowed-origins", "comma-separated origins allowed to query the status API", func(v string) error {
		c.AllowedOrigins = splitList(v)
		return nil
	})
	flag.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to let open sessions finish after the first termination signal (0 closes them immediately)")
}

// LoadFile populates the config from a YAML file. Fields already set remain unless
// overwritten by corresponding entries in the file.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}

// ApplyArgs applies the positional arguments backend_host backend_port
// bind_addr bind_port. No arguments leaves the config untouched.
func (c *BridgeConfig) ApplyArgs(args []string) error {
	if len(args) == 0 {
		return nil
	}
	if len(args) != 4 {
		return ErrArgCount
	}
	backendPort, err := parsePort(args[1])
	if err != nil {
		return fmt.Errorf("backend_port: %w", err)
	}
	bindPort, err := parsePort(args[3])
	if err != nil {
		return fmt.Errorf("bind_port: %w", err)
	}
	c.BackendHost = args[0]
	c.BackendPort = backendPort
	c.BindAddr = args[2]
	c.BindPort = bindPort
	return nil
}

// Validate checks that the configuration describes a usable bridge.
func (c *BridgeConfig) Validate() error {
	if c.BackendHost == "" {
		return errors.New("backend_host is required")
	}
	if c.BackendPort < 1 || c.BackendPort > 65535 {
		return fmt.Errorf("backend_port %d out of range", c.BackendPort)
	}
	ip := net.ParseIP(c.BindAddr)
	if ip == nil || ip.To4() == nil {
		return fmt.Errorf("bind_addr %q is not an IPv4 address", c.BindAddr)
	}
	if c.BindPort < 0 || c.BindPort > 65535 {
		return fmt.Errorf("bind_port %d out of range", c.BindPort)
	}
	return nil
}

// ListenAddr returns the host:port the WebSocket listener binds to.
func (c *BridgeConfig) ListenAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.BindPort))
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if p < 0 || p > 65535 {
		return 0, fmt.Errorf("port %d out of range", p)
	}
	return p, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
