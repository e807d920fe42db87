// Package config reads daemon settings from MESHD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"meshd/internal/meta"
)

const (
	defaultListen        = "127.0.0.1:6655"
	defaultTransport     = TransportTCP
	defaultPingInterval  = 60
	defaultConnsPerIP    = 8
	defaultStreamsPerIP  = 1
	defaultSnapshotEvery = 1
	defaultPprofAddr     = "127.0.0.1:6060"
)

const (
	TransportTCP  = "tcp"
	TransportQUIC = "quic"
)

type Config struct {
	Name          string
	Home          string
	Listen        string
	Connect       []string
	Transport     string
	PSK           []byte
	MaxBufSize    int
	MaxLineLength int
	PingInterval  time.Duration
	ConnsPerIP    int
	StreamsPerIP  int
	SnapshotEvery time.Duration
	DevTLSCAPath  string
	Insecure      bool
	// PprofAddr enables the profiling endpoint when set (MESHD_PPROF=1).
	PprofAddr        string
	PprofAllowPublic bool
}

// FromEnv builds a Config from the environment, filling defaults.
func FromEnv() Config {
	c := Config{
		Name:          strings.TrimSpace(os.Getenv("MESHD_NAME")),
		Home:          strings.TrimSpace(os.Getenv("MESHD_HOME")),
		Listen:        defaultListen,
		Connect:       splitList(os.Getenv("MESHD_CONNECT")),
		Transport:     defaultTransport,
		MaxBufSize:    meta.MaxBufSize,
		MaxLineLength: meta.DefaultMaxLineLength,
		PingInterval:  envSeconds("MESHD_PING_INTERVAL_SEC", defaultPingInterval),
		ConnsPerIP:    defaultConnsPerIP,
		StreamsPerIP:  defaultStreamsPerIP,
		SnapshotEvery: envSeconds("MESHD_SNAPSHOT_INTERVAL_SEC", defaultSnapshotEvery),
		DevTLSCAPath:  strings.TrimSpace(os.Getenv("MESHD_DEVTLS_CA_PATH")),
		Insecure:      os.Getenv("MESHD_QUIC_INSECURE") == "1",
	}
	if v := strings.TrimSpace(os.Getenv("MESHD_LISTEN")); v != "" {
		c.Listen = v
	}
	if v := strings.ToLower(strings.TrimSpace(os.Getenv("MESHD_TRANSPORT"))); v != "" {
		c.Transport = v
	}
	if v := os.Getenv("MESHD_PSK"); v != "" {
		c.PSK = []byte(v)
	}
	if v, ok := envInt("MESHD_MAX_BUF"); ok && v > 0 {
		c.MaxBufSize = v
	}
	if v, ok := envInt("MESHD_MAX_LINE"); ok && v > 0 {
		c.MaxLineLength = v
	}
	if v, ok := envInt("MESHD_MAX_CONNS_PER_IP"); ok && v >= 0 {
		c.ConnsPerIP = v
	}
	if os.Getenv("MESHD_PPROF") == "1" {
		c.PprofAddr = defaultPprofAddr
		if v := strings.TrimSpace(os.Getenv("MESHD_PPROF_ADDR")); v != "" {
			c.PprofAddr = v
		}
		c.PprofAllowPublic = os.Getenv("MESHD_PPROF_ALLOW_PUBLIC") == "1"
	}
	if c.Home == "" {
		if dir, err := os.UserHomeDir(); err == nil {
			c.Home = filepath.Join(dir, ".meshd")
		}
	}
	return c
}

func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("missing node name (MESHD_NAME or -name)")
	}
	switch c.Transport {
	case TransportTCP, TransportQUIC:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.Listen == "" && len(c.Connect) == 0 {
		return errors.New("nothing to do: no listen address and no peers")
	}
	if c.MaxBufSize <= 0 {
		return fmt.Errorf("invalid max buffer size %d", c.MaxBufSize)
	}
	if c.Home == "" {
		return errors.New("missing home directory (MESHD_HOME or -home)")
	}
	for _, entry := range c.Connect {
		if _, _, err := ParsePeer(entry); err != nil {
			return err
		}
	}
	return nil
}

// SnapshotPath is where the daemon writes its metrics snapshot.
func (c Config) SnapshotPath() string {
	if c.Home == "" {
		return ""
	}
	return filepath.Join(c.Home, "metrics.json")
}

// JournalPath is the teardown journal location.
func (c Config) JournalPath() string {
	if c.Home == "" {
		return ""
	}
	return filepath.Join(c.Home, "teardowns.jsonl")
}

// ParsePeer splits a MESHD_CONNECT entry "name@host:port".
func ParsePeer(entry string) (name, addr string, err error) {
	name, addr, ok := strings.Cut(strings.TrimSpace(entry), "@")
	if !ok || name == "" || addr == "" {
		return "", "", fmt.Errorf("peer %q: want name@host:port", entry)
	}
	return name, addr, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envInt(key string) (int, bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envSeconds(key string, def int) time.Duration {
	if v, ok := envInt(key); ok && v > 0 {
		return time.Duration(v) * time.Second
	}
	return time.Duration(def) * time.Second
}
