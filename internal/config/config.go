package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"
)

// EnvPrefix namespaces the environment variables that mirror each flag,
// e.g. -http-addr is also read from MESSAGE_BUS_HTTP_ADDR.
const EnvPrefix = "MESSAGE_BUS"

type Config struct {
	HTTPAddr          string
	AdminToken        string
	StoreDriver       string
	SQLitePath        string
	MaxBacklogSize    int
	MaxBacklogAge     time.Duration
	GlobalBacklog     bool
	GlobalBacklogSize int
	LongPollTimeout   time.Duration
	ReplayLimit       int
	RelayListen       string
	RelayAddr         string
	LogLevel          string
	LogDevelopment    bool
	PollRateLimit     float64
	PollRateBurst     int
	TrustedProxyCIDRs []string
	// IdentityProxiesOnly limits the X-Message-Bus-* identity headers to
	// requests arriving from TrustedProxyCIDRs.
	IdentityProxiesOnly bool
	ShutdownTimeout     time.Duration
	Diagnostics         bool
}

const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

func Load(args []string) (Config, error) {
	var cfg Config
	var trusted string
	fs := flag.NewFlagSet("busd", flag.ContinueOnError)
	fs.StringVar(&cfg.HTTPAddr, "http-addr", ":8780", "HTTP listen address for polling, streaming and admin endpoints")
	fs.StringVar(&cfg.AdminToken, "admin-token", "", "bearer token for /admin endpoints; empty disables the check")
	fs.StringVar(&cfg.StoreDriver, "store", StoreSQLite, "backlog store: memory or sqlite")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", "messagebus.db", "SQLite backlog file, relative paths resolve against the executable")
	fs.IntVar(&cfg.MaxBacklogSize, "max-backlog-size", 1000, "messages kept per channel")
	fs.DurationVar(&cfg.MaxBacklogAge, "max-backlog-age", 7*24*time.Hour, "how long messages are kept")
	fs.BoolVar(&cfg.GlobalBacklog, "global-backlog", true, "also record every message in the global backlog")
	fs.IntVar(&cfg.GlobalBacklogSize, "global-backlog-size", 2000, "messages kept in the global backlog")
	fs.DurationVar(&cfg.LongPollTimeout, "long-poll-timeout", 25*time.Second, "how long a poll waits before returning empty")
	fs.IntVar(&cfg.ReplayLimit, "replay-limit", 1000, "maximum messages replayed per channel on connect")
	fs.StringVar(&cfg.RelayListen, "relay-listen", "", "serve the notification relay on this address")
	fs.StringVar(&cfg.RelayAddr, "relay-addr", "", "relay to join for cross-process notifications; empty keeps them in process")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "debug, info, warn or error")
	fs.BoolVar(&cfg.LogDevelopment, "log-development", false, "human readable console logs")
	fs.Float64Var(&cfg.PollRateLimit, "poll-rate-limit", 20, "poll requests per second allowed per client IP")
	fs.IntVar(&cfg.PollRateBurst, "poll-rate-burst", 40, "poll request burst per client IP")
	fs.StringVar(&trusted, "trusted-proxy-cidrs", "", "comma separated proxies whose X-Forwarded-For and identity headers are honoured")
	fs.BoolVar(&cfg.IdentityProxiesOnly, "identity-proxies-only", true, "honour X-Message-Bus-User-Id, -Group-Ids and -Site-Id only from -trusted-proxy-cidrs; when false any client can claim any identity")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for open requests on shutdown")
	fs.BoolVar(&cfg.Diagnostics, "diagnostics", false, "answer process discovery requests")

	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix(EnvPrefix)); err != nil {
		return Config{}, err
	}
	cfg.TrustedProxyCIDRs = splitCSV(trusted)
	cfg.SQLitePath = resolvePath(cfg.SQLitePath, executableDir())
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("config: unknown store %q", c.StoreDriver)
	}
	if c.RelayListen != "" && c.RelayAddr == "" {
		return fmt.Errorf("config: -relay-listen needs -relay-addr so this process joins its own relay")
	}
	if c.StoreDriver == StoreMemory && c.RelayAddr != "" {
		return fmt.Errorf("config: the memory store cannot be shared between processes; use sqlite with a relay")
	}
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func resolvePath(v, baseDir string) string {
	if v == "" || filepath.IsAbs(v) || baseDir == "" {
		return v
	}
	return filepath.Join(baseDir, v)
}

func executableDir() string {
	exe, err := os.Executable()
	if err != nil || exe == "" {
		return "."
	}
	if real, err := filepath.EvalSymlinks(exe); err == nil && real != "" {
		exe = real
	}
	dir := filepath.Dir(exe)
	if dir == "" {
		return "."
	}
	return dir
}
