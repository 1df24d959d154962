package config

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestResolvePathRelativeToBaseDir(t *testing.T) {
	base := filepath.FromSlash("/opt/messagebus/bin")
	got := resolvePath("./messagebus.db", base)
	want := filepath.Join(base, "./messagebus.db")
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestResolvePathKeepsAbsolutePath(t *testing.T) {
	base := filepath.FromSlash("/opt/messagebus/bin")
	abs := filepath.Join(t.TempDir(), "messagebus.db")
	if got := resolvePath(abs, base); got != abs {
		t.Fatalf("expected absolute path preserved, got %q", got)
	}
}

func TestExecutableDirNotEmpty(t *testing.T) {
	if d := executableDir(); d == "" {
		t.Fatalf("executableDir should not be empty")
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8780" || cfg.StoreDriver != StoreSQLite {
		t.Fatalf("unexpected defaults: addr=%q store=%q", cfg.HTTPAddr, cfg.StoreDriver)
	}
	if cfg.MaxBacklogSize != 1000 || cfg.MaxBacklogAge != 7*24*time.Hour || !cfg.GlobalBacklog {
		t.Fatalf("unexpected retention defaults: %#v", cfg)
	}
	if cfg.LongPollTimeout != 25*time.Second {
		t.Fatalf("expected 25s long-poll timeout, got %v", cfg.LongPollTimeout)
	}
	if !cfg.IdentityProxiesOnly {
		t.Fatalf("expected identity headers to be restricted to trusted proxies by default")
	}
	if !filepath.IsAbs(cfg.SQLitePath) && filepath.Dir(cfg.SQLitePath) == "." {
		t.Fatalf("expected sqlite path to resolve against the executable dir, got %q", cfg.SQLitePath)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MESSAGE_BUS_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("MESSAGE_BUS_STORE", "memory")
	t.Setenv("MESSAGE_BUS_MAX_BACKLOG_SIZE", "50")
	t.Setenv("MESSAGE_BUS_LONG_POLL_TIMEOUT", "5s")
	t.Setenv("MESSAGE_BUS_TRUSTED_PROXY_CIDRS", "10.0.0.0/8, ,192.168.0.0/16")
	t.Setenv("MESSAGE_BUS_IDENTITY_PROXIES_ONLY", "false")

	cfg, err := Load([]string{"-max-backlog-size", "75"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9000" || cfg.StoreDriver != StoreMemory {
		t.Fatalf("env overrides not applied: %#v", cfg)
	}
	if cfg.MaxBacklogSize != 75 {
		t.Fatalf("expected the flag to win over env, got %d", cfg.MaxBacklogSize)
	}
	if cfg.LongPollTimeout != 5*time.Second {
		t.Fatalf("expected 5s, got %v", cfg.LongPollTimeout)
	}
	if !reflect.DeepEqual(cfg.TrustedProxyCIDRs, []string{"10.0.0.0/8", "192.168.0.0/16"}) {
		t.Fatalf("unexpected trusted proxies %#v", cfg.TrustedProxyCIDRs)
	}
	if cfg.IdentityProxiesOnly {
		t.Fatalf("expected MESSAGE_BUS_IDENTITY_PROXIES_ONLY=false to open identity headers")
	}
}

func TestLoadRejectsInvalidCombinations(t *testing.T) {
	for name, args := range map[string][]string{
		"unknown store":         {"-store", "redis"},
		"listen without join":   {"-relay-listen", ":9001"},
		"memory across process": {"-store", "memory", "-relay-addr", "127.0.0.1:9001"},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(args); err == nil {
				t.Fatalf("expected an error for %v", args)
			}
		})
	}
}
