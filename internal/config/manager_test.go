package config

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"postbot/pkg/logx"
)

func TestManagerLoadAndGet(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", validYAML)

	m := NewManager(path, logx.Nop())
	if m.Get() != nil {
		t.Fatal("Get before Load returned a config")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatal("Get does not return the loaded config")
	}
}

func TestWatchReloadsOnWrite(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", validYAML)

	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *Config, 1)
	go func() {
		_ = m.Watch(ctx, func(cfg *Config) {
			select {
			case reloaded <- cfg:
			default:
			}
		})
	}()

	// Let the watcher register before writing.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(validYAML, "level: debug", "level: warn", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Logging.Level != "warn" {
			t.Fatalf("reloaded level = %q, want warn", cfg.Logging.Level)
		}
		if m.Get().Logging.Level != "warn" {
			t.Fatal("Get still serves the stale config")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload not observed")
	}
}

func TestWatchKeepsLastGoodConfigOnInvalidEdit(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", validYAML)

	m := NewManager(path, logx.Nop())
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *Config, 1)
	go func() {
		_ = m.Watch(ctx, func(cfg *Config) { reloaded <- cfg })
	}()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("telegram: [not a map"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case <-reloaded:
		t.Fatal("invalid config was published")
	case <-time.After(time.Second):
	}
	if m.Get().Telegram.BotToken != "123:abc" {
		t.Fatal("last good config lost after invalid edit")
	}
}
