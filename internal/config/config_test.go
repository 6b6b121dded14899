package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// Parse reads the process environment; blank out the override vars so
// host values don't leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	t.Setenv("TG_API_ID", "")
	t.Setenv("TG_API_HASH", "")
}

const validYAML = `
telegram:
  bot_token: "123:abc"
  api_id: 17349
  api_hash: "deadbeef"
  poll_timeout: "15s"
logging:
  level: debug
  console: true
  file:
    enabled: true
    path: /var/log/postbot.log
sessions:
  dir: /var/lib/postbot/sessions
storage:
  path: /var/lib/postbot/accounts.db
  busy_timeout: "3s"
poster:
  idle_poll: "5s"
  send_pause: "2s"
maintenance:
  keepalive: "*/10 * * * *"
  digest: "0 9 * * *"
`

func TestParseYAML(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", validYAML)

	cfg, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.BotToken != "123:abc" || cfg.Telegram.APIID != 17349 || cfg.Telegram.APIHash != "deadbeef" {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console || !cfg.Logging.File.Enabled {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Sessions.Dir != "/var/lib/postbot/sessions" {
		t.Fatalf("sessions = %+v", cfg.Sessions)
	}
	if cfg.Maintenance.Keepalive != "*/10 * * * *" {
		t.Fatalf("maintenance = %+v", cfg.Maintenance)
	}
}

func TestParseJSON(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.json", `{
  "telegram": {"bot_token": "123:abc", "api_id": 1, "api_hash": "x"},
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}},
  "sessions": {"dir": "./sessions"}
}`)

	cfg, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.BotToken != "123:abc" || cfg.Sessions.Dir != "./sessions" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", `
telegram:
  bot_token: "123:abc"
  api_id: 1
  api_hash: "x"
  typo_field: true
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
sessions:
  dir: ./sessions
`)
	if _, err := Parse(path); err == nil {
		t.Fatal("unknown key accepted")
	}
}

func TestParseRequiresCredentials(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "config.yaml", `
telegram:
  api_id: 1
  api_hash: "x"
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
sessions:
  dir: ./sessions
`)
	if _, err := Parse(path); err == nil {
		t.Fatal("missing bot token accepted")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "999:env")
	t.Setenv("TG_API_ID", "42")
	t.Setenv("TG_API_HASH", "envhash")

	path := writeConfig(t, "config.yaml", validYAML)
	cfg, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.BotToken != "999:env" {
		t.Fatalf("bot token = %q, want env override", cfg.Telegram.BotToken)
	}
	if cfg.Telegram.APIID != 42 || cfg.Telegram.APIHash != "envhash" {
		t.Fatalf("api creds = %d/%q, want env override", cfg.Telegram.APIID, cfg.Telegram.APIHash)
	}
}

func TestEnvSuppliesMissingSecrets(t *testing.T) {
	clearEnv(t)
	t.Setenv("TELEGRAM_BOT_TOKEN", "999:env")
	t.Setenv("TG_API_ID", "42")
	t.Setenv("TG_API_HASH", "envhash")

	path := writeConfig(t, "config.yaml", `
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
sessions:
  dir: ./sessions
`)
	cfg, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Telegram.BotToken != "999:env" || cfg.Telegram.APIID != 42 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
}

func TestDuration(t *testing.T) {
	cases := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{"", 5 * time.Second, 5 * time.Second, false},
		{"  ", time.Second, time.Second, false},
		{"250ms", 0, 250 * time.Millisecond, false},
		{"2m", 0, 2 * time.Minute, false},
		{"-1s", 0, 0, true},
		{"banana", 0, 0, true},
	}
	for _, tc := range cases {
		got, err := Duration("test.field", tc.raw, tc.def)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Duration(%q): expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("Duration(%q): %v", tc.raw, err)
			continue
		}
		if got != tc.want {
			t.Errorf("Duration(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}
