// Package config loads the bot configuration from YAML or JSON. YAML is
// coerced to JSON so both formats go through the same strict decoder and
// unknown keys fail loudly. Secrets may come from the environment instead
// of the file; env always wins.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Sessions    SessionsConfig    `json:"sessions"`
	Storage     StorageConfig     `json:"storage,omitempty"`
	Poster      PosterConfig      `json:"poster,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	// BotToken may be left empty in the file and provided via
	// TELEGRAM_BOT_TOKEN.
	BotToken string `json:"bot_token,omitempty"`
	// APIID/APIHash identify the application to MTProto (env: TG_API_ID,
	// TG_API_HASH).
	APIID   int    `json:"api_id,omitempty"`
	APIHash string `json:"api_hash,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type SessionsConfig struct {
	// Dir holds one MTProto session file per owner.
	Dir string `json:"dir"`
}

// StorageConfig controls posting-configuration persistence. An empty path
// disables it (accounts are then lost on restart).
type StorageConfig struct {
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// PosterConfig tunes posting unit pacing; both are Go duration strings.
type PosterConfig struct {
	IdlePoll  string `json:"idle_poll,omitempty"`
	SendPause string `json:"send_pause,omitempty"`
}

// MaintenanceConfig holds cron specs (standard 5-field) for background
// jobs. Empty spec disables the job.
type MaintenanceConfig struct {
	Keepalive string `json:"keepalive,omitempty"`
	Digest    string `json:"digest,omitempty"`
}

func Parse(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// Reject trailing tokens (e.g. concatenated JSON documents).
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TG_API_ID"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Telegram.APIID = n
		}
	}
	if v := os.Getenv("TG_API_HASH"); v != "" {
		c.Telegram.APIHash = v
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Telegram.BotToken) == "" {
		return errors.New("telegram.bot_token is required (or TELEGRAM_BOT_TOKEN)")
	}
	if c.Telegram.APIID == 0 || strings.TrimSpace(c.Telegram.APIHash) == "" {
		return errors.New("telegram.api_id and telegram.api_hash are required (or TG_API_ID/TG_API_HASH)")
	}
	return nil
}

// coerceToJSONBytes converts YAML input to JSON bytes so the strict JSON
// decoder serves both formats.
func coerceToJSONBytes(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	v = normalizeYAML(v)
	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be
// JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		for k, v := range x {
			x[k] = normalizeYAML(v)
		}
		return x
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// Duration parses a Go duration string field, returning def for empty and
// an error for negative or unparsable values.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}
