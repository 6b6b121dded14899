package posting

import (
	"context"
	"strings"
	"time"

	"postbot/pkg/logx"
)

// StoreConfig configures optional persistence of posting configuration.
// An empty path disables it: accounts then live for the process lifetime
// only and every restart logs everyone out.
type StoreConfig struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default
}

// Store persists account posting configuration so a restart can reattach
// accounts whose MTProto session files still authorize.
type Store interface {
	SaveAccount(ctx context.Context, s Snapshot) error
	DeleteAccount(ctx context.Context, ownerID int64) error
	ListAccounts(ctx context.Context) ([]Snapshot, error)
	Close() error
}

// OpenStore initializes the configured store. Returns (nil, nil) when
// persistence is disabled; the registry is nil-safe around it.
func OpenStore(cfg StoreConfig, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
