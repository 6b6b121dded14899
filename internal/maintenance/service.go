// Package maintenance runs cron-scheduled background jobs: a session
// keepalive ping that surfaces remotely revoked accounts early, and a
// daily digest line summarizing attached accounts.
package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/posting"
	"postbot/internal/session"
	"postbot/pkg/logx"
)

type Config struct {
	Keepalive string // standard 5-field cron spec, empty disables
	Digest    string
}

type Service struct {
	cfg      Config
	registry *posting.Registry
	log      logx.Logger
	cron     *cron.Cron
}

func New(cfg Config, registry *posting.Registry, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		registry: registry,
		log:      log.With(logx.String("comp", "maintenance")),
	}
}

func (s *Service) Start() error {
	c := cron.New()
	if s.cfg.Keepalive != "" {
		if _, err := c.AddFunc(s.cfg.Keepalive, s.keepalive); err != nil {
			return err
		}
	}
	if s.cfg.Digest != "" {
		if _, err := c.AddFunc(s.cfg.Digest, s.digest); err != nil {
			return err
		}
	}
	s.cron = c
	c.Start()
	s.log.Info("maintenance jobs scheduled",
		logx.Bool("keepalive", s.cfg.Keepalive != ""),
		logx.Bool("digest", s.cfg.Digest != ""))
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) keepalive() {
	s.registry.ForEachSession(func(ownerID int64, sess session.Session) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sess.Ping(ctx); err != nil {
			s.log.Warn("session keepalive failed", logx.Int64("owner", ownerID), logx.Err(err))
			return
		}
		s.log.Debug("session keepalive ok", logx.Int64("owner", ownerID))
	})
}

func (s *Service) digest() {
	accounts := s.registry.List()
	enabled := 0
	dests := 0
	for _, a := range accounts {
		if a.Enabled {
			enabled++
		}
		dests += len(a.Destinations)
	}
	s.log.Info("account digest",
		logx.Int("accounts", len(accounts)),
		logx.Int("enabled", enabled),
		logx.Int("destinations", dests))
}
