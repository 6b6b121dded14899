package posting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"postbot/internal/runtime/supervisor"
	"postbot/internal/session"
	"postbot/pkg/logx"
)

var (
	ErrExists     = errors.New("account already attached")
	ErrNotStarted = errors.New("registry not started")
)

// Registry is the in-process table of attached accounts. All access is
// keyed by owner id; no cross-owner data is ever returned. Mutators on an
// absent owner are no-ops, Remove is idempotent.
type Registry struct {
	log   logx.Logger
	store Store

	mu       sync.Mutex
	accounts map[int64]*managed
	timings  Timings
	sup      *supervisor.Supervisor
}

type managed struct {
	sess   session.Session
	cfg    Snapshot
	cancel context.CancelFunc
}

func NewRegistry(log logx.Logger, store Store, t Timings) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		log:      log.With(logx.String("comp", "posting")),
		store:    store,
		accounts: map[int64]*managed{},
		timings:  t.withDefaults(),
	}
}

func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup != nil {
		return nil
	}
	r.sup = supervisor.New(ctx,
		supervisor.WithLogger(r.log),
		// one broken unit must never take down the rest
		supervisor.WithCancelOnError(false),
	)
	return nil
}

// Stop cancels all units and waits for them within ctx. Sessions are
// disconnected best-effort; the MTProto layer persists credentials on its
// own, so restored accounts reconnect after restart.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	sup := r.sup
	r.sup = nil
	sessions := make([]session.Session, 0, len(r.accounts))
	for _, m := range r.accounts {
		sessions = append(sessions, m.sess)
	}
	r.accounts = map[int64]*managed{}
	r.mu.Unlock()

	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	for _, s := range sessions {
		if derr := s.Disconnect(); derr != nil {
			r.log.Debug("session disconnect suppressed on stop", logx.Err(derr))
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Supervisor exposes the unit goroutine counters.
func (r *Registry) Supervisor() *supervisor.Supervisor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sup
}

// Create attaches an authorized session under default configuration and
// spawns its posting unit. Fails with ErrExists when the owner already has
// an account record.
func (r *Registry) Create(ctx context.Context, ownerID int64, sess session.Session) error {
	cfg := Snapshot{
		OwnerID:  ownerID,
		Text:     DefaultText,
		Interval: DefaultInterval,
	}
	return r.attach(ctx, cfg, sess)
}

func (r *Registry) attach(ctx context.Context, cfg Snapshot, sess session.Session) error {
	r.mu.Lock()
	if r.sup == nil {
		r.mu.Unlock()
		return ErrNotStarted
	}
	if _, ok := r.accounts[cfg.OwnerID]; ok {
		r.mu.Unlock()
		return ErrExists
	}
	unitCtx, cancel := context.WithCancel(r.sup.Context())
	r.accounts[cfg.OwnerID] = &managed{sess: sess, cfg: cfg.clone(), cancel: cancel}
	sup := r.sup
	r.mu.Unlock()

	r.persist(ctx, cfg)
	ownerID := cfg.OwnerID
	sup.Go0(fmt.Sprintf("unit.%d", ownerID), func(context.Context) {
		r.runUnit(unitCtx, ownerID)
	})
	r.log.Info("account attached", logx.Int64("owner", ownerID))
	return nil
}

// Remove detaches the owner's account: the unit is signaled to stop (not
// waited for), the session is disconnected and the persisted row deleted.
// Disconnect errors are suppressed deliberately so logout always succeeds
// from the owner's perspective; the suppression is logged.
func (r *Registry) Remove(ctx context.Context, ownerID int64) {
	r.mu.Lock()
	m, ok := r.accounts[ownerID]
	if ok {
		delete(r.accounts, ownerID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	m.cancel()
	if err := m.sess.Disconnect(); err != nil {
		r.log.Debug("session disconnect suppressed", logx.Int64("owner", ownerID), logx.Err(err))
	}
	if r.store != nil {
		if err := r.store.DeleteAccount(ctx, ownerID); err != nil {
			r.log.Warn("delete persisted account failed", logx.Int64("owner", ownerID), logx.Err(err))
		}
	}
	r.log.Info("account detached", logx.Int64("owner", ownerID))
}

// Snapshot returns a copy of the owner's configuration, or ok=false when no
// account is attached.
func (r *Registry) Snapshot(ownerID int64) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.accounts[ownerID]
	if !ok {
		return Snapshot{}, false
	}
	return m.cfg.clone(), true
}

func (r *Registry) handle(ownerID int64) (session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.accounts[ownerID]
	if !ok {
		return nil, false
	}
	return m.sess, true
}

func (r *Registry) SetText(ctx context.Context, ownerID int64, text string) bool {
	return r.mutate(ctx, ownerID, func(s *Snapshot) { s.Text = text })
}

func (r *Registry) SetInterval(ctx context.Context, ownerID int64, d time.Duration) bool {
	if d < 0 {
		return false
	}
	return r.mutate(ctx, ownerID, func(s *Snapshot) { s.Interval = d })
}

func (r *Registry) SetDestinations(ctx context.Context, ownerID int64, dests []string) bool {
	return r.mutate(ctx, ownerID, func(s *Snapshot) {
		s.Destinations = append([]string(nil), dests...)
	})
}

// Toggle flips enabled and returns the new state. The running unit picks
// the change up on its next check; a toggle-off aborts an in-flight cycle
// before the next destination, not instantly.
func (r *Registry) Toggle(ctx context.Context, ownerID int64) (enabled, ok bool) {
	ok = r.mutate(ctx, ownerID, func(s *Snapshot) { s.Enabled = !s.Enabled })
	if !ok {
		return false, false
	}
	snap, _ := r.Snapshot(ownerID)
	return snap.Enabled, true
}

func (r *Registry) mutate(ctx context.Context, ownerID int64, fn func(*Snapshot)) bool {
	r.mu.Lock()
	m, okExists := r.accounts[ownerID]
	if !okExists {
		r.mu.Unlock()
		return false
	}
	fn(&m.cfg)
	cfg := m.cfg.clone()
	r.mu.Unlock()

	r.persist(ctx, cfg)
	return true
}

// ForEachSession visits attached sessions; used by maintenance keepalive.
func (r *Registry) ForEachSession(fn func(ownerID int64, s session.Session)) {
	r.mu.Lock()
	type pair struct {
		id int64
		s  session.Session
	}
	pairs := make([]pair, 0, len(r.accounts))
	for id, m := range r.accounts {
		pairs = append(pairs, pair{id: id, s: m.sess})
	}
	r.mu.Unlock()
	for _, p := range pairs {
		fn(p.id, p.s)
	}
}

// List returns snapshots of all attached accounts (digest logging).
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.accounts))
	for _, m := range r.accounts {
		out = append(out, m.cfg.clone())
	}
	return out
}

// Restore reattaches persisted accounts whose sessions still authorize.
// Rows that fail to dial, connect or ping are dropped: the owner was logged
// out remotely and has to go through the auth flow again.
func (r *Registry) Restore(ctx context.Context, dialer session.Dialer) {
	if r.store == nil {
		return
	}
	rows, err := r.store.ListAccounts(ctx)
	if err != nil {
		r.log.Warn("listing persisted accounts failed", logx.Err(err))
		return
	}
	for _, cfg := range rows {
		sess, err := dialer.Dial(cfg.OwnerID)
		if err == nil {
			cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err = sess.Connect(cctx)
			if err == nil {
				err = sess.Ping(cctx)
			}
			cancel()
		}
		if err != nil {
			r.log.Warn("dropping unrestorable account", logx.Int64("owner", cfg.OwnerID), logx.Err(err))
			if sess != nil {
				_ = sess.Disconnect()
			}
			if derr := r.store.DeleteAccount(ctx, cfg.OwnerID); derr != nil {
				r.log.Warn("delete persisted account failed", logx.Int64("owner", cfg.OwnerID), logx.Err(derr))
			}
			continue
		}
		if err := r.attach(ctx, cfg, sess); err != nil {
			r.log.Warn("reattach failed", logx.Int64("owner", cfg.OwnerID), logx.Err(err))
			_ = sess.Disconnect()
			continue
		}
		r.log.Info("account restored", logx.Int64("owner", cfg.OwnerID), logx.Bool("enabled", cfg.Enabled), logx.Int("destinations", len(cfg.Destinations)))
	}
}

// Apply updates unit pacing at runtime (config hot reload).
func (r *Registry) Apply(t Timings) {
	r.mu.Lock()
	r.timings = t.withDefaults()
	r.mu.Unlock()
}

func (r *Registry) currentTimings() Timings {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timings
}

func (r *Registry) persist(ctx context.Context, cfg Snapshot) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveAccount(ctx, cfg); err != nil {
		r.log.Warn("persist account failed", logx.Int64("owner", cfg.OwnerID), logx.Err(err))
	}
}
