package posting

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"postbot/pkg/logx"
)

// runUnit is one account's posting loop. It exits only when the account
// record is gone or the unit context is canceled; delivery failures are
// per-destination and never terminate the unit.
func (r *Registry) runUnit(ctx context.Context, ownerID int64) {
	log := r.log.With(logx.Int64("owner", ownerID))
	for {
		snap, ok := r.Snapshot(ownerID)
		if !ok || ctx.Err() != nil {
			return
		}
		t := r.currentTimings()
		if !snap.Enabled || len(snap.Destinations) == 0 {
			if !sleep(ctx, t.IdlePoll) {
				return
			}
			continue
		}

		// Token bucket with one initial token: the first send goes out
		// immediately, the rest are spaced by SendPause.
		pace := rate.NewLimiter(rate.Every(t.SendPause), 1)
		for _, dest := range snap.Destinations {
			if err := pace.Wait(ctx); err != nil {
				return
			}
			// Re-read after the pause so a toggle or removal landing
			// mid-cycle stops the cycle before the next send.
			cur, ok := r.Snapshot(ownerID)
			if !ok || ctx.Err() != nil {
				return
			}
			if !cur.Enabled {
				break
			}
			sess, ok := r.handle(ownerID)
			if !ok {
				return
			}
			if err := sess.SendMessage(ctx, dest, cur.Text); err != nil {
				log.Warn("post failed", logx.String("dest", dest), logx.Err(err))
				continue
			}
			log.Debug("posted", logx.String("dest", dest))
		}

		// Interval is re-read so an edit applies to the very next pause.
		wait := t.IdlePoll
		if cur, ok := r.Snapshot(ownerID); ok {
			wait = cur.Interval
		}
		if !sleep(ctx, wait) {
			return
		}
	}
}

// sleep waits for d or until ctx is done; reports whether the full wait
// elapsed. Zero and negative d return immediately.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
