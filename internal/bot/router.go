// Package bot is the conversational front end: it maps inbound commands,
// inline-button presses and free-text replies onto the auth flow and the
// account registry. It holds no state of its own; everything lives in the
// flow's pending table and the registry.
package bot

import (
	"context"
	"strconv"
	"strings"
	"time"

	"postbot/internal/authflow"
	"postbot/internal/posting"
	rtsup "postbot/internal/runtime/supervisor"
	kit "postbot/internal/transport"
	"postbot/pkg/logx"
)

// authTimeout bounds a single auth-flow network call (connect, code
// request, sign-in) so a stuck MTProto dial can't pin a dispatch goroutine.
const authTimeout = 45 * time.Second

type Router struct {
	adapter  kit.Adapter
	flow     *authflow.Flow
	registry *posting.Registry
	log      logx.Logger
}

func NewRouter(adapter kit.Adapter, flow *authflow.Flow, registry *posting.Registry, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		adapter:  adapter,
		flow:     flow,
		registry: registry,
		log:      log.With(logx.String("comp", "router")),
	}
}

// Run consumes updates until ctx is done. Each update is dispatched on its
// own supervised goroutine: auth steps do network round-trips and must not
// stall updates from other owners.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for {
		select {
		case <-ctx.Done():
			wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = sup.Wait(wctx)
			cancel()
			return
		case up := <-updates:
			sup.Go0("dispatch", func(c context.Context) {
				r.dispatch(c, up)
			})
		}
	}
}

func (r *Router) dispatch(ctx context.Context, up kit.Update) {
	switch up.Kind {
	case kit.UpdateMessage:
		if up.Message == nil {
			return
		}
		r.onMessage(ctx, up.Message)
	case kit.UpdateCallback:
		if up.Callback == nil {
			return
		}
		r.onCallback(ctx, up.Callback)
	}
}

func (r *Router) onMessage(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	if strings.HasPrefix(text, "/start") {
		r.sendMenu(ctx, m.FromID, m.ChatID,
			"🚀 Auto-posting controller\n\nAttach your own account as a session and post to your channels on a timer.")
		return
	}
	r.onFreeText(ctx, m, text)
}

// onFreeText feeds the owner's reply into whatever interaction is pending.
// No pending interaction means the text is ignored.
func (r *Router) onFreeText(ctx context.Context, m *kit.Message, text string) {
	ownerID := m.FromID
	step, ok := r.flow.Peek(ownerID)
	if !ok {
		return
	}

	switch st := step.(type) {
	case authflow.StepPhone:
		r.submitPhone(ctx, ownerID, m.ChatID, text)
	case authflow.StepCode:
		r.submitCode(ctx, ownerID, m.ChatID, text)
	case authflow.StepPassword:
		r.submitPassword(ctx, ownerID, m.ChatID, text)
	case authflow.StepEdit:
		r.applyEdit(ctx, ownerID, m.ChatID, st.Kind, text)
	}
}

func (r *Router) submitPhone(ctx context.Context, ownerID, chatID int64, text string) {
	phone := strings.ReplaceAll(text, " ", "")
	actx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()
	if err := r.flow.SubmitPhone(actx, ownerID, phone); err != nil {
		r.log.Warn("code request failed", logx.Int64("owner", ownerID), logx.Err(err))
		r.respond(ctx, chatID, "❌ Could not request a login code. Use ➕ Add account to try again.", nil)
		return
	}
	r.respond(ctx, chatID, "📩 A login code was sent to your account. Reply with it now.", nil)
}

func (r *Router) submitCode(ctx context.Context, ownerID, chatID int64, code string) {
	actx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()
	res, err := r.flow.SubmitCode(actx, ownerID, code)
	switch res {
	case authflow.ResultAuthorized:
		r.sendMenu(ctx, ownerID, chatID, "✅ Account attached.")
	case authflow.ResultTwoFactor:
		r.respond(ctx, chatID, "🔐 This account has two-step verification. Reply with the password.", nil)
	case authflow.ResultRestart:
		r.log.Info("sign-in restart forced", logx.Int64("owner", ownerID), logx.Err(err))
		r.respond(ctx, chatID, "❌ The code expired. Use ➕ Add account to start over.", nil)
	default:
		r.log.Warn("sign-in failed", logx.Int64("owner", ownerID), logx.Err(err))
		r.respond(ctx, chatID, "❌ Sign-in failed. Check the code and reply with it again.", nil)
	}
}

func (r *Router) submitPassword(ctx context.Context, ownerID, chatID int64, password string) {
	actx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()
	res, err := r.flow.SubmitPassword(actx, ownerID, password)
	switch res {
	case authflow.ResultAuthorized:
		r.sendMenu(ctx, ownerID, chatID, "✅ Signed in.")
	case authflow.ResultRestart:
		r.log.Info("sign-in restart forced", logx.Int64("owner", ownerID), logx.Err(err))
		r.respond(ctx, chatID, "❌ Sign-in failed. Use ➕ Add account to start over.", nil)
	default:
		r.log.Warn("password rejected", logx.Int64("owner", ownerID), logx.Err(err))
		r.respond(ctx, chatID, "❌ Wrong password. Reply with it again.", nil)
	}
}

func (r *Router) applyEdit(ctx context.Context, ownerID, chatID int64, kind authflow.EditKind, text string) {
	switch kind {
	case authflow.EditText:
		if !r.registry.SetText(ctx, ownerID, text) {
			r.flow.Clear(ownerID)
			return
		}
		r.flow.Clear(ownerID)
		r.sendMenu(ctx, ownerID, chatID, "✅ Post text saved.")

	case authflow.EditInterval:
		// Malformed input is ignored and the interaction stays pending so
		// the owner can just send a number. Suppression is logged.
		n, err := strconv.Atoi(strings.TrimSpace(text))
		if err != nil || n < 0 {
			r.log.Debug("ignoring malformed interval", logx.Int64("owner", ownerID), logx.String("input", text))
			return
		}
		if !r.registry.SetInterval(ctx, ownerID, time.Duration(n)*time.Second) {
			r.flow.Clear(ownerID)
			return
		}
		r.flow.Clear(ownerID)
		r.sendMenu(ctx, ownerID, chatID, "✅ Interval set to "+strconv.Itoa(n)+"s.")

	case authflow.EditDestinations:
		dests := parseDestinations(text)
		if len(dests) == 0 {
			r.log.Debug("ignoring destination list without valid entries", logx.Int64("owner", ownerID), logx.String("input", text))
			return
		}
		if !r.registry.SetDestinations(ctx, ownerID, dests) {
			r.flow.Clear(ownerID)
			return
		}
		r.flow.Clear(ownerID)
		r.sendMenu(ctx, ownerID, chatID, "✅ Saved "+strconv.Itoa(len(dests))+" destination(s).")
	}
}

func (r *Router) onCallback(ctx context.Context, cb *kit.Callback) {
	ownerID := cb.FromID
	_, attached := r.registry.Snapshot(ownerID)

	switch cb.Data {
	case cbAdd:
		if attached {
			r.answer(ctx, cb.ID, "Account already attached")
			return
		}
		r.flow.BeginAuth(ownerID)
		r.answer(ctx, cb.ID, "")
		r.respond(ctx, cb.ChatID, "📱 Send your phone number in international format, e.g. +15550000000", nil)

	case cbToggle:
		enabled, ok := r.registry.Toggle(ctx, ownerID)
		r.answer(ctx, cb.ID, "")
		if !ok {
			return
		}
		r.log.Info("posting toggled", logx.Int64("owner", ownerID), logx.Bool("enabled", enabled))
		r.editMenu(ctx, ownerID, cb)

	case cbText:
		if !attached {
			r.answer(ctx, cb.ID, "")
			return
		}
		r.flow.BeginEdit(ownerID, authflow.EditText)
		r.answer(ctx, cb.ID, "")
		r.respond(ctx, cb.ChatID, "📝 Send the new post text:", nil)

	case cbInterval:
		if !attached {
			r.answer(ctx, cb.ID, "")
			return
		}
		r.flow.BeginEdit(ownerID, authflow.EditInterval)
		r.answer(ctx, cb.ID, "")
		r.respond(ctx, cb.ChatID, "⏱ Send the pause between cycles in seconds (e.g. 10):", nil)

	case cbDestinations:
		if !attached {
			r.answer(ctx, cb.ID, "")
			return
		}
		r.flow.BeginEdit(ownerID, authflow.EditDestinations)
		r.answer(ctx, cb.ID, "")
		r.respond(ctx, cb.ChatID, "👥 Send destination usernames separated by spaces (e.g. @chan1 @chan2):", nil)

	case cbLogout:
		r.registry.Remove(ctx, ownerID)
		r.flow.Clear(ownerID)
		r.answer(ctx, cb.ID, "")
		ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
		opt := &kit.SendOptions{ReplyMarkupAdapter: mainMenu(nil)}
		if err := r.adapter.EditText(ctx, ref, "✅ Logged out, session removed.", opt); err != nil {
			r.log.Debug("menu edit failed", logx.Int64("owner", ownerID), logx.Err(err))
		}

	default:
		r.answer(ctx, cb.ID, "")
	}
}

// editMenu refreshes the keyboard on the message the button lives on.
func (r *Router) editMenu(ctx context.Context, ownerID int64, cb *kit.Callback) {
	var snapRef *posting.Snapshot
	if snap, ok := r.registry.Snapshot(ownerID); ok {
		snapRef = &snap
	}
	ref := kit.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	opt := &kit.SendOptions{ReplyMarkupAdapter: mainMenu(snapRef)}
	if err := r.adapter.EditText(ctx, ref, menuCaption(snapRef), opt); err != nil {
		r.log.Debug("menu edit failed", logx.Int64("owner", ownerID), logx.Err(err))
	}
}

func (r *Router) sendMenu(ctx context.Context, ownerID, chatID int64, text string) {
	var snapRef *posting.Snapshot
	if snap, ok := r.registry.Snapshot(ownerID); ok {
		snapRef = &snap
	}
	r.respond(ctx, chatID, text, mainMenu(snapRef))
}

func (r *Router) respond(ctx context.Context, chatID int64, text string, markup any) {
	opt := &kit.SendOptions{}
	if markup != nil {
		opt.ReplyMarkupAdapter = markup
	}
	if _, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		r.log.Warn("send failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

func (r *Router) answer(ctx context.Context, callbackID, text string) {
	if err := r.adapter.AnswerCallback(ctx, callbackID, text); err != nil {
		r.log.Debug("callback answer failed", logx.Err(err))
	}
}

func menuCaption(snap *posting.Snapshot) string {
	if snap == nil {
		return "🚀 Auto-posting controller"
	}
	if snap.Enabled {
		return "🟢 Posting is running."
	}
	return "🔴 Posting is stopped."
}

// parseDestinations keeps whitespace-separated tokens that look like
// channel usernames; anything else is dropped.
func parseDestinations(text string) []string {
	var out []string
	for _, f := range strings.Fields(text) {
		if strings.HasPrefix(f, "@") && len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}
