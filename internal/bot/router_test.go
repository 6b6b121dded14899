package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/authflow"
	"postbot/internal/posting"
	"postbot/internal/session"
	kit "postbot/internal/transport"
	"postbot/pkg/logx"
)

type sentMsg struct {
	chatID int64
	text   string
	markup *tele.ReplyMarkup
}

type editedMsg struct {
	ref    kit.MessageRef
	text   string
	markup *tele.ReplyMarkup
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sentMsg
	edited  []editedMsg
	answers []string
}

func (a *fakeAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := sentMsg{chatID: to.ChatID, text: text}
	if opt != nil {
		m.markup, _ = opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	}
	a.sent = append(a.sent, m)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := editedMsg{ref: ref, text: text}
	if opt != nil {
		e.markup, _ = opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	}
	a.edited = append(a.edited, e)
	return nil
}

func (a *fakeAdapter) AnswerCallback(ctx context.Context, callbackID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.answers = append(a.answers, text)
	return nil
}

func (a *fakeAdapter) lastSent(t *testing.T) sentMsg {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return a.sent[len(a.sent)-1]
}

func (a *fakeAdapter) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

type stubSession struct {
	disconnectErr error
	disconnects   int
}

func (s *stubSession) Connect(ctx context.Context) error { return nil }
func (s *stubSession) RequestCode(ctx context.Context, phone string) (string, error) {
	return "hash", nil
}
func (s *stubSession) SignIn(ctx context.Context, phone, code, token string) error     { return nil }
func (s *stubSession) SignInPassword(ctx context.Context, password string) error       { return nil }
func (s *stubSession) SendMessage(ctx context.Context, destination, text string) error { return nil }
func (s *stubSession) Ping(ctx context.Context) error                                  { return nil }
func (s *stubSession) Disconnect() error {
	s.disconnects++
	return s.disconnectErr
}

type stubDialer struct{ sess session.Session }

func (d *stubDialer) Dial(ownerID int64) (session.Session, error) { return d.sess, nil }

type routerFixture struct {
	router   *Router
	adapter  *fakeAdapter
	flow     *authflow.Flow
	registry *posting.Registry
}

func newFixture(t *testing.T, sess session.Session) *routerFixture {
	t.Helper()
	registry := posting.NewRegistry(logx.Nop(), nil, posting.Timings{
		IdlePoll:  10 * time.Millisecond,
		SendPause: time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := registry.Start(ctx); err != nil {
		cancel()
		t.Fatalf("registry Start: %v", err)
	}
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = registry.Stop(sctx)
		cancel()
	})

	adapter := &fakeAdapter{}
	flow := authflow.New(&stubDialer{sess: sess}, registry, logx.Nop())
	return &routerFixture{
		router:   NewRouter(adapter, flow, registry, logx.Nop()),
		adapter:  adapter,
		flow:     flow,
		registry: registry,
	}
}

// attach walks owner 1 through the happy auth path so edit tests start from
// an attached account.
func (fx *routerFixture) attach(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	fx.flow.BeginAuth(1)
	if err := fx.flow.SubmitPhone(ctx, 1, "+15550100"); err != nil {
		t.Fatalf("SubmitPhone: %v", err)
	}
	if res, err := fx.flow.SubmitCode(ctx, 1, "12345"); err != nil || res != authflow.ResultAuthorized {
		t.Fatalf("SubmitCode = (%v, %v)", res, err)
	}
}

func msg(text string) *kit.Message {
	return &kit.Message{ID: 1, ChatID: 1, FromID: 1, Text: text}
}

func cb(data string) *kit.Callback {
	return &kit.Callback{ID: "cb1", FromID: 1, ChatID: 1, MessageID: 10, Data: data}
}

func TestStartSendsMenu(t *testing.T) {
	fx := newFixture(t, &stubSession{})
	fx.router.onMessage(context.Background(), msg("/start"))

	last := fx.adapter.lastSent(t)
	if last.markup == nil {
		t.Fatal("/start reply has no keyboard")
	}
	if rows := len(last.markup.InlineKeyboard); rows != 1 {
		t.Fatalf("menu rows for new owner = %d, want 1", rows)
	}
	if got := last.markup.InlineKeyboard[0][0].Data; got != cbAdd {
		t.Fatalf("button data = %q, want %q", got, cbAdd)
	}
}

func TestMenuAfterAttachShowsFullSet(t *testing.T) {
	fx := newFixture(t, &stubSession{})
	fx.attach(t)
	fx.router.onMessage(context.Background(), msg("/start"))

	last := fx.adapter.lastSent(t)
	if last.markup == nil {
		t.Fatal("no keyboard")
	}
	if rows := len(last.markup.InlineKeyboard); rows != 4 {
		t.Fatalf("menu rows for attached owner = %d, want 4", rows)
	}
}

func TestFreeTextIgnoredWithoutPendingInteraction(t *testing.T) {
	fx := newFixture(t, &stubSession{})
	fx.attach(t)
	before := fx.adapter.sentCount()

	fx.router.onMessage(context.Background(), msg("hello there"))
	if fx.adapter.sentCount() != before {
		t.Fatal("free text without pending interaction produced a reply")
	}
	snap, _ := fx.registry.Snapshot(1)
	if snap.Text != posting.DefaultText {
		t.Fatalf("text changed to %q", snap.Text)
	}
}

func TestMalformedIntervalKeepsInteractionPending(t *testing.T) {
	fx := newFixture(t, &stubSession{})
	fx.attach(t)
	ctx := context.Background()

	fx.router.onCallback(ctx, cb(cbInterval))
	fx.router.onMessage(ctx, msg("abc"))

	snap, _ := fx.registry.Snapshot(1)
	if snap.Interval != posting.DefaultInterval {
		t.Fatalf("interval changed to %v on malformed input", snap.Interval)
	}
	if _, ok := fx.flow.Peek(1); !ok {
		t.Fatal("pending interaction dropped on malformed input")
	}

	// A valid number right after still lands.
	fx.router.onMessage(ctx, msg("25"))
	snap, _ = fx.registry.Snapshot(1)
	if snap.Interval != 25*time.Second {
		t.Fatalf("interval = %v, want 25s", snap.Interval)
	}
	if _, ok := fx.flow.Peek(1); ok {
		t.Fatal("pending interaction survived a valid submission")
	}
}

func TestNegativeIntervalIgnored(t *testing.T) {
	fx := newFixture(t, &stubSession{})
	fx.attach(t)
	ctx := context.Background()

	fx.router.onCallback(ctx, cb(cbInterval))
	fx.router.onMessage(ctx, msg("-5"))

	snap, _ := fx.registry.Snapshot(1)
	if snap.Interval != posting.DefaultInterval {
		t.Fatalf("interval changed to %v on negative input", snap.Interval)
	}
	if _, ok := fx.flow.Peek(1); !ok {
		t.Fatal("pending interaction dropped on negative input")
	}
}

func TestDestinationParsing(t *testing.T) {
	fx := newFixture(t, &stubSession{})
	fx.attach(t)
	ctx := context.Background()

	fx.router.onCallback(ctx, cb(cbDestinations))
	fx.router.onMessage(ctx, msg("@chan1 junk @chan2 @"))

	snap, _ := fx.registry.Snapshot(1)
	if len(snap.Destinations) != 2 || snap.Destinations[0] != "@chan1" || snap.Destinations[1] != "@chan2" {
		t.Fatalf("destinations = %v, want [@chan1 @chan2]", snap.Destinations)
	}
}

func TestDestinationListWithoutValidEntriesIgnored(t *testing.T) {
	fx := newFixture(t, &stubSession{})
	fx.attach(t)
	ctx := context.Background()

	fx.router.onCallback(ctx, cb(cbDestinations))
	fx.router.onMessage(ctx, msg("no usernames here"))

	snap, _ := fx.registry.Snapshot(1)
	if len(snap.Destinations) != 0 {
		t.Fatalf("destinations = %v, want none", snap.Destinations)
	}
	if _, ok := fx.flow.Peek(1); !ok {
		t.Fatal("pending interaction dropped on useless input")
	}
}

func TestPostTextEdit(t *testing.T) {
	fx := newFixture(t, &stubSession{})
	fx.attach(t)
	ctx := context.Background()

	fx.router.onCallback(ctx, cb(cbText))
	fx.router.onMessage(ctx, msg("fresh content"))

	snap, _ := fx.registry.Snapshot(1)
	if snap.Text != "fresh content" {
		t.Fatalf("text = %q", snap.Text)
	}
}

func TestToggleRefreshesMenuInPlace(t *testing.T) {
	fx := newFixture(t, &stubSession{})
	fx.attach(t)
	ctx := context.Background()

	fx.router.onCallback(ctx, cb(cbToggle))

	snap, _ := fx.registry.Snapshot(1)
	if !snap.Enabled {
		t.Fatal("toggle did not enable posting")
	}
	fx.adapter.mu.Lock()
	defer fx.adapter.mu.Unlock()
	if len(fx.adapter.edited) != 1 {
		t.Fatalf("edits = %d, want menu refreshed in place", len(fx.adapter.edited))
	}
	e := fx.adapter.edited[0]
	if e.ref.MessageID != 10 || e.ref.ChatID != 1 {
		t.Fatalf("edit ref = %+v", e.ref)
	}
	if !strings.Contains(e.text, "running") {
		t.Fatalf("edit caption = %q", e.text)
	}
}

func TestLogoutSucceedsDespiteDisconnectError(t *testing.T) {
	sess := &stubSession{disconnectErr: errors.New("connection already closed")}
	fx := newFixture(t, sess)
	fx.attach(t)
	ctx := context.Background()

	fx.router.onCallback(ctx, cb(cbLogout))

	if _, ok := fx.registry.Snapshot(1); ok {
		t.Fatal("account survived logout")
	}
	if sess.disconnects != 1 {
		t.Fatalf("disconnects = %d, want 1", sess.disconnects)
	}
	fx.adapter.mu.Lock()
	defer fx.adapter.mu.Unlock()
	if len(fx.adapter.edited) != 1 {
		t.Fatal("logout did not confirm via message edit")
	}
	if got := fx.adapter.edited[0].markup; got == nil || len(got.InlineKeyboard) != 1 {
		t.Fatal("logout menu did not fall back to the add-account keyboard")
	}
}

func TestAddWhileAttachedRefused(t *testing.T) {
	fx := newFixture(t, &stubSession{})
	fx.attach(t)
	ctx := context.Background()

	fx.router.onCallback(ctx, cb(cbAdd))
	if _, ok := fx.flow.Peek(1); ok {
		t.Fatal("auth flow started for an already attached owner")
	}
	fx.adapter.mu.Lock()
	defer fx.adapter.mu.Unlock()
	if len(fx.adapter.answers) != 1 || fx.adapter.answers[0] == "" {
		t.Fatalf("answers = %v, want a refusal notice", fx.adapter.answers)
	}
}

func TestEditCallbacksRequireAttachedAccount(t *testing.T) {
	fx := newFixture(t, &stubSession{})
	ctx := context.Background()

	for _, data := range []string{cbText, cbInterval, cbDestinations} {
		fx.router.onCallback(ctx, cb(data))
		if _, ok := fx.flow.Peek(1); ok {
			t.Fatalf("edit %q started without an attached account", data)
		}
	}
}

func TestPhonePromptAfterAddCallback(t *testing.T) {
	fx := newFixture(t, &stubSession{})
	ctx := context.Background()

	fx.router.onCallback(ctx, cb(cbAdd))
	if st, ok := fx.flow.Peek(1); !ok {
		t.Fatal("no pending step after add")
	} else if _, isPhone := st.(authflow.StepPhone); !isPhone {
		t.Fatalf("step = %T, want StepPhone", st)
	}
	last := fx.adapter.lastSent(t)
	if !strings.Contains(last.text, "phone number") {
		t.Fatalf("prompt = %q", last.text)
	}
}

func TestPhoneNumberSpacesStripped(t *testing.T) {
	fx := newFixture(t, &stubSession{})
	ctx := context.Background()

	fx.router.onCallback(ctx, cb(cbAdd))
	fx.router.onMessage(ctx, msg("+1 555 0100"))

	if st, ok := fx.flow.Peek(1); !ok {
		t.Fatal("no pending step after phone submission")
	} else if _, isCode := st.(authflow.StepCode); !isCode {
		t.Fatalf("step = %T, want StepCode", st)
	}
	last := fx.adapter.lastSent(t)
	if !strings.Contains(last.text, "login code") {
		t.Fatalf("prompt = %q", last.text)
	}
}
