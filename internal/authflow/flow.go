// Package authflow drives one owner from a phone number to an authorized,
// attached account: phone -> code -> optional two-factor password. It also
// owns the pending-interaction table, so at any time an owner has at most
// one expected free-text input; stage-scoped data (phone, in-progress
// session, code correlation token) lives only on the step that carries it.
package authflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"postbot/internal/posting"
	"postbot/internal/session"
	"postbot/pkg/logx"
)

// EditKind tags the single-field edit interactions that share the
// pending-interaction table with the auth stages.
type EditKind int

const (
	EditText EditKind = iota
	EditInterval
	EditDestinations
)

// Step is the sealed pending-interaction variant. The router type-switches
// on it to decide what the next free-text message from an owner means; an
// owner with no step has their free text ignored.
type Step interface{ isStep() }

// StepPhone awaits the owner's phone number.
type StepPhone struct{}

// StepCode awaits the login code sent to the phone.
type StepCode struct {
	phone string
	sess  session.Session
	token string
}

// StepPassword awaits the two-factor password on the held session.
type StepPassword struct {
	phone string
	sess  session.Session
}

// StepEdit awaits a configuration value for an already attached account.
type StepEdit struct{ Kind EditKind }

func (StepPhone) isStep()    {}
func (StepCode) isStep()     {}
func (StepPassword) isStep() {}
func (StepEdit) isStep()     {}

// Result tells the router what happened to the flow after a submission.
type Result int

const (
	// ResultAuthorized means the account record was created and its posting
	// unit spawned; the pending interaction is cleared.
	ResultAuthorized Result = iota
	// ResultTwoFactor means the flow advanced to the password stage.
	ResultTwoFactor
	// ResultRetry means the stage is unchanged and the owner may resubmit.
	ResultRetry
	// ResultRestart means the pending interaction was cleared and the owner
	// has to start over from "add account".
	ResultRestart
)

type Flow struct {
	dialer   session.Dialer
	registry *posting.Registry
	log      logx.Logger

	mu      sync.Mutex
	pending map[int64]Step
}

func New(dialer session.Dialer, registry *posting.Registry, log logx.Logger) *Flow {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Flow{
		dialer:   dialer,
		registry: registry,
		log:      log.With(logx.String("comp", "authflow")),
		pending:  map[int64]Step{},
	}
}

// Peek returns the owner's current pending step without consuming it.
func (f *Flow) Peek(ownerID int64) (Step, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.pending[ownerID]
	return st, ok
}

// Clear drops the owner's pending interaction, releasing any session held
// by a mid-auth stage.
func (f *Flow) Clear(ownerID int64) {
	f.mu.Lock()
	st := f.pending[ownerID]
	delete(f.pending, ownerID)
	f.mu.Unlock()
	f.release(st)
}

// BeginAuth starts the add-account flow. A stale pending interaction is
// simply overwritten (and its held session released); the core tolerates
// re-entry even when the presentation layer would not offer it.
func (f *Flow) BeginAuth(ownerID int64) {
	f.set(ownerID, StepPhone{})
}

// BeginEdit starts a single-field configuration edit.
func (f *Flow) BeginEdit(ownerID int64, kind EditKind) {
	f.set(ownerID, StepEdit{Kind: kind})
}

// SubmitPhone opens a dedicated session for this owner and requests a login
// code. On success the flow advances to the code stage; on any failure the
// session is released and the flow resets to idle.
func (f *Flow) SubmitPhone(ctx context.Context, ownerID int64, phone string) error {
	sess, err := f.dialer.Dial(ownerID)
	if err != nil {
		f.Clear(ownerID)
		return fmt.Errorf("open session: %w", err)
	}
	if err := sess.Connect(ctx); err != nil {
		f.Clear(ownerID)
		return fmt.Errorf("connect: %w", err)
	}
	token, err := sess.RequestCode(ctx, phone)
	if err != nil {
		if derr := sess.Disconnect(); derr != nil {
			f.log.Debug("session disconnect suppressed", logx.Int64("owner", ownerID), logx.Err(derr))
		}
		f.Clear(ownerID)
		return err
	}
	f.set(ownerID, StepCode{phone: phone, sess: sess, token: token})
	return nil
}

// SubmitCode attempts sign-in with the stored phone, correlation token and
// the given code. The step is taken out of the pending table before the
// network call, so concurrent submissions from one owner cannot both act on
// it; retryable failures reinstate it.
func (f *Flow) SubmitCode(ctx context.Context, ownerID int64, code string) (Result, error) {
	st, ok := f.take(ownerID)
	sc, isCode := st.(StepCode)
	if !isCode {
		if ok {
			f.reinstate(ownerID, st)
		}
		return ResultRestart, errors.New("no sign-in in progress")
	}

	err := sc.sess.SignIn(ctx, sc.phone, code, sc.token)
	switch {
	case err == nil:
		return f.authorize(ctx, ownerID, sc.sess)
	case errors.Is(err, session.ErrTwoFactorRequired):
		// The session is carried into the password stage.
		f.reinstate(ownerID, StepPassword{phone: sc.phone, sess: sc.sess})
		return ResultTwoFactor, nil
	case errors.Is(err, session.ErrCodeExpired):
		f.release(sc)
		return ResultRestart, err
	default:
		// Invalid code or transient provider error: the owner may resubmit.
		f.reinstate(ownerID, sc)
		return ResultRetry, err
	}
}

// SubmitPassword attempts the two-factor sign-in on the held session.
func (f *Flow) SubmitPassword(ctx context.Context, ownerID int64, password string) (Result, error) {
	st, ok := f.take(ownerID)
	sp, isPw := st.(StepPassword)
	if !isPw {
		if ok {
			f.reinstate(ownerID, st)
		}
		return ResultRestart, errors.New("no sign-in in progress")
	}

	if err := sp.sess.SignInPassword(ctx, password); err != nil {
		f.reinstate(ownerID, sp)
		return ResultRetry, err
	}
	return f.authorize(ctx, ownerID, sp.sess)
}

func (f *Flow) authorize(ctx context.Context, ownerID int64, sess session.Session) (Result, error) {
	// The caller already consumed the pending step; the session moves to
	// the registry, which owns it from here on.
	if err := f.registry.Create(ctx, ownerID, sess); err != nil {
		if derr := sess.Disconnect(); derr != nil {
			f.log.Debug("session disconnect suppressed", logx.Int64("owner", ownerID), logx.Err(derr))
		}
		return ResultRestart, err
	}
	f.log.Info("owner authorized", logx.Int64("owner", ownerID))
	return ResultAuthorized, nil
}

func (f *Flow) set(ownerID int64, st Step) {
	f.mu.Lock()
	old := f.pending[ownerID]
	f.pending[ownerID] = st
	f.mu.Unlock()
	f.release(old)
}

// take removes and returns the owner's pending step. Submissions consume
// the step up front so only one of two racing messages can act on it.
func (f *Flow) take(ownerID int64) (Step, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.pending[ownerID]
	if ok {
		delete(f.pending, ownerID)
	}
	return st, ok
}

// reinstate returns a consumed step to the pending table. If the owner
// started a new interaction in the meantime, the newer one wins and the
// consumed step's session is released instead.
func (f *Flow) reinstate(ownerID int64, st Step) {
	f.mu.Lock()
	_, busy := f.pending[ownerID]
	if !busy {
		f.pending[ownerID] = st
	}
	f.mu.Unlock()
	if busy {
		f.release(st)
	}
}

// release disconnects a session held by an abandoned mid-auth step.
func (f *Flow) release(st Step) {
	var sess session.Session
	switch s := st.(type) {
	case StepCode:
		sess = s.sess
	case StepPassword:
		sess = s.sess
	default:
		return
	}
	if sess == nil {
		return
	}
	if err := sess.Disconnect(); err != nil {
		f.log.Debug("session disconnect suppressed", logx.Err(err))
	}
}
