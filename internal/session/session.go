// Package session defines the boundary to the user-account transport: one
// authenticated MTProto connection per owner. The rest of the bot only sees
// this interface and the error taxonomy below; provider errors never cross
// it raw.
package session

import (
	"context"
	"errors"
)

// Authentication and delivery failures, mapped at the adapter boundary.
var (
	ErrTwoFactorRequired = errors.New("two-factor password required")
	ErrCodeExpired       = errors.New("login code expired")
	ErrCodeInvalid       = errors.New("login code invalid")
	ErrWrongPassword     = errors.New("wrong two-factor password")
)

// Session is an exclusively-owned handle to one owner's account connection.
// Connect must be called before any other method. Disconnect is best-effort;
// callers are expected to ignore its error.
type Session interface {
	Connect(ctx context.Context) error

	// RequestCode asks the platform to send a login code to phone and
	// returns the correlation token required to complete sign-in.
	RequestCode(ctx context.Context, phone string) (token string, err error)

	// SignIn completes phone+code sign-in. Returns ErrTwoFactorRequired,
	// ErrCodeExpired or ErrCodeInvalid for the corresponding failures.
	SignIn(ctx context.Context, phone, code, token string) error

	// SignInPassword completes a two-factor sign-in on this session.
	// Returns ErrWrongPassword when the password is rejected.
	SignInPassword(ctx context.Context, password string) error

	SendMessage(ctx context.Context, destination, text string) error

	// Ping performs a lightweight authorized call, used for keepalive and
	// for probing restored sessions.
	Ping(ctx context.Context) error

	Disconnect() error
}

// Dialer creates sessions. Implementations must return an isolated session
// per owner; transport state is never shared between owners.
type Dialer interface {
	Dial(ownerID int64) (Session, error)
}
