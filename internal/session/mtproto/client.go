// Package mtproto implements the session boundary on github.com/gotd/td.
// Each owner gets a dedicated client with its own file-backed MTProto
// session under the configured directory, so account credentials are
// persisted per owner and never shared.
package mtproto

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	tdsession "github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"postbot/internal/session"
	"postbot/pkg/logx"
)

type Dialer struct {
	apiID   int
	apiHash string
	dir     string
	log     logx.Logger
}

func NewDialer(apiID int, apiHash, dir string, log logx.Logger) (*Dialer, error) {
	if apiID == 0 || apiHash == "" {
		return nil, errors.New("mtproto: api_id and api_hash are required")
	}
	if dir == "" {
		dir = "./sessions"
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("mtproto: create sessions dir: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dialer{apiID: apiID, apiHash: apiHash, dir: dir, log: log}, nil
}

// SessionPath returns the session file path for an owner.
func (d *Dialer) SessionPath(ownerID int64) string {
	return filepath.Join(d.dir, strconv.FormatInt(ownerID, 10)+".session.json")
}

func (d *Dialer) Dial(ownerID int64) (session.Session, error) {
	cli := telegram.NewClient(d.apiID, d.apiHash, telegram.Options{
		SessionStorage: &tdsession.FileStorage{Path: d.SessionPath(ownerID)},
	})
	return &Client{
		owner: ownerID,
		cli:   cli,
		log:   d.log.With(logx.Int64("owner", ownerID)),
	}, nil
}

// Client is one owner's connection. gotd exposes the API only while
// Client.Run is live, so Connect hosts Run on a background goroutine and
// blocks until the connection is usable; Disconnect cancels it.
type Client struct {
	owner int64
	cli   *telegram.Client
	log   logx.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan error
	sender  *message.Sender
}

var errNotConnected = errors.New("mtproto: not connected")

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.running = true
	done := make(chan error, 1)
	c.done = done
	c.mu.Unlock()

	ready := make(chan struct{})
	go func() {
		done <- c.cli.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-ready:
		c.mu.Lock()
		c.sender = message.NewSender(c.cli.API())
		c.mu.Unlock()
		return nil
	case err := <-done:
		c.teardown()
		if err == nil {
			err = errors.New("mtproto: connection closed during setup")
		}
		return err
	case <-ctx.Done():
		c.teardown()
		return ctx.Err()
	}
}

func (c *Client) RequestCode(ctx context.Context, phone string) (string, error) {
	if !c.connected() {
		return "", errNotConnected
	}
	sent, err := c.cli.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		return "", fmt.Errorf("send code: %w", err)
	}
	code, ok := sent.(*tg.AuthSentCode)
	if !ok {
		return "", fmt.Errorf("send code: unexpected response %T", sent)
	}
	return code.PhoneCodeHash, nil
}

func (c *Client) SignIn(ctx context.Context, phone, code, token string) error {
	if !c.connected() {
		return errNotConnected
	}
	_, err := c.cli.Auth().SignIn(ctx, phone, code, token)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrPasswordAuthNeeded):
		return session.ErrTwoFactorRequired
	case tgerr.Is(err, "PHONE_CODE_EXPIRED"):
		return session.ErrCodeExpired
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY"):
		return session.ErrCodeInvalid
	default:
		return fmt.Errorf("sign in: %w", err)
	}
}

func (c *Client) SignInPassword(ctx context.Context, password string) error {
	if !c.connected() {
		return errNotConnected
	}
	_, err := c.cli.Auth().Password(ctx, password)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrPasswordInvalid), tgerr.Is(err, "PASSWORD_HASH_INVALID"):
		return session.ErrWrongPassword
	default:
		return fmt.Errorf("password sign in: %w", err)
	}
}

func (c *Client) SendMessage(ctx context.Context, destination, text string) error {
	c.mu.Lock()
	sender := c.sender
	c.mu.Unlock()
	if sender == nil {
		return errNotConnected
	}
	if _, err := sender.Resolve(destination).Text(ctx, text); err != nil {
		return fmt.Errorf("send to %s: %w", destination, err)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	if !c.connected() {
		return errNotConnected
	}
	// Authorized no-op call; fails fast when the session was revoked.
	if _, err := c.cli.API().UpdatesGetState(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.cancel = nil
	c.done = nil
	c.running = false
	c.sender = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if done != nil {
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				c.log.Debug("disconnect finished with error", logx.Err(err))
			}
		case <-time.After(3 * time.Second):
			c.log.Debug("disconnect wait timed out")
		}
	}
	return nil
}

func (c *Client) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Client) teardown() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	c.done = nil
	c.running = false
	c.sender = nil
	c.mu.Unlock()
}
