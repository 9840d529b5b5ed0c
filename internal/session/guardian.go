// Package session keeps the portal login alive across hours of polling.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/wolfman30/visa-scheduler/internal/browser"
	"github.com/wolfman30/visa-scheduler/internal/observability/metrics"
	"github.com/wolfman30/visa-scheduler/internal/portal"
	"github.com/wolfman30/visa-scheduler/internal/store"
	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

// ErrSessionLost is returned when re-authentication fails.
var ErrSessionLost = errors.New("session: lost and re-login failed")

// State is the guardian's view of the browser session.
type State int

const (
	StateUnknown State = iota
	StateValid
	StateExpired
	StateStale
)

func (s State) String() string {
	switch s {
	case StateValid:
		return "valid"
	case StateExpired:
		return "expired"
	case StateStale:
		return "stale"
	default:
		return "unknown"
	}
}

// Authenticator signs the page in and returns the schedule id.
type Authenticator interface {
	EnsureLoggedIn(ctx context.Context) (string, error)
}

// Store persists browser sessions.
type Store interface {
	SaveSession(ctx context.Context, cookies []byte, userAgent string) error
	ActiveSession(ctx context.Context) (*store.Session, error)
	InvalidateSessions(ctx context.Context) error
	TouchSession(ctx context.Context) error
}

// Config tunes validation and refresh cadence.
type Config struct {
	ValidateEvery time.Duration
	RefreshEvery  time.Duration
	Cooldown      time.Duration
}

func (c Config) withDefaults() Config {
	if c.ValidateEvery <= 0 {
		c.ValidateEvery = 10 * time.Minute
	}
	if c.RefreshEvery <= 0 {
		c.RefreshEvery = 10 * time.Minute
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	return c
}

// Guardian validates, refreshes and restores the authenticated session.
type Guardian struct {
	page    browser.Page
	auth    Authenticator
	store   Store
	site    portal.Site
	cfg     Config
	logger  *logging.Logger
	metrics *metrics.SchedulerMetrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	relogin singleflight.Group

	mu             sync.Mutex
	state          State
	userID         string
	lastValidation time.Time
	lastRefresh    time.Time
	lastErr        error
}

// NewGuardian creates a Guardian in the Unknown state.
func NewGuardian(page browser.Page, auth Authenticator, st Store, site portal.Site, cfg Config, logger *logging.Logger) *Guardian {
	if logger == nil {
		logger = logging.Default()
	}
	return &Guardian{
		page:   page,
		auth:   auth,
		store:  st,
		site:   site,
		cfg:    cfg.withDefaults(),
		logger: logger.Module("session"),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// WithMetrics records re-logins and validations.
func (g *Guardian) WithMetrics(m *metrics.SchedulerMetrics) *Guardian {
	g.metrics = m
	return g
}

// IsSessionExpired reports whether an HTTP status signals a lost session.
func IsSessionExpired(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

// IsExpiry reports whether err carries a session-expiry signal.
func IsExpiry(err error) bool {
	if err == nil {
		return false
	}
	var se *portal.StatusError
	if errors.As(err, &se) && IsSessionExpired(se.Code) {
		return true
	}
	return errors.Is(err, portal.ErrSignInRedirect)
}

func (g *Guardian) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Expired reports whether the last re-authentication failed.
func (g *Guardian) Expired() bool {
	return g.State() == StateExpired
}

// Err returns the error that left the guardian expired.
func (g *Guardian) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastErr
}

// UserID returns the schedule id from the last successful login.
func (g *Guardian) UserID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.userID
}

func (g *Guardian) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

func (g *Guardian) markValid(userID string) {
	now := g.now()
	g.mu.Lock()
	g.state = StateValid
	if userID != "" {
		g.userID = userID
	}
	g.lastValidation = now
	g.lastRefresh = now
	g.lastErr = nil
	g.mu.Unlock()
	g.metrics.SetSessionValidated(float64(now.Unix()))
}

func (g *Guardian) markExpired(err error) {
	g.mu.Lock()
	g.state = StateExpired
	g.lastErr = err
	g.mu.Unlock()
}

// Restore installs the stored valid session's cookies in the browser.
func (g *Guardian) Restore(ctx context.Context) (bool, error) {
	sess, err := g.store.ActiveSession(ctx)
	if err != nil {
		return false, fmt.Errorf("session: load stored session: %w", err)
	}
	if sess == nil || len(sess.Cookies) == 0 {
		g.logger.Info("no stored session to restore")
		return false, nil
	}
	if err := g.page.RestoreCookies(ctx, sess.Cookies); err != nil {
		return false, fmt.Errorf("session: restore cookies: %w", err)
	}
	g.logger.Info("session restored", "created_at", sess.CreatedAt, "last_validated", sess.LastValidated)
	return true, nil
}

// Persist saves the page's cookies and user agent as the valid session.
func (g *Guardian) Persist(ctx context.Context) error {
	cookies, err := g.page.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("session: read cookies: %w", err)
	}
	if err := g.store.SaveSession(ctx, cookies, g.page.UserAgent()); err != nil {
		return fmt.Errorf("session: persist: %w", err)
	}
	return nil
}

// Establish signs in (reusing a restored session when it is still good) and
// persists the result. Used once at startup.
func (g *Guardian) Establish(ctx context.Context) (string, error) {
	userID, err := g.auth.EnsureLoggedIn(ctx)
	if err != nil {
		g.markExpired(err)
		return "", fmt.Errorf("session: establish: %w", err)
	}
	if err := g.Persist(ctx); err != nil {
		g.logger.Warn("failed to persist session", "error", err)
	}
	g.markValid(userID)
	return userID, nil
}

// ValidateSession checks at most once per validation interval that the page
// has not been bounced to sign-in.
func (g *Guardian) ValidateSession(ctx context.Context) bool {
	g.mu.Lock()
	state, last := g.state, g.lastValidation
	g.mu.Unlock()

	now := g.now()
	if state == StateValid && now.Sub(last) < g.cfg.ValidateEvery {
		return true
	}

	loc, err := g.page.URL(ctx)
	if err != nil {
		g.logger.Error("error validating session", "error", err)
		return false
	}
	if portal.IsSignInURL(loc) {
		g.logger.Warn("session expired, on sign-in page")
		g.setState(StateExpired)
		return false
	}
	if state == StateExpired {
		return false
	}

	if err := g.store.TouchSession(ctx); err != nil {
		g.logger.Warn("failed to touch stored session", "error", err)
	}
	g.mu.Lock()
	g.state = StateValid
	g.lastValidation = now
	g.mu.Unlock()
	g.metrics.SetSessionValidated(float64(now.Unix()))
	g.logger.Debug("session valid")
	return true
}

// HandleSessionError re-authenticates when err signals an expired session.
// Other errors are ignored. Concurrent callers share one re-login.
func (g *Guardian) HandleSessionError(ctx context.Context, err error) error {
	if !IsExpiry(err) {
		return nil
	}
	g.logger.Warn("session expiry detected, refreshing session", "error", err)
	g.setState(StateExpired)
	return g.reauthenticate(ctx, true)
}

// EnsureValidSession validates, re-logs in when needed, and refreshes the
// page on its interval.
func (g *Guardian) EnsureValidSession(ctx context.Context) error {
	if !g.ValidateSession(ctx) {
		g.logger.Info("session invalid, logging in again")
		if err := g.reauthenticate(ctx, false); err != nil {
			return err
		}
	}
	return g.refreshIfDue(ctx)
}

func (g *Guardian) reauthenticate(ctx context.Context, afterExpiry bool) error {
	_, err, _ := g.relogin.Do("relogin", func() (any, error) {
		if afterExpiry {
			if err := g.store.InvalidateSessions(ctx); err != nil {
				g.logger.Warn("failed to invalidate stored sessions", "error", err)
			}
			if err := g.sleep(ctx, g.cfg.Cooldown); err != nil {
				return nil, err
			}
		}

		userID, err := g.auth.EnsureLoggedIn(ctx)
		if err != nil {
			g.metrics.ObserveRelogin(false)
			lost := fmt.Errorf("%w: %w", ErrSessionLost, err)
			g.markExpired(lost)
			g.logger.Error("re-login failed", "error", err)
			return nil, lost
		}
		if err := g.Persist(ctx); err != nil {
			g.logger.Warn("failed to persist session", "error", err)
		}
		g.metrics.ObserveRelogin(true)
		g.markValid(userID)
		g.logger.Info("session refreshed", "user_id", userID)
		return nil, nil
	})
	return err
}

func (g *Guardian) refreshIfDue(ctx context.Context) error {
	g.mu.Lock()
	last, userID := g.lastRefresh, g.userID
	g.mu.Unlock()

	now := g.now()
	if now.Sub(last) < g.cfg.RefreshEvery {
		return nil
	}
	if userID == "" {
		g.logger.Warn("no user id for page refresh")
		return nil
	}

	g.setState(StateStale)
	g.logger.Info("refreshing page", "every", g.cfg.RefreshEvery.String())
	if err := g.page.Navigate(ctx, g.site.Appointment(userID)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Error("error refreshing page", "error", err)
		g.setState(StateValid)
		return nil
	}
	if loc, err := g.page.URL(ctx); err == nil && portal.IsSignInURL(loc) {
		g.setState(StateExpired)
		return g.reauthenticate(ctx, false)
	}
	if err := g.Persist(ctx); err != nil {
		g.logger.Warn("failed to persist refreshed session", "error", err)
	}
	if err := g.store.TouchSession(ctx); err != nil {
		g.logger.Warn("failed to touch stored session", "error", err)
	}
	g.markValid("")
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
