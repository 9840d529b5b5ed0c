package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/visa-scheduler/internal/browser/browsertest"
	"github.com/wolfman30/visa-scheduler/internal/portal"
	"github.com/wolfman30/visa-scheduler/internal/store"
	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

type fakeAuth struct {
	mu     sync.Mutex
	calls  int
	userID string
	err    error
	page   *browsertest.Page
	land   string
}

func (f *fakeAuth) EnsureLoggedIn(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	if f.page != nil && f.land != "" {
		f.page.SetURL(f.land)
	}
	return f.userID, nil
}

func (f *fakeAuth) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStore struct {
	mu          sync.Mutex
	active      *store.Session
	saves       [][]byte
	agents      []string
	invalidated int
	touches     int
	touchErr    error
}

func (f *fakeStore) SaveSession(_ context.Context, cookies []byte, ua string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, cookies)
	f.agents = append(f.agents, ua)
	return nil
}

func (f *fakeStore) ActiveSession(context.Context) (*store.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, nil
}

func (f *fakeStore) InvalidateSessions(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
	return nil
}

func (f *fakeStore) TouchSession(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
	return f.touchErr
}

type harness struct {
	g     *Guardian
	page  *browsertest.Page
	auth  *fakeAuth
	store *fakeStore
	site  portal.Site
	clock time.Time
	slept []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	site := portal.NewSite("https://ais.example.com", "es-co")
	h := &harness{
		page:  browsertest.New(site.Account()),
		store: &fakeStore{},
		site:  site,
		clock: time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC),
	}
	h.auth = &fakeAuth{userID: "4242", page: h.page, land: site.Account()}
	h.g = NewGuardian(h.page, h.auth, h.store, site, Config{Cooldown: 3 * time.Second}, logging.NewWithFormat("error", "json", nil))
	h.g.now = func() time.Time { return h.clock }
	h.g.sleep = func(_ context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	}
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func TestIsSessionExpired(t *testing.T) {
	assert.True(t, IsSessionExpired(401))
	assert.True(t, IsSessionExpired(403))
	assert.False(t, IsSessionExpired(200))
	assert.False(t, IsSessionExpired(304))
	assert.False(t, IsSessionExpired(500))
}

func TestIsExpiry(t *testing.T) {
	assert.True(t, IsExpiry(&portal.StatusError{Code: 401, Text: "Unauthorized"}))
	assert.True(t, IsExpiry(fmt.Errorf("fetch days: %w", &portal.StatusError{Code: 403})))
	assert.True(t, IsExpiry(fmt.Errorf("login: %w", portal.ErrSignInRedirect)))
	assert.False(t, IsExpiry(&portal.StatusError{Code: 500, Text: "Internal Server Error"}))
	assert.False(t, IsExpiry(errors.New("timeout")))
	assert.False(t, IsExpiry(nil))
}

func TestEstablishPersistsSession(t *testing.T) {
	h := newHarness(t)
	h.page.SetCookies([]byte(`[{"name":"_yatri_session","value":"abc"}]`))

	userID, err := h.g.Establish(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4242", userID)
	assert.Equal(t, "4242", h.g.UserID())
	assert.Equal(t, StateValid, h.g.State())
	require.Len(t, h.store.saves, 1)
	assert.JSONEq(t, `[{"name":"_yatri_session","value":"abc"}]`, string(h.store.saves[0]))
	assert.Equal(t, "browsertest", h.store.agents[0])
}

func TestEstablishFailureLeavesExpired(t *testing.T) {
	h := newHarness(t)
	h.auth.err = portal.ErrLoginRejected

	_, err := h.g.Establish(context.Background())
	require.ErrorIs(t, err, portal.ErrLoginRejected)
	assert.True(t, h.g.Expired())
	assert.Empty(t, h.store.saves)
}

func TestValidateSessionIsRateLimited(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.g.Establish(ctx)
	require.NoError(t, err)

	h.page.SetURL(h.site.SignIn())
	h.advance(5 * time.Minute)
	assert.True(t, h.g.ValidateSession(ctx), "checked again before interval elapsed")

	h.advance(6 * time.Minute)
	assert.False(t, h.g.ValidateSession(ctx))
	assert.Equal(t, StateExpired, h.g.State())
}

func TestValidateSessionTouchesStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.g.Establish(ctx)
	require.NoError(t, err)

	h.store.touchErr = errors.New("db down")
	h.advance(11 * time.Minute)
	assert.True(t, h.g.ValidateSession(ctx), "touch failure is not fatal")
	assert.Equal(t, 1, h.store.touches)
}

func TestHandleSessionErrorIgnoresOtherErrors(t *testing.T) {
	h := newHarness(t)
	err := h.g.HandleSessionError(context.Background(), &portal.StatusError{Code: 500})
	require.NoError(t, err)
	assert.Zero(t, h.auth.count())
	assert.Zero(t, h.store.invalidated)
}

func TestHandleSessionErrorRelogsIn(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.g.HandleSessionError(ctx, &portal.StatusError{Code: 401, Text: "Unauthorized"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.store.invalidated)
	assert.Equal(t, []time.Duration{3 * time.Second}, h.slept)
	assert.Equal(t, 1, h.auth.count())
	assert.Len(t, h.store.saves, 1)
	assert.Equal(t, StateValid, h.g.State())
	assert.Equal(t, "4242", h.g.UserID())
}

func TestHandleSessionErrorReloginFailure(t *testing.T) {
	h := newHarness(t)
	h.auth.err = portal.ErrLoginRejected

	err := h.g.HandleSessionError(context.Background(), &portal.StatusError{Code: 403})
	require.ErrorIs(t, err, ErrSessionLost)
	require.ErrorIs(t, err, portal.ErrLoginRejected)
	assert.True(t, h.g.Expired())
	assert.ErrorIs(t, h.g.Err(), ErrSessionLost)
}

func TestEnsureValidSessionRefreshesPage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.g.Establish(ctx)
	require.NoError(t, err)

	require.NoError(t, h.g.EnsureValidSession(ctx))
	assert.Zero(t, h.page.CountCalls("navigate "), "refresh not due yet")

	h.advance(11 * time.Minute)
	require.NoError(t, h.g.EnsureValidSession(ctx))
	assert.Equal(t, []string{"navigate " + h.site.Appointment("4242")}, h.page.Calls())
	assert.Len(t, h.store.saves, 2)
	assert.Equal(t, StateValid, h.g.State())
	assert.Equal(t, 1, h.auth.count())
}

func TestEnsureValidSessionRelogsInWhenBounced(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.g.Establish(ctx)
	require.NoError(t, err)

	h.page.SetURL(h.site.SignIn())
	h.advance(11 * time.Minute)
	require.NoError(t, h.g.EnsureValidSession(ctx))
	assert.Equal(t, 2, h.auth.count())
	assert.Equal(t, StateValid, h.g.State())
	assert.Zero(t, h.store.invalidated)
}

func TestRefreshErrorIsNotFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.g.Establish(ctx)
	require.NoError(t, err)

	h.page.OnNavigate = func(*browsertest.Page, string) error { return errors.New("net::ERR_TIMED_OUT") }
	h.advance(11 * time.Minute)
	require.NoError(t, h.g.EnsureValidSession(ctx))
	assert.Equal(t, StateValid, h.g.State())
}

func TestRestore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ok, err := h.g.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	h.store.active = &store.Session{Cookies: []byte(`[{"name":"a","value":"b"}]`), IsValid: true}
	ok, err = h.g.Restore(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `[{"name":"a","value":"b"}]`, string(h.page.Restored()))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unknown", StateUnknown.String())
	assert.Equal(t, "stale", StateStale.String())
}
