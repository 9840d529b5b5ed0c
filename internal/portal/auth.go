package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/visa-scheduler/internal/browser"
	"github.com/wolfman30/visa-scheduler/internal/store"
	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

var (
	// ErrLoginRejected means the site kept us on the sign-in page after
	// submitting credentials (bad password or a CAPTCHA).
	ErrLoginRejected = errors.New("portal: login rejected, check credentials or CAPTCHA")
	// ErrUserIDUnknown means login succeeded but no schedule id was found.
	ErrUserIDUnknown = errors.New("portal: could not determine user id")
	// ErrSignInRedirect marks an operation that landed on the sign-in page.
	ErrSignInRedirect = errors.New("portal: redirected to sign-in")
)

// CredentialStore loads and saves the portal login.
type CredentialStore interface {
	GetCredentials(ctx context.Context) (*store.Credentials, error)
	SaveCredentials(ctx context.Context, c store.Credentials) error
}

// ScreenshotSink archives failure screenshots.
type ScreenshotSink interface {
	Save(ctx context.Context, name string, png []byte) (string, error)
}

// Authenticator signs the page in to the portal.
type Authenticator struct {
	page       browser.Page
	site       Site
	creds      CredentialStore
	configured store.Credentials
	shots      ScreenshotSink
	logger     *logging.Logger

	formTimeout  time.Duration
	loginTimeout time.Duration
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time
}

// NewAuthenticator creates an Authenticator. configured takes precedence over
// the stored login and is upserted by email when they differ.
func NewAuthenticator(page browser.Page, site Site, creds CredentialStore, configured store.Credentials, logger *logging.Logger) *Authenticator {
	if logger == nil {
		logger = logging.Default()
	}
	return &Authenticator{
		page:         page,
		site:         site,
		creds:        creds,
		configured:   configured,
		logger:       logger.Module("login"),
		formTimeout:  10 * time.Second,
		loginTimeout: 15 * time.Second,
		pollInterval: 500 * time.Millisecond,
		sleep:        sleepCtx,
		now:          time.Now,
	}
}

// WithScreenshots archives a screenshot when login is rejected.
func (a *Authenticator) WithScreenshots(sink ScreenshotSink) *Authenticator {
	a.shots = sink
	return a
}

// credentials returns the configured login, upserting it when the store is
// behind. Without configured values the stored row is used as is.
func (a *Authenticator) credentials(ctx context.Context) (store.Credentials, error) {
	stored, err := a.creds.GetCredentials(ctx)
	if err != nil {
		return store.Credentials{}, fmt.Errorf("portal: load credentials: %w", err)
	}
	if a.configured.Email == "" {
		if stored == nil {
			return store.Credentials{}, errors.New("portal: no credentials configured")
		}
		return *stored, nil
	}

	creds := a.configured
	sameEmail := stored != nil && strings.EqualFold(stored.Email, creds.Email)
	if sameEmail && creds.UserID == "" {
		creds.UserID = stored.UserID
	}
	if sameEmail && stored.Password == creds.Password && stored.Country == creds.Country {
		return creds, nil
	}
	if err := a.creds.SaveCredentials(ctx, creds); err != nil {
		return store.Credentials{}, fmt.Errorf("portal: save credentials: %w", err)
	}
	return creds, nil
}

// Login fills the sign-in form and returns the applicant's schedule id.
func (a *Authenticator) Login(ctx context.Context) (string, error) {
	creds, err := a.credentials(ctx)
	if err != nil {
		return "", err
	}

	a.logger.Info("logging in to visa portal", "email", creds.Email)
	if err := a.page.Navigate(ctx, a.site.SignIn()); err != nil {
		return "", fmt.Errorf("portal: open sign-in: %w", err)
	}
	shown, err := a.page.WaitVisible(ctx, SelectorEmail, a.formTimeout)
	if err != nil {
		return "", fmt.Errorf("portal: wait for sign-in form: %w", err)
	}
	if !shown {
		return "", errors.New("portal: sign-in form not shown")
	}

	if err := a.page.Fill(ctx, SelectorEmail, creds.Email); err != nil {
		return "", fmt.Errorf("portal: fill email: %w", err)
	}
	if err := a.page.Fill(ctx, SelectorPassword, creds.Password); err != nil {
		return "", fmt.Errorf("portal: fill password: %w", err)
	}
	if err := a.page.SetChecked(ctx, SelectorPolicy, true); err != nil {
		a.logger.Warn("policy checkbox not set", "error", err)
	}
	if err := a.sleep(ctx, 500*time.Millisecond); err != nil {
		return "", err
	}
	if err := a.page.Click(ctx, SelectorSignInSubmit); err != nil {
		return "", fmt.Errorf("portal: submit sign-in: %w", err)
	}

	landing, err := a.waitForLanding(ctx)
	if err != nil {
		return "", err
	}
	if IsSignInURL(landing) {
		a.screenshot(ctx, "login-failed")
		return "", ErrLoginRejected
	}

	userID := creds.UserID
	if userID == "" {
		userID = a.discoverUserID(ctx, landing)
		if userID == "" {
			return "", ErrUserIDUnknown
		}
		creds.UserID = userID
		if err := a.creds.SaveCredentials(ctx, creds); err != nil {
			a.logger.Warn("failed to store discovered user id", "error", err)
		}
	}
	a.logger.Info("login successful", "user_id", userID)
	return userID, nil
}

// waitForLanding polls the location until the page leaves sign-in or the
// login timeout passes.
func (a *Authenticator) waitForLanding(ctx context.Context) (string, error) {
	deadline := a.now().Add(a.loginTimeout)
	for {
		loc, err := a.page.URL(ctx)
		if err != nil {
			return "", fmt.Errorf("portal: read landing url: %w", err)
		}
		if !IsSignInURL(loc) || !a.now().Before(deadline) {
			return loc, nil
		}
		if err := a.sleep(ctx, a.pollInterval); err != nil {
			return "", err
		}
	}
}

func (a *Authenticator) discoverUserID(ctx context.Context, landing string) string {
	if id, ok := UserIDFromURL(landing); ok {
		return id
	}
	html, err := a.page.HTML(ctx)
	if err != nil {
		a.logger.Warn("could not read landing page", "error", err)
		return ""
	}
	id, _ := UserIDFromHTML(html)
	return id
}

// IsLoggedIn checks whether the page still holds an authenticated session by
// visiting the account page.
func (a *Authenticator) IsLoggedIn(ctx context.Context) bool {
	loc, err := a.page.URL(ctx)
	if err == nil && IsSignInURL(loc) {
		return false
	}
	if err := a.page.Navigate(ctx, a.site.Account()); err != nil {
		a.logger.Warn("error checking login state", "error", err)
		return false
	}
	loc, err = a.page.URL(ctx)
	if err != nil || IsSignInURL(loc) {
		return false
	}
	return IsAppointmentURL(loc) || containsAny(loc, "/account", "/schedule")
}

// EnsureLoggedIn reuses an existing session when possible and logs in
// otherwise.
func (a *Authenticator) EnsureLoggedIn(ctx context.Context) (string, error) {
	if a.IsLoggedIn(ctx) {
		creds, err := a.credentials(ctx)
		if err == nil && creds.UserID != "" {
			a.logger.Info("already logged in", "user_id", creds.UserID)
			return creds.UserID, nil
		}
		loc, _ := a.page.URL(ctx)
		if id := a.discoverUserID(ctx, loc); id != "" {
			return id, nil
		}
		a.logger.Warn("could not determine user id, logging in again")
	}
	return a.Login(ctx)
}

// ScheduledDate reads the applicant's booked date from the current page.
func (a *Authenticator) ScheduledDate(ctx context.Context) (time.Time, bool) {
	html, err := a.page.HTML(ctx)
	if err != nil {
		return time.Time{}, false
	}
	return ScheduledDateFromHTML(html)
}

func (a *Authenticator) screenshot(ctx context.Context, name string) {
	if a.shots == nil {
		return
	}
	png, err := a.page.Screenshot(ctx)
	if err != nil {
		a.logger.Warn("screenshot failed", "name", name, "error", err)
		return
	}
	loc, err := a.shots.Save(ctx, name, png)
	if err != nil {
		a.logger.Warn("screenshot upload failed", "name", name, "error", err)
		return
	}
	a.logger.Info("screenshot saved", "name", name, "location", loc)
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
