// Package browser drives the single authenticated browser tab the scheduler
// works through. All site traffic, including JSON endpoints, goes through the
// page so it carries the session cookies.
package browser

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed page.
var ErrClosed = errors.New("browser: page closed")

// FetchResult is the outcome of an in-page fetch.
type FetchResult struct {
	OK         bool   `json:"ok"`
	Status     int    `json:"status"`
	StatusText string `json:"statusText"`
	Body       string `json:"body"`
}

// Page is the browser capability surface used by the scheduler.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL(ctx context.Context) (string, error)
	Fill(ctx context.Context, selector, value string) error
	Select(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	SetChecked(ctx context.Context, selector string, checked bool) error
	Visible(ctx context.Context, selector string) (bool, error)
	// WaitVisible reports false without error when the element does not
	// become visible within timeout.
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) (bool, error)
	HTML(ctx context.Context) (string, error)
	FetchJSON(ctx context.Context, url string, headers map[string]string) (FetchResult, error)
	// Cookies returns the tab's cookies serialized as JSON.
	Cookies(ctx context.Context) ([]byte, error)
	RestoreCookies(ctx context.Context, data []byte) error
	UserAgent() string
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}
