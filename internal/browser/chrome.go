package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultNavRetries = 3
	defaultNavBackoff = 2 * time.Second
)

// Chrome is a Page backed by a headless Chrome tab driven over the DevTools
// protocol.
type Chrome struct {
	execPath   string
	headless   bool
	userAgent  string
	timeout    time.Duration
	navRetries int
	navBackoff time.Duration
	logger     *logging.Logger

	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

// Option configures Chrome.
type Option func(*Chrome)

// WithLogger sets a custom logger.
func WithLogger(logger *logging.Logger) Option {
	return func(c *Chrome) {
		c.logger = logger
	}
}

// WithExecPath points at a specific Chrome binary.
func WithExecPath(path string) Option {
	return func(c *Chrome) {
		c.execPath = path
	}
}

// WithHeadless toggles headless mode.
func WithHeadless(headless bool) Option {
	return func(c *Chrome) {
		c.headless = headless
	}
}

// WithUserAgent overrides the browser user agent.
func WithUserAgent(ua string) Option {
	return func(c *Chrome) {
		c.userAgent = ua
	}
}

// WithTimeout bounds every single page operation.
func WithTimeout(d time.Duration) Option {
	return func(c *Chrome) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithNavigationRetry sets how often a failed navigation is retried. The
// pause before retry n is backoff*n.
func WithNavigationRetry(attempts int, backoff time.Duration) Option {
	return func(c *Chrome) {
		if attempts > 0 {
			c.navRetries = attempts
		}
		if backoff >= 0 {
			c.navBackoff = backoff
		}
	}
}

// NewChrome launches the browser and opens a tab.
func NewChrome(opts ...Option) (*Chrome, error) {
	c := &Chrome{
		headless:   true,
		timeout:    defaultTimeout,
		navRetries: defaultNavRetries,
		navBackoff: defaultNavBackoff,
		logger:     logging.Default(),
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Module("browser")

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(1920, 1080),
	)
	if c.execPath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(c.execPath))
	}
	if c.userAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(c.userAgent))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		c.logger.Debug(fmt.Sprintf(format, args...))
	}))
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("browser: launch: %w", err)
	}

	c.allocCancel = allocCancel
	c.tabCtx = tabCtx
	c.tabCancel = tabCancel
	c.logger.Info("browser launched", "headless", c.headless)
	return c, nil
}

// run executes actions on the tab, bounded by the per-call timeout and by ctx.
func (c *Chrome) run(ctx context.Context, actions ...chromedp.Action) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	runCtx, cancel := context.WithTimeout(c.tabCtx, c.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Navigate loads url, retrying transient failures.
func (c *Chrome) Navigate(ctx context.Context, url string) error {
	var lastErr error
	for attempt := 1; attempt <= c.navRetries; attempt++ {
		err := c.run(ctx, chromedp.Navigate(url))
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return err
		}
		lastErr = err
		c.logger.Warn("navigation failed", "url", url, "attempt", attempt, "error", err)
		if attempt < c.navRetries {
			if err := sleep(ctx, c.navBackoff*time.Duration(attempt)); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("browser: navigate %s after %d attempts: %w", url, c.navRetries, lastErr)
}

func (c *Chrome) URL(ctx context.Context) (string, error) {
	var loc string
	if err := c.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("browser: location: %w", err)
	}
	return loc, nil
}

// Fill sets an input's value and fires input/change events. It works on
// read-only date pickers where typing would be ignored.
func (c *Chrome) Fill(ctx context.Context, selector, value string) error {
	if err := c.setValue(ctx, selector, value); err != nil {
		return fmt.Errorf("browser: fill %s: %w", selector, err)
	}
	return nil
}

func (c *Chrome) Select(ctx context.Context, selector, value string) error {
	if err := c.setValue(ctx, selector, value); err != nil {
		return fmt.Errorf("browser: select %s: %w", selector, err)
	}
	return nil
}

func (c *Chrome) setValue(ctx context.Context, selector, value string) error {
	expr, err := script(setValueJS, selector, value)
	if err != nil {
		return err
	}
	var found bool
	if err := c.run(ctx, chromedp.Evaluate(expr, &found)); err != nil {
		return err
	}
	if !found {
		return errors.New("element not found")
	}
	return nil
}

func (c *Chrome) Click(ctx context.Context, selector string) error {
	if err := c.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("browser: click %s: %w", selector, err)
	}
	return nil
}

func (c *Chrome) SetChecked(ctx context.Context, selector string, checked bool) error {
	expr, err := script(setCheckedJS, selector, checked)
	if err != nil {
		return err
	}
	var found bool
	if err := c.run(ctx, chromedp.Evaluate(expr, &found)); err != nil {
		return fmt.Errorf("browser: check %s: %w", selector, err)
	}
	if !found {
		return fmt.Errorf("browser: check %s: element not found", selector)
	}
	return nil
}

func (c *Chrome) Visible(ctx context.Context, selector string) (bool, error) {
	expr, err := script(visibleJS, selector)
	if err != nil {
		return false, err
	}
	var visible bool
	if err := c.run(ctx, chromedp.Evaluate(expr, &visible)); err != nil {
		return false, fmt.Errorf("browser: visible %s: %w", selector, err)
	}
	return visible, nil
}

func (c *Chrome) WaitVisible(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	expr, err := script(visibleJS, selector)
	if err != nil {
		return false, err
	}
	var visible bool
	err = c.run(ctx, chromedp.Poll(expr, &visible,
		chromedp.WithPollingTimeout(timeout),
		chromedp.WithPollingInterval(100*time.Millisecond),
	))
	if errors.Is(err, chromedp.ErrPollingTimeout) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("browser: wait visible %s: %w", selector, err)
	}
	return visible, nil
}

func (c *Chrome) HTML(ctx context.Context) (string, error) {
	var html string
	if err := c.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("browser: outer html: %w", err)
	}
	return html, nil
}

// FetchJSON issues a same-origin fetch from inside the page. Transport
// failures inside the page surface as a non-OK result with status 0.
func (c *Chrome) FetchJSON(ctx context.Context, url string, headers map[string]string) (FetchResult, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	expr, err := script(fetchJS, url, headers)
	if err != nil {
		return FetchResult{}, err
	}
	var res FetchResult
	err = c.run(ctx, chromedp.Evaluate(expr, &res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return FetchResult{}, fmt.Errorf("browser: fetch %s: %w", url, err)
	}
	return res, nil
}

func (c *Chrome) Cookies(ctx context.Context) ([]byte, error) {
	var data []byte
	err := c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := network.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		data, err = encodeCookies(cookies)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("browser: get cookies: %w", err)
	}
	return data, nil
}

func (c *Chrome) RestoreCookies(ctx context.Context, data []byte) error {
	params, err := decodeCookies(data)
	if err != nil {
		return err
	}
	if len(params) == 0 {
		return nil
	}
	err = c.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(params).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("browser: set cookies: %w", err)
	}
	return nil
}

func (c *Chrome) UserAgent() string {
	return c.userAgent
}

func (c *Chrome) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := c.run(ctx, chromedp.FullScreenshot(&buf, 80)); err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return buf, nil
}

// Close shuts the tab and the browser process. Safe to call more than once.
func (c *Chrome) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.tabCancel != nil {
			c.tabCancel()
		}
		if c.allocCancel != nil {
			c.allocCancel()
		}
		c.logger.Info("browser closed")
	})
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

var _ Page = (*Chrome)(nil)
