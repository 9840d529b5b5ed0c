// Package browsertest provides a scriptable in-memory browser.Page.
package browsertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wolfman30/visa-scheduler/internal/browser"
)

// Page records every interaction and lets tests script responses through
// hooks. Hooks run without the page lock held, so they may call the setters.
type Page struct {
	mu       sync.Mutex
	url      string
	visible  map[string]bool
	values   map[string]string
	checked  map[string]bool
	calls    []string
	fetches  []string
	jar      []byte
	closed   bool
	shots    int
	restored []byte

	Agent    string
	Document string

	// OnNavigate runs after the URL has been updated.
	OnNavigate func(p *Page, url string) error
	// OnClick runs for every click.
	OnClick func(p *Page, selector string) error
	// OnFetch answers FetchJSON. Without it every fetch returns 404.
	OnFetch func(url string) (browser.FetchResult, error)
	// FillErr fails Fill and Select for the given selectors.
	FillErr map[string]error
}

// New returns a page positioned at url.
func New(url string) *Page {
	return &Page{
		url:     url,
		visible: make(map[string]bool),
		values:  make(map[string]string),
		checked: make(map[string]bool),
		Agent:   "browsertest",
	}
}

func (p *Page) record(format string, args ...any) {
	p.mu.Lock()
	p.calls = append(p.calls, fmt.Sprintf(format, args...))
	p.mu.Unlock()
}

// SetURL moves the page without recording a call.
func (p *Page) SetURL(url string) {
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
}

// SetVisible marks a selector visible or hidden.
func (p *Page) SetVisible(selector string, visible bool) {
	p.mu.Lock()
	p.visible[selector] = visible
	p.mu.Unlock()
}

// SetCookies replaces the cookie jar.
func (p *Page) SetCookies(data []byte) {
	p.mu.Lock()
	p.jar = append([]byte(nil), data...)
	p.mu.Unlock()
}

// Calls returns the recorded interactions in order.
func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Fetches returns the URLs passed to FetchJSON.
func (p *Page) Fetches() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.fetches...)
}

// Value returns what was last filled or selected into selector.
func (p *Page) Value(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.values[selector]
}

// Checked reports the state of a checkbox set through SetChecked.
func (p *Page) Checked(selector string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.checked[selector]
}

// Screenshots returns how many screenshots were taken.
func (p *Page) Screenshots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shots
}

// Restored returns the last cookies passed to RestoreCookies.
func (p *Page) Restored() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restored
}

// IsClosed reports whether Close was called.
func (p *Page) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// CountCalls counts recorded calls with the given prefix.
func (p *Page) CountCalls(prefix string) int {
	n := 0
	for _, c := range p.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.record("navigate %s", url)
	p.SetURL(url)
	if p.OnNavigate != nil {
		return p.OnNavigate(p, url)
	}
	return nil
}

func (p *Page) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *Page) Fill(_ context.Context, selector, value string) error {
	return p.setValue("fill", selector, value)
}

func (p *Page) Select(_ context.Context, selector, value string) error {
	return p.setValue("select", selector, value)
}

func (p *Page) setValue(op, selector, value string) error {
	p.record("%s %s=%s", op, selector, value)
	if err := p.FillErr[selector]; err != nil {
		return err
	}
	p.mu.Lock()
	p.values[selector] = value
	p.mu.Unlock()
	return nil
}

func (p *Page) Click(ctx context.Context, selector string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.record("click %s", selector)
	if p.OnClick != nil {
		return p.OnClick(p, selector)
	}
	return nil
}

func (p *Page) SetChecked(_ context.Context, selector string, checked bool) error {
	p.record("check %s=%t", selector, checked)
	p.mu.Lock()
	p.checked[selector] = checked
	p.mu.Unlock()
	return nil
}

func (p *Page) Visible(_ context.Context, selector string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible[selector], nil
}

func (p *Page) WaitVisible(ctx context.Context, selector string, _ time.Duration) (bool, error) {
	return p.Visible(ctx, selector)
}

func (p *Page) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Document, nil
}

func (p *Page) FetchJSON(ctx context.Context, url string, _ map[string]string) (browser.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return browser.FetchResult{}, err
	}
	p.mu.Lock()
	p.fetches = append(p.fetches, url)
	p.mu.Unlock()
	if p.OnFetch == nil {
		return browser.FetchResult{Status: 404, StatusText: "Not Found"}, nil
	}
	return p.OnFetch(url)
}

func (p *Page) Cookies(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.jar == nil {
		return []byte("[]"), nil
	}
	return append([]byte(nil), p.jar...), nil
}

func (p *Page) RestoreCookies(_ context.Context, data []byte) error {
	p.record("restore cookies")
	p.mu.Lock()
	p.restored = append([]byte(nil), data...)
	p.jar = append([]byte(nil), data...)
	p.mu.Unlock()
	return nil
}

func (p *Page) UserAgent() string {
	return p.Agent
}

func (p *Page) Screenshot(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shots++
	return []byte("png"), nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// JSON builds an OK fetch result with body.
func JSON(body string) browser.FetchResult {
	return browser.FetchResult{OK: true, Status: 200, StatusText: "OK", Body: body}
}

// Status builds a failed fetch result.
func Status(code int, text string) browser.FetchResult {
	return browser.FetchResult{Status: code, StatusText: text}
}

var _ browser.Page = (*Page)(nil)
