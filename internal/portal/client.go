package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"github.com/wolfman30/visa-scheduler/internal/browser"
	"github.com/wolfman30/visa-scheduler/pkg/logging"
)

// ErrMalformed is returned when an endpoint answers with an unexpected body.
var ErrMalformed = errors.New("portal: malformed response")

// StatusError carries a non-2xx status from a site endpoint.
type StatusError struct {
	Code int
	Text string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("portal: HTTP %d: %s", e.Code, e.Text)
}

// SessionExpired reports whether the status signals a lost session.
func (e *StatusError) SessionExpired() bool {
	return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
}

// Day is one entry of the days endpoint.
type Day struct {
	Date        string `json:"date"`
	BusinessDay bool   `json:"business_day"`
}

type timesResponse struct {
	AvailableTimes []string `json:"available_times"`
}

var ajaxHeaders = map[string]string{
	"Accept":           "application/json, text/javascript, */*; q=0.01",
	"Accept-Language":  "en-GB,en;q=0.9",
	"X-Requested-With": "XMLHttpRequest",
}

// Client calls the site's JSON endpoints from inside the browser page.
type Client struct {
	page    browser.Page
	site    Site
	limiter *rate.Limiter
	logger  *logging.Logger
}

// NewClient creates a Client. A nil limiter disables pacing.
func NewClient(page browser.Page, site Site, limiter *rate.Limiter, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{page: page, site: site, limiter: limiter, logger: logger.Module("portal")}
}

// Days lists open days for a facility in the order the site returns them.
// An empty list or 304 yields no days and no error.
func (c *Client) Days(ctx context.Context, userID string, facilityID int) ([]Day, error) {
	body, err := c.get(ctx, c.site.Days(userID, facilityID))
	if err != nil || body == "" {
		return nil, err
	}
	var days []Day
	if err := json.Unmarshal([]byte(body), &days); err != nil {
		return nil, fmt.Errorf("%w: days for facility %d: %v", ErrMalformed, facilityID, err)
	}
	return days, nil
}

// Times lists open time slots on date at a facility.
func (c *Client) Times(ctx context.Context, userID string, facilityID int, date string) ([]string, error) {
	body, err := c.get(ctx, c.site.Times(userID, facilityID, date))
	if err != nil || body == "" {
		return nil, err
	}
	var resp timesResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("%w: times for facility %d on %s: %v", ErrMalformed, facilityID, date, err)
	}
	return resp.AvailableTimes, nil
}

func (c *Client) get(ctx context.Context, url string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("portal: rate limit: %w", err)
		}
	}
	res, err := c.page.FetchJSON(ctx, url, ajaxHeaders)
	if err != nil {
		return "", err
	}
	if res.Status == http.StatusNotModified {
		return "", nil
	}
	if !res.OK {
		return "", &StatusError{Code: res.Status, Text: res.StatusText}
	}
	body := strings.TrimSpace(res.Body)
	c.logger.Debug("portal response", "url", url, "status", res.Status, "bytes", len(body))
	return body, nil
}
