package webclient

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"synthtrack/internal/conf"
)

// ProgressData is what the dashboard scrape yields. Zero values mean the
// dashboard did not show that figure.
type ProgressData struct {
	StudyMinutes int
	Lessons      []string
	LastActivity string
	StreakDays   int
	TotalPoints  int
}

// CodeSource supplies the verification code the service emails after the
// login form is submitted. Implementations poll the mailbox.
type CodeSource interface {
	WaitForCode(ctx context.Context) (string, error)
}

// Client drives a headless browser through the Synthesis passwordless login
// and scrapes the student dashboard. It is the fallback data source when
// email-derived data is missing or stale.
type Client struct {
	baseURL  string
	headless bool
	timeout  time.Duration
	logger   *zap.Logger
}

// New creates a web client for the given Synthesis instance
func New(browser conf.BrowserConfig, baseURL string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		headless: browser.Headless,
		timeout:  browser.Timeout,
		logger:   logger.Named("webclient"),
	}
}

var (
	hoursRe    = regexp.MustCompile(`(?i)(\d+)\s*(?:hours?|hrs?)`)
	minutesRe  = regexp.MustCompile(`(?i)(\d+)\s*(?:minutes?|mins?)`)
	streakRe   = regexp.MustCompile(`(?i)(\d+)\s*day\s*streak`)
	pointsRe   = regexp.MustCompile(`(?i)(\d+)\s*(?:points?|pts?)`)
	activityRe = regexp.MustCompile(`(?i)last\s+(?:active|seen|login)[:\s]*([^\n]+)`)
)

// CollectProgress submits the login email, waits for the verification code
// from the code source, completes the login and scrapes the dashboard. The
// whole session is bounded by the configured browser timeout.
func (c *Client) CollectProgress(ctx context.Context, email string, codes CodeSource) (*ProgressData, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", c.headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	defer allocCancel()
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	// Each browser step gets its own timeout. The code wait in between is
	// bounded by the code source, since email delivery can take minutes.
	c.logger.Info("starting browser login")
	err := c.run(browserCtx,
		chromedp.Navigate(c.baseURL+"/login"),
		chromedp.WaitVisible(`input[type="email"]`),
		chromedp.SendKeys(`input[type="email"]`, email),
		chromedp.Click(`button[type="submit"]`),
		chromedp.WaitVisible(`input[placeholder*="code"], input[type="text"]`),
	)
	if err != nil {
		return nil, fmt.Errorf("submit login email: %w", err)
	}

	code, err := codes.WaitForCode(browserCtx)
	if err != nil {
		return nil, fmt.Errorf("wait for verification code: %w", err)
	}
	c.logger.Info("got verification code, completing login")

	err = c.run(browserCtx,
		chromedp.SendKeys(`input[placeholder*="code"], input[type="text"]`, code),
		chromedp.Click(`button[type="submit"]`),
		chromedp.Sleep(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("submit verification code: %w", err)
	}

	if !c.loggedIn(browserCtx) {
		return nil, fmt.Errorf("login appeared to fail: not on a dashboard page")
	}

	var bodyText string
	var lessons []string
	err = c.run(browserCtx,
		chromedp.Text(`body`, &bodyText, chromedp.ByQuery),
		chromedp.Evaluate(`Array.from(document.querySelectorAll(
			'.lesson-item, .completed-lesson, .lesson-title, [data-testid*="lesson"]'
		)).map(function(el){ return el.innerText.trim(); }).filter(Boolean)`, &lessons),
	)
	if err != nil {
		return nil, fmt.Errorf("scrape dashboard: %w", err)
	}

	data := c.parseDashboard(bodyText)
	if len(lessons) > 5 {
		lessons = lessons[:5]
	}
	data.Lessons = lessons

	c.logger.Info("scraped dashboard",
		zap.Int("minutes", data.StudyMinutes),
		zap.Int("streak", data.StreakDays))
	return data, nil
}

// run executes one batch of browser actions under the step timeout.
func (c *Client) run(ctx context.Context, actions ...chromedp.Action) error {
	stepCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return chromedp.Run(stepCtx, actions...)
}

// loggedIn checks the current URL for a dashboard-like path.
func (c *Client) loggedIn(ctx context.Context) bool {
	var url string
	if err := c.run(ctx, chromedp.Location(&url)); err != nil {
		return false
	}
	for _, path := range []string{"/dashboard", "/home", "/student", "/portal"} {
		if strings.Contains(url, path) {
			return true
		}
	}
	return false
}

// parseDashboard pulls figures out of the page text.
func (c *Client) parseDashboard(bodyText string) *ProgressData {
	data := &ProgressData{}

	if m := hoursRe.FindStringSubmatch(bodyText); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			data.StudyMinutes += v * 60
		}
	}
	if m := minutesRe.FindStringSubmatch(bodyText); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			data.StudyMinutes += v
		}
	}
	if m := streakRe.FindStringSubmatch(bodyText); m != nil {
		data.StreakDays, _ = strconv.Atoi(m[1])
	}
	if m := pointsRe.FindStringSubmatch(bodyText); m != nil {
		data.TotalPoints, _ = strconv.Atoi(m[1])
	}
	if m := activityRe.FindStringSubmatch(bodyText); m != nil {
		data.LastActivity = m[1]
	}
	return data
}
