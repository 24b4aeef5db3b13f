package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"synthtrack/internal/conf"
	"synthtrack/internal/extract"
	"synthtrack/internal/mailbox"
	"synthtrack/internal/notify"
	"synthtrack/internal/store"
	"synthtrack/internal/webclient"
)

// Lookback windows per fact kind. Login emails expire fast, billing is rare.
const (
	loginLookback      = time.Hour
	sessionLookback    = 24 * time.Hour
	newsletterLookback = 7 * 24 * time.Hour
	paymentLookback    = 30 * 24 * time.Hour

	// staleAfter is how old a day's row may get before the web fallback runs.
	staleAfter = 60 * time.Minute

	codePollInterval = 10 * time.Second
	codeMaxWait      = 2 * time.Minute
)

// ErrBusy means a collection cycle is already running.
var ErrBusy = errors.New("collection already running")

// WebCollector is the browser-automation fallback, nil when disabled.
type WebCollector interface {
	CollectProgress(ctx context.Context, email string, codes webclient.CodeSource) (*webclient.ProgressData, error)
}

// Result is the outcome of one collection cycle.
type Result struct {
	EmailProcessed bool
	WebScraped     bool
	Day            *store.DailyProgress
	Errors         []string
}

// Collector runs the fetch, extract, persist pipeline and the web fallback.
// A cycle is single-flight: a second trigger while one runs fails with ErrBusy.
type Collector struct {
	cfg     *conf.Config
	fetcher mailbox.Fetcher
	ext     *extract.Extractor
	st      *store.Store
	policy  *notify.Policy
	web     WebCollector
	logger  *zap.Logger
	mu      sync.Mutex
}

// New creates a collector. web may be nil to disable the scraping fallback.
func New(cfg *conf.Config, fetcher mailbox.Fetcher, ext *extract.Extractor,
	st *store.Store, policy *notify.Policy, web WebCollector, logger *zap.Logger) *Collector {
	return &Collector{
		cfg:     cfg,
		fetcher: fetcher,
		ext:     ext,
		st:      st,
		policy:  policy,
		web:     web,
		logger:  logger.Named("collector"),
	}
}

// CheckEmails runs the email half of the pipeline only. Used by the frequent
// scheduled check.
func (c *Collector) CheckEmails(ctx context.Context) (*Result, error) {
	if !c.mu.TryLock() {
		return nil, ErrBusy
	}
	defer c.mu.Unlock()

	res := &Result{}
	c.collectEmails(ctx, res)
	c.finish(res)
	return res, nil
}

// RunCycle runs the full pipeline: email collection, then the web fallback
// when today's data is missing or stale. A manual trigger uses the same path.
func (c *Collector) RunCycle(ctx context.Context) (*Result, error) {
	if !c.mu.TryLock() {
		return nil, ErrBusy
	}
	defer c.mu.Unlock()

	res := &Result{}
	c.collectEmails(ctx, res)

	if c.web != nil && c.needsWebSync() {
		c.collectWeb(ctx, res)
	}

	c.finish(res)
	return res, nil
}

func (c *Collector) finish(res *Result) {
	day, err := c.st.GetDay("")
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("read today's row: %v", err))
	}
	res.Day = day
	if err := c.st.SetSetting("last_collection", time.Now().Format(time.RFC3339)); err != nil {
		c.logger.Warn("failed to record collection time", zap.Error(err))
	}
	c.logger.Info("collection cycle finished",
		zap.Bool("email_processed", res.EmailProcessed),
		zap.Bool("web_scraped", res.WebScraped),
		zap.Int("errors", len(res.Errors)))
}

// collectEmails fetches each fact kind in its own window and persists what it
// finds. One message failing to parse never aborts the batch; a transport
// failure records an error and leaves EmailProcessed false.
func (c *Collector) collectEmails(ctx context.Context, res *Result) {
	session, err := c.fetcher.Connect(ctx)
	if err != nil {
		c.logger.Warn("mailbox unavailable", zap.Error(err))
		res.Errors = append(res.Errors, fmt.Sprintf("mailbox: %v", err))
		return
	}
	defer session.Close()

	senderFilter := ""
	if c.cfg.Email.SenderFilter {
		senderFilter = "synthesis.com"
	}

	searched := 0

	logins, err := session.Search(ctx, mailbox.Query{
		SubjectContains: "Login for Synthesis",
		FromContains:    senderFilter,
		Lookback:        loginLookback,
		Limit:           5,
	})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("search login emails: %v", err))
	} else {
		searched++
		c.applyLogin(logins, res)
	}

	msgs, err := session.Search(ctx, mailbox.Query{
		SubjectContains: "Synthesis",
		FromContains:    senderFilter,
		Lookback:        sessionLookback,
		Limit:           20,
	})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("search progress emails: %v", err))
	} else {
		searched++
		c.applySessions(c.ext.Sessions(msgs), res)
	}

	newsletters, err := session.Search(ctx, mailbox.Query{
		SubjectContains: "This Week at Synthesis",
		FromContains:    senderFilter,
		Lookback:        newsletterLookback,
		Limit:           5,
	})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("search newsletters: %v", err))
	} else {
		searched++
		c.saveNewsletters(c.ext.Newsletters(newsletters), res)
	}

	payments, err := session.Search(ctx, mailbox.Query{
		SubjectContains: "Payment Confirmation",
		FromContains:    senderFilter,
		Lookback:        paymentLookback,
		Limit:           10,
	})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("search payments: %v", err))
	} else {
		searched++
		c.savePayments(c.ext.Payments(payments), res)
	}

	// A live connection with every search failing is not processed email.
	res.EmailProcessed = searched > 0
}

// applyLogin marks today as logged in when a recent login email exists. The
// code email arrives because somebody started a session.
func (c *Collector) applyLogin(msgs []mailbox.Message, res *Result) {
	code, ok := c.ext.LatestLoginCode(msgs)
	if !ok || code.FoundAt.Format("2006-01-02") != time.Now().Format("2006-01-02") {
		return
	}
	loggedIn := true
	loginTime := code.FoundAt.Format(time.RFC3339)
	today := time.Now().Format("2006-01-02")
	err := c.st.UpsertDay(store.Delta{
		Date:      today,
		LoggedIn:  &loggedIn,
		LoginTime: &loginTime,
		RawData:   c.dayFlags(today, "email_processed"),
	})
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("record login: %v", err))
	}
}

// applySessions merges session facts into their days' rows.
func (c *Collector) applySessions(sessions []extract.SessionProgress, res *Result) {
	for _, sess := range sessions {
		loggedIn := true
		delta := store.Delta{
			Date:     sess.Date.Format("2006-01-02"),
			LoggedIn: &loggedIn,
			RawData:  c.dayFlags(sess.Date.Format("2006-01-02"), "email_processed"),
		}
		if sess.Minutes > 0 {
			minutes := sess.Minutes
			delta.StudyMinutes = &minutes
		}
		if len(sess.Activities) > 0 {
			delta.LessonsCompleted = sess.Activities
			last := sess.Activities[0]
			delta.LastActivity = &last
		}
		if sess.Date.Format("2006-01-02") == time.Now().Format("2006-01-02") {
			loginTime := sess.Date.Format(time.RFC3339)
			delta.LoginTime = &loginTime
		}
		if err := c.st.UpsertDay(delta); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("save session %s: %v", delta.Date, err))
			continue
		}
		if len(sess.Achievements) > 0 {
			if err := c.policy.SendAchievements(sess.StudentName, sess.Achievements); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("record achievements: %v", err))
			}
		}
	}
}

func (c *Collector) saveNewsletters(newsletters []extract.Newsletter, res *Result) {
	for _, n := range newsletters {
		err := c.st.SaveNewsletter(store.NewsletterRecord{
			Subject:  n.Subject,
			Date:     n.Date.Format("2006-01-02"),
			Preview:  n.Preview,
			FullBody: n.FullBody,
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("save newsletter: %v", err))
		}
	}
}

func (c *Collector) savePayments(payments []extract.Payment, res *Result) {
	for _, p := range payments {
		err := c.st.SavePayment(store.PaymentRecord{
			Amount:     p.Amount,
			PlanType:   p.PlanType,
			InvoiceURL: p.InvoiceURL,
			Subject:    p.Subject,
			Date:       p.Date.Format("2006-01-02"),
		})
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("save payment: %v", err))
		}
	}
}

// needsWebSync reports whether today's row is missing or stale.
func (c *Collector) needsWebSync() bool {
	day, err := c.st.GetDay("")
	if err != nil || day == nil {
		return true
	}
	return time.Since(day.UpdatedAt) > staleAfter
}

// collectWeb logs in through the browser and merges the scraped figures into
// today's row. Email-derived fields already present are kept.
func (c *Collector) collectWeb(ctx context.Context, res *Result) {
	codes := &mailboxCodeSource{
		fetcher: c.fetcher,
		ext:     c.ext,
		since:   time.Now(),
		logger:  c.logger,
	}

	data, err := c.web.CollectProgress(ctx, c.cfg.Synthesis.Email, codes)
	if err != nil {
		c.logger.Warn("web sync failed", zap.Error(err))
		res.Errors = append(res.Errors, fmt.Sprintf("web sync: %v", err))
		return
	}

	loggedIn := true
	today := time.Now().Format("2006-01-02")
	delta := store.Delta{
		Date:     today,
		LoggedIn: &loggedIn,
		RawData:  c.dayFlags(today, "web_scraped"),
	}
	existing, _ := c.st.GetDay(today)
	if data.StudyMinutes > 0 && (existing == nil || existing.StudyMinutes == 0) {
		minutes := data.StudyMinutes
		delta.StudyMinutes = &minutes
	}
	if len(data.Lessons) > 0 && (existing == nil || len(existing.LessonsCompleted) == 0) {
		delta.LessonsCompleted = data.Lessons
	}
	if data.LastActivity != "" {
		last := data.LastActivity
		delta.LastActivity = &last
	}
	if data.StreakDays > 0 {
		streak := data.StreakDays
		delta.StreakDays = &streak
	}
	if data.TotalPoints > 0 {
		points := data.TotalPoints
		delta.TotalPoints = &points
	}

	if err := c.st.UpsertDay(delta); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("save web data: %v", err))
		return
	}
	res.WebScraped = true
}

// dayFlags returns the day's raw_data with the given source flag set, keeping
// flags written by the other source.
func (c *Collector) dayFlags(date, flag string) json.RawMessage {
	flags := map[string]any{}
	if day, err := c.st.GetDay(date); err == nil && day != nil && len(day.RawData) > 0 {
		// Unparseable raw_data is replaced rather than propagated.
		_ = json.Unmarshal(day.RawData, &flags)
	}
	flags[flag] = true
	out, err := json.Marshal(flags)
	if err != nil {
		return nil
	}
	return out
}

// mailboxCodeSource polls the inbox for a login code that arrived after the
// browser submitted the login form.
type mailboxCodeSource struct {
	fetcher mailbox.Fetcher
	ext     *extract.Extractor
	since   time.Time
	logger  *zap.Logger
}

func (m *mailboxCodeSource) WaitForCode(ctx context.Context) (string, error) {
	deadline := time.Now().Add(codeMaxWait)
	for time.Now().Before(deadline) {
		code, err := m.poll(ctx)
		if err != nil {
			m.logger.Warn("code poll failed", zap.Error(err))
		} else if code != "" {
			return code, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(codePollInterval):
		}
	}
	return "", fmt.Errorf("no verification code arrived within %s", codeMaxWait)
}

func (m *mailboxCodeSource) poll(ctx context.Context) (string, error) {
	session, err := m.fetcher.Connect(ctx)
	if err != nil {
		return "", err
	}
	defer session.Close()

	msgs, err := session.Search(ctx, mailbox.Query{
		SubjectContains: "Login for Synthesis",
		Lookback:        loginLookback,
		Limit:           5,
	})
	if err != nil {
		return "", err
	}

	code, ok := m.ext.LatestLoginCode(msgs)
	if !ok || code.FoundAt.Before(m.since) {
		return "", nil
	}
	return code.Code, nil
}
