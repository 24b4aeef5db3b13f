package collector

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"synthtrack/internal/conf"
	"synthtrack/internal/extract"
	"synthtrack/internal/mailbox"
	"synthtrack/internal/notify"
	"synthtrack/internal/store"
	"synthtrack/internal/webclient"
)

type fakeSession struct {
	msgs      []mailbox.Message
	searchErr error
}

func (f *fakeSession) Search(ctx context.Context, q mailbox.Query) ([]mailbox.Message, error) {
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	var out []mailbox.Message
	for _, m := range f.msgs {
		if q.SubjectContains != "" &&
			!strings.Contains(strings.ToLower(m.Subject), strings.ToLower(q.SubjectContains)) {
			continue
		}
		if time.Since(m.Date) > q.Lookback {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeSession) Close() error { return nil }

type fakeFetcher struct {
	msgs      []mailbox.Message
	err       error
	searchErr error
}

func (f *fakeFetcher) Connect(ctx context.Context) (mailbox.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &fakeSession{msgs: f.msgs, searchErr: f.searchErr}, nil
}

type fakeWeb struct {
	data *webclient.ProgressData
	err  error
}

func (f *fakeWeb) CollectProgress(ctx context.Context, email string, codes webclient.CodeSource) (*webclient.ProgressData, error) {
	return f.data, f.err
}

func testCollector(t *testing.T, fetcher mailbox.Fetcher, web WebCollector) (*Collector, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &conf.Config{
		Synthesis: conf.SynthesisConfig{Email: "parent@example.com"},
		Study:     conf.StudyConfig{MinimumMinutes: 15, GoalMinutes: 30},
	}
	ext := extract.New(extract.DefaultRules(), zap.NewNop())
	policy := notify.NewPolicy(st, zap.NewNop())
	return New(cfg, fetcher, ext, st, policy, web, zap.NewNop()), st
}

func TestCheckEmails_PersistsSessionFacts(t *testing.T) {
	fetcher := &fakeFetcher{msgs: []mailbox.Message{
		{
			Subject: "Login for Synthesis",
			From:    "teams@synthesis.com",
			Date:    time.Now().Add(-5 * time.Minute),
			Body:    "Here's your log in verification code: 4829",
		},
		{
			Subject: "Maya's progress with Synthesis",
			From:    "teams@synthesis.com",
			Date:    time.Now().Add(-time.Hour),
			Body:    "Daily Active Minutes 45\nworked on \"Fraction Frenzy\"\nYou earned Math Master!",
		},
	}}
	c, st := testCollector(t, fetcher, nil)

	res, err := c.CheckEmails(context.Background())
	if err != nil {
		t.Fatalf("CheckEmails failed: %v", err)
	}
	if !res.EmailProcessed {
		t.Error("Expected email phase to complete")
	}
	if len(res.Errors) != 0 {
		t.Errorf("Expected no errors, got %v", res.Errors)
	}

	day, err := st.GetDay("")
	if err != nil || day == nil {
		t.Fatalf("Expected today's row, got %v, %v", day, err)
	}
	if !day.LoggedIn {
		t.Error("Expected the login email to mark today logged in")
	}
	if day.StudyMinutes != 45 {
		t.Errorf("Expected 45 study minutes, got %d", day.StudyMinutes)
	}
	if len(day.LessonsCompleted) != 1 || day.LessonsCompleted[0] != "Fraction Frenzy" {
		t.Errorf("Expected the activity persisted, got %v", day.LessonsCompleted)
	}

	var flags map[string]bool
	if err := json.Unmarshal(day.RawData, &flags); err != nil {
		t.Fatalf("Failed to parse raw_data: %v", err)
	}
	if !flags["email_processed"] {
		t.Errorf("Expected email_processed flag, got %v", flags)
	}

	notifications, err := st.TodaysNotifications()
	if err != nil {
		t.Fatalf("TodaysNotifications failed: %v", err)
	}
	found := false
	for _, n := range notifications {
		if n.Type == store.NotifyAchievement && strings.Contains(n.Message, "Math Master") {
			found = true
		}
	}
	if !found {
		t.Error("Expected an achievement notification for Math Master")
	}
}

func TestCheckEmails_TransportFailure(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("connection refused")}
	c, _ := testCollector(t, fetcher, nil)

	res, err := c.CheckEmails(context.Background())
	if err != nil {
		t.Fatalf("CheckEmails failed: %v", err)
	}
	if res.EmailProcessed {
		t.Error("Expected email phase to be marked failed")
	}
	if len(res.Errors) != 1 {
		t.Errorf("Expected one transport error, got %v", res.Errors)
	}
}

func TestCheckEmails_AllSearchesFail(t *testing.T) {
	fetcher := &fakeFetcher{searchErr: errors.New("mailbox gone")}
	c, _ := testCollector(t, fetcher, nil)

	res, err := c.CheckEmails(context.Background())
	if err != nil {
		t.Fatalf("CheckEmails failed: %v", err)
	}
	if res.EmailProcessed {
		t.Error("Expected email phase not marked processed when every search errors")
	}
	if len(res.Errors) != 4 {
		t.Errorf("Expected one error per search, got %v", res.Errors)
	}
}

func TestCheckEmails_PersistsSidecars(t *testing.T) {
	fetcher := &fakeFetcher{msgs: []mailbox.Message{
		{
			Subject: "This Week at Synthesis",
			From:    "teams@synthesis.com",
			Date:    time.Now().Add(-24 * time.Hour),
			Body:    "Big news in estimation this week.",
		},
		{
			Subject: "Payment Confirmation",
			From:    "teams@synthesis.com",
			Date:    time.Now().Add(-48 * time.Hour),
			Body:    "Your payment of $99.00 for Tutor Monthly. https://invoice.stripe.com/i/x",
		},
	}}
	c, st := testCollector(t, fetcher, nil)

	if _, err := c.CheckEmails(context.Background()); err != nil {
		t.Fatalf("CheckEmails failed: %v", err)
	}

	newsletter, err := st.LatestNewsletter()
	if err != nil {
		t.Fatalf("LatestNewsletter failed: %v", err)
	}
	if newsletter == nil || newsletter.Subject != "This Week at Synthesis" {
		t.Errorf("Expected the newsletter persisted, got %+v", newsletter)
	}

	payments, err := st.ListPayments(10)
	if err != nil {
		t.Fatalf("ListPayments failed: %v", err)
	}
	if len(payments) != 1 || payments[0].PlanType != "Tutor Monthly" {
		t.Errorf("Expected the payment persisted, got %+v", payments)
	}
}

func TestRunCycle_WebFallbackWhenNoData(t *testing.T) {
	web := &fakeWeb{data: &webclient.ProgressData{
		StudyMinutes: 40,
		Lessons:      []string{"Number Lines"},
		StreakDays:   4,
	}}
	c, st := testCollector(t, &fakeFetcher{}, web)

	res, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle failed: %v", err)
	}
	if !res.WebScraped {
		t.Fatalf("Expected the web fallback to run, errors: %v", res.Errors)
	}

	day, err := st.GetDay("")
	if err != nil || day == nil {
		t.Fatalf("Expected today's row, got %v, %v", day, err)
	}
	if day.StudyMinutes != 40 || day.StreakDays != 4 {
		t.Errorf("Expected scraped figures persisted, got %+v", day)
	}

	var flags map[string]bool
	if err := json.Unmarshal(day.RawData, &flags); err != nil {
		t.Fatalf("Failed to parse raw_data: %v", err)
	}
	if !flags["web_scraped"] {
		t.Errorf("Expected web_scraped flag, got %v", flags)
	}
}

func TestRunCycle_WebKeepsEmailMinutes(t *testing.T) {
	web := &fakeWeb{data: &webclient.ProgressData{StudyMinutes: 99}}
	c, st := testCollector(t, &fakeFetcher{}, web)

	loggedIn := true
	minutes := 30
	if err := st.UpsertDay(store.Delta{LoggedIn: &loggedIn, StudyMinutes: &minutes}); err != nil {
		t.Fatalf("UpsertDay failed: %v", err)
	}

	res := &Result{}
	c.collectWeb(context.Background(), res)
	if !res.WebScraped {
		t.Fatalf("Expected web collection to succeed, errors: %v", res.Errors)
	}

	day, _ := st.GetDay("")
	if day.StudyMinutes != 30 {
		t.Errorf("Expected email-derived minutes kept over scraped ones, got %d", day.StudyMinutes)
	}
}

func TestRunCycle_SingleFlight(t *testing.T) {
	c, _ := testCollector(t, &fakeFetcher{}, nil)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.RunCycle(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy while a cycle holds the lock, got %v", err)
	}
	if _, err := c.CheckEmails(context.Background()); !errors.Is(err, ErrBusy) {
		t.Errorf("Expected ErrBusy for the email check too, got %v", err)
	}
}

func TestDayFlags_MergesExisting(t *testing.T) {
	c, st := testCollector(t, &fakeFetcher{}, nil)

	today := time.Now().Format("2006-01-02")
	if err := st.UpsertDay(store.Delta{Date: today, RawData: json.RawMessage(`{"email_processed":true}`)}); err != nil {
		t.Fatalf("UpsertDay failed: %v", err)
	}

	merged := c.dayFlags(today, "web_scraped")
	var flags map[string]bool
	if err := json.Unmarshal(merged, &flags); err != nil {
		t.Fatalf("Failed to parse merged flags: %v", err)
	}
	if !flags["email_processed"] || !flags["web_scraped"] {
		t.Errorf("Expected both source flags after the merge, got %v", flags)
	}
}
