package store

import (
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func boolPtr(b bool) *bool    { return &b }
func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }

func datePlus(days int) string {
	return time.Now().AddDate(0, 0, days).Format(dateLayout)
}

func TestUpsertDay_CreatesRow(t *testing.T) {
	s := testStore(t)

	err := s.UpsertDay(Delta{
		LoggedIn:         boolPtr(true),
		StudyMinutes:     intPtr(30),
		LessonsCompleted: []string{"Fraction Frenzy"},
	})
	if err != nil {
		t.Fatalf("UpsertDay failed: %v", err)
	}

	day, err := s.GetDay("")
	if err != nil {
		t.Fatalf("GetDay failed: %v", err)
	}
	if day == nil {
		t.Fatal("Expected a row for today")
	}
	if !day.LoggedIn || day.StudyMinutes != 30 {
		t.Errorf("Expected logged in with 30 minutes, got %+v", day)
	}
	if len(day.LessonsCompleted) != 1 || day.LessonsCompleted[0] != "Fraction Frenzy" {
		t.Errorf("Expected lessons to round-trip, got %v", day.LessonsCompleted)
	}
}

func TestUpsertDay_MergeKeepsUnsetFields(t *testing.T) {
	s := testStore(t)

	if err := s.UpsertDay(Delta{StudyMinutes: intPtr(20), LoggedIn: boolPtr(true)}); err != nil {
		t.Fatalf("First upsert failed: %v", err)
	}
	if err := s.UpsertDay(Delta{LastActivity: strPtr("Number Lines")}); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}

	day, err := s.GetDay("")
	if err != nil || day == nil {
		t.Fatalf("GetDay failed: %v, %v", day, err)
	}
	if day.StudyMinutes != 20 {
		t.Errorf("Expected minutes kept at 20 after partial update, got %d", day.StudyMinutes)
	}
	if day.LastActivity != "Number Lines" {
		t.Errorf("Expected last activity updated, got %q", day.LastActivity)
	}
}

func TestUpsertDay_PreservesCreatedAt(t *testing.T) {
	s := testStore(t)

	if err := s.UpsertDay(Delta{StudyMinutes: intPtr(10)}); err != nil {
		t.Fatalf("First upsert failed: %v", err)
	}
	first, _ := s.GetDay("")

	time.Sleep(10 * time.Millisecond)
	if err := s.UpsertDay(Delta{StudyMinutes: intPtr(40)}); err != nil {
		t.Fatalf("Second upsert failed: %v", err)
	}
	second, _ := s.GetDay("")

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("Expected created_at preserved, got %v then %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Errorf("Expected updated_at to move forward, got %v then %v", first.UpdatedAt, second.UpdatedAt)
	}
}

func TestGetDay_MissingReturnsNil(t *testing.T) {
	s := testStore(t)
	day, err := s.GetDay("1999-01-01")
	if err != nil {
		t.Fatalf("GetDay failed: %v", err)
	}
	if day != nil {
		t.Errorf("Expected nil for a missing date, got %+v", day)
	}
}

func TestCurrentStreak_Empty(t *testing.T) {
	s := testStore(t)
	streak, err := s.CurrentStreak()
	if err != nil {
		t.Fatalf("CurrentStreak failed: %v", err)
	}
	if streak != 0 {
		t.Errorf("Expected streak 0 on empty store, got %d", streak)
	}
}

func TestCurrentStreak_GapBreaksStreak(t *testing.T) {
	s := testStore(t)

	// Three consecutive days ending today, then a gap, then one more day.
	for _, offset := range []int{0, -1, -2, -4} {
		err := s.UpsertDay(Delta{
			Date:         datePlus(offset),
			LoggedIn:     boolPtr(true),
			StudyMinutes: intPtr(25),
		})
		if err != nil {
			t.Fatalf("UpsertDay failed: %v", err)
		}
	}

	streak, err := s.CurrentStreak()
	if err != nil {
		t.Fatalf("CurrentStreak failed: %v", err)
	}
	if streak != 3 {
		t.Errorf("Expected streak 3 (gap at day -3 breaks it), got %d", streak)
	}
}

func TestCurrentStreak_NonQualifyingDayEndsStreak(t *testing.T) {
	s := testStore(t)

	if err := s.UpsertDay(Delta{Date: datePlus(0), LoggedIn: boolPtr(true), StudyMinutes: intPtr(30)}); err != nil {
		t.Fatalf("UpsertDay failed: %v", err)
	}
	// Yesterday has a row but no real session.
	if err := s.UpsertDay(Delta{Date: datePlus(-1), LoggedIn: boolPtr(false)}); err != nil {
		t.Fatalf("UpsertDay failed: %v", err)
	}

	streak, err := s.CurrentStreak()
	if err != nil {
		t.Fatalf("CurrentStreak failed: %v", err)
	}
	if streak != 1 {
		t.Errorf("Expected streak 1, got %d", streak)
	}
}

func TestHasStudiedToday(t *testing.T) {
	s := testStore(t)

	studied, err := s.HasStudiedToday()
	if err != nil {
		t.Fatalf("HasStudiedToday failed: %v", err)
	}
	if studied {
		t.Error("Expected no study on an empty store")
	}

	// Logged in but zero minutes does not count.
	if err := s.UpsertDay(Delta{LoggedIn: boolPtr(true)}); err != nil {
		t.Fatalf("UpsertDay failed: %v", err)
	}
	if studied, _ = s.HasStudiedToday(); studied {
		t.Error("Expected zero-minute login not to count as studying")
	}

	if err := s.UpsertDay(Delta{StudyMinutes: intPtr(15)}); err != nil {
		t.Fatalf("UpsertDay failed: %v", err)
	}
	if studied, _ = s.HasStudiedToday(); !studied {
		t.Error("Expected a logged-in day with minutes to count as studying")
	}
}

func TestWeeklyStats(t *testing.T) {
	s := testStore(t)

	days := map[int]int{0: 30, -1: 20, -2: 40}
	for offset, minutes := range days {
		err := s.UpsertDay(Delta{
			Date:         datePlus(offset),
			LoggedIn:     boolPtr(true),
			StudyMinutes: intPtr(minutes),
		})
		if err != nil {
			t.Fatalf("UpsertDay failed: %v", err)
		}
	}
	// A day without a login is excluded from the aggregates.
	if err := s.UpsertDay(Delta{Date: datePlus(-3), StudyMinutes: intPtr(99)}); err != nil {
		t.Fatalf("UpsertDay failed: %v", err)
	}

	stats, err := s.WeeklyStats()
	if err != nil {
		t.Fatalf("WeeklyStats failed: %v", err)
	}
	if stats.DaysLoggedIn != 3 {
		t.Errorf("Expected 3 logged-in days, got %d", stats.DaysLoggedIn)
	}
	if stats.TotalMinutes != 90 {
		t.Errorf("Expected 90 total minutes, got %d", stats.TotalMinutes)
	}
	if stats.AvgMinutes != 30 {
		t.Errorf("Expected average 30 minutes, got %f", stats.AvgMinutes)
	}
	if len(stats.DailyBreakdown) != 4 {
		t.Errorf("Expected 4 days in the breakdown, got %d", len(stats.DailyBreakdown))
	}
}

func TestRecentDays_NewestFirst(t *testing.T) {
	s := testStore(t)

	for _, offset := range []int{-2, 0, -1} {
		if err := s.UpsertDay(Delta{Date: datePlus(offset), StudyMinutes: intPtr(10)}); err != nil {
			t.Fatalf("UpsertDay failed: %v", err)
		}
	}

	days, err := s.RecentDays(7)
	if err != nil {
		t.Fatalf("RecentDays failed: %v", err)
	}
	if len(days) != 3 {
		t.Fatalf("Expected 3 rows, got %d", len(days))
	}
	if days[0].Date != datePlus(0) || days[2].Date != datePlus(-2) {
		t.Errorf("Expected newest-first order, got %s .. %s", days[0].Date, days[2].Date)
	}
}

func TestNotifications_SavedAndListed(t *testing.T) {
	s := testStore(t)

	if err := s.SaveNotification(NotifyReminder, "Time to study!", ""); err != nil {
		t.Fatalf("SaveNotification failed: %v", err)
	}
	if err := s.SaveNotification(NotifyAchievement, "🏆 earned: Math Master", ""); err != nil {
		t.Fatalf("SaveNotification failed: %v", err)
	}
	// Yesterday's entries are not part of today's list.
	if err := s.SaveNotification(NotifyReminder, "Old", datePlus(-1)); err != nil {
		t.Fatalf("SaveNotification failed: %v", err)
	}

	today, err := s.TodaysNotifications()
	if err != nil {
		t.Fatalf("TodaysNotifications failed: %v", err)
	}
	if len(today) != 2 {
		t.Fatalf("Expected 2 notifications today, got %d", len(today))
	}
	reminders := 0
	for _, n := range today {
		if n.Type == NotifyReminder {
			reminders++
		}
	}
	if reminders != 1 {
		t.Errorf("Expected 1 reminder today, got %d", reminders)
	}
}

func TestSettings_RoundTripAndDefault(t *testing.T) {
	s := testStore(t)

	value, err := s.GetSetting("missing", "fallback")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if value != "fallback" {
		t.Errorf("Expected default for unset key, got %q", value)
	}

	if err := s.SetSetting("goal", "30"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if err := s.SetSetting("goal", "45"); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}
	if value, _ = s.GetSetting("goal", ""); value != "45" {
		t.Errorf("Expected last write to win, got %q", value)
	}
}

func TestPayments_SaveAndList(t *testing.T) {
	s := testStore(t)

	amount := 99.0
	records := []PaymentRecord{
		{Amount: &amount, PlanType: "Tutor Monthly", Date: datePlus(-40), Subject: "Payment Confirmation"},
		{PlanType: "Premium", Date: datePlus(-10), Subject: "Payment Confirmation"},
	}
	for _, p := range records {
		if err := s.SavePayment(p); err != nil {
			t.Fatalf("SavePayment failed: %v", err)
		}
	}

	payments, err := s.ListPayments(10)
	if err != nil {
		t.Fatalf("ListPayments failed: %v", err)
	}
	if len(payments) != 2 {
		t.Fatalf("Expected 2 payments, got %d", len(payments))
	}
	if payments[0].Date != datePlus(-10) {
		t.Errorf("Expected newest payment first, got %s", payments[0].Date)
	}
	if payments[0].Amount != nil {
		t.Errorf("Expected nil amount to survive storage, got %v", *payments[0].Amount)
	}
	if payments[1].Amount == nil || *payments[1].Amount != 99.0 {
		t.Errorf("Expected amount 99.0, got %v", payments[1].Amount)
	}
}

func TestNewsletters_DedupAndLatest(t *testing.T) {
	s := testStore(t)

	latest, err := s.LatestNewsletter()
	if err != nil {
		t.Fatalf("LatestNewsletter failed: %v", err)
	}
	if latest != nil {
		t.Error("Expected nil when no newsletter is stored")
	}

	n := NewsletterRecord{
		Subject:  "This Week at Synthesis",
		Date:     datePlus(-1),
		Preview:  "preview",
		FullBody: "full body",
	}
	if err := s.SaveNewsletter(n); err != nil {
		t.Fatalf("SaveNewsletter failed: %v", err)
	}
	// Re-collecting the same email must not duplicate it.
	if err := s.SaveNewsletter(n); err != nil {
		t.Fatalf("Duplicate SaveNewsletter failed: %v", err)
	}
	newer := n
	newer.Date = datePlus(0)
	newer.Subject = "This Week at Synthesis: Estimation"
	if err := s.SaveNewsletter(newer); err != nil {
		t.Fatalf("SaveNewsletter failed: %v", err)
	}

	latest, err = s.LatestNewsletter()
	if err != nil {
		t.Fatalf("LatestNewsletter failed: %v", err)
	}
	if latest == nil || latest.Date != datePlus(0) {
		t.Fatalf("Expected the newest newsletter, got %+v", latest)
	}
}

func TestDeleteOlderThan(t *testing.T) {
	s := testStore(t)

	if err := s.UpsertDay(Delta{Date: datePlus(-100), StudyMinutes: intPtr(10)}); err != nil {
		t.Fatalf("UpsertDay failed: %v", err)
	}
	if err := s.UpsertDay(Delta{Date: datePlus(0), StudyMinutes: intPtr(10)}); err != nil {
		t.Fatalf("UpsertDay failed: %v", err)
	}

	if err := s.DeleteOlderThan(90); err != nil {
		t.Fatalf("DeleteOlderThan failed: %v", err)
	}

	old, err := s.GetDay(datePlus(-100))
	if err != nil {
		t.Fatalf("GetDay failed: %v", err)
	}
	if old != nil {
		t.Error("Expected the 100-day-old row to be swept")
	}
	if kept, _ := s.GetDay(datePlus(0)); kept == nil {
		t.Error("Expected today's row to survive the sweep")
	}
}
