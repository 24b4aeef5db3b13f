package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// DailyProgress is one study day. Exactly one row exists per calendar date.
type DailyProgress struct {
	Date             string
	LoggedIn         bool
	LoginTime        string
	StudyMinutes     int
	LessonsCompleted []string
	LastActivity     string
	// StreakDays is whatever the last producer wrote. The authoritative
	// streak is recomputed by CurrentStreak; this column is advisory.
	StreakDays  int
	TotalPoints int
	RawData     json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Delta is a partial update to one day's row. Nil fields keep their stored
// value (or the zero default when the row does not exist yet).
type Delta struct {
	Date             string // defaults to today
	LoggedIn         *bool
	LoginTime        *string
	StudyMinutes     *int
	LessonsCompleted []string
	LastActivity     *string
	StreakDays       *int
	TotalPoints      *int
	RawData          json.RawMessage
}

func today() string {
	return time.Now().Format(dateLayout)
}

// UpsertDay merges delta into the row for its date, creating the row if
// needed. created_at is set only on first creation; updated_at always moves
// forward. On error the row is left untouched.
func (s *Store) UpsertDay(delta Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	date := delta.Date
	if date == "" {
		date = today()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanDay(tx.QueryRow(selectDaySQL, date))
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read existing row: %w", err)
	}

	now := time.Now()
	row := DailyProgress{Date: date, CreatedAt: now}
	if existing != nil {
		row = *existing
	}
	row.UpdatedAt = now

	if delta.LoggedIn != nil {
		row.LoggedIn = *delta.LoggedIn
	}
	if delta.LoginTime != nil {
		row.LoginTime = *delta.LoginTime
	}
	if delta.StudyMinutes != nil {
		row.StudyMinutes = *delta.StudyMinutes
	}
	if delta.LessonsCompleted != nil {
		row.LessonsCompleted = delta.LessonsCompleted
	}
	if delta.LastActivity != nil {
		row.LastActivity = *delta.LastActivity
	}
	if delta.StreakDays != nil {
		row.StreakDays = *delta.StreakDays
	}
	if delta.TotalPoints != nil {
		row.TotalPoints = *delta.TotalPoints
	}
	if delta.RawData != nil {
		row.RawData = delta.RawData
	}

	lessonsJSON, err := json.Marshal(row.LessonsCompleted)
	if err != nil {
		return fmt.Errorf("marshal lessons: %w", err)
	}
	rawData := string(row.RawData)

	_, err = tx.Exec(`
		INSERT OR REPLACE INTO study_sessions
		(date, logged_in, login_time, study_minutes, lessons_completed,
		 last_activity, streak_days, total_points, raw_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, date, row.LoggedIn, row.LoginTime, row.StudyMinutes, string(lessonsJSON),
		row.LastActivity, row.StreakDays, row.TotalPoints, rawData,
		row.CreatedAt.Format(time.RFC3339Nano), row.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("write row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}

	s.logger.Info("saved study session", zap.String("date", date))
	return nil
}

const selectDaySQL = `
	SELECT date, logged_in, login_time, study_minutes, lessons_completed,
	       last_activity, streak_days, total_points, raw_data, created_at, updated_at
	FROM study_sessions
	WHERE date = ?
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDay(row rowScanner) (*DailyProgress, error) {
	var p DailyProgress
	var loginTime, lastActivity, lessons, rawData sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&p.Date, &p.LoggedIn, &loginTime, &p.StudyMinutes, &lessons,
		&lastActivity, &p.StreakDays, &p.TotalPoints, &rawData, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.LoginTime = loginTime.String
	p.LastActivity = lastActivity.String
	if lessons.String != "" {
		if err := json.Unmarshal([]byte(lessons.String), &p.LessonsCompleted); err != nil {
			return nil, fmt.Errorf("parse lessons: %w", err)
		}
	}
	if rawData.String != "" {
		p.RawData = json.RawMessage(rawData.String)
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &p, nil
}

// GetDay returns the row for the given date, or nil when none exists.
// An empty date means today.
func (s *Store) GetDay(date string) (*DailyProgress, error) {
	if date == "" {
		date = today()
	}
	p, err := scanDay(s.db.QueryRow(selectDaySQL, date))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return p, nil
}

// RecentDays returns all rows with date within the last n days, newest first.
func (s *Store) RecentDays(n int) ([]DailyProgress, error) {
	start := time.Now().AddDate(0, 0, -n).Format(dateLayout)
	rows, err := s.db.Query(`
		SELECT date, logged_in, login_time, study_minutes, lessons_completed,
		       last_activity, streak_days, total_points, raw_data, created_at, updated_at
		FROM study_sessions
		WHERE date >= ?
		ORDER BY date DESC
	`, start)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent sessions: %w", err)
	}
	defer rows.Close()

	var out []DailyProgress
	for rows.Next() {
		p, err := scanDay(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// DayBreakdown is one day in the weekly stats breakdown.
type DayBreakdown struct {
	Date         string `json:"date"`
	StudyMinutes int    `json:"study_minutes"`
	LoggedIn     bool   `json:"logged_in"`
}

// WeeklyStats aggregates the last 7 days of logged-in rows, plus the
// unfiltered daily breakdown for the same window.
type WeeklyStats struct {
	WeekStart      string         `json:"week_start"`
	DaysLoggedIn   int            `json:"days_logged_in"`
	TotalMinutes   int            `json:"total_minutes"`
	AvgMinutes     float64        `json:"avg_minutes"`
	MaxStreak      int            `json:"max_streak"`
	TotalPoints    int            `json:"total_points"`
	DailyBreakdown []DayBreakdown `json:"daily_breakdown"`
}

// WeeklyStats computes study statistics over the last 7 days.
func (s *Store) WeeklyStats() (*WeeklyStats, error) {
	weekStart := time.Now().AddDate(0, 0, -7).Format(dateLayout)

	stats := &WeeklyStats{WeekStart: weekStart}
	err := s.db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(study_minutes), 0),
		       COALESCE(AVG(study_minutes), 0),
		       COALESCE(MAX(streak_days), 0),
		       COALESCE(SUM(total_points), 0)
		FROM study_sessions
		WHERE date >= ? AND logged_in = 1
	`, weekStart).Scan(&stats.DaysLoggedIn, &stats.TotalMinutes, &stats.AvgMinutes,
		&stats.MaxStreak, &stats.TotalPoints)
	if err != nil {
		return nil, fmt.Errorf("failed to query weekly stats: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT date, study_minutes, logged_in
		FROM study_sessions
		WHERE date >= ?
		ORDER BY date DESC
	`, weekStart)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d DayBreakdown
		if err := rows.Scan(&d.Date, &d.StudyMinutes, &d.LoggedIn); err != nil {
			return nil, fmt.Errorf("failed to scan breakdown: %w", err)
		}
		stats.DailyBreakdown = append(stats.DailyBreakdown, d)
	}
	return stats, rows.Err()
}

// HasStudiedToday reports whether today's row exists with a real session.
func (s *Store) HasStudiedToday() (bool, error) {
	session, err := s.GetDay(today())
	if err != nil || session == nil {
		return false, err
	}
	return session.LoggedIn && session.StudyMinutes > 0, nil
}

// CurrentStreak counts consecutive qualifying study days by scanning the last
// 30 days of rows, newest first. A qualifying day has logged_in set and
// positive minutes. A missing row is a gap and ends the streak.
func (s *Store) CurrentStreak() (int, error) {
	sessions, err := s.RecentDays(30)
	if err != nil {
		return 0, err
	}
	if len(sessions) == 0 {
		return 0, nil
	}

	expected, err := time.Parse(dateLayout, sessions[0].Date)
	if err != nil {
		return 0, fmt.Errorf("parse session date: %w", err)
	}

	streak := 0
	for _, session := range sessions {
		if session.Date != expected.Format(dateLayout) {
			break
		}
		if !session.LoggedIn || session.StudyMinutes <= 0 {
			break
		}
		streak++
		expected = expected.AddDate(0, 0, -1)
	}
	return streak, nil
}

// DeleteOlderThan removes study and notification rows older than the given
// number of days. Called from the daily health check.
func (s *Store) DeleteOlderThan(days int) error {
	cutoff := time.Now().AddDate(0, 0, -days).Format(dateLayout)
	if _, err := s.db.Exec(`DELETE FROM study_sessions WHERE date < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to sweep sessions: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM notifications WHERE date < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to sweep notifications: %w", err)
	}
	return nil
}
