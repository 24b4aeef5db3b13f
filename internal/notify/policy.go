package notify

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"synthtrack/internal/store"
)

// maxDailyReminders caps how many reminders may be sent per day.
const maxDailyReminders = 3

// Decision is the outcome of a reminder request.
type Decision struct {
	Sent          bool
	Message       string
	Reason        string
	CurrentStreak int
	ReminderCount int // reminders sent today including this one
}

// Policy decides whether and what to send based on store state.
type Policy struct {
	store  *store.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewPolicy creates a reminder policy backed by the given store
func NewPolicy(st *store.Store, logger *zap.Logger) *Policy {
	return &Policy{store: st, logger: logger.Named("notify"), now: time.Now}
}

// MaybeSendReminder sends a study reminder unless the user already studied
// today or the daily cap is reached. customMessage, when non-empty, is used
// verbatim.
func (p *Policy) MaybeSendReminder(customMessage string) (Decision, error) {
	hasStudied, err := p.store.HasStudiedToday()
	if err != nil {
		return Decision{}, fmt.Errorf("check studied today: %w", err)
	}
	if hasStudied {
		return Decision{
			Sent:    false,
			Message: "User has already studied today - no reminder needed!",
			Reason:  "already studied",
		}, nil
	}

	notifications, err := p.store.TodaysNotifications()
	if err != nil {
		return Decision{}, fmt.Errorf("count reminders: %w", err)
	}
	reminderCount := 0
	for _, n := range notifications {
		if n.Type == store.NotifyReminder {
			reminderCount++
		}
	}
	if reminderCount >= maxDailyReminders {
		return Decision{
			Sent:          false,
			Message:       "Maximum daily reminders already sent",
			Reason:        "daily cap reached",
			ReminderCount: reminderCount,
		}, nil
	}

	streak, err := p.store.CurrentStreak()
	if err != nil {
		return Decision{}, fmt.Errorf("compute streak: %w", err)
	}

	message := customMessage
	if message == "" {
		message = p.composeReminder(streak)
	}

	if err := p.store.SaveNotification(store.NotifyReminder, message, ""); err != nil {
		return Decision{}, fmt.Errorf("record reminder: %w", err)
	}

	p.logger.Info("reminder sent", zap.Int("count", reminderCount+1))
	return Decision{
		Sent:          true,
		Message:       message,
		CurrentStreak: streak,
		ReminderCount: reminderCount + 1,
	}, nil
}

// composeReminder picks a template by time of day and mentions the streak
// when one is running.
func (p *Policy) composeReminder(streak int) string {
	hour := p.now().Hour()

	var message string
	switch {
	case hour < 12:
		message = "Good morning! Time for some Synthesis math practice! 🧮"
	case hour < 17:
		message = "Afternoon math time! Ready to boost your math skills today? 📚"
	default:
		message = "Evening study session? Your brain is ready for some number crunching! 🤓"
	}

	if streak > 0 {
		message += fmt.Sprintf(" Keep that %d-day streak going! 🔥", streak)
	} else {
		message += " Start a new study streak today! ⭐"
	}
	return message
}

// SendAchievements records one achievement notification per achievement.
// Achievements are always announced, no cap applies.
func (p *Policy) SendAchievements(studentName string, achievements []string) error {
	for _, achievement := range achievements {
		var message string
		if studentName != "" {
			message = fmt.Sprintf("🏆 %s earned: %s", studentName, achievement)
		} else {
			message = fmt.Sprintf("🏆 Achievement earned: %s", achievement)
		}
		if err := p.store.SaveNotification(store.NotifyAchievement, message, ""); err != nil {
			return fmt.Errorf("record achievement: %w", err)
		}
		p.logger.Info("achievement recorded", zap.String("achievement", achievement))
	}
	return nil
}

// RecordDailySummary composes and records the evening summary notification.
func (p *Policy) RecordDailySummary() error {
	stats, err := p.store.WeeklyStats()
	if err != nil {
		return fmt.Errorf("load weekly stats: %w", err)
	}
	streak, err := p.store.CurrentStreak()
	if err != nil {
		return fmt.Errorf("compute streak: %w", err)
	}

	message := fmt.Sprintf("Daily Summary: %d minutes studied this week.", stats.TotalMinutes)
	if streak > 0 {
		message += fmt.Sprintf(" Current streak: %d days! 🔥", streak)
	}
	return p.store.SaveNotification(store.NotifyDailySummary, message, "")
}
