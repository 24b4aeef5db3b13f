package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"synthtrack/internal/collector"
	"synthtrack/internal/conf"
	"synthtrack/internal/notify"
	"synthtrack/internal/store"
)

// SynthesisMCPServer exposes the study tracker as MCP tools over stdio.
// Domain failures come back in the tool payload's error field so the caller
// always gets a parseable result.
type SynthesisMCPServer struct {
	server *mcp.Server
	cfg    *conf.Config
	st     *store.Store
	policy *notify.Policy
	coll   *collector.Collector
	logger *zap.Logger
}

// NewServer creates the MCP server and registers all tools
func NewServer(cfg *conf.Config, st *store.Store, policy *notify.Policy,
	coll *collector.Collector, logger *zap.Logger) *SynthesisMCPServer {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "synthesis-tracker",
		Version: "v1.0.0",
	}, nil)

	s := &SynthesisMCPServer{
		server: server,
		cfg:    cfg,
		st:     st,
		policy: policy,
		coll:   coll,
		logger: logger.Named("mcpserver"),
	}
	s.registerTools()
	return s
}

func (s *SynthesisMCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "check_synthesis_login",
		Description: "Check if the student logged into Synthesis today and how long they studied.",
	}, s.handleCheckLogin)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_study_progress",
		Description: "Get the study progress record for a given date (default today): login, minutes, lessons, streak.",
	}, s.handleStudyProgress)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_weekly_summary",
		Description: "Get a summary of the past week of study: totals, goal progress and recommendations.",
	}, s.handleWeeklySummary)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "send_study_reminder",
		Description: "Send a study reminder unless the student already studied today or the daily reminder cap is reached.",
	}, s.handleSendReminder)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_current_streak",
		Description: "Get the current consecutive-day study streak and the last 7 days of activity.",
	}, s.handleCurrentStreak)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "force_update_progress",
		Description: "Run a full collection cycle now: check emails and, if data is stale, scrape the Synthesis dashboard.",
	}, s.handleForceUpdate)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_synthesis_newsletter",
		Description: "Get the most recent 'This Week at Synthesis' newsletter.",
	}, s.handleNewsletter)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_subscription_status",
		Description: "Derive the Synthesis subscription status from payment confirmation history.",
	}, s.handleSubscriptionStatus)
}

// Run starts the MCP server with stdio transport
func (s *SynthesisMCPServer) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// CheckLoginInput is empty - no input needed
type CheckLoginInput struct{}

// CheckLoginOutput reports today's login state
type CheckLoginOutput struct {
	LoggedInToday bool   `json:"logged_in_today"`
	StudyMinutes  int    `json:"study_minutes"`
	HasStudied    bool   `json:"has_studied"`
	LastCheck     string `json:"last_check"`
	Streak        int    `json:"streak"`
	Error         string `json:"error,omitempty"`
}

func (s *SynthesisMCPServer) handleCheckLogin(ctx context.Context, req *mcp.CallToolRequest, input CheckLoginInput) (*mcp.CallToolResult, CheckLoginOutput, error) {
	day, err := s.st.GetDay("")
	if err != nil {
		return nil, CheckLoginOutput{Error: err.Error()}, nil
	}
	streak, err := s.st.CurrentStreak()
	if err != nil {
		return nil, CheckLoginOutput{Error: err.Error()}, nil
	}

	out := CheckLoginOutput{
		LastCheck: time.Now().Format(time.RFC3339),
		Streak:    streak,
	}
	if day != nil {
		out.LoggedInToday = day.LoggedIn
		out.StudyMinutes = day.StudyMinutes
		out.HasStudied = day.LoggedIn && day.StudyMinutes > 0
		// When a row exists the honest answer is when it was last written,
		// not when the tool was called.
		out.LastCheck = day.UpdatedAt.Format(time.RFC3339)
	}
	return nil, out, nil
}

// StudyProgressInput selects which date to report on
type StudyProgressInput struct {
	Date string `json:"date,omitempty" jsonschema:"Date in YYYY-MM-DD format. Defaults to today."`
}

// StudyProgressOutput is the full daily row view
type StudyProgressOutput struct {
	Date             string   `json:"date"`
	LoggedIn         bool     `json:"logged_in"`
	LoginTime        string   `json:"login_time,omitempty"`
	StudyMinutes     int      `json:"study_minutes"`
	LessonsCompleted []string `json:"lessons_completed"`
	LastActivity     string   `json:"last_activity,omitempty"`
	StreakDays       int      `json:"streak_days"`
	TotalPoints      int      `json:"total_points"`
	Message          string   `json:"message,omitempty"`
	Error            string   `json:"error,omitempty"`
}

func (s *SynthesisMCPServer) handleStudyProgress(ctx context.Context, req *mcp.CallToolRequest, input StudyProgressInput) (*mcp.CallToolResult, StudyProgressOutput, error) {
	date := input.Date
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return nil, StudyProgressOutput{Date: input.Date, Error: "invalid date, want YYYY-MM-DD"}, nil
	}

	day, err := s.st.GetDay(date)
	if err != nil {
		return nil, StudyProgressOutput{Date: date, Error: err.Error()}, nil
	}
	if day == nil {
		return nil, StudyProgressOutput{
			Date:             date,
			LessonsCompleted: []string{},
			Message:          "No study session recorded for this date",
		}, nil
	}

	lessons := day.LessonsCompleted
	if lessons == nil {
		lessons = []string{}
	}
	return nil, StudyProgressOutput{
		Date:             day.Date,
		LoggedIn:         day.LoggedIn,
		LoginTime:        day.LoginTime,
		StudyMinutes:     day.StudyMinutes,
		LessonsCompleted: lessons,
		LastActivity:     day.LastActivity,
		StreakDays:       day.StreakDays,
		TotalPoints:      day.TotalPoints,
	}, nil
}

// WeeklySummaryInput is empty - no input needed
type WeeklySummaryInput struct{}

// WeeklySummaryOutput aggregates the past week
type WeeklySummaryOutput struct {
	WeekSummary         *store.WeeklyStats `json:"week_summary,omitempty"`
	CurrentStreak       int                `json:"current_streak"`
	WeeklyGoalMinutes   int                `json:"weekly_goal_minutes"`
	GoalProgressPercent float64            `json:"goal_progress_percent"`
	DaysThisWeek        int                `json:"days_this_week"`
	AverageSession      float64            `json:"average_session"`
	Recommendations     []string           `json:"recommendations"`
	Error               string             `json:"error,omitempty"`
}

func (s *SynthesisMCPServer) handleWeeklySummary(ctx context.Context, req *mcp.CallToolRequest, input WeeklySummaryInput) (*mcp.CallToolResult, WeeklySummaryOutput, error) {
	stats, err := s.st.WeeklyStats()
	if err != nil {
		return nil, WeeklySummaryOutput{Error: err.Error()}, nil
	}
	streak, err := s.st.CurrentStreak()
	if err != nil {
		return nil, WeeklySummaryOutput{Error: err.Error()}, nil
	}

	weeklyGoal := s.cfg.Study.GoalMinutes * 7
	progress := 0.0
	if weeklyGoal > 0 {
		progress = float64(stats.TotalMinutes) / float64(weeklyGoal) * 100
	}
	if progress > 100 {
		progress = 100
	}

	return nil, WeeklySummaryOutput{
		WeekSummary:         stats,
		CurrentStreak:       streak,
		WeeklyGoalMinutes:   weeklyGoal,
		GoalProgressPercent: progress,
		DaysThisWeek:        stats.DaysLoggedIn,
		AverageSession:      stats.AvgMinutes,
		Recommendations:     s.recommendations(stats, streak),
	}, nil
}

// recommendations applies the weekly threshold rules.
func (s *SynthesisMCPServer) recommendations(stats *store.WeeklyStats, streak int) []string {
	var recs []string
	if stats.DaysLoggedIn < 5 {
		recs = append(recs, "Try to study more consistently - aim for at least 5 days a week")
	}
	if stats.AvgMinutes < float64(s.cfg.Study.MinimumMinutes) {
		recs = append(recs, fmt.Sprintf("Sessions are a bit short - aim for at least %d minutes each", s.cfg.Study.MinimumMinutes))
	}
	switch {
	case streak >= 7:
		recs = append(recs, fmt.Sprintf("Amazing! A %d-day streak - keep the momentum going! 🔥", streak))
	case streak >= 3:
		recs = append(recs, fmt.Sprintf("Nice %d-day streak building up - don't break the chain!", streak))
	}
	if len(recs) == 0 {
		recs = append(recs, "Great study habits this week - keep it up!")
	}
	return recs
}

// SendReminderInput optionally overrides the reminder text
type SendReminderInput struct {
	CustomMessage string `json:"custom_message,omitempty" jsonschema:"Custom reminder text. When empty a time-of-day message is composed."`
}

// SendReminderOutput is the reminder policy decision
type SendReminderOutput struct {
	ReminderSent        bool   `json:"reminder_sent"`
	Message             string `json:"message"`
	CurrentStreak       int    `json:"current_streak,omitempty"`
	TodaysReminderCount int    `json:"todays_reminder_count,omitempty"`
	Error               string `json:"error,omitempty"`
}

func (s *SynthesisMCPServer) handleSendReminder(ctx context.Context, req *mcp.CallToolRequest, input SendReminderInput) (*mcp.CallToolResult, SendReminderOutput, error) {
	decision, err := s.policy.MaybeSendReminder(input.CustomMessage)
	if err != nil {
		return nil, SendReminderOutput{Error: err.Error()}, nil
	}
	out := SendReminderOutput{
		ReminderSent:        decision.Sent,
		CurrentStreak:       decision.CurrentStreak,
		TodaysReminderCount: decision.ReminderCount,
	}
	if decision.Sent {
		out.Message = decision.Message
	} else {
		out.Message = decision.Reason
	}
	return nil, out, nil
}

// CurrentStreakInput is empty - no input needed
type CurrentStreakInput struct{}

// DayActivity is one day in the recent activity list
type DayActivity struct {
	Date    string `json:"date"`
	Studied bool   `json:"studied"`
	Minutes int    `json:"minutes"`
}

// CurrentStreakOutput reports the streak and recent activity
type CurrentStreakOutput struct {
	CurrentStreak  int           `json:"current_streak"`
	RecentActivity []DayActivity `json:"recent_activity"`
	Error          string        `json:"error,omitempty"`
}

func (s *SynthesisMCPServer) handleCurrentStreak(ctx context.Context, req *mcp.CallToolRequest, input CurrentStreakInput) (*mcp.CallToolResult, CurrentStreakOutput, error) {
	streak, err := s.st.CurrentStreak()
	if err != nil {
		return nil, CurrentStreakOutput{Error: err.Error()}, nil
	}
	days, err := s.st.RecentDays(7)
	if err != nil {
		return nil, CurrentStreakOutput{Error: err.Error()}, nil
	}

	activity := make([]DayActivity, 0, len(days))
	for _, d := range days {
		activity = append(activity, DayActivity{
			Date:    d.Date,
			Studied: d.LoggedIn && d.StudyMinutes > 0,
			Minutes: d.StudyMinutes,
		})
	}
	return nil, CurrentStreakOutput{CurrentStreak: streak, RecentActivity: activity}, nil
}

// ForceUpdateInput is empty - no input needed
type ForceUpdateInput struct{}

// ForceUpdateData is the refreshed day after a forced cycle
type ForceUpdateData struct {
	StudyMinutes     int      `json:"study_minutes"`
	LessonsCompleted []string `json:"lessons_completed"`
	LastActivity     string   `json:"last_activity,omitempty"`
	StreakDays       int      `json:"streak_days"`
	EmailProcessed   bool     `json:"email_processed"`
	WebScraped       bool     `json:"web_scraped"`
}

// ForceUpdateOutput is the forced cycle result
type ForceUpdateOutput struct {
	Success bool             `json:"success"`
	Message string           `json:"message"`
	Data    *ForceUpdateData `json:"data,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func (s *SynthesisMCPServer) handleForceUpdate(ctx context.Context, req *mcp.CallToolRequest, input ForceUpdateInput) (*mcp.CallToolResult, ForceUpdateOutput, error) {
	res, err := s.coll.RunCycle(ctx)
	if errors.Is(err, collector.ErrBusy) {
		return nil, ForceUpdateOutput{Message: "a collection cycle is already running", Error: err.Error()}, nil
	}
	if err != nil {
		return nil, ForceUpdateOutput{Error: err.Error()}, nil
	}

	data := &ForceUpdateData{
		EmailProcessed: res.EmailProcessed,
		WebScraped:     res.WebScraped,
	}
	if res.Day != nil {
		data.StudyMinutes = res.Day.StudyMinutes
		data.LessonsCompleted = res.Day.LessonsCompleted
		data.LastActivity = res.Day.LastActivity
		data.StreakDays = res.Day.StreakDays
	}
	if data.LessonsCompleted == nil {
		data.LessonsCompleted = []string{}
	}

	out := ForceUpdateOutput{Success: true, Message: "Progress data refreshed", Data: data}
	if len(res.Errors) > 0 {
		out.Message = fmt.Sprintf("Progress data refreshed with %d issue(s)", len(res.Errors))
		out.Error = res.Errors[0]
	}
	return nil, out, nil
}

// NewsletterInput is empty - no input needed
type NewsletterInput struct{}

// NewsletterOutput is the most recent stored newsletter
type NewsletterOutput struct {
	Available bool   `json:"available"`
	Subject   string `json:"subject,omitempty"`
	Date      string `json:"date,omitempty"`
	Preview   string `json:"preview,omitempty"`
	Content   string `json:"content,omitempty"`
	Error     string `json:"error,omitempty"`
}

const newsletterContentCap = 5000

func (s *SynthesisMCPServer) handleNewsletter(ctx context.Context, req *mcp.CallToolRequest, input NewsletterInput) (*mcp.CallToolResult, NewsletterOutput, error) {
	n, err := s.st.LatestNewsletter()
	if err != nil {
		return nil, NewsletterOutput{Error: err.Error()}, nil
	}
	if n == nil {
		return nil, NewsletterOutput{Available: false}, nil
	}

	content := n.FullBody
	if len([]rune(content)) > newsletterContentCap {
		content = string([]rune(content)[:newsletterContentCap]) + "..."
	}
	return nil, NewsletterOutput{
		Available: true,
		Subject:   n.Subject,
		Date:      n.Date,
		Preview:   n.Preview,
		Content:   content,
	}, nil
}

// SubscriptionInput is empty - no input needed
type SubscriptionInput struct{}

// PaymentSummary is one payment in the recent list
type PaymentSummary struct {
	Date     string   `json:"date"`
	Amount   *float64 `json:"amount,omitempty"`
	PlanType string   `json:"plan_type,omitempty"`
}

// SubscriptionOutput is the derived subscription state
type SubscriptionOutput struct {
	Status         string           `json:"status"`
	PaymentCount   int              `json:"payment_count"`
	TotalPaid      float64          `json:"total_paid"`
	AveragePayment float64          `json:"average_payment"`
	RecentPayments []PaymentSummary `json:"recent_payments"`
	Error          string           `json:"error,omitempty"`
}

func (s *SynthesisMCPServer) handleSubscriptionStatus(ctx context.Context, req *mcp.CallToolRequest, input SubscriptionInput) (*mcp.CallToolResult, SubscriptionOutput, error) {
	payments, err := s.st.ListPayments(100)
	if err != nil {
		return nil, SubscriptionOutput{Error: err.Error()}, nil
	}
	if len(payments) == 0 {
		return nil, SubscriptionOutput{Status: "unknown", RecentPayments: []PaymentSummary{}}, nil
	}

	out := SubscriptionOutput{
		Status:         subscriptionState(payments[0].Date, time.Now()),
		PaymentCount:   len(payments),
		RecentPayments: []PaymentSummary{},
	}

	priced := 0
	for _, p := range payments {
		if p.Amount != nil {
			out.TotalPaid += *p.Amount
			priced++
		}
	}
	if priced > 0 {
		out.AveragePayment = out.TotalPaid / float64(priced)
	}

	recent := payments
	if len(recent) > 3 {
		recent = recent[:3]
	}
	for _, p := range recent {
		out.RecentPayments = append(out.RecentPayments, PaymentSummary{
			Date:     p.Date,
			Amount:   p.Amount,
			PlanType: p.PlanType,
		})
	}
	return nil, out, nil
}

// subscriptionState maps the latest payment age onto a coarse state.
func subscriptionState(latestDate string, now time.Time) string {
	paid, err := time.Parse("2006-01-02", latestDate)
	if err != nil {
		return "unknown"
	}
	age := now.Sub(paid)
	switch {
	case age <= 35*24*time.Hour:
		return "active"
	case age <= 60*24*time.Hour:
		return "possibly_expired"
	default:
		return "likely_expired"
	}
}
