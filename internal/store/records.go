package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Notification types recorded in the append-only log.
const (
	NotifyReminder     = "reminder"
	NotifyAchievement  = "achievement"
	NotifyNewsletter   = "newsletter"
	NotifyPayment      = "payment"
	NotifyDailySummary = "daily_summary"
)

// Notification is one entry in the append-only notification log.
type Notification struct {
	ID      int64
	Date    string
	Type    string
	Message string
	SentAt  time.Time
}

// SaveNotification appends a notification record. An empty date means today.
func (s *Store) SaveNotification(ntype, message, date string) error {
	if date == "" {
		date = today()
	}
	_, err := s.db.Exec(`
		INSERT INTO notifications (date, notification_type, message, sent_at)
		VALUES (?, ?, ?, ?)
	`, date, ntype, message, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

// TodaysNotifications returns notifications sent today, newest first.
func (s *Store) TodaysNotifications() ([]Notification, error) {
	rows, err := s.db.Query(`
		SELECT id, date, notification_type, message, sent_at
		FROM notifications
		WHERE date = ?
		ORDER BY sent_at DESC
	`, today())
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var sentAt string
		if err := rows.Scan(&n.ID, &n.Date, &n.Type, &n.Message, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		if n.SentAt, err = time.Parse(time.RFC3339Nano, sentAt); err != nil {
			return nil, fmt.Errorf("parse sent_at: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SetSetting writes a user setting, replacing any previous value.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO user_settings (key, value, updated_at)
		VALUES (?, ?, ?)
	`, key, value, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting returns the stored value for key, or def when unset.
func (s *Store) GetSetting(key, def string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM user_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return def, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// PaymentRecord is one billing event.
type PaymentRecord struct {
	ID         int64
	Date       string
	Amount     *float64
	PlanType   string
	InvoiceURL string
	Subject    string
	CreatedAt  time.Time
}

// SavePayment appends a payment record.
func (s *Store) SavePayment(p PaymentRecord) error {
	date := p.Date
	if date == "" {
		date = today()
	}
	var amount any
	if p.Amount != nil {
		amount = *p.Amount
	}
	_, err := s.db.Exec(`
		INSERT INTO payments (date, amount, plan_type, invoice_url, subject, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, date, amount, p.PlanType, p.InvoiceURL, p.Subject, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save payment: %w", err)
	}
	return nil
}

// ListPayments returns payment records newest first, up to limit (0 = all).
func (s *Store) ListPayments(limit int) ([]PaymentRecord, error) {
	query := `
		SELECT id, date, amount, plan_type, invoice_url, subject, created_at
		FROM payments
		ORDER BY date DESC, id DESC
	`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.Query(query+` LIMIT ?`, limit)
	} else {
		rows, err = s.db.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var out []PaymentRecord
	for rows.Next() {
		var p PaymentRecord
		var amount sql.NullFloat64
		var planType, invoiceURL, subject sql.NullString
		var createdAt string
		if err := rows.Scan(&p.ID, &p.Date, &amount, &planType, &invoiceURL, &subject, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		if amount.Valid {
			v := amount.Float64
			p.Amount = &v
		}
		p.PlanType = planType.String
		p.InvoiceURL = invoiceURL.String
		p.Subject = subject.String
		if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// NewsletterRecord is one stored weekly newsletter.
type NewsletterRecord struct {
	ID        int64
	Date      string
	Subject   string
	Preview   string
	FullBody  string
	CreatedAt time.Time
}

// SaveNewsletter stores a newsletter unless one with the same date and
// subject already exists.
func (s *Store) SaveNewsletter(n NewsletterRecord) error {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM newsletters WHERE date = ? AND subject = ?
	`, n.Date, n.Subject).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check newsletter: %w", err)
	}
	if count > 0 {
		return nil
	}
	_, err = s.db.Exec(`
		INSERT INTO newsletters (date, subject, preview, full_body, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, n.Date, n.Subject, n.Preview, n.FullBody, time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save newsletter: %w", err)
	}
	return nil
}

// LatestNewsletter returns the most recent stored newsletter, or nil.
func (s *Store) LatestNewsletter() (*NewsletterRecord, error) {
	var n NewsletterRecord
	var preview, fullBody sql.NullString
	var createdAt string
	err := s.db.QueryRow(`
		SELECT id, date, subject, preview, full_body, created_at
		FROM newsletters
		ORDER BY date DESC, id DESC
		LIMIT 1
	`).Scan(&n.ID, &n.Date, &n.Subject, &preview, &fullBody, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query newsletter: %w", err)
	}
	n.Preview = preview.String
	n.FullBody = fullBody.String
	if n.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &n, nil
}
