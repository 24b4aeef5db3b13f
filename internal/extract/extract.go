package extract

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"synthtrack/internal/mailbox"
)

const (
	// maxActivities caps how many activities one session fact keeps.
	maxActivities = 5
	// previewLen is the newsletter preview cap in runes.
	previewLen = 1000

	// serviceSender is the known Synthesis sender address.
	serviceSender = "teams@synthesis.com"
)

// LoginCode is a verification code pulled from a login email.
type LoginCode struct {
	Code    string
	FoundAt time.Time
}

// SessionProgress is the study data pulled from one progress or session email.
type SessionProgress struct {
	StudentName  string // empty when the subject carries no possessive fragment
	Minutes      int
	Activities   []string // deduplicated, first-seen order, at most 5
	Achievements []string
	Subject      string
	Date         time.Time
}

// Payment is the billing data pulled from one payment confirmation email.
// Nil/empty fields were simply absent from the body.
type Payment struct {
	Amount     *float64
	PlanType   string
	InvoiceURL string
	Subject    string
	Date       time.Time
}

// Newsletter is an unparsed weekly newsletter kept for context.
type Newsletter struct {
	Subject  string
	Date     time.Time
	Preview  string
	FullBody string
}

// Extractor turns raw messages into typed facts using an ordered rule set.
// A message that fails to parse is logged and skipped; it never fails a batch.
type Extractor struct {
	rules  Rules
	logger *zap.Logger
}

// New creates an extractor with the given rule set
func New(rules Rules, logger *zap.Logger) *Extractor {
	return &Extractor{rules: rules, logger: logger.Named("extract")}
}

// isLoginMessage reports whether a message looks like a Synthesis login email.
func isLoginMessage(msg mailbox.Message) bool {
	subject := strings.ToLower(msg.Subject)
	from := strings.ToLower(msg.From)
	return strings.Contains(subject, "login for synthesis") ||
		(strings.Contains(subject, "synthesis") && strings.Contains(subject, "login")) ||
		strings.Contains(from, serviceSender)
}

func isSessionMessage(msg mailbox.Message) bool {
	subject := strings.ToLower(msg.Subject)
	return strings.Contains(subject, "progress with synthesis") ||
		strings.Contains(subject, "synthesis session")
}

func isPaymentMessage(msg mailbox.Message) bool {
	return strings.Contains(strings.ToLower(msg.Subject), "payment confirmation")
}

func isNewsletterMessage(msg mailbox.Message) bool {
	return strings.Contains(strings.ToLower(msg.Subject), "this week at synthesis")
}

// LatestLoginCode returns the code from the most recent login email whose body
// matches a pattern. Candidates are sorted newest first and the first one that
// yields a code wins, so an older email with a real code beats a newer one
// without.
func (e *Extractor) LatestLoginCode(msgs []mailbox.Message) (LoginCode, bool) {
	sorted := make([]mailbox.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.After(sorted[j].Date) })

	for _, msg := range sorted {
		if !isLoginMessage(msg) {
			continue
		}
		if code, ok := e.matchCode(msg.Body); ok {
			e.logger.Info("found login code", zap.Time("email_date", msg.Date))
			return LoginCode{Code: code, FoundAt: msg.Date}, true
		}
	}
	return LoginCode{}, false
}

// matchCode tries the 4-digit numeric profile first, then the 6-character
// alphanumeric profile from the revised template. First match wins.
func (e *Extractor) matchCode(body string) (string, bool) {
	for _, re := range e.rules.NumericCodes {
		if m := re.FindStringSubmatch(body); m != nil {
			if len(m[1]) == 4 && isDigits(m[1]) {
				return m[1], true
			}
		}
	}
	for _, re := range e.rules.AlnumCodes {
		if m := re.FindStringSubmatch(body); m != nil {
			if len(m[1]) == 6 {
				return m[1], true
			}
		}
	}
	return "", false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// Sessions parses study data out of progress and session emails. Messages
// that match no session rule are silently dropped.
func (e *Extractor) Sessions(msgs []mailbox.Message) []SessionProgress {
	var facts []SessionProgress
	for _, msg := range msgs {
		if !isSessionMessage(msg) {
			continue
		}
		facts = append(facts, e.parseSession(msg))
	}
	return facts
}

func (e *Extractor) parseSession(msg mailbox.Message) SessionProgress {
	fact := SessionProgress{Subject: msg.Subject, Date: msg.Date}

	if m := e.rules.StudentName.FindStringSubmatch(msg.Subject); m != nil {
		fact.StudentName = m[1]
	}

	for _, re := range e.rules.Minutes {
		if m := re.FindStringSubmatch(msg.Body); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				fact.Minutes = int(v)
			}
			break
		}
	}

	var activities []string
	for _, re := range e.rules.Activities {
		for _, m := range re.FindAllStringSubmatch(msg.Body, -1) {
			activities = append(activities, strings.TrimSpace(m[1]))
		}
	}
	for _, m := range e.rules.WeeklyActivity.FindAllStringSubmatch(msg.Body, -1) {
		activities = append(activities, strings.TrimSpace(m[1]))
	}
	fact.Activities = dedup(activities, maxActivities)

	for _, name := range e.rules.Achievements {
		if strings.Contains(msg.Body, name) {
			fact.Achievements = append(fact.Achievements, name)
		}
	}

	return fact
}

// dedup removes exact duplicates preserving first-seen order, keeping at most n.
func dedup(items []string, n int) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, item := range items {
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
		if len(out) == n {
			break
		}
	}
	return out
}

// Payments parses billing data out of payment confirmation emails.
func (e *Extractor) Payments(msgs []mailbox.Message) []Payment {
	var facts []Payment
	for _, msg := range msgs {
		if !isPaymentMessage(msg) {
			continue
		}
		facts = append(facts, e.parsePayment(msg))
	}
	return facts
}

func (e *Extractor) parsePayment(msg mailbox.Message) Payment {
	fact := Payment{Subject: msg.Subject, Date: msg.Date}

	for _, re := range e.rules.Amounts {
		if m := re.FindStringSubmatch(msg.Body); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				fact.Amount = &v
			}
			break
		}
	}
	for _, re := range e.rules.Plans {
		if m := re.FindStringSubmatch(msg.Body); m != nil {
			fact.PlanType = m[1]
			break
		}
	}
	if m := e.rules.InvoiceURL.FindString(msg.Body); m != "" {
		fact.InvoiceURL = m
	}

	return fact
}

// Newsletters wraps newsletter emails with a capped preview. No further
// parsing; the content is opaque context.
func (e *Extractor) Newsletters(msgs []mailbox.Message) []Newsletter {
	var facts []Newsletter
	for _, msg := range msgs {
		if !isNewsletterMessage(msg) {
			continue
		}
		facts = append(facts, Newsletter{
			Subject:  msg.Subject,
			Date:     msg.Date,
			Preview:  truncate(msg.Body, previewLen),
			FullBody: msg.Body,
		})
	}
	return facts
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
