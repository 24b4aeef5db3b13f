package extract

import "regexp"

// Rules is the ordered pattern set for one deployment. Each list is tried
// top to bottom, most specific first, and the first match wins. Keeping the
// tiers explicit makes individual patterns testable and lets the whole set
// be swapped when Synthesis changes their templates.
type Rules struct {
	// NumericCodes match the original 4-digit login codes.
	NumericCodes []*regexp.Regexp
	// AlnumCodes match the revised 6-character alphanumeric codes.
	AlnumCodes []*regexp.Regexp

	Minutes    []*regexp.Regexp
	Activities []*regexp.Regexp
	// WeeklyActivity matches the tabular weekly digest format that pairs a
	// title line with a later "N minutes" line.
	WeeklyActivity *regexp.Regexp

	StudentName *regexp.Regexp

	Amounts    []*regexp.Regexp
	Plans      []*regexp.Regexp
	InvoiceURL *regexp.Regexp

	// Achievements are matched by exact substring containment, not regex.
	Achievements []string
}

// DefaultRules returns the rule set matching the Synthesis email templates
// observed in production samples.
func DefaultRules() Rules {
	return Rules{
		NumericCodes: []*regexp.Regexp{
			// The trailing \b keeps these from partially matching a longer
			// code from the revised 6-character profile.
			regexp.MustCompile(`(?im)Here's your log in verification code:\s*(\d{4})\b`),
			regexp.MustCompile(`(?im)verification code:\s*(\d{4})\b`),
			regexp.MustCompile(`(?im)login code:\s*(\d{4})\b`),
			regexp.MustCompile(`(?im)code:\s*(\d{4})\b`),
			// Fallback: any bare 4-digit number
			regexp.MustCompile(`\b(\d{4})\b`),
		},
		AlnumCodes: []*regexp.Regexp{
			regexp.MustCompile(`(?im)Here's your log in verification code:\s*([A-Za-z0-9]{6})`),
			regexp.MustCompile(`(?im)verification code:\s*([A-Za-z0-9]{6})`),
			regexp.MustCompile(`(?im)login code:\s*([A-Za-z0-9]{6})`),
			regexp.MustCompile(`(?im)code:\s*([A-Za-z0-9]{6})`),
		},
		Minutes: []*regexp.Regexp{
			// Weekly digests carry a total; it takes priority over the
			// generic per-session pattern.
			regexp.MustCompile(`Daily Active Minutes\s*(\d+)`),
			regexp.MustCompile(`(?i)(\d+\.?\d*)\s*minutes`),
		},
		Activities: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(?:worked on|completed|explored)\s+["']([^"']+)["']`),
			regexp.MustCompile(`(?i)session:\s*([^\n]+)`),
			regexp.MustCompile(`(?i)Activities?\s*\n+([^\n]+)`),
		},
		WeeklyActivity: regexp.MustCompile(`([A-Z][^\n]+)\n\n[^\n]+\n\n\d+\.?\d*\s*minutes`),
		StudentName:    regexp.MustCompile(`(\w+)'s (?:progress|Synthesis Session)`),
		Amounts: []*regexp.Regexp{
			regexp.MustCompile(`(?i)payment of \$(\d+(?:\.\d{2})?)`),
			regexp.MustCompile(`(?i)\$(\d+(?:\.\d{2})?) has been processed`),
			regexp.MustCompile(`(?i)amount.*?\$(\d+(?:\.\d{2})?)`),
		},
		Plans: []*regexp.Regexp{
			regexp.MustCompile(`(?i)(Tutor Monthly|Tutor Annual|Premium|Basic)`),
			regexp.MustCompile(`(?i)Your\s+(\S+)\s+payment`),
		},
		InvoiceURL: regexp.MustCompile(`https://invoice\.stripe\.com/[^\s"'<>]+`),
		Achievements: []string{
			"Treasure Seeker",
			"Rising Star",
			"Gold Digger",
			"Speed Demon",
			"Perfect Score",
			"Math Master",
		},
	}
}
