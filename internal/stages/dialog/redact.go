package dialog

import (
	"regexp"
	"strings"
)

// Redaction rules for outbound text. Secrets and card numbers block the turn;
// emails and phone numbers are masked but do not block.
var (
	reEmail    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	reURLToken = regexp.MustCompile(`([?&](?:token|key|api[_\-]?key|access[_\-]?token)=)[^\s&#]+`)
	reSecrets  = []*regexp.Regexp{
		regexp.MustCompile(`sk-[A-Za-z0-9]{16,}`),
		regexp.MustCompile(`ghp_[A-Za-z0-9]{36}`),
		regexp.MustCompile(`AIza[A-Za-z0-9_\-]{35}`),
		regexp.MustCompile(`xox[abpr]-[A-Za-z0-9\-]{10,}`),
	}
	reCard  = regexp.MustCompile(`\b\d(?:[ \-]?\d){12,18}\b`)
	rePhone = regexp.MustCompile(`(?:\+|00)\d{9,14}\b|\b0\d{2,3}[ \-]?\d{3}[ \-]?\d{4}\b`)
)

// Redact masks sensitive content in text. The second return reports whether a
// blocking category (secret or card number) was found.
func Redact(text string) (string, bool) {
	blocked := false

	text = reEmail.ReplaceAllString(text, "[REDACTED_EMAIL]")
	text = reURLToken.ReplaceAllString(text, "${1}[REDACTED]")

	for _, re := range reSecrets {
		if re.MatchString(text) {
			blocked = true
			text = re.ReplaceAllString(text, "[REDACTED_SECRET]")
		}
	}

	text = reCard.ReplaceAllStringFunc(text, func(m string) string {
		digits := strings.Map(func(r rune) rune {
			if r >= '0' && r <= '9' {
				return r
			}
			return -1
		}, m)
		if len(digits) < 13 || len(digits) > 19 || !luhnValid(digits) {
			return m
		}
		blocked = true
		return "[REDACTED_CARD]"
	})

	text = rePhone.ReplaceAllString(text, "[REDACTED_PHONE]")

	return text, blocked
}

// luhnValid reports whether digits passes the Luhn checksum.
func luhnValid(digits string) bool {
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
