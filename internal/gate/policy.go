package gate

import (
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"gitlab.com/timkado/api/daisi-wa-bot-fleet/internal/model"
)

const (
	yellingMinLength = 10
	yellingRatio     = 0.7

	minReplyDelay     = time.Second
	maxReplyDelay     = 3 * time.Second
	replyDelayPerRune = 50 * time.Millisecond
	mediaReplyDelay   = time.Second
)

// parseHHMM returns minutes since midnight.
func parseHHMM(s string) (int, bool) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, false
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}

// WithinBusinessHours reports whether now falls inside the configured window,
// evaluated in the tenant timezone. A window whose end is before its start
// wraps past midnight. Unparseable bounds count as always open.
func WithinBusinessHours(now time.Time, cfg *model.BotConfig) bool {
	start, okStart := parseHHMM(cfg.BusinessHoursStart)
	end, okEnd := parseHHMM(cfg.BusinessHoursEnd)
	if !okStart || !okEnd {
		return true
	}

	local := now.In(cfg.Location())
	current := local.Hour()*60 + local.Minute()
	if start <= end {
		return current >= start && current <= end
	}
	return current >= start || current <= end
}

// IsYelling reports text longer than 10 characters that is more than 70% uppercase.
func IsYelling(text string) bool {
	n := utf8.RuneCountInString(text)
	if n <= yellingMinLength {
		return false
	}
	upper := 0
	for _, r := range text {
		if unicode.IsUpper(r) {
			upper++
		}
	}
	return float64(upper)/float64(n) > yellingRatio
}

// IsAngry reports whether text contains a blocked term or is yelling.
func IsAngry(text string, badWords []string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, w := range badWords {
		w = strings.ToLower(strings.TrimSpace(w))
		if w != "" && strings.Contains(lower, w) {
			return true
		}
	}
	return IsYelling(text)
}

// ReplyDelay is the typing pause before a reply: 50ms per character clamped to
// [1s, 3s], or a flat second for media.
func ReplyDelay(text string, media bool) time.Duration {
	if media {
		return mediaReplyDelay
	}
	d := time.Duration(utf8.RuneCountInString(text)) * replyDelayPerRune
	if d < minReplyDelay {
		return minReplyDelay
	}
	if d > maxReplyDelay {
		return maxReplyDelay
	}
	return d
}
