package alert

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/couchcryptid/crowdwatch-pipeline/internal/domain"
)

// Email is an outbound alert email.
type Email struct {
	To      []string
	Subject string
	Body    string
}

// BuildEmail renders the critical-density email for ev. Times are shown in loc.
func BuildEmail(ev domain.AlertEvent, recipients []string, loc *time.Location) Email {
	if loc == nil {
		loc = time.Local
	}
	body := fmt.Sprintf(
		"Alert: High crowd density detected at %s.\n\nCurrent Count: %d\nThreshold: %s\nTime: %s\n\nPlease deploy staff immediately.",
		DisplayName(ev.Location),
		ev.Count,
		formatThreshold(ev.Threshold),
		ev.FiredAt.In(loc).Format("2006-01-02 15:04:05 MST"),
	)
	return Email{
		To:      recipients,
		Subject: fmt.Sprintf("[CRITICAL] High Crowd Density Detected: %d People", ev.Count),
		Body:    body,
	}
}

// BuildWebhookMessage renders the chat-webhook text for ev.
func BuildWebhookMessage(ev domain.AlertEvent) string {
	return fmt.Sprintf(
		"🚨 **CRITICAL ALERT** 🚨\nHigh crowd density detected at **%s**.\nCount: **%d** (Threshold: %s)",
		DisplayName(ev.Location),
		ev.Count,
		formatThreshold(ev.Threshold),
	)
}

// DisplayName turns a location key like "main_entrance" into "Main Entrance".
func DisplayName(location string) string {
	parts := strings.FieldsFunc(location, func(r rune) bool { return r == '_' || r == '-' })
	for i, p := range parts {
		r, size := utf8.DecodeRuneInString(p)
		parts[i] = string(unicode.ToUpper(r)) + p[size:]
	}
	return strings.Join(parts, " ")
}

func formatThreshold(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
