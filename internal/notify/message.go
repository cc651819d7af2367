package notify

import (
	"fmt"
	"strings"
	"time"
)

// Event describes a relay lifecycle event worth telling an operator about.
type Event struct {
	TopicID  string
	Network  string
	Stage    string // "bootstrap" or "subscription"
	Attempts int
	Uptime   time.Duration
}

// FormatStartedMessage creates a startup notification body.
func FormatStartedMessage(ev Event) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("Topic: %s\n", ev.TopicID))
	sb.WriteString(fmt.Sprintf("Network: %s", ev.Network))

	return sb.String()
}

// FormatFatalMessage creates a fatal-condition notification body.
func FormatFatalMessage(ev Event, err error) string {
	var sb strings.Builder

	if ev.TopicID != "" {
		sb.WriteString(fmt.Sprintf("Topic: %s\n", ev.TopicID))
	}
	sb.WriteString(fmt.Sprintf("Network: %s\n", ev.Network))
	sb.WriteString(fmt.Sprintf("Stage: %s", ev.Stage))
	if ev.Attempts > 0 {
		sb.WriteString(fmt.Sprintf("\nAttempts: %d", ev.Attempts))
	}
	if ev.Uptime > 0 {
		sb.WriteString(fmt.Sprintf("\nUptime: %s", ev.Uptime.Round(time.Second)))
	}

	if err != nil {
		sb.WriteString(fmt.Sprintf("\n\nError: %v", err))
	}

	return sb.String()
}
