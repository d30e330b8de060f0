package notify

import (
	"fmt"
	"html"
	"time"
)

// Excerpts of results and errors embedded in a notification are bounded
// so a verbose run cannot flood the chat.
const maxExcerptLen = 500

// RenderSuccess formats the outcome message for a successful run.
func RenderSuccess(jobName, summary string, d *time.Duration) string {
	msg := fmt.Sprintf("✅ <b>Task Completed Successfully</b>\n\n<b>Task:</b> %s\n<b>Duration:</b> %s",
		html.EscapeString(jobName), durationStr(d))
	if summary != "" {
		msg += fmt.Sprintf("\n\n<b>Result:</b>\n%s", html.EscapeString(excerpt(summary)))
	}
	return msg
}

// RenderFailure formats the outcome message for a failed run.
func RenderFailure(jobName, errMsg string, d *time.Duration) string {
	msg := fmt.Sprintf("❌ <b>Task Failed</b>\n\n<b>Task:</b> %s\n<b>Duration:</b> %s",
		html.EscapeString(jobName), durationStr(d))
	if errMsg != "" {
		msg += fmt.Sprintf("\n\n<b>Error:</b>\n<code>%s</code>", html.EscapeString(excerpt(errMsg)))
	}
	return msg
}

// RenderTimeout formats the outcome message for a timed-out run.
func RenderTimeout(jobName string, timeout time.Duration) string {
	return fmt.Sprintf("⏱️ <b>Task Timed Out</b>\n\n<b>Task:</b> %s\n<b>Timeout:</b> %.0fs\n\nThe task was terminated because it exceeded the configured timeout.",
		html.EscapeString(jobName), timeout.Seconds())
}

func durationStr(d *time.Duration) string {
	if d == nil {
		return "N/A"
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func excerpt(s string) string {
	r := []rune(s)
	if len(r) <= maxExcerptLen {
		return s
	}
	return string(r[:maxExcerptLen])
}
