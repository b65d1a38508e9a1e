package notify

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/tullo/streamly/internal/models"
)

const maxErrorLen = 100

// Format renders an event as a Telegram HTML message. Events that do not
// warrant an operator message report false.
func Format(ev models.Event) (string, bool) {
	channel := html.EscapeString(ev.ChannelName)
	title := html.EscapeString(ev.Title)

	var b strings.Builder
	switch ev.Type {
	case models.EventLiveStarted:
		b.WriteString("🔴 <b>Live started</b>\n\n")
		fmt.Fprintf(&b, "📺 <b>Channel:</b> %s\n", channel)
		fmt.Fprintf(&b, "📹 <b>Title:</b> %s\n", title)
		if ev.URL != "" {
			u := html.EscapeString(ev.URL)
			fmt.Fprintf(&b, "🔗 <a href=\"%s\">%s</a>", u, u)
		}

	case models.EventLiveEnded:
		b.WriteString("⏹️ <b>Live ended</b>\n\n")
		fmt.Fprintf(&b, "📺 <b>Channel:</b> %s\n", channel)
		fmt.Fprintf(&b, "📹 <b>Title:</b> %s", title)
		if ev.Duration > 0 {
			fmt.Fprintf(&b, "\n⏱️ <b>Duration:</b> %s", FormatDuration(ev.Duration))
		}

	case models.EventDownloadFailed:
		b.WriteString("❌ <b>Download failed</b>\n\n")
		fmt.Fprintf(&b, "📺 <b>Channel:</b> %s\n", channel)
		fmt.Fprintf(&b, "📹 <b>Title:</b> %s\n", title)
		fmt.Fprintf(&b, "🎬 <b>Quality:</b> %s\n", ev.Quality)
		fmt.Fprintf(&b, "⚠️ <b>Error:</b> %s", html.EscapeString(truncate(ev.Error, maxErrorLen)))

	case models.EventCaptureFinished:
		b.WriteString("✅ <b>Capture finished</b>\n\n")
		fmt.Fprintf(&b, "📺 <b>Channel:</b> %s\n", channel)
		fmt.Fprintf(&b, "📹 <b>Title:</b> %s", title)
		for _, d := range ev.Downloads {
			if d.Status == models.DownloadSucceeded {
				fmt.Fprintf(&b, "\n🎬 %s: %s", d.Quality, FormatSize(d.ByteSize))
			} else {
				fmt.Fprintf(&b, "\n🎬 %s: failed", d.Quality)
			}
		}

	case models.EventChannelWarning:
		b.WriteString("⚠️ <b>Channel check failing</b>\n\n")
		fmt.Fprintf(&b, "📺 <b>Channel:</b> %s\n", channel)
		fmt.Fprintf(&b, "🔁 <b>Consecutive failures:</b> %d\n", ev.Failures)
		fmt.Fprintf(&b, "📝 %s", html.EscapeString(truncate(ev.Error, maxErrorLen)))

	case models.EventChannelDeactivated:
		b.WriteString("🚨 <b>Channel deactivated</b>\n\n")
		fmt.Fprintf(&b, "📺 <b>Channel:</b> %s\n", channel)
		fmt.Fprintf(&b, "📝 %s", html.EscapeString(truncate(ev.Error, maxErrorLen)))

	case models.EventRetentionSwept:
		b.WriteString("🧹 <b>Storage cleanup</b>\n\n")
		fmt.Fprintf(&b, "🗑️ <b>Deleted:</b> %d\n", ev.Count)
		fmt.Fprintf(&b, "💾 <b>Freed:</b> %s", FormatSize(ev.ByteSize))

	default:
		return "", false
	}
	return b.String(), true
}

// Handler turns bus events into queued notifications.
func Handler(q *Queue) func(ctx context.Context, ev models.Event) {
	return func(_ context.Context, ev models.Event) {
		if msg, ok := Format(ev); ok {
			q.Enqueue(msg)
		}
	}
}

// FormatSize renders a byte count with binary units.
func FormatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

// FormatDuration renders d as h:mm:ss.
func FormatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	return fmt.Sprintf("%d:%02d:%02d", h, m, d/time.Second)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
