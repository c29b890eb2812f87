package notify

import (
	"fmt"
	"html"
	"strings"

	"aniwatch/internal/catalog"
)

// FormatEvent renders the notification text for one change event (Telegram
// HTML parse mode).
func FormatEvent(ev catalog.ChangeEvent) string {
	switch ev.Kind {
	case catalog.EventEpisodesAdvanced:
		return formatEpisodes(ev)
	case catalog.EventStatusChanged:
		return formatFinished(ev)
	default:
		return fmt.Sprintf("🔔 %s", htmlTitle(ev.Item))
	}
}

func formatEpisodes(ev catalog.ChangeEvent) string {
	var b strings.Builder
	b.WriteString("🔔 <b>New episodes!</b>\n\n")
	fmt.Fprintf(&b, "🎬 %s\n", htmlTitle(ev.Item))
	fmt.Fprintf(&b, "📺 Episodes aired: %d → %d", ev.OldEpisodes, ev.NewEpisodes)
	if ev.Item.Episodes != nil && *ev.Item.Episodes > 0 {
		fmt.Fprintf(&b, " of %d", *ev.Item.Episodes)
	}
	b.WriteString("\n\nGo check, it may already be up! 🍿")
	return b.String()
}

func formatFinished(ev catalog.ChangeEvent) string {
	var b strings.Builder
	b.WriteString("✅ <b>Release finished!</b>\n\n")
	fmt.Fprintf(&b, "🎬 %s\n", htmlTitle(ev.Item))
	fmt.Fprintf(&b, "📀 Status: %s → %s\n", ev.OldStatus, ev.NewStatus)
	b.WriteString("\nThe whole thing is ready to binge. 🎉")
	return b.String()
}

func htmlTitle(it catalog.Item) string {
	title := html.EscapeString(it.Title)
	if url := it.BestURL(); url != "" {
		return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), title)
	}
	return "<b>" + title + "</b>"
}
