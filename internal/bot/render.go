package bot

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"

	"aniwatch/internal/catalog"
	"aniwatch/pkg/logx"
)

func (h *Handler) renderOngoing(c tele.Context, src catalog.Source, page int, edit bool) error {
	ctx, cancel := h.opCtx()
	defer cancel()

	count, err := h.store.CountBySourceStatus(ctx, src, catalog.StatusOngoing)
	if err != nil {
		h.log.Error("count failed", logx.Err(err))
		return c.Send(msgInternalError)
	}
	pages := (count + h.cfg.PageSize - 1) / h.cfg.PageSize
	if pages < 1 {
		pages = 1
	}
	if page > pages {
		page = pages
	}
	items, err := h.store.ListBySourceStatus(ctx, src, catalog.StatusOngoing, h.cfg.PageSize, (page-1)*h.cfg.PageSize)
	if err != nil {
		h.log.Error("list failed", logx.Err(err))
		return c.Send(msgInternalError)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📺 <b>Ongoing on %s</b> — page %d/%d (%d titles)\n\n", src, page, pages, count)
	if len(items) == 0 {
		b.WriteString("Nothing here yet. Try /refresh.")
	}
	for i, it := range items {
		fmt.Fprintf(&b, "%d. %s", (page-1)*h.cfg.PageSize+i+1, html.EscapeString(it.Title))
		if it.EpisodesAired != nil {
			fmt.Fprintf(&b, " — %d", *it.EpisodesAired)
			if it.Episodes != nil && *it.Episodes > 0 {
				fmt.Fprintf(&b, "/%d", *it.Episodes)
			}
			b.WriteString(" ep.")
		}
		b.WriteString("\n")
	}

	markup := &tele.ReplyMarkup{}
	var rows []tele.Row

	// Numbered detail keys, five per row to keep the keyboard compact.
	var row tele.Row
	for i, it := range items {
		label := strconv.Itoa((page-1)*h.cfg.PageSize + i + 1)
		row = append(row, markup.Data(label, btnDetail.Unique, strconv.FormatInt(it.ID, 10)))
		if len(row) == 5 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}

	var nav tele.Row
	if page > 1 {
		nav = append(nav, markup.Data("⬅️", btnPage.Unique, string(src), strconv.Itoa(page-1)))
	}
	if page < pages {
		nav = append(nav, markup.Data("➡️", btnPage.Unique, string(src), strconv.Itoa(page+1)))
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	markup.Inline(rows...)

	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true}
	if edit {
		return c.Edit(b.String(), markup, opts)
	}
	return c.Send(b.String(), markup, opts)
}

func (h *Handler) renderDetail(c tele.Context, id int64) error {
	ctx, cancel := h.opCtx()
	defer cancel()

	it, err := h.store.ItemByID(ctx, id)
	if err != nil {
		return c.Edit("This title is gone from the catalog.")
	}
	subscribed, err := h.store.IsSubscribed(ctx, c.Sender().ID, id)
	if err != nil {
		h.log.Error("subscription check failed", logx.Err(err))
		subscribed = false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🎬 <b>%s</b>\n", html.EscapeString(it.Title))
	if it.EnglishTitle != nil && *it.EnglishTitle != "" && *it.EnglishTitle != it.Title {
		fmt.Fprintf(&b, "<i>%s</i>\n", html.EscapeString(*it.EnglishTitle))
	}
	b.WriteString("\n")
	if it.Kind != nil {
		fmt.Fprintf(&b, "Type: %s\n", *it.Kind)
	}
	fmt.Fprintf(&b, "Status: %s\n", it.Status)
	if it.EpisodesAired != nil {
		fmt.Fprintf(&b, "Episodes aired: %d", *it.EpisodesAired)
		if it.Episodes != nil && *it.Episodes > 0 {
			fmt.Fprintf(&b, " of %d", *it.Episodes)
		}
		b.WriteString("\n")
	}
	if it.Score != nil {
		fmt.Fprintf(&b, "Score: %.2f\n", *it.Score)
	}
	if it.Genres != nil && *it.Genres != "" {
		fmt.Fprintf(&b, "Genres: %s\n", html.EscapeString(*it.Genres))
	}
	if it.Description != nil && *it.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", html.EscapeString(excerpt(*it.Description, 400)))
	}
	if url := it.BestURL(); url != "" {
		fmt.Fprintf(&b, "\n🔗 %s\n", html.EscapeString(url))
	}

	markup := &tele.ReplyMarkup{}
	label := "🔔 Subscribe"
	if subscribed {
		label = "🔕 Unsubscribe"
	}
	markup.Inline(tele.Row{markup.Data(label, btnToggle.Unique, strconv.FormatInt(it.ID, 10))})

	return c.Edit(b.String(), markup, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true})
}

func renderSubscriptions(items []catalog.Item) (string, *tele.ReplyMarkup) {
	markup := &tele.ReplyMarkup{}
	if len(items) == 0 {
		return "You have no subscriptions yet. Browse /ongoing and pick something!", markup
	}

	var b strings.Builder
	b.WriteString("🔔 <b>Your subscriptions</b>\n\n")
	var rows []tele.Row
	var row tele.Row
	for i, it := range items {
		fmt.Fprintf(&b, "%d. %s — %s", i+1, html.EscapeString(it.Title), it.Status)
		if it.EpisodesAired != nil {
			fmt.Fprintf(&b, ", %d ep. aired", *it.EpisodesAired)
		}
		b.WriteString("\n")

		row = append(row, markup.Data(strconv.Itoa(i+1), btnDetail.Unique, strconv.FormatInt(it.ID, 10)))
		if len(row) == 5 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	markup.Inline(rows...)
	return b.String(), markup
}

func excerpt(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max])) + "…"
}
