// Package bot is the Telegram command layer: a thin mapping from chat
// commands and inline keys onto the repository, subscription store and
// scheduler. All engineering substance lives below it.
package bot

import (
	"context"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"aniwatch/internal/catalog"
	"aniwatch/internal/scheduler"
	"aniwatch/internal/storage"
	"aniwatch/pkg/logx"
)

const defaultPageSize = 10

// opTimeout bounds every store call made on behalf of a chat interaction.
// Catalog pulls span many provider pages and get the larger bootTimeout.
const (
	opTimeout   = 30 * time.Second
	bootTimeout = 5 * time.Minute
)

type Config struct {
	PageSize int
}

type Handler struct {
	cfg   Config
	store *storage.Store
	sched *scheduler.Service
	log   logx.Logger
}

var (
	btnPage   = tele.Btn{Unique: "ongoing_page"}
	btnDetail = tele.Btn{Unique: "anime_detail"}
	btnToggle = tele.Btn{Unique: "sub_toggle"}
)

func New(cfg Config, store *storage.Store, sched *scheduler.Service, log logx.Logger) *Handler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{cfg: cfg, store: store, sched: sched, log: log}
}

// Register wires every command and callback onto the bot.
func (h *Handler) Register(b *tele.Bot) {
	b.Handle("/start", h.handleStart)
	b.Handle("/help", h.handleStart)
	b.Handle("/ongoing", h.handleOngoing)
	b.Handle("/subscriptions", h.handleSubscriptions)
	b.Handle("/refresh", h.handleRefresh)

	b.Handle(&btnPage, h.handlePageFlip)
	b.Handle(&btnDetail, h.handleDetail)
	b.Handle(&btnToggle, h.handleToggle)
}

func (h *Handler) handleStart(c tele.Context) error {
	return c.Send(helpText, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true})
}

const helpText = `<b>aniwatch</b> — ongoing release tracker

/ongoing [shikimori|mal] — browse currently airing titles
/subscriptions — your subscriptions
/refresh [shikimori|mal] — force a full catalog refresh

Open a title and hit subscribe to get a message when new
episodes air or the release finishes.`

// handleOngoing shows page one for the requested source. An empty catalog for
// that source triggers the bootstrap pull synchronously so the first caller
// sees data rather than an empty list.
func (h *Handler) handleOngoing(c tele.Context) error {
	src := h.parseSource(c.Args())
	ctx, cancel := h.opCtx()
	defer cancel()

	count, err := h.store.CountBySourceStatus(ctx, src, catalog.StatusOngoing)
	if err != nil {
		h.log.Error("count failed", logx.String("source", string(src)), logx.Err(err))
		return c.Send(msgInternalError)
	}
	if count == 0 {
		if err := c.Send("Catalog is empty, fetching it now — give me a minute... ⏳"); err != nil {
			return err
		}
		bctx, bcancel := context.WithTimeout(context.Background(), bootTimeout)
		defer bcancel()
		if _, err := h.sched.Bootstrap(bctx, src); err != nil {
			h.log.Error("bootstrap failed", logx.String("source", string(src)), logx.Err(err))
			return c.Send("The catalog source is not answering right now, try again later.")
		}
	}
	return h.renderOngoing(c, src, 1, false)
}

func (h *Handler) handlePageFlip(c tele.Context) error {
	args := c.Args() // source|page
	if len(args) != 2 {
		return c.Respond()
	}
	src, err := catalog.ParseSource(args[0])
	if err != nil {
		return c.Respond()
	}
	page, err := strconv.Atoi(args[1])
	if err != nil || page < 1 {
		return c.Respond()
	}
	if err := h.renderOngoing(c, src, page, true); err != nil {
		h.log.Warn("page flip failed", logx.Err(err))
	}
	return c.Respond()
}

func (h *Handler) handleDetail(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Respond()
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Respond()
	}
	if err := h.renderDetail(c, id); err != nil {
		h.log.Warn("detail render failed", logx.Int64("item", id), logx.Err(err))
	}
	return c.Respond()
}

// handleToggle flips the subscription state for (caller, item). Both
// directions are idempotent: double taps just answer with the current state.
func (h *Handler) handleToggle(c tele.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Respond()
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return c.Respond()
	}
	userID := c.Sender().ID
	ctx, cancel := h.opCtx()
	defer cancel()

	subscribed, err := h.store.IsSubscribed(ctx, userID, id)
	if err != nil {
		h.log.Error("subscription check failed", logx.Err(err))
		return c.Respond(&tele.CallbackResponse{Text: "Something went wrong."})
	}

	var note string
	if subscribed {
		if _, err := h.store.Unsubscribe(ctx, userID, id); err != nil {
			h.log.Error("unsubscribe failed", logx.Err(err))
			return c.Respond(&tele.CallbackResponse{Text: "Something went wrong."})
		}
		note = "Unsubscribed 🔕"
	} else {
		ok, err := h.store.Subscribe(ctx, userID, id)
		if err != nil {
			h.log.Error("subscribe failed", logx.Err(err))
			return c.Respond(&tele.CallbackResponse{Text: "Something went wrong."})
		}
		if !ok {
			return c.Respond(&tele.CallbackResponse{Text: "This title is gone from the catalog."})
		}
		note = "Subscribed 🔔"
	}

	if err := h.renderDetail(c, id); err != nil {
		h.log.Warn("detail refresh failed", logx.Int64("item", id), logx.Err(err))
	}
	return c.Respond(&tele.CallbackResponse{Text: note})
}

func (h *Handler) handleSubscriptions(c tele.Context) error {
	ctx, cancel := h.opCtx()
	defer cancel()

	items, err := h.store.SubscriptionsFor(ctx, c.Sender().ID)
	if err != nil {
		h.log.Error("subscriptions lookup failed", logx.Err(err))
		return c.Send(msgInternalError)
	}
	text, markup := renderSubscriptions(items)
	return c.Send(text, markup, &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true})
}

// handleRefresh forces a full refresh. Concurrent requests for the same
// source share one in-flight fetch sequence.
func (h *Handler) handleRefresh(c tele.Context) error {
	src := h.parseSource(c.Args())
	if err := c.Send("Refreshing " + string(src) + "... ⏳"); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), bootTimeout)
	defer cancel()
	processed, err := h.sched.ForceRefresh(ctx, src)
	if err != nil {
		h.log.Error("force refresh failed", logx.String("source", string(src)), logx.Err(err))
		return c.Send("Refresh failed, the source may be down. Try again later.")
	}
	return c.Send("Done! Processed " + strconv.Itoa(processed) + " titles from " + string(src) + " ✅")
}

func (h *Handler) parseSource(args []string) catalog.Source {
	if len(args) > 0 {
		if src, err := catalog.ParseSource(args[0]); err == nil {
			return src
		}
	}
	return catalog.SourceShikimori
}

func (h *Handler) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), opTimeout)
}

const msgInternalError = "Something went wrong, try again later."
