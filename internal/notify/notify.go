// Package notify fans change events out to subscribers: queue + worker pool +
// rate limit + bounded retry. Delivery is isolated per recipient; one blocked
// or deactivated account never affects the rest of the fan-out.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"aniwatch/internal/catalog"
	"aniwatch/internal/transport"
	"aniwatch/pkg/logx"
)

type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
	RetryMax   int
}

func (c *Config) withDefaults() {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
}

// Subscribers resolves the fan-out recipients for an item.
type Subscribers interface {
	Subscribers(ctx context.Context, itemID int64) ([]int64, error)
}

type job struct {
	id     string
	userID int64
	text   string
}

// Service is safe for concurrent use. Dispatch may be called while Run is
// draining the queue; jobs enqueued after shutdown are dropped with a log
// line.
type Service struct {
	cfg     Config
	sender  transport.Sender
	subs    Subscribers
	log     logx.Logger
	limiter *rate.Limiter
	queue   chan job
}

func New(cfg Config, sender transport.Sender, subs Subscribers, log logx.Logger) *Service {
	cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		sender: sender,
		subs:   subs,
		log:    log,
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan job, cfg.QueueSize),
	}
}

// Dispatch resolves subscribers for each event and enqueues one message per
// (subscriber, event) pair. A failed subscriber lookup skips that event only.
func (s *Service) Dispatch(ctx context.Context, events []catalog.ChangeEvent) {
	for _, ev := range events {
		users, err := s.subs.Subscribers(ctx, ev.Item.ID)
		if err != nil {
			s.log.Error("subscriber lookup failed; event skipped",
				logx.Int64("item", ev.Item.ID), logx.String("kind", string(ev.Kind)), logx.Err(err))
			continue
		}
		if len(users) == 0 {
			continue
		}
		text := FormatEvent(ev)
		for _, uid := range users {
			j := job{id: uuid.NewString(), userID: uid, text: text}
			select {
			case s.queue <- j:
			default:
				s.log.Warn("notify queue full; dropping message",
					logx.String("job", j.id), logx.Int64("user", uid))
			}
		}
		s.log.Info("event queued for fan-out",
			logx.Int64("item", ev.Item.ID),
			logx.String("kind", string(ev.Kind)),
			logx.Int("subscribers", len(users)))
	}
}

// Run blocks draining the queue with the worker pool until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(s.cfg.Workers)
	for i := 0; i < s.cfg.Workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			s.worker(ctx, idx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return nil
}

func (s *Service) worker(ctx context.Context, idx int) {
	for {
		// Fast-exit so cancellation wins over queued work.
		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.sendOne(ctx, j)
		}
	}
}

// sendOne delivers a single message with a small linear backoff. Exhausted
// retries are logged and forgotten; the next event involving this user may
// succeed independently.
func (s *Service) sendOne(ctx context.Context, j job) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	opt := &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}

	var last error
	for attempt := 0; attempt <= s.cfg.RetryMax; attempt++ {
		err := s.sender.SendText(ctx, transport.ChatTarget{ChatID: j.userID}, j.text, opt)
		if err == nil {
			return
		}
		last = err
		if attempt == s.cfg.RetryMax {
			break
		}
		delay := time.Duration(200+100*attempt) * time.Millisecond
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return
		case <-tmr.C:
		}
	}
	s.log.Warn("notification delivery failed; recipient skipped",
		logx.String("job", j.id), logx.Int64("user", j.userID), logx.Err(last))
}
