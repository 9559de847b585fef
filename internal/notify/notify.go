// Package notify forwards operational events (session health changes, store
// degradation, dispatch gate flips) to a Telegram chat. It is send-only: the
// bot never polls for updates.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"autogram/internal/eventbus"
	rtsup "autogram/internal/runtime/supervisor"
	"autogram/pkg/logx"
)

// Config controls the Telegram alert channel. The service stays disabled
// unless Enabled is set and both Token and ChatID are present.
type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerMin int
}

func (c Config) ready() bool {
	return c.Enabled && strings.TrimSpace(c.Token) != "" && c.ChatID != 0
}

// Sender is the outbound seam; *tele.Bot satisfies it.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	lim *rate.Limiter
	bot Sender

	log logx.Logger
	bus eventbus.Bus

	sup   *rtsup.Supervisor
	unsub func()
}

type Option func(*Service)

// WithSender replaces the Telegram client, mainly for tests.
func WithSender(s Sender) Option { return func(svc *Service) { svc.bot = s } }

func New(cfg Config, bus eventbus.Bus, log logx.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		cfg: cfg,
		log: log.With(logx.String("comp", "notify")),
		bus: bus,
	}
	s.lim = newLimiter(cfg.RatePerMin)
	for _, o := range opts {
		o(s)
	}
	if s.bot == nil && cfg.ready() {
		// Offline keeps construction free of network I/O; Send still works.
		b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
		if err != nil {
			return nil, fmt.Errorf("telegram bot: %w", err)
		}
		s.bot = b
	}
	return s, nil
}

func newLimiter(perMin int) *rate.Limiter {
	if perMin <= 0 {
		perMin = 20
	}
	burst := perMin / 4
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(float64(perMin)/60.0), burst)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ready() && s.bot != nil
}

func (s *Service) Start(parent context.Context) {
	s.mu.Lock()
	if s.sup != nil || !s.cfg.ready() || s.bot == nil || s.bus == nil {
		s.mu.Unlock()
		return
	}
	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	s.sup = rtsup.New(parent,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("consume", func(ctx context.Context) error {
		for {
			select {
			case <-ctx.Done():
				return context.Canceled
			case ev, ok := <-ch:
				if !ok {
					return context.Canceled
				}
				s.handle(ev)
			}
		}
	})
	s.log.Info("alerts enabled", logx.Int64("chat", s.chatID()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	unsub := s.unsub
	s.sup = nil
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if sup == nil {
		return
	}
	sup.Cancel()
	_ = sup.Wait(ctx)
}

// Reconfigure applies cfg; a token change rebuilds the bot, an enable flip
// starts or stops the consumer.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.lim = newLimiter(cfg.RatePerMin)
	rebuild := cfg.Token != prev.Token
	if rebuild {
		s.bot = nil
	}
	s.mu.Unlock()

	if rebuild && cfg.ready() {
		b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
		if err != nil {
			s.log.Error("telegram bot rebuild failed", logx.Err(err))
		} else {
			s.mu.Lock()
			s.bot = b
			s.mu.Unlock()
		}
	}

	wasRunning := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.sup != nil
	}

	switch {
	case !cfg.ready() && wasRunning():
		s.Stop(ctx)
	case cfg.ready() && !wasRunning():
		s.Start(ctx)
	case rebuild && wasRunning():
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) chatID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ChatID
}

func (s *Service) handle(ev eventbus.Event) {
	text := render(ev)
	if text == "" {
		return
	}

	s.mu.Lock()
	lim := s.lim
	bot := s.bot
	chat := s.cfg.ChatID
	s.mu.Unlock()
	if bot == nil || chat == 0 {
		return
	}
	if lim != nil && !lim.Allow() {
		s.log.Debug("alert dropped by rate limit", logx.String("event", ev.Type))
		return
	}
	if _, err := bot.Send(&tele.Chat{ID: chat}, text); err != nil {
		s.log.Warn("alert send failed", logx.String("event", ev.Type), logx.Err(err))
	}
}

// render maps an event to an alert line; empty means not alert-worthy.
func render(ev eventbus.Event) string {
	switch ev.Type {
	case eventbus.EventSessionQuarantined:
		if se, ok := ev.Data.(eventbus.SessionEvent); ok {
			return fmt.Sprintf("⚠️ session %s quarantined (%s), cooldown %s",
				se.SessionID, se.Reason, se.Cooldown.Truncate(time.Second))
		}
	case eventbus.EventSessionBlocked:
		if se, ok := ev.Data.(eventbus.SessionEvent); ok {
			return fmt.Sprintf("🚨 session %s blocked (%s)", se.SessionID, se.Reason)
		}
	case eventbus.EventSessionInvalid:
		if se, ok := ev.Data.(eventbus.SessionEvent); ok {
			return fmt.Sprintf("🚨 session %s marked invalid (%s)", se.SessionID, se.Reason)
		}
	case eventbus.EventSessionRecovered:
		if se, ok := ev.Data.(eventbus.SessionEvent); ok {
			return fmt.Sprintf("✅ session %s recovered (%s)", se.SessionID, se.Reason)
		}
	case eventbus.EventStoreDegraded:
		return fmt.Sprintf("🚨 store degraded: %v", ev.Data)
	case eventbus.EventSchedulerStarted:
		return "ℹ️ dispatch enabled"
	case eventbus.EventSchedulerStopped:
		return "ℹ️ dispatch disabled"
	}
	return ""
}
