// Package notify delivers run outcome messages over Telegram.
//
// Delivery is best effort: Send reports success as a bool and never
// returns an error, matching how callers use it (a failed notification
// must not fail the run).
package notify

import (
	"context"
	"strconv"
	"strings"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"taskpilot/pkg/logx"
)

// Telegram caps message text at 4096 characters; longer payloads are
// split across messages.
const maxMessageLen = 4096

type Config struct {
	Token string
	// ChatID is the default destination when a job does not set one.
	ChatID string
	// RatePerSec caps outgoing sends. Zero means 3/s.
	RatePerSec float64
}

// sender is the telebot surface the service needs. Narrowed for tests.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Service sends HTML-formatted messages to Telegram chats.
type Service struct {
	cfg     Config
	log     logx.Logger
	bot     sender
	limiter *rate.Limiter
}

// New builds the service. An empty token yields a valid but
// unconfigured service: Configured() is false and Send always reports
// failure without attempting delivery.
func New(cfg Config, log logx.Logger) (*Service, error) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	s := &Service{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1),
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return s, nil
	}
	// Send-only: no poller, no token verification round-trip at startup.
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	s.bot = b
	return s, nil
}

// Configured reports whether the service can deliver to the default
// destination without a per-job chat id.
func (s *Service) Configured() bool {
	return s.bot != nil && strings.TrimSpace(s.cfg.ChatID) != ""
}

// CanDeliverTo reports whether a Send to chatID (or the default chat
// when chatID is empty) could actually reach Telegram. A per-job chat id
// is useless without a bot token.
func (s *Service) CanDeliverTo(chatID string) bool {
	if s.bot == nil {
		return false
	}
	if strings.TrimSpace(chatID) != "" {
		return true
	}
	return strings.TrimSpace(s.cfg.ChatID) != ""
}

// Send delivers text to chatID (falling back to the configured default)
// as HTML. Returns true only when every chunk was accepted.
func (s *Service) Send(ctx context.Context, chatID, text string) bool {
	if s.bot == nil {
		s.log.Warn("notification skipped: telegram not configured")
		return false
	}
	target := strings.TrimSpace(chatID)
	if target == "" {
		target = strings.TrimSpace(s.cfg.ChatID)
	}
	if target == "" {
		s.log.Warn("notification skipped: no chat id")
		return false
	}
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		s.log.Warn("notification skipped: bad chat id", logx.String("chat_id", target))
		return false
	}

	for _, chunk := range splitMessage(text) {
		if err := s.limiter.Wait(ctx); err != nil {
			return false
		}
		_, err := s.bot.Send(tele.ChatID(id), chunk, &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
		})
		if err != nil {
			s.log.Error("telegram send failed", logx.Err(err), logx.String("chat_id", target))
			return false
		}
	}
	return true
}

// splitMessage cuts text into Telegram-sized chunks, preferring line
// boundaries.
func splitMessage(text string) []string {
	if len(text) <= maxMessageLen {
		return []string{text}
	}
	var out []string
	r := []rune(text)
	for len(r) > 0 {
		n := len(r)
		if n > maxMessageLen {
			n = maxMessageLen
			if i := lastNewline(r[:n]); i > 0 {
				n = i + 1
			}
		}
		out = append(out, strings.TrimRight(string(r[:n]), "\n"))
		r = r[n:]
	}
	return out
}

func lastNewline(r []rune) int {
	for i := len(r) - 1; i >= 0; i-- {
		if r[i] == '\n' {
			return i
		}
	}
	return -1
}
