// Package notify pushes online/offline transitions to a telegram chat.
// A nil notifier is valid and does nothing, so callers wire it
// unconditionally and let configuration decide.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"nuha.dev/presence/internal/observer/fanout"
)

// Sender is the telegram send surface, satisfied by tgbotapi.BotAPI.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Config struct {
	// Suppression is the per-user minimum gap between notifications.
	// Transitions inside the gap are deferred, not dropped: the latest
	// state is sent when the gap expires if it still differs.
	Suppression time.Duration
}

func (c *Config) setDefaults() {
	if c.Suppression == 0 {
		c.Suppression = 5 * time.Minute
	}
}

type userNotify struct {
	online  bool
	sentAt  time.Time
	pending *fanout.Event
	timer   *time.Timer
}

type Notifier struct {
	sender Sender
	chatID int64
	conf   Config
	logger zerolog.Logger
	sendq  chan string

	Now func() time.Time

	mu    sync.Mutex
	users map[string]*userNotify
}

// New connects to telegram. Returns (nil, nil) when token or chat id is
// unset; the nil notifier is safe to use.
func New(token string, chatID int64, conf Config) (*Notifier, error) {
	if token == "" || chatID == 0 {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return NewWithSender(bot, chatID, conf), nil
}

// NewWithSender wires a prebuilt sender, used by tests.
func NewWithSender(s Sender, chatID int64, conf Config) *Notifier {
	conf.setDefaults()
	n := &Notifier{sender: s, chatID: chatID, conf: conf, Now: time.Now}
	n.logger = log.With().Str("module", "notify").Logger()
	n.users = make(map[string]*userNotify)
	n.sendq = make(chan string, 16)
	go n.sendloop()
	return n
}

// sendloop keeps telegram's slow HTTP calls off the bus handler path
// and preserves per-user message order.
func (n *Notifier) sendloop() {
	for text := range n.sendq {
		if _, err := n.sender.Send(tgbotapi.NewMessage(n.chatID, text)); err != nil {
			n.logger.Err(err).Msg("telegram send failed")
		}
	}
}

// Observe is the fan-out handler. The first sighting of a user is
// recorded silently so startup snapshots do not flood the chat.
func (n *Notifier) Observe(ctx context.Context, ev fanout.Event) {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	st, known := n.users[ev.UserID]
	if ev.Deleted {
		if known {
			if st.online {
				n.deliver(ev.UserID, st, messageFor(ev))
			}
			n.clearPending(st)
			delete(n.users, ev.UserID)
		}
		return
	}
	if !known {
		n.users[ev.UserID] = &userNotify{online: ev.Online}
		return
	}
	target := st.online
	if st.pending != nil {
		target = st.pending.Online
	}
	if ev.Online == target {
		if st.pending != nil {
			// refresh the held event so the latest data wins
			held := ev
			st.pending = &held
		}
		return
	}
	if ev.Online == st.online {
		// flapped back inside the suppression window
		n.clearPending(st)
		return
	}
	if since := n.Now().Sub(st.sentAt); since < n.conf.Suppression {
		held := ev
		st.pending = &held
		if st.timer == nil {
			id := ev.UserID
			st.timer = time.AfterFunc(n.conf.Suppression-since, func() { n.flush(id) })
		}
		return
	}
	n.deliver(ev.UserID, st, messageFor(ev))
	st.online = ev.Online
}

func (n *Notifier) flush(userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	st, ok := n.users[userID]
	if !ok {
		return
	}
	st.timer = nil
	if st.pending == nil {
		return
	}
	ev := *st.pending
	st.pending = nil
	if ev.Online == st.online {
		return
	}
	n.deliver(userID, st, messageFor(ev))
	st.online = ev.Online
}

// deliver must run under n.mu.
func (n *Notifier) deliver(userID string, st *userNotify, text string) {
	st.sentAt = n.Now()
	select {
	case n.sendq <- text:
	default:
		n.logger.Warn().Str("user_id", userID).Msg("notification queue full, dropping")
	}
}

// clearPending must run under n.mu.
func (n *Notifier) clearPending(st *userNotify) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.pending = nil
}

func messageFor(ev fanout.Event) string {
	name := ev.Name
	if name == "" {
		name = ev.UserID
	}
	switch {
	case ev.Deleted:
		return fmt.Sprintf("%s stopped sharing their location", name)
	case ev.Online:
		return fmt.Sprintf("%s is online", name)
	default:
		return fmt.Sprintf("%s went offline", name)
	}
}
