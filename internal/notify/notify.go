// Package notify delivers card events to their owners.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/avvvet/card-services/internal/cardsvc/models"
	"github.com/avvvet/card-services/internal/comm"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Publisher is the part of *nats.Conn needed to publish events.
type Publisher interface {
	Publish(subj string, data []byte) error
}

// Nats publishes every event as JSON on one subject; the socket service
// relays them to connected web users.
type Nats struct {
	conn    Publisher
	subject string
}

func NewNats(conn Publisher, subject string) *Nats {
	if subject == "" {
		subject = comm.SubjectEvents
	}
	return &Nats{conn: conn, subject: subject}
}

func (n *Nats) Notify(_ context.Context, ev models.CardEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return pkgerrors.Wrap(err, "encode event")
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return pkgerrors.Wrapf(err, "publish %s", n.subject)
	}
	return nil
}

// Sender is the part of *tgbotapi.BotAPI needed to send messages.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends a direct message to the owner. Telegram user ids double as
// private chat ids.
type Telegram struct {
	bot Sender
}

func NewTelegram(bot Sender) *Telegram {
	return &Telegram{bot: bot}
}

// NewTelegramFromToken dials the bot API.
func NewTelegramFromToken(token string) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %v", err)
	}
	return NewTelegram(bot), nil
}

func (t *Telegram) Notify(ctx context.Context, ev models.CardEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(ev.OwnerUserID, Text(ev))
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.bot.Send(msg); err != nil {
		return pkgerrors.Wrapf(err, "send telegram message to %d", ev.OwnerUserID)
	}
	return nil
}

// Text renders ev for a chat message.
func Text(ev models.CardEvent) string {
	name := tgbotapi.EscapeText(tgbotapi.ModeMarkdown, ev.CardName)
	switch ev.Kind {
	case models.EventCardAssigned:
		s := fmt.Sprintf("You received *%s* (%s).", name, ev.Rarity)
		if ev.ExpiresAt != nil {
			s += fmt.Sprintf(" It expires on %s UTC.", ev.ExpiresAt.UTC().Format("2006-01-02 15:04"))
		}
		return s
	case models.EventCardRemoved:
		return fmt.Sprintf("Your card *%s* was removed by a moderator.", name)
	case models.EventCardExpired:
		return fmt.Sprintf("Your card *%s* has expired.", name)
	case models.EventCardExpiring:
		if ev.ExpiresAt != nil {
			return fmt.Sprintf("Your card *%s* expires on %s UTC.", name, ev.ExpiresAt.UTC().Format("2006-01-02 15:04"))
		}
		return fmt.Sprintf("Your card *%s* expires soon.", name)
	}
	return fmt.Sprintf("Update on your card *%s*.", name)
}

type Notifier interface {
	Notify(ctx context.Context, ev models.CardEvent) error
}

// Fanout delivers to every notifier and joins their failures.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, ev models.CardEvent) error {
	var err error
	for _, n := range f {
		if n == nil {
			continue
		}
		err = multierr.Append(err, n.Notify(ctx, ev))
	}
	return err
}
