// Package bootstrap assembles the lifecycle service shared by the card
// service and the expiry worker.
package bootstrap

import (
	"github.com/avvvet/card-services/internal/cardsvc/authz"
	"github.com/avvvet/card-services/internal/cardsvc/config"
	"github.com/avvvet/card-services/internal/cardsvc/service"
	"github.com/avvvet/card-services/internal/cardsvc/store"
	"github.com/avvvet/card-services/internal/notify"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Authorizer picks the configured authorization backend. The nats mode needs
// a live connection.
func Authorizer(cfg config.Config, nc *nats.Conn) (service.Authorizer, error) {
	switch cfg.AuthzMode {
	case config.AuthzNats:
		if nc == nil {
			return nil, errors.New("nats authorization needs a nats connection")
		}
		return authz.NewRemote(nc, cfg.AuthzTimeout), nil
	default:
		if len(cfg.Moderators) == 0 && len(cfg.Admins) == 0 {
			log.Warn("static authorization without MODERATOR_IDS or ADMIN_IDS, only submissions will pass")
		}
		return authz.NewStatic(cfg.Moderators, cfg.Admins), nil
	}
}

// Notifier fans events out to nats and, with a bot token, to telegram.
func Notifier(cfg config.Config, nc *nats.Conn) (notify.Fanout, error) {
	var fan notify.Fanout
	if nc != nil {
		fan = append(fan, notify.NewNats(nc, cfg.NotifySubject))
	}
	if cfg.TelegramBotToken != "" {
		tg, err := notify.NewTelegramFromToken(cfg.TelegramBotToken)
		if err != nil {
			return nil, errors.Wrap(err, "telegram notifier")
		}
		fan = append(fan, tg)
	}
	return fan, nil
}

func Lifecycle(cfg config.Config, st store.Store, nc *nats.Conn) (*service.LifecycleService, error) {
	authorizer, err := Authorizer(cfg, nc)
	if err != nil {
		return nil, err
	}
	fan, err := Notifier(cfg, nc)
	if err != nil {
		return nil, err
	}
	return service.NewLifecycleService(st, authorizer,
		service.WithNotifier(fan),
		service.WithReadAttempts(cfg.ReadRetryAttempts),
	), nil
}
