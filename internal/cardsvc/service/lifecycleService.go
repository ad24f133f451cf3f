package service

import (
	"context"
	"sync"
	"time"

	"github.com/avvvet/card-services/internal/cardsvc/errs"
	"github.com/avvvet/card-services/internal/cardsvc/models"
	"github.com/avvvet/card-services/internal/cardsvc/store"
	"github.com/avvvet/card-services/internal/observability"
	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
)

// Authorizer answers whether actor may perform action. An error is treated as
// a deny.
type Authorizer interface {
	Authorize(ctx context.Context, actorID int64, action models.Action, ac models.AuthContext) (bool, error)
}

// Notifier delivers owner events. Delivery is best-effort.
type Notifier interface {
	Notify(ctx context.Context, ev models.CardEvent) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, models.CardEvent) error { return nil }

type Option func(*LifecycleService)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *LifecycleService) { s.now = now }
}

func WithNotifier(n Notifier) Option {
	return func(s *LifecycleService) { s.notifier = n }
}

// WithReadAttempts bounds how many times a read is tried on storage_unavailable.
func WithReadAttempts(n int) Option {
	return func(s *LifecycleService) { s.readAttempts = n }
}

func WithNotifyTimeout(d time.Duration) Option {
	return func(s *LifecycleService) { s.notifyTimeout = d }
}

// LifecycleService is the entry point for bot and web callers. Every mutation
// is authorized first and then runs, with its audit entry, in one store
// transaction.
type LifecycleService struct {
	store     store.Store
	authz     Authorizer
	notifier  Notifier
	cards     *CardService
	instances *InstanceService
	audit     *AuditService

	now           func() time.Time
	readAttempts  int
	notifyTimeout time.Duration
	pending       sync.WaitGroup
}

func NewLifecycleService(st store.Store, authz Authorizer, opts ...Option) *LifecycleService {
	s := &LifecycleService{
		store:         st,
		authz:         authz,
		notifier:      nopNotifier{},
		now:           func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		readAttempts:  3,
		notifyTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.readAttempts < 1 {
		s.readAttempts = 1
	}
	s.cards = NewCardService(s.now)
	s.instances = NewInstanceService(s.now)
	s.audit = NewAuditService(s.now)
	return s
}

// Wait blocks until in-flight notifications are delivered or given up.
func (s *LifecycleService) Wait() {
	s.pending.Wait()
}

func (s *LifecycleService) SubmitCard(ctx context.Context, actor int64, in NewCard) (card *models.Card, err error) {
	defer s.observe("submit_card", time.Now(), &err)
	if err := s.authorize(ctx, actor, models.ActionSubmit, models.AuthContext{}); err != nil {
		return nil, err
	}
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		c, err := s.cards.Submit(ctx, tx, in, actor)
		if err != nil {
			return err
		}
		card = c
		return s.audit.Append(ctx, tx, cardEntry(actor, models.ActionSubmit, c, supplyDetail(c)))
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"card_id": card.ID, "actor": actor, "rarity": card.Rarity}).Info("card submitted")
	return card, nil
}

func (s *LifecycleService) ApproveCard(ctx context.Context, actor int64, cardID string) (card *models.Card, err error) {
	defer s.observe("approve_card", time.Now(), &err)
	if err := s.authorize(ctx, actor, models.ActionApprove, models.AuthContext{CardID: cardID}); err != nil {
		return nil, err
	}
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		c, err := s.cards.Approve(ctx, tx, cardID, actor)
		if err != nil {
			return err
		}
		card = c
		return s.audit.Append(ctx, tx, cardEntry(actor, models.ActionApprove, c, nil))
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"card_id": card.ID, "actor": actor}).Info("card approved")
	return card, nil
}

func (s *LifecycleService) RejectCard(ctx context.Context, actor int64, cardID, reason string) (card *models.Card, err error) {
	defer s.observe("reject_card", time.Now(), &err)
	if err := s.authorize(ctx, actor, models.ActionReject, models.AuthContext{CardID: cardID}); err != nil {
		return nil, err
	}
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		c, err := s.cards.Reject(ctx, tx, cardID, actor, reason)
		if err != nil {
			return err
		}
		card = c
		detail := map[string]interface{}{}
		if c.RejectReason != "" {
			detail["reason"] = c.RejectReason
		}
		return s.audit.Append(ctx, tx, cardEntry(actor, models.ActionReject, c, detail))
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"card_id": card.ID, "actor": actor}).Info("card rejected")
	return card, nil
}

// CreateApprovedCard is the moderator fast path: one insert already approved,
// one create_and_approve audit entry.
func (s *LifecycleService) CreateApprovedCard(ctx context.Context, actor int64, in NewCard) (card *models.Card, err error) {
	defer s.observe("create_and_approve_card", time.Now(), &err)
	if err := s.authorize(ctx, actor, models.ActionCreateAndApprove, models.AuthContext{}); err != nil {
		return nil, err
	}
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		c, err := s.cards.CreateApproved(ctx, tx, in, actor)
		if err != nil {
			return err
		}
		card = c
		return s.audit.Append(ctx, tx, cardEntry(actor, models.ActionCreateAndApprove, c, supplyDetail(c)))
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"card_id": card.ID, "actor": actor}).Info("card created and approved")
	return card, nil
}

func (s *LifecycleService) AssignCard(ctx context.Context, actor int64, in Assignment) (inst *models.CardInstance, err error) {
	defer s.observe("assign_card", time.Now(), &err)
	ac := models.AuthContext{CardID: in.CardID, OwnerUserID: in.OwnerUserID}
	if err := s.authorize(ctx, actor, models.ActionAssign, ac); err != nil {
		return nil, err
	}
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		i, err := s.instances.Assign(ctx, tx, in, actor)
		if err != nil {
			return err
		}
		inst = i
		detail := map[string]interface{}{"issued_count": i.Card.IssuedCount}
		if i.Note != "" {
			detail["note"] = i.Note
		}
		return s.audit.Append(ctx, tx, instanceEntry(actor, models.ActionAssign, i, detail))
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"card_id":     inst.CardID,
		"instance_id": inst.ID,
		"owner":       inst.OwnerUserID,
		"actor":       actor,
	}).Info("card assigned")
	s.dispatch(event(models.EventCardAssigned, inst, inst.AssignedAt))
	return inst, nil
}

func (s *LifecycleService) RemoveInstance(ctx context.Context, actor int64, instanceID string) (inst *models.CardInstance, err error) {
	defer s.observe("remove_instance", time.Now(), &err)
	if err := s.authorize(ctx, actor, models.ActionRemove, models.AuthContext{InstanceID: instanceID}); err != nil {
		return nil, err
	}
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		i, err := s.instances.Remove(ctx, tx, instanceID, actor)
		if err != nil {
			return err
		}
		if inst, err = withCard(ctx, tx, i); err != nil {
			return err
		}
		return s.audit.Append(ctx, tx, instanceEntry(actor, models.ActionRemove, i, nil))
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"instance_id": inst.ID, "owner": inst.OwnerUserID, "actor": actor}).Info("instance removed")
	s.dispatch(event(models.EventCardRemoved, inst, *inst.EndedAt))
	return inst, nil
}

// ExpireInstance moves a due instance to expired on behalf of the system
// actor. It reports false without error when the instance is no longer
// active or not due, so repeated sweeps never write the ledger twice.
func (s *LifecycleService) ExpireInstance(ctx context.Context, instanceID string, now time.Time) (expired bool, err error) {
	defer s.observe("expire_instance", time.Now(), &err)
	var inst *models.CardInstance
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		i, err := s.instances.Expire(ctx, tx, instanceID, now)
		if err == errNoop {
			return nil
		}
		if err != nil {
			return err
		}
		if inst, err = withCard(ctx, tx, i); err != nil {
			return err
		}
		return s.audit.Append(ctx, tx, instanceEntry(models.SystemActorID, models.ActionExpire, i, nil))
	})
	if err != nil || inst == nil {
		return false, err
	}
	log.WithFields(log.Fields{"instance_id": inst.ID, "owner": inst.OwnerUserID}).Info("instance expired")
	s.dispatch(event(models.EventCardExpired, inst, *inst.EndedAt))
	return true, nil
}

// WarnExpiring records and sends the expiry warning of one instance. It
// reports false when the instance was already warned or is no longer active.
func (s *LifecycleService) WarnExpiring(ctx context.Context, instanceID string) (warned bool, err error) {
	defer s.observe("warn_expiring", time.Now(), &err)
	var inst *models.CardInstance
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		i, err := s.instances.Warn(ctx, tx, instanceID)
		if err == errNoop {
			return nil
		}
		if err != nil {
			return err
		}
		if inst, err = withCard(ctx, tx, i); err != nil {
			return err
		}
		return s.audit.Append(ctx, tx, instanceEntry(models.SystemActorID, models.ActionExpiryWarning, i, nil))
	})
	if err != nil || inst == nil {
		return false, err
	}
	s.dispatch(event(models.EventCardExpiring, inst, *inst.WarnedAt))
	return true, nil
}

func (s *LifecycleService) GetCard(ctx context.Context, cardID string) (card *models.Card, err error) {
	if !validID(cardID) {
		return nil, errs.NotFound("card", cardID)
	}
	err = s.read(ctx, func() error {
		c, err := s.store.GetCard(ctx, cardID)
		if err == store.ErrNotFound {
			return errs.NotFound("card", cardID)
		}
		card = c
		return errs.Storage(err, "get card")
	})
	return card, err
}

func (s *LifecycleService) GetInstance(ctx context.Context, instanceID string) (inst *models.CardInstance, err error) {
	if !validID(instanceID) {
		return nil, errs.NotFound("instance", instanceID)
	}
	err = s.read(ctx, func() error {
		i, err := s.store.GetInstance(ctx, instanceID)
		if err == store.ErrNotFound {
			return errs.NotFound("instance", instanceID)
		}
		inst = i
		return errs.Storage(err, "get instance")
	})
	return inst, err
}

// Lookup resolves id as an instance first and then as a card. Exactly one of
// the results is set on success.
func (s *LifecycleService) Lookup(ctx context.Context, id string) (*models.Card, *models.CardInstance, error) {
	inst, err := s.GetInstance(ctx, id)
	if err == nil {
		return nil, inst, nil
	}
	if !errs.Is(err, errs.CodeNotFound) {
		return nil, nil, err
	}
	card, err := s.GetCard(ctx, id)
	if errs.Is(err, errs.CodeNotFound) {
		return nil, nil, errs.NotFound("card or instance", id)
	}
	return card, nil, err
}

func (s *LifecycleService) ListCards(ctx context.Context, q models.CardQuery) (page *models.CardPage, err error) {
	if q.Tag != "" {
		tags, err := NormalizeTags([]string{q.Tag})
		if err != nil {
			return nil, err
		}
		q.Tag = tags[0]
	}
	err = s.read(ctx, func() error {
		p, err := s.store.ListCards(ctx, q)
		page = p
		return errs.Storage(err, "list cards")
	})
	return page, err
}

func (s *LifecycleService) ListOwnerInstances(ctx context.Context, q models.InstanceQuery) (page *models.InstancePage, err error) {
	if q.OwnerUserID <= 0 {
		return nil, errs.Validation("owner user id is required")
	}
	if q.Now.IsZero() {
		q.Now = s.now()
	}
	if q.Tag != "" {
		tags, err := NormalizeTags([]string{q.Tag})
		if err != nil {
			return nil, err
		}
		q.Tag = tags[0]
	}
	err = s.read(ctx, func() error {
		p, err := s.store.ListInstancesForOwner(ctx, q)
		page = p
		return errs.Storage(err, "list instances")
	})
	return page, err
}

func (s *LifecycleService) QueryAudit(ctx context.Context, actor int64, q models.AuditQuery) (page *models.AuditPage, err error) {
	if err := s.authorize(ctx, actor, models.ActionAuditRead, models.AuthContext{}); err != nil {
		return nil, err
	}
	if q.Action != nil && !q.Action.Recorded() {
		return nil, errs.Validation("unknown action %q", *q.Action)
	}
	if q.TargetType != nil && !q.TargetType.Valid() {
		return nil, errs.Validation("unknown target type %q", *q.TargetType)
	}
	if q.Since != nil && q.Until != nil && q.Until.Before(*q.Since) {
		return nil, errs.Validation("until is before since")
	}
	err = s.read(ctx, func() error {
		p, err := s.audit.Query(ctx, s.store, q)
		page = p
		return err
	})
	return page, err
}

func (s *LifecycleService) DueInstances(ctx context.Context, now time.Time, limit int) (due []*models.CardInstance, err error) {
	err = s.read(ctx, func() error {
		d, err := s.store.ListDueInstances(ctx, now, limit)
		due = d
		return errs.Storage(err, "list due instances")
	})
	return due, err
}

func (s *LifecycleService) ExpiringInstances(ctx context.Context, now time.Time, window time.Duration, limit int) (soon []*models.CardInstance, err error) {
	err = s.read(ctx, func() error {
		d, err := s.store.ListExpiringInstances(ctx, now, now.Add(window), limit)
		soon = d
		return errs.Storage(err, "list expiring instances")
	})
	return soon, err
}

func (s *LifecycleService) authorize(ctx context.Context, actor int64, action models.Action, ac models.AuthContext) error {
	ok, err := s.authz.Authorize(ctx, actor, action, ac)
	if err != nil {
		log.WithFields(log.Fields{"actor": actor, "action": action}).Warnf("authorization failed: %s", err)
		return errs.Unauthorized(actor, string(action), err)
	}
	if !ok {
		return errs.Unauthorized(actor, string(action), nil)
	}
	return nil
}

// read retries fn only while it fails with storage_unavailable.
func (s *LifecycleService) read(ctx context.Context, fn func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = time.Second
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.readAttempts-1)), ctx)

	err := backoff.Retry(func() error {
		err := fn()
		if err != nil && !errs.CodeOf(err).Retryable() {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	return errs.Storage(err, "read")
}

func (s *LifecycleService) dispatch(ev models.CardEvent) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()
		err := s.notifier.Notify(ctx, ev)
		observability.RecordNotification(string(ev.Kind), err == nil)
		if err != nil {
			log.WithFields(log.Fields{"kind": ev.Kind, "instance_id": ev.InstanceID, "owner": ev.OwnerUserID}).
				Warnf("notify failed: %s", err)
		}
	}()
}

func (s *LifecycleService) observe(op string, start time.Time, err *error) {
	observability.RecordOperation(op, string(errs.CodeOf(*err)), time.Since(start))
}

func withCard(ctx context.Context, tx store.Tx, i *models.CardInstance) (*models.CardInstance, error) {
	if i.Card != nil {
		return i, nil
	}
	c, err := tx.GetCard(ctx, i.CardID)
	if err != nil {
		return nil, errs.Storage(err, "get card")
	}
	i.Card = c
	return i, nil
}

func event(kind models.EventKind, i *models.CardInstance, at time.Time) models.CardEvent {
	ev := models.CardEvent{
		Kind:        kind,
		OwnerUserID: i.OwnerUserID,
		InstanceID:  i.ID,
		CardID:      i.CardID,
		ExpiresAt:   i.ExpiresAt,
		At:          at,
	}
	if i.Card != nil {
		ev.CardName, ev.Rarity = i.Card.Name, i.Card.Rarity
	}
	return ev
}

func supplyDetail(c *models.Card) map[string]interface{} {
	d := map[string]interface{}{"rarity": string(c.Rarity)}
	if c.MaxSupply != nil {
		d["max_supply"] = *c.MaxSupply
	}
	if len(c.Tags) > 0 {
		d["tags"] = c.Tags
	}
	return d
}
