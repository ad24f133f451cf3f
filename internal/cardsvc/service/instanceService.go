package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/avvvet/card-services/internal/cardsvc/errs"
	"github.com/avvvet/card-services/internal/cardsvc/models"
	"github.com/avvvet/card-services/internal/cardsvc/store"
	"github.com/google/uuid"
)

const MaxNoteLength = 200

// Assignment grants one instance of an approved card to an owner.
type Assignment struct {
	CardID      string     `json:"card_id"`
	OwnerUserID int64      `json:"owner_user_id"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Note        string     `json:"note,omitempty"`
}

// errNoop marks a guarded transition another transaction already performed.
var errNoop = errs.New(errs.CodeInvalidState, "instance already left active")

// InstanceService owns card instances and the supply ceiling of their cards.
// Issued count records grants ever made: remove and expire never give a
// supply slot back.
type InstanceService struct {
	now func() time.Time
}

func NewInstanceService(now func() time.Time) *InstanceService {
	return &InstanceService{now: now}
}

// Assign claims one supply slot and creates the instance in tx. The claim is a
// store-level conditional increment, so of two transactions racing for the
// last slot exactly one sees SupplyExhausted.
func (s *InstanceService) Assign(ctx context.Context, tx store.Tx, in Assignment, actor int64) (*models.CardInstance, error) {
	if !validID(in.CardID) {
		return nil, errs.NotFound("card", in.CardID)
	}
	if in.OwnerUserID <= 0 {
		return nil, errs.Validation("owner user id is required")
	}
	note := strings.TrimSpace(in.Note)
	if utf8.RuneCountInString(note) > MaxNoteLength {
		return nil, errs.Validation("note exceeds %d characters", MaxNoteLength)
	}

	now := s.now()
	card, err := tx.ClaimSupply(ctx, in.CardID, now)
	if err == store.ErrConditionFailed && card != nil && card.CanIssue() {
		// the card was reviewed between the guarded write and the re-read
		card, err = tx.ClaimSupply(ctx, in.CardID, now)
	}
	switch err {
	case nil:
	case store.ErrNotFound:
		return nil, errs.NotFound("card", in.CardID)
	case store.ErrConditionFailed:
		if card == nil || card.CanIssue() {
			return nil, errs.InvalidState("card %s changed during assignment, try again", in.CardID)
		}
		if card.Status != models.CardApproved {
			return nil, errs.InvalidState("card %s is %s, only approved cards can be assigned", card.ID, card.Status)
		}
		return nil, errs.SupplyExhausted(card.ID, *card.MaxSupply)
	default:
		return nil, errs.Storage(err, "claim supply")
	}

	inst := &models.CardInstance{
		ID:          uuid.NewString(),
		CardID:      card.ID,
		OwnerUserID: in.OwnerUserID,
		AssignedBy:  actor,
		AssignedAt:  now,
		Note:        note,
		Status:      models.InstanceActive,
	}
	if in.ExpiresAt != nil {
		exp := in.ExpiresAt.UTC().Truncate(time.Microsecond)
		inst.ExpiresAt = &exp
	}
	if err := tx.InsertInstance(ctx, inst); err != nil {
		return nil, errs.Storage(err, "insert instance")
	}
	inst.Card = card
	return inst, nil
}

func (s *InstanceService) Remove(ctx context.Context, tx store.Tx, instanceID string, actor int64) (*models.CardInstance, error) {
	inst, err := s.end(ctx, tx, store.InstanceTransition{InstanceID: instanceID, To: models.InstanceRemoved, ActorID: actor})
	if err == errNoop {
		return nil, errs.InvalidState("instance %s is %s, only active instances can be removed", instanceID, inst.Status)
	}
	return inst, err
}

// Expire runs the same guard as Remove with the system actor, and also
// requires the expiry to have elapsed at now. errNoop means someone else
// already ended the instance.
func (s *InstanceService) Expire(ctx context.Context, tx store.Tx, instanceID string, now time.Time) (*models.CardInstance, error) {
	return s.end(ctx, tx, store.InstanceTransition{
		InstanceID: instanceID,
		To:         models.InstanceExpired,
		ActorID:    models.SystemActorID,
		DueBy:      &now,
	})
}

func (s *InstanceService) end(ctx context.Context, tx store.Tx, t store.InstanceTransition) (*models.CardInstance, error) {
	if !validID(t.InstanceID) {
		return nil, errs.NotFound("instance", t.InstanceID)
	}
	t.At = s.now()
	inst, err := tx.EndInstance(ctx, t)
	switch err {
	case nil:
		return inst, nil
	case store.ErrNotFound:
		return nil, errs.NotFound("instance", t.InstanceID)
	case store.ErrConditionFailed:
		return inst, errNoop
	}
	return nil, errs.Storage(err, "end instance")
}

// Warn stamps the expiry warning once per instance.
func (s *InstanceService) Warn(ctx context.Context, tx store.Tx, instanceID string) (*models.CardInstance, error) {
	if !validID(instanceID) {
		return nil, errs.NotFound("instance", instanceID)
	}
	inst, err := tx.MarkWarned(ctx, instanceID, s.now())
	switch err {
	case nil:
		return inst, nil
	case store.ErrNotFound:
		return nil, errs.NotFound("instance", instanceID)
	case store.ErrConditionFailed:
		return inst, errNoop
	}
	return nil, errs.Storage(err, "mark warned")
}

// ResolveExpiry turns a relative expiry in minutes, as sent by bot and web
// clients, into the absolute time stored on the instance.
func ResolveExpiry(expiresAt *time.Time, inMinutes *int, now time.Time) (*time.Time, error) {
	if inMinutes == nil {
		return expiresAt, nil
	}
	if expiresAt != nil {
		return nil, errs.Validation("expires_at and expires_in_minutes are exclusive")
	}
	if *inMinutes <= 0 {
		return nil, errs.Validation("expires_in_minutes must be positive")
	}
	at := now.Add(time.Duration(*inMinutes) * time.Minute)
	return &at, nil
}
