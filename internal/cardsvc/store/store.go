package store

import (
	"context"
	"time"

	"github.com/avvvet/card-services/internal/cardsvc/models"
	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when the addressed row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConditionFailed is returned by guarded writes whose precondition no
	// longer holds. The current row is returned alongside it.
	ErrConditionFailed = errors.New("store: condition failed")
)

// Reader is the read path shared by request handlers and the scheduler.
type Reader interface {
	GetCard(ctx context.Context, id string) (*models.Card, error)
	ListCards(ctx context.Context, q models.CardQuery) (*models.CardPage, error)
	GetInstance(ctx context.Context, id string) (*models.CardInstance, error)
	ListInstancesForOwner(ctx context.Context, q models.InstanceQuery) (*models.InstancePage, error)
	// ListDueInstances returns active instances whose expiry is at or before now.
	ListDueInstances(ctx context.Context, now time.Time, limit int) ([]*models.CardInstance, error)
	// ListExpiringInstances returns active, not yet warned instances expiring in (now, horizon].
	ListExpiringInstances(ctx context.Context, now, horizon time.Time, limit int) ([]*models.CardInstance, error)
	QueryAudit(ctx context.Context, q models.AuditQuery) (*models.AuditPage, error)
}

// Tx is one store transaction. Every write that more than one actor can race
// on is a conditional write evaluated by the store, never by the caller.
type Tx interface {
	GetCard(ctx context.Context, id string) (*models.Card, error)
	GetInstance(ctx context.Context, id string) (*models.CardInstance, error)

	InsertCard(ctx context.Context, c *models.Card) error
	// ReviewCard moves a submitted card to r.To.
	ReviewCard(ctx context.Context, r CardReview) (*models.Card, error)
	// ClaimSupply increments issued_count of an approved card with free supply.
	ClaimSupply(ctx context.Context, cardID string, at time.Time) (*models.Card, error)

	InsertInstance(ctx context.Context, i *models.CardInstance) error
	// EndInstance moves an active instance to t.To.
	EndInstance(ctx context.Context, t InstanceTransition) (*models.CardInstance, error)
	// MarkWarned stamps warned_at on an active instance that was not warned yet.
	MarkWarned(ctx context.Context, instanceID string, at time.Time) (*models.CardInstance, error)

	AppendAudit(ctx context.Context, e *models.AuditLogEntry) error
}

type Store interface {
	Reader
	// InTx runs fn in one transaction. The transaction commits only when fn
	// returns nil; any error, cancellation or deadline rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

type CardReview struct {
	CardID     string
	To         models.CardStatus
	ReviewerID int64
	At         time.Time
	Reason     string
}

type InstanceTransition struct {
	InstanceID string
	To         models.InstanceStatus
	ActorID    int64
	At         time.Time
	// DueBy, when set, also requires expires_at <= DueBy.
	DueBy *time.Time
}
