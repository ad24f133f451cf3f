package service

import (
	"context"
	"time"

	"github.com/avvvet/card-services/internal/cardsvc/errs"
	"github.com/avvvet/card-services/internal/cardsvc/models"
	"github.com/avvvet/card-services/internal/cardsvc/store"
)

// AuditService is the only write path into the audit ledger. Entries are
// appended inside the caller's transaction, so a failed append rolls back
// the mutation it describes and is reported as storage_unavailable.
type AuditService struct {
	now func() time.Time
}

func NewAuditService(now func() time.Time) *AuditService {
	return &AuditService{now: now}
}

func (a *AuditService) Append(ctx context.Context, tx store.Tx, e *models.AuditLogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = a.now()
	}
	if e.Detail == nil {
		e.Detail = map[string]interface{}{}
	}
	if err := tx.AppendAudit(ctx, e); err != nil {
		return errs.Storage(err, "append audit")
	}
	return nil
}

func (a *AuditService) Query(ctx context.Context, r store.Reader, q models.AuditQuery) (*models.AuditPage, error) {
	page, err := r.QueryAudit(ctx, q)
	if err != nil {
		return nil, errs.Storage(err, "query audit")
	}
	return page, nil
}

func cardEntry(actor int64, action models.Action, c *models.Card, detail map[string]interface{}) *models.AuditLogEntry {
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detail["card_name"] = c.Name
	detail["status"] = string(c.Status)
	return &models.AuditLogEntry{
		ActorUserID: actor,
		Action:      action,
		TargetType:  models.TargetCard,
		TargetID:    c.ID,
		Detail:      detail,
	}
}

func instanceEntry(actor int64, action models.Action, i *models.CardInstance, detail map[string]interface{}) *models.AuditLogEntry {
	if detail == nil {
		detail = map[string]interface{}{}
	}
	detail["card_id"] = i.CardID
	detail["owner_user_id"] = i.OwnerUserID
	if i.ExpiresAt != nil {
		detail["expires_at"] = i.ExpiresAt.Format(time.RFC3339)
	}
	return &models.AuditLogEntry{
		ActorUserID: actor,
		Action:      action,
		TargetType:  models.TargetInstance,
		TargetID:    i.ID,
		Detail:      detail,
	}
}
