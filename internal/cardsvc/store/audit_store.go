package store

import (
	"context"

	"github.com/avvvet/card-services/internal/cardsvc/models"
)

func appendAudit(ctx context.Context, q querier, e *models.AuditLogEntry) error {
	detail := e.Detail
	if detail == nil {
		detail = map[string]interface{}{}
	}
	err := q.QueryRow(ctx, `
		INSERT INTO audit_log (actor_user_id, action, target_type, target_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		e.ActorUserID, string(e.Action), string(e.TargetType), e.TargetID, detail, e.CreatedAt,
	).Scan(&e.ID)
	return classify(err, "append audit")
}

func queryAudit(ctx context.Context, q querier, aq models.AuditQuery) (*models.AuditPage, error) {
	w := &where{}
	if aq.ActorUserID != nil {
		w.add("actor_user_id = ?", *aq.ActorUserID)
	}
	if aq.Action != nil {
		w.add("action = ?", string(*aq.Action))
	}
	if aq.TargetType != nil {
		w.add("target_type = ?", string(*aq.TargetType))
	}
	if aq.TargetID != "" {
		w.add("target_id = ?", aq.TargetID)
	}
	if aq.Since != nil {
		w.add("created_at >= ?", *aq.Since)
	}
	if aq.Until != nil {
		w.add("created_at < ?", *aq.Until)
	}
	if aq.Page.Cursor != "" {
		id, err := decodeIDCursor(aq.Page.Cursor)
		if err != nil {
			return nil, err
		}
		w.add("id < ?", id)
	}

	size := aq.Page.Size()
	rows, err := q.Query(ctx, `
		SELECT id, actor_user_id, action, target_type, target_id, detail, created_at
		FROM audit_log`+w.sql()+` ORDER BY id DESC`+w.limit(size+1), w.args...)
	if err != nil {
		return nil, classify(err, "query audit")
	}
	defer rows.Close()

	entries := make([]*models.AuditLogEntry, 0, size)
	for rows.Next() {
		var (
			e                          models.AuditLogEntry
			action, targetType, target string
		)
		if err := rows.Scan(&e.ID, &e.ActorUserID, &action, &targetType, &target, &e.Detail, &e.CreatedAt); err != nil {
			return nil, classify(err, "scan audit")
		}
		e.Action, e.TargetType, e.TargetID = models.Action(action), models.TargetType(targetType), target
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "query audit")
	}

	page := &models.AuditPage{Entries: entries}
	if len(entries) > size {
		page.Entries = entries[:size]
		page.NextCursor = encodeIDCursor(page.Entries[size-1].ID)
	}
	return page, nil
}
