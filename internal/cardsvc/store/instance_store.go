package store

import (
	"context"
	"strings"
	"time"

	"github.com/avvvet/card-services/internal/cardsvc/models"
	"github.com/jackc/pgx/v5"
)

const instanceColumns = `id, card_id, owner_user_id, assigned_by, assigned_at, expires_at, note,
	status, ended_by, ended_at, warned_at`

// joinedColumns selects an instance together with its card.
var joinedColumns = prefixColumns("ci", instanceColumns) + ", " + prefixColumns("c", cardColumns)

func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func instanceDest(i *models.CardInstance, id, cardID, status *string) []any {
	return []any{
		id,
		cardID,
		&i.OwnerUserID,
		&i.AssignedBy,
		&i.AssignedAt,
		&i.ExpiresAt,
		&i.Note,
		status,
		&i.EndedBy,
		&i.EndedAt,
		&i.WarnedAt,
	}
}

func scanInstance(row pgx.Row) (*models.CardInstance, error) {
	var (
		i                  models.CardInstance
		id, cardID, status string
	)
	if err := row.Scan(instanceDest(&i, &id, &cardID, &status)...); err != nil {
		return nil, err
	}
	i.ID, i.CardID, i.Status = id, cardID, models.InstanceStatus(status)
	return &i, nil
}

func scanJoinedInstance(row pgx.Row) (*models.CardInstance, error) {
	var (
		i                  models.CardInstance
		c                  models.Card
		id, cardID, status string
		cID, rarity, cStat string
	)
	dest := instanceDest(&i, &id, &cardID, &status)
	dest = append(dest,
		&cID, &c.Name, &c.Description, &rarity, &c.Tags, &c.ImageRef, &c.MaxSupply, &c.IssuedCount,
		&cStat, &c.CreatedBy, &c.ReviewedBy, &c.ReviewedAt, &c.RejectReason, &c.CreatedAt, &c.UpdatedAt,
	)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	i.ID, i.CardID, i.Status = id, cardID, models.InstanceStatus(status)
	c.ID, c.Rarity, c.Status = cID, models.Rarity(rarity), models.CardStatus(cStat)
	if c.Tags == nil {
		c.Tags = []string{}
	}
	i.Card = &c
	return &i, nil
}

func getInstance(ctx context.Context, q querier, id string) (*models.CardInstance, error) {
	inst, err := scanJoinedInstance(q.QueryRow(ctx, `
		SELECT `+joinedColumns+`
		FROM card_instances ci JOIN cards c ON c.id = ci.card_id
		WHERE ci.id = $1`, id))
	if err != nil {
		return nil, classifyLookup(err, "get instance")
	}
	return inst, nil
}

func insertInstance(ctx context.Context, q querier, i *models.CardInstance) error {
	_, err := q.Exec(ctx, `
		INSERT INTO card_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		i.ID, i.CardID, i.OwnerUserID, i.AssignedBy, i.AssignedAt, i.ExpiresAt, i.Note,
		string(i.Status), i.EndedBy, i.EndedAt, i.WarnedAt,
	)
	return classify(err, "insert instance")
}

// endInstance is the terminal transition guard shared by remove and expire.
// Only one transaction can move a given row out of 'active'.
func endInstance(ctx context.Context, q querier, t InstanceTransition) (*models.CardInstance, error) {
	inst, err := scanInstance(q.QueryRow(ctx, `
		UPDATE card_instances
		SET status = $2, ended_by = $3, ended_at = $4
		WHERE id = $1
		  AND status = 'active'
		  AND ($5::timestamptz IS NULL OR (expires_at IS NOT NULL AND expires_at <= $5))
		RETURNING `+instanceColumns,
		t.InstanceID, string(t.To), t.ActorID, t.At, t.DueBy,
	))
	if err == nil {
		return inst, nil
	}
	return instanceConditionMiss(ctx, q, t.InstanceID, classify(err, "end instance"))
}

func markWarned(ctx context.Context, q querier, instanceID string, at time.Time) (*models.CardInstance, error) {
	inst, err := scanInstance(q.QueryRow(ctx, `
		UPDATE card_instances
		SET warned_at = $2
		WHERE id = $1 AND status = 'active' AND warned_at IS NULL
		RETURNING `+instanceColumns,
		instanceID, at,
	))
	if err == nil {
		return inst, nil
	}
	return instanceConditionMiss(ctx, q, instanceID, classify(err, "mark warned"))
}

func instanceConditionMiss(ctx context.Context, q querier, id string, err error) (*models.CardInstance, error) {
	if err != ErrNotFound {
		return nil, err
	}
	current, err := getInstance(ctx, q, id)
	if err != nil {
		return nil, err
	}
	return current, ErrConditionFailed
}

func listInstancesForOwner(ctx context.Context, q querier, iq models.InstanceQuery) (*models.InstancePage, error) {
	w := &where{}
	w.add("ci.owner_user_id = ?", iq.OwnerUserID)
	if iq.ActiveOnly {
		w.add("ci.status = 'active' AND (ci.expires_at IS NULL OR ci.expires_at > ?)", iq.Now)
	}
	if iq.Rarity != nil {
		w.add("c.rarity = ?", string(*iq.Rarity))
	}
	if tag := strings.ToLower(strings.TrimSpace(iq.Tag)); tag != "" {
		w.add("? = ANY(c.tags)", tag)
	}
	if search := strings.TrimSpace(iq.Search); search != "" {
		w.add("c.name ILIKE ?", likePattern(search))
	}
	if iq.Page.Cursor != "" {
		ct, cid, err := decodeCursor(iq.Page.Cursor)
		if err != nil {
			return nil, err
		}
		w.add("(ci.assigned_at, ci.id) < (?, ?::uuid)", ct, cid)
	}

	size := iq.Page.Size()
	sql := `SELECT ` + joinedColumns + `
		FROM card_instances ci JOIN cards c ON c.id = ci.card_id` + w.sql() + `
		ORDER BY ci.assigned_at DESC, ci.id DESC` + w.limit(size+1)

	list, err := queryInstances(ctx, q, sql, w.args, scanJoinedInstance)
	if err != nil {
		return nil, err
	}

	page := &models.InstancePage{Instances: list}
	if len(list) > size {
		page.Instances = list[:size]
		last := page.Instances[size-1]
		page.NextCursor = encodeCursor(last.AssignedAt, last.ID)
	}
	return page, nil
}

func listDueInstances(ctx context.Context, q querier, now time.Time, limit int) ([]*models.CardInstance, error) {
	return queryInstances(ctx, q, `
		SELECT `+instanceColumns+`
		FROM card_instances
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at, id
		LIMIT $2`, []any{now, limit}, scanInstance)
}

func listExpiringInstances(ctx context.Context, q querier, now, horizon time.Time, limit int) ([]*models.CardInstance, error) {
	return queryInstances(ctx, q, `
		SELECT `+joinedColumns+`
		FROM card_instances ci JOIN cards c ON c.id = ci.card_id
		WHERE ci.status = 'active' AND ci.warned_at IS NULL
		  AND ci.expires_at > $1 AND ci.expires_at <= $2
		ORDER BY ci.expires_at, ci.id
		LIMIT $3`, []any{now, horizon, limit}, scanJoinedInstance)
}

func queryInstances(ctx context.Context, q querier, sql string, args []any, scan func(pgx.Row) (*models.CardInstance, error)) ([]*models.CardInstance, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err, "list instances")
	}
	defer rows.Close()

	var list []*models.CardInstance
	for rows.Next() {
		inst, err := scan(rows)
		if err != nil {
			return nil, classify(err, "scan instance")
		}
		list = append(list, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "list instances")
	}
	return list, nil
}
