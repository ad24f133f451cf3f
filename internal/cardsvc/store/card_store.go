package store

import (
	"context"
	"strings"
	"time"

	"github.com/avvvet/card-services/internal/cardsvc/models"
	"github.com/jackc/pgx/v5"
)

const cardColumns = `id, name, description, rarity, tags, image_ref, max_supply, issued_count,
	status, created_by, reviewed_by, reviewed_at, reject_reason, created_at, updated_at`

func scanCard(row pgx.Row) (*models.Card, error) {
	var (
		c      models.Card
		id     string
		rarity string
		status string
	)
	err := row.Scan(
		&id,
		&c.Name,
		&c.Description,
		&rarity,
		&c.Tags,
		&c.ImageRef,
		&c.MaxSupply,
		&c.IssuedCount,
		&status,
		&c.CreatedBy,
		&c.ReviewedBy,
		&c.ReviewedAt,
		&c.RejectReason,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.ID = id
	c.Rarity = models.Rarity(rarity)
	c.Status = models.CardStatus(status)
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return &c, nil
}

func getCard(ctx context.Context, q querier, id string) (*models.Card, error) {
	card, err := scanCard(q.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1`, id))
	if err != nil {
		return nil, classifyLookup(err, "get card")
	}
	return card, nil
}

func insertCard(ctx context.Context, q querier, c *models.Card) error {
	_, err := q.Exec(ctx, `
		INSERT INTO cards (`+cardColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		c.ID, c.Name, c.Description, string(c.Rarity), c.Tags, c.ImageRef, c.MaxSupply, c.IssuedCount,
		string(c.Status), c.CreatedBy, c.ReviewedBy, c.ReviewedAt, c.RejectReason, c.CreatedAt, c.UpdatedAt,
	)
	return classify(err, "insert card")
}

// reviewCard only succeeds while the card is still submitted; a racing
// reviewer re-evaluates the WHERE clause after the first commit and misses.
func reviewCard(ctx context.Context, q querier, r CardReview) (*models.Card, error) {
	card, err := scanCard(q.QueryRow(ctx, `
		UPDATE cards
		SET status = $2, reviewed_by = $3, reviewed_at = $4, reject_reason = $5, updated_at = $4
		WHERE id = $1 AND status = 'submitted'
		RETURNING `+cardColumns,
		r.CardID, string(r.To), r.ReviewerID, r.At, r.Reason,
	))
	if err == nil {
		return card, nil
	}
	return conditionMiss(ctx, q, r.CardID, classify(err, "review card"))
}

// claimSupply is the supply check-and-increment. The card row is locked first
// and the outcome is decided on that locked row, so concurrent claims on the
// same card queue up and a card approved mid-claim is never misreported.
func claimSupply(ctx context.Context, q querier, cardID string, at time.Time) (*models.Card, error) {
	current, err := scanCard(q.QueryRow(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1 FOR UPDATE`, cardID))
	if err != nil {
		return nil, classifyLookup(err, "lock card")
	}
	if !current.CanIssue() {
		return current, ErrConditionFailed
	}

	card, err := scanCard(q.QueryRow(ctx, `
		UPDATE cards
		SET issued_count = issued_count + 1, updated_at = $2
		WHERE id = $1
		RETURNING `+cardColumns,
		cardID, at,
	))
	if err != nil {
		return nil, classify(err, "claim supply")
	}
	return card, nil
}

// conditionMiss tells a missing card apart from a failed precondition.
func conditionMiss(ctx context.Context, q querier, cardID string, err error) (*models.Card, error) {
	if err != ErrNotFound {
		return nil, err
	}
	current, err := getCard(ctx, q, cardID)
	if err != nil {
		return nil, err
	}
	return current, ErrConditionFailed
}

func listCards(ctx context.Context, q querier, cq models.CardQuery) (*models.CardPage, error) {
	w := &where{}
	if cq.Status != nil {
		w.add("status = ?", string(*cq.Status))
	}
	if cq.Rarity != nil {
		w.add("rarity = ?", string(*cq.Rarity))
	}
	if tag := strings.ToLower(strings.TrimSpace(cq.Tag)); tag != "" {
		w.add("? = ANY(tags)", tag)
	}
	if search := strings.TrimSpace(cq.Search); search != "" {
		w.add("(name ILIKE ? OR description ILIKE ?)", likePattern(search), likePattern(search))
	}
	if cq.CreatedBy != nil {
		w.add("created_by = ?", *cq.CreatedBy)
	}
	if cq.Page.Cursor != "" {
		ct, cid, err := decodeCursor(cq.Page.Cursor)
		if err != nil {
			return nil, err
		}
		w.add("(created_at, id) < (?, ?::uuid)", ct, cid)
	}

	size := cq.Page.Size()
	sql := `SELECT ` + cardColumns + ` FROM cards` + w.sql() + ` ORDER BY created_at DESC, id DESC` + w.limit(size+1)

	rows, err := q.Query(ctx, sql, w.args...)
	if err != nil {
		return nil, classify(err, "list cards")
	}
	defer rows.Close()

	cards := make([]*models.Card, 0, size)
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, classify(err, "scan card")
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "list cards")
	}

	page := &models.CardPage{Cards: cards}
	if len(cards) > size {
		page.Cards = cards[:size]
		last := page.Cards[size-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return page, nil
}
