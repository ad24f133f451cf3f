package service

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/avvvet/card-services/internal/cardsvc/errs"
	"github.com/avvvet/card-services/internal/cardsvc/models"
	"github.com/avvvet/card-services/internal/cardsvc/store"
	"github.com/google/uuid"
)

const (
	MaxNameLength        = 100
	MaxDescriptionLength = 500
	MaxTags              = 10
	MaxTagLength         = 50
	MaxImageRefLength    = 500
	MaxReasonLength      = 500
)

// NewCard is the submission payload of a card definition.
type NewCard struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Rarity      string   `json:"rarity"`
	Tags        []string `json:"tags,omitempty"`
	ImageRef    string   `json:"image_ref,omitempty"`
	MaxSupply   *int     `json:"max_supply,omitempty"`
}

// CardService owns card definitions and their moderation state machine:
// submitted -> approved | rejected, nothing leaves approved or rejected.
type CardService struct {
	now func() time.Time
}

func NewCardService(now func() time.Time) *CardService {
	return &CardService{now: now}
}

func (s *CardService) Submit(ctx context.Context, tx store.Tx, in NewCard, actor int64) (*models.Card, error) {
	card, err := s.build(in, actor)
	if err != nil {
		return nil, err
	}
	if err := tx.InsertCard(ctx, card); err != nil {
		return nil, errs.Storage(err, "insert card")
	}
	return card, nil
}

// CreateApproved inserts the card already approved by actor. The reviewer
// fields are part of the same insert, so no approved row without a reviewer
// is ever visible.
func (s *CardService) CreateApproved(ctx context.Context, tx store.Tx, in NewCard, actor int64) (*models.Card, error) {
	card, err := s.build(in, actor)
	if err != nil {
		return nil, err
	}
	reviewer, at := actor, card.CreatedAt
	card.Status = models.CardApproved
	card.ReviewedBy, card.ReviewedAt = &reviewer, &at
	if err := tx.InsertCard(ctx, card); err != nil {
		return nil, errs.Storage(err, "insert card")
	}
	return card, nil
}

func (s *CardService) Approve(ctx context.Context, tx store.Tx, cardID string, actor int64) (*models.Card, error) {
	return s.review(ctx, tx, store.CardReview{CardID: cardID, To: models.CardApproved, ReviewerID: actor})
}

func (s *CardService) Reject(ctx context.Context, tx store.Tx, cardID string, actor int64, reason string) (*models.Card, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) > MaxReasonLength {
		return nil, errs.Validation("reason exceeds %d characters", MaxReasonLength)
	}
	return s.review(ctx, tx, store.CardReview{CardID: cardID, To: models.CardRejected, ReviewerID: actor, Reason: reason})
}

func (s *CardService) review(ctx context.Context, tx store.Tx, r store.CardReview) (*models.Card, error) {
	if !validID(r.CardID) {
		return nil, errs.NotFound("card", r.CardID)
	}
	r.At = s.now()
	card, err := tx.ReviewCard(ctx, r)
	switch err {
	case nil:
		return card, nil
	case store.ErrNotFound:
		return nil, errs.NotFound("card", r.CardID)
	case store.ErrConditionFailed:
		return nil, errs.InvalidState("card %s is %s, only submitted cards can be reviewed", card.ID, card.Status)
	}
	return nil, errs.Storage(err, "review card")
}

func (s *CardService) build(in NewCard, actor int64) (*models.Card, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errs.Validation("name is required")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return nil, errs.Validation("name exceeds %d characters", MaxNameLength)
	}
	rarity, ok := models.ParseRarity(strings.ToLower(strings.TrimSpace(in.Rarity)))
	if !ok {
		return nil, errs.Validation("unknown rarity %q", in.Rarity)
	}
	description := strings.TrimSpace(in.Description)
	if utf8.RuneCountInString(description) > MaxDescriptionLength {
		return nil, errs.Validation("description exceeds %d characters", MaxDescriptionLength)
	}
	if utf8.RuneCountInString(in.ImageRef) > MaxImageRefLength {
		return nil, errs.Validation("image reference exceeds %d characters", MaxImageRefLength)
	}
	var maxSupply *int
	if in.MaxSupply != nil {
		if *in.MaxSupply < 1 {
			return nil, errs.Validation("max supply must be at least 1")
		}
		v := *in.MaxSupply
		maxSupply = &v
	}
	tags, err := NormalizeTags(in.Tags)
	if err != nil {
		return nil, err
	}

	now := s.now()
	return &models.Card{
		ID:          uuid.NewString(),
		Name:        name,
		Description: description,
		Rarity:      rarity,
		Tags:        tags,
		ImageRef:    strings.TrimSpace(in.ImageRef),
		MaxSupply:   maxSupply,
		Status:      models.CardSubmitted,
		CreatedBy:   actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// NormalizeTags trims, lower-cases, drops blanks and de-duplicates tags, and
// returns them sorted.
func NormalizeTags(in []string) ([]string, error) {
	seen := make(map[string]struct{}, len(in))
	tags := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if utf8.RuneCountInString(t) > MaxTagLength {
			return nil, errs.Validation("tag %q exceeds %d characters", t, MaxTagLength)
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	if len(tags) > MaxTags {
		return nil, errs.Validation("at most %d tags are allowed", MaxTags)
	}
	sort.Strings(tags)
	return tags, nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
