package models

import "time"

type Rarity string

const (
	RarityCommon    Rarity = "common"
	RarityUncommon  Rarity = "uncommon"
	RarityRare      Rarity = "rare"
	RarityEpic      Rarity = "epic"
	RarityLegendary Rarity = "legendary"
)

// Rarities lists every rarity from lowest to highest.
var Rarities = []Rarity{RarityCommon, RarityUncommon, RarityRare, RarityEpic, RarityLegendary}

// ParseRarity accepts the lower-case rarity name.
func ParseRarity(s string) (Rarity, bool) {
	for _, r := range Rarities {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

type CardStatus string

const (
	CardSubmitted CardStatus = "submitted"
	CardApproved  CardStatus = "approved"
	CardRejected  CardStatus = "rejected"
)

func ParseCardStatus(s string) (CardStatus, bool) {
	switch CardStatus(s) {
	case CardSubmitted, CardApproved, CardRejected:
		return CardStatus(s), true
	}
	return "", false
}

type Card struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Rarity       Rarity     `json:"rarity"`
	Tags         []string   `json:"tags"`
	ImageRef     string     `json:"image_ref,omitempty"`
	MaxSupply    *int       `json:"max_supply,omitempty"` // nil means unlimited
	IssuedCount  int        `json:"issued_count"`         // instances ever granted
	Status       CardStatus `json:"status"`
	CreatedBy    int64      `json:"created_by"`
	ReviewedBy   *int64     `json:"reviewed_by,omitempty"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
	RejectReason string     `json:"reject_reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// RemainingSupply reports the free slots; ok is false for unlimited cards.
func (c *Card) RemainingSupply() (remaining int, ok bool) {
	if c.MaxSupply == nil {
		return 0, false
	}
	if left := *c.MaxSupply - c.IssuedCount; left > 0 {
		return left, true
	}
	return 0, true
}

// CanIssue is true when the card is approved and has a free supply slot.
func (c *Card) CanIssue() bool {
	if c.Status != CardApproved {
		return false
	}
	left, bounded := c.RemainingSupply()
	return !bounded || left > 0
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (c *Card) Clone() *Card {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Tags = append([]string(nil), c.Tags...)
	if c.MaxSupply != nil {
		v := *c.MaxSupply
		cp.MaxSupply = &v
	}
	if c.ReviewedBy != nil {
		v := *c.ReviewedBy
		cp.ReviewedBy = &v
	}
	if c.ReviewedAt != nil {
		v := *c.ReviewedAt
		cp.ReviewedAt = &v
	}
	return &cp
}

func (c *Card) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
