package models

import "time"

type EventKind string

const (
	EventCardAssigned EventKind = "card_assigned"
	EventCardRemoved  EventKind = "card_removed"
	EventCardExpired  EventKind = "card_expired"
	EventCardExpiring EventKind = "card_expiring"
)

// CardEvent is what owners get notified about after a commit.
type CardEvent struct {
	Kind        EventKind  `json:"kind"`
	OwnerUserID int64      `json:"owner_user_id"`
	InstanceID  string     `json:"instance_id"`
	CardID      string     `json:"card_id"`
	CardName    string     `json:"card_name"`
	Rarity      Rarity     `json:"rarity"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	At          time.Time  `json:"at"`
}
