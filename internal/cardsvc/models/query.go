package models

import "time"

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// Page is a keyset page request; Cursor is the opaque NextCursor of the previous page.
type Page struct {
	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Size clamps the requested limit.
func (p Page) Size() int {
	switch {
	case p.Limit <= 0:
		return DefaultPageSize
	case p.Limit > MaxPageSize:
		return MaxPageSize
	}
	return p.Limit
}

type CardQuery struct {
	Status    *CardStatus
	Rarity    *Rarity
	Tag       string
	Search    string
	CreatedBy *int64
	Page      Page
}

type InstanceQuery struct {
	OwnerUserID int64
	ActiveOnly  bool
	Rarity      *Rarity
	Tag         string
	Search      string // card name, case-insensitive
	Page        Page
	Now         time.Time // reference time for ActiveOnly
}

type AuditQuery struct {
	ActorUserID *int64
	Action      *Action
	TargetType  *TargetType
	TargetID    string
	Since       *time.Time
	Until       *time.Time
	Page        Page
}

type CardPage struct {
	Cards      []*Card `json:"cards"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

type InstancePage struct {
	Instances  []*CardInstance `json:"instances"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type AuditPage struct {
	Entries    []*AuditLogEntry `json:"entries"`
	NextCursor string           `json:"next_cursor,omitempty"`
}
