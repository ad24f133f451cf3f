package models

import "time"

type InstanceStatus string

const (
	InstanceActive  InstanceStatus = "active"
	InstanceExpired InstanceStatus = "expired"
	InstanceRemoved InstanceStatus = "removed"
)

type CardInstance struct {
	ID          string         `json:"id"`
	CardID      string         `json:"card_id"`
	OwnerUserID int64          `json:"owner_user_id"`
	AssignedBy  int64          `json:"assigned_by"`
	AssignedAt  time.Time      `json:"assigned_at"`
	ExpiresAt   *time.Time     `json:"expires_at,omitempty"`
	Note        string         `json:"note,omitempty"`
	Status      InstanceStatus `json:"status"`
	EndedBy     *int64         `json:"ended_by,omitempty"` // moderator for removed, SystemActorID for expired
	EndedAt     *time.Time     `json:"ended_at,omitempty"`
	WarnedAt    *time.Time     `json:"warned_at,omitempty"`

	// Card is filled by listing queries only.
	Card *Card `json:"card,omitempty"`
}

// IsActiveAt is false once the instance left active or its expiry elapsed,
// even if the sweep has not caught up yet.
func (i *CardInstance) IsActiveAt(now time.Time) bool {
	if i.Status != InstanceActive {
		return false
	}
	return i.ExpiresAt == nil || i.ExpiresAt.After(now)
}

// IsDue reports whether the sweep should expire the instance.
func (i *CardInstance) IsDue(now time.Time) bool {
	return i.Status == InstanceActive && i.ExpiresAt != nil && !i.ExpiresAt.After(now)
}

func (i *CardInstance) Clone() *CardInstance {
	if i == nil {
		return nil
	}
	cp := *i
	cp.ExpiresAt = cloneTime(i.ExpiresAt)
	cp.EndedAt = cloneTime(i.EndedAt)
	cp.WarnedAt = cloneTime(i.WarnedAt)
	if i.EndedBy != nil {
		v := *i.EndedBy
		cp.EndedBy = &v
	}
	cp.Card = i.Card.Clone()
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
