package models

import "time"

// SystemActorID is the actor recorded for scheduler-driven events.
const SystemActorID int64 = 0

type Action string

const (
	ActionSubmit           Action = "submit"
	ActionApprove          Action = "approve"
	ActionReject           Action = "reject"
	ActionCreateAndApprove Action = "create_and_approve"
	ActionAssign           Action = "assign"
	ActionRemove           Action = "remove"
	ActionExpire           Action = "expire"
	ActionExpiryWarning    Action = "expiry_warning"

	// ActionAuditRead is only used for authorization, it is never written.
	ActionAuditRead Action = "audit_read"
)

// RecordedActions lists every action the ledger can hold.
var RecordedActions = []Action{
	ActionSubmit, ActionApprove, ActionReject, ActionCreateAndApprove,
	ActionAssign, ActionRemove, ActionExpire, ActionExpiryWarning,
}

func (a Action) Recorded() bool {
	for _, v := range RecordedActions {
		if v == a {
			return true
		}
	}
	return false
}

type TargetType string

const (
	TargetCard     TargetType = "card"
	TargetInstance TargetType = "card_instance"
)

func (t TargetType) Valid() bool {
	return t == TargetCard || t == TargetInstance
}

type AuditLogEntry struct {
	ID          int64                  `json:"id"`
	ActorUserID int64                  `json:"actor_user_id"`
	Action      Action                 `json:"action"`
	TargetType  TargetType             `json:"target_type"`
	TargetID    string                 `json:"target_id"`
	Detail      map[string]interface{} `json:"detail"`
	CreatedAt   time.Time              `json:"created_at"`
}

// AuthContext is handed to the authorization collaborator with every mutation.
type AuthContext struct {
	CardID      string `json:"card_id,omitempty"`
	InstanceID  string `json:"instance_id,omitempty"`
	OwnerUserID int64  `json:"owner_user_id,omitempty"`
}
