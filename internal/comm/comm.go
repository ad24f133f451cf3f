package comm

import (
	"encoding/json"
	"strconv"

	"github.com/pkg/errors"
)

// NATS subjects shared by the card services.
const (
	SubjectCommands = "card.service"
	SubjectReplies  = "card.replies"
	SubjectEvents   = "card.events"
	SubjectAuthz    = "card.authz"

	// QueueCardService load-balances commands across card service instances.
	QueueCardService = "card-service"
)

type WSMessage struct {
	Type     string          `json:"type"` // e.g. "submit-card", "assign-card"
	Data     json.RawMessage `json:"data"`
	SocketId string          `json:"socketid"`
}

// Command is a bot or socket request for the card service. ActorId is the
// external user performing it, already verified by the sender.
type Command struct {
	ActorId int64           `json:"actor_id"`
	Payload json.RawMessage `json:"payload"`
}

// CommandResult is published back on SubjectReplies, and as the reply of a
// request when the command was sent with one.
type CommandResult struct {
	Ok        bool        `json:"ok"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
}

type AuthRequest struct {
	ActorId     int64  `json:"actor_id"`
	Action      string `json:"action"`
	CardId      string `json:"card_id,omitempty"`
	InstanceId  string `json:"instance_id,omitempty"`
	OwnerUserId int64  `json:"owner_user_id,omitempty"`
}

type AuthDecision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

// UserIDFromClaims reads the numeric user_id claim of a verified token. Web
// tokens carry it as a JSON number, bot-minted ones sometimes as a string.
func UserIDFromClaims(claims map[string]interface{}) (int64, error) {
	switch v := claims["user_id"].(type) {
	case float64:
		if v > 0 && v == float64(int64(v)) {
			return int64(v), nil
		}
	case json.Number:
		if id, err := v.Int64(); err == nil && id > 0 {
			return id, nil
		}
	case string:
		if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
			return id, nil
		}
	case nil:
		return 0, errors.New("token has no user_id claim")
	}
	return 0, errors.Errorf("invalid user_id claim %v", claims["user_id"])
}
