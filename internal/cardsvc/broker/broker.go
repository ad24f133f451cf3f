package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avvvet/card-services/internal/cardsvc/errs"
	"github.com/avvvet/card-services/internal/cardsvc/models"
	"github.com/avvvet/card-services/internal/cardsvc/service"
	"github.com/avvvet/card-services/internal/comm"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Message types accepted on comm.SubjectCommands. Results go out as
// "<type>-resp".
const (
	TypeSubmitCard     = "submit-card"
	TypeApproveCard    = "approve-card"
	TypeRejectCard     = "reject-card"
	TypeCreateCard     = "create-card"
	TypeAssignCard     = "assign-card"
	TypeRemoveInstance = "remove-instance"
	TypeGet            = "get"
	TypeListCards      = "list-cards"
	TypeMyCards        = "my-cards"
	TypeAudit          = "audit"
)

type Broker struct {
	Conn      *nats.Conn
	Lifecycle *service.LifecycleService
	Timeout   time.Duration
}

func NewBroker(nc *nats.Conn, lifecycle *service.LifecycleService) *Broker {
	return &Broker{
		Conn:      nc,
		Lifecycle: lifecycle,
		Timeout:   30 * time.Second,
	}
}

// handles commands coming from the bot and the socket service
func (b *Broker) handleMessage(msgNat *nats.Msg) {
	msg := &comm.WSMessage{}
	if err := json.Unmarshal(msgNat.Data, msg); err != nil {
		log.Errorf("Error nats message %s", err)
		return
	}

	// a panicking command must not take the subscriber down
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic handling %s: %v", msg.Type, r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), b.Timeout)
	defer cancel()
	result := b.Dispatch(ctx, msg)

	payload, err := Reply(msg, result)
	if err != nil {
		log.Errorf("Error encoding %s result: %s", msg.Type, err)
		return
	}
	if msgNat.Reply != "" {
		if err := msgNat.Respond(payload); err != nil {
			log.Errorf("Error responding to %s: %s", msg.Type, err)
		}
		return
	}
	b.Publish(comm.SubjectReplies, payload)
}

// Reply wraps result in the envelope sent back to the caller's socket.
func Reply(msg *comm.WSMessage, result comm.CommandResult) ([]byte, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&comm.WSMessage{
		Type:     msg.Type + "-resp",
		Data:     data,
		SocketId: msg.SocketId,
	})
}

type cardRequest struct {
	CardID string `json:"card_id"`
	Reason string `json:"reason"`
}

type assignRequest struct {
	service.Assignment
	ExpiresInMinutes *int `json:"expires_in_minutes,omitempty"`
}

type instanceRequest struct {
	InstanceID string `json:"instance_id"`
}

type getRequest struct {
	ID string `json:"id"`
}

type listCardsRequest struct {
	Status    string `json:"status,omitempty"`
	Rarity    string `json:"rarity,omitempty"`
	Tag       string `json:"tag,omitempty"`
	Search    string `json:"search,omitempty"`
	CreatedBy *int64 `json:"created_by,omitempty"`
	models.Page
}

type myCardsRequest struct {
	ActiveOnly bool   `json:"active_only"`
	Rarity     string `json:"rarity,omitempty"`
	Tag        string `json:"tag,omitempty"`
	Search     string `json:"search,omitempty"`
	models.Page
}

type auditRequest struct {
	ActorUserID *int64     `json:"actor_user_id,omitempty"`
	Action      string     `json:"action,omitempty"`
	TargetType  string     `json:"target_type,omitempty"`
	TargetID    string     `json:"target_id,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Until       *time.Time `json:"until,omitempty"`
	models.Page
}

// Dispatch runs one command against the lifecycle service.
func (b *Broker) Dispatch(ctx context.Context, msg *comm.WSMessage) comm.CommandResult {
	var cmd comm.Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		return failure(errs.Validation("malformed command: %s", err))
	}
	if cmd.ActorId <= 0 {
		return failure(errs.Validation("actor id is required"))
	}

	var data interface{}
	var err error
	switch msg.Type {
	case TypeSubmitCard:
		var req service.NewCard
		if err = decode(cmd.Payload, &req); err == nil {
			data, err = b.Lifecycle.SubmitCard(ctx, cmd.ActorId, req)
		}
	case TypeCreateCard:
		var req service.NewCard
		if err = decode(cmd.Payload, &req); err == nil {
			data, err = b.Lifecycle.CreateApprovedCard(ctx, cmd.ActorId, req)
		}
	case TypeApproveCard:
		var req cardRequest
		if err = decode(cmd.Payload, &req); err == nil {
			data, err = b.Lifecycle.ApproveCard(ctx, cmd.ActorId, req.CardID)
		}
	case TypeRejectCard:
		var req cardRequest
		if err = decode(cmd.Payload, &req); err == nil {
			data, err = b.Lifecycle.RejectCard(ctx, cmd.ActorId, req.CardID, req.Reason)
		}
	case TypeAssignCard:
		var req assignRequest
		if err = decode(cmd.Payload, &req); err == nil {
			req.ExpiresAt, err = service.ResolveExpiry(req.ExpiresAt, req.ExpiresInMinutes, time.Now().UTC())
			if err == nil {
				data, err = b.Lifecycle.AssignCard(ctx, cmd.ActorId, req.Assignment)
			}
		}
	case TypeRemoveInstance:
		var req instanceRequest
		if err = decode(cmd.Payload, &req); err == nil {
			data, err = b.Lifecycle.RemoveInstance(ctx, cmd.ActorId, req.InstanceID)
		}
	case TypeGet:
		var req getRequest
		if err = decode(cmd.Payload, &req); err == nil {
			var card *models.Card
			var inst *models.CardInstance
			if card, inst, err = b.Lifecycle.Lookup(ctx, req.ID); err == nil {
				data = lookupResult{Card: card, Instance: inst}
			}
		}
	case TypeListCards:
		var req listCardsRequest
		if err = decode(cmd.Payload, &req); err == nil {
			var q models.CardQuery
			if q, err = cardQuery(req); err == nil {
				data, err = b.Lifecycle.ListCards(ctx, q)
			}
		}
	case TypeMyCards:
		var req myCardsRequest
		if err = decode(cmd.Payload, &req); err == nil {
			q := models.InstanceQuery{
				OwnerUserID: cmd.ActorId,
				ActiveOnly:  req.ActiveOnly,
				Tag:         req.Tag,
				Search:      req.Search,
				Page:        req.Page,
			}
			if q.Rarity, err = parseRarity(req.Rarity); err == nil {
				data, err = b.Lifecycle.ListOwnerInstances(ctx, q)
			}
		}
	case TypeAudit:
		var req auditRequest
		if err = decode(cmd.Payload, &req); err == nil {
			q := models.AuditQuery{
				ActorUserID: req.ActorUserID,
				TargetID:    req.TargetID,
				Since:       req.Since,
				Until:       req.Until,
				Page:        req.Page,
			}
			if req.Action != "" {
				a := models.Action(req.Action)
				q.Action = &a
			}
			if req.TargetType != "" {
				tt := models.TargetType(req.TargetType)
				q.TargetType = &tt
			}
			data, err = b.Lifecycle.QueryAudit(ctx, cmd.ActorId, q)
		}
	default:
		log.Warnf("unknown message type %q", msg.Type)
		err = errs.Validation("unknown message type %q", msg.Type)
	}

	if err != nil {
		log.WithFields(log.Fields{"type": msg.Type, "actor": cmd.ActorId}).Infof("command failed: %s", err)
		return failure(err)
	}
	return comm.CommandResult{Ok: true, Data: data}
}

type lookupResult struct {
	Card     *models.Card         `json:"card,omitempty"`
	Instance *models.CardInstance `json:"instance,omitempty"`
}

func failure(err error) comm.CommandResult {
	return comm.CommandResult{
		Error:     errs.Message(err),
		ErrorCode: string(errs.CodeOf(err)),
	}
}

func decode(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errs.Validation("malformed payload: %s", err)
	}
	return nil
}

func cardQuery(req listCardsRequest) (models.CardQuery, error) {
	q := models.CardQuery{Tag: req.Tag, Search: req.Search, CreatedBy: req.CreatedBy, Page: req.Page}
	if req.Status != "" {
		st, ok := models.ParseCardStatus(req.Status)
		if !ok {
			return q, errs.Validation("unknown status %q", req.Status)
		}
		q.Status = &st
	}
	var err error
	q.Rarity, err = parseRarity(req.Rarity)
	return q, err
}

func parseRarity(s string) (*models.Rarity, error) {
	if s == "" {
		return nil, nil
	}
	r, ok := models.ParseRarity(s)
	if !ok {
		return nil, errs.Validation("unknown rarity %q", s)
	}
	return &r, nil
}

// consume commands, load-balanced across card service instances
func (b *Broker) QueueSubscribeCommands(topic, queueGroup string) (*nats.Subscription, error) {
	sub, err := b.Conn.QueueSubscribe(topic, queueGroup, b.handleMessage)
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func (b *Broker) Publish(topic string, payload []byte) error {
	err := b.Conn.Publish(topic, payload)
	if err != nil {
		log.Errorf("Error publishing to topic %s: %s", topic, err)
		return err
	}

	return nil
}
