// Package authz holds the authorization collaborators the lifecycle service
// consults before every mutation.
package authz

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avvvet/card-services/internal/cardsvc/models"
	"github.com/avvvet/card-services/internal/comm"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Static grants from fixed id lists. Anyone may submit; every other action
// needs a moderator or an admin, and reading the audit log needs an admin.
type Static struct {
	moderators map[int64]struct{}
	admins     map[int64]struct{}
}

func NewStatic(moderators, admins []int64) *Static {
	s := &Static{
		moderators: make(map[int64]struct{}, len(moderators)),
		admins:     make(map[int64]struct{}, len(admins)),
	}
	for _, id := range moderators {
		s.moderators[id] = struct{}{}
	}
	for _, id := range admins {
		s.admins[id] = struct{}{}
	}
	return s
}

func (s *Static) Authorize(_ context.Context, actorID int64, action models.Action, _ models.AuthContext) (bool, error) {
	_, admin := s.admins[actorID]
	_, moderator := s.moderators[actorID]
	switch action {
	case models.ActionSubmit:
		return actorID > 0, nil
	case models.ActionAuditRead:
		return admin, nil
	case models.ActionApprove, models.ActionReject, models.ActionCreateAndApprove,
		models.ActionAssign, models.ActionRemove:
		return admin || moderator, nil
	}
	return false, nil
}

// Requester is the part of *nats.Conn the remote authorizer needs.
type Requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// Remote asks the role service over NATS request/reply. Timeouts and
// transport failures are returned as errors, which callers treat as a deny.
type Remote struct {
	conn    Requester
	subject string
	timeout time.Duration
}

func NewRemote(conn Requester, timeout time.Duration) *Remote {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Remote{conn: conn, subject: comm.SubjectAuthz, timeout: timeout}
}

func (r *Remote) Authorize(ctx context.Context, actorID int64, action models.Action, ac models.AuthContext) (bool, error) {
	req, err := json.Marshal(comm.AuthRequest{
		ActorId:     actorID,
		Action:      string(action),
		CardId:      ac.CardID,
		InstanceId:  ac.InstanceID,
		OwnerUserId: ac.OwnerUserID,
	})
	if err != nil {
		return false, errors.Wrap(err, "encode auth request")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	msg, err := r.conn.RequestWithContext(ctx, r.subject, req)
	if err != nil {
		return false, errors.Wrapf(err, "request %s", r.subject)
	}

	var decision comm.AuthDecision
	if err := json.Unmarshal(msg.Data, &decision); err != nil {
		return false, errors.Wrap(err, "decode auth decision")
	}
	if !decision.Allow {
		log.WithFields(log.Fields{"actor": actorID, "action": action}).Infof("denied: %s", decision.Reason)
	}
	return decision.Allow, nil
}
