package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/avvvet/card-services/internal/cardsvc/authz"
	"github.com/avvvet/card-services/internal/cardsvc/models"
	"github.com/avvvet/card-services/internal/cardsvc/service"
	"github.com/avvvet/card-services/internal/cardsvc/store"
	"github.com/avvvet/card-services/internal/comm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	mod    int64 = 500
	admin  int64 = 900
	player int64 = 42
)

func newBroker() *Broker {
	svc := service.NewLifecycleService(store.NewMemoryStore(), authz.NewStatic([]int64{mod}, []int64{admin}))
	return NewBroker(nil, svc)
}

func command(t *testing.T, typ string, actor int64, payload interface{}) *comm.WSMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(comm.Command{ActorId: actor, Payload: raw})
	require.NoError(t, err)
	return &comm.WSMessage{Type: typ, Data: data, SocketId: "sock-1"}
}

// roundTrip decodes a result's data the way a bot client would.
func roundTrip(t *testing.T, res comm.CommandResult, v interface{}) {
	t.Helper()
	require.True(t, res.Ok, "%s: %s", res.ErrorCode, res.Error)
	raw, err := json.Marshal(res.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, v))
}

func TestDispatch_CardFlow(t *testing.T) {
	b := newBroker()
	ctx := context.Background()

	var card models.Card
	roundTrip(t, b.Dispatch(ctx, command(t, TypeSubmitCard, player, map[string]interface{}{
		"name": "Comet", "rarity": "epic", "max_supply": 1,
	})), &card)
	assert.Equal(t, models.CardSubmitted, card.Status)

	res := b.Dispatch(ctx, command(t, TypeApproveCard, player, map[string]string{"card_id": card.ID}))
	assert.False(t, res.Ok)
	assert.Equal(t, "unauthorized", res.ErrorCode)

	roundTrip(t, b.Dispatch(ctx, command(t, TypeApproveCard, mod, map[string]string{"card_id": card.ID})), &card)
	assert.Equal(t, models.CardApproved, card.Status)

	var inst models.CardInstance
	roundTrip(t, b.Dispatch(ctx, command(t, TypeAssignCard, mod, map[string]interface{}{
		"card_id": card.ID, "owner_user_id": player, "expires_in_minutes": 60,
	})), &inst)
	require.NotNil(t, inst.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *inst.ExpiresAt, time.Minute)

	res = b.Dispatch(ctx, command(t, TypeAssignCard, mod, map[string]interface{}{"card_id": card.ID, "owner_user_id": player}))
	assert.Equal(t, "supply_exhausted", res.ErrorCode)

	var page models.InstancePage
	roundTrip(t, b.Dispatch(ctx, command(t, TypeMyCards, player, map[string]interface{}{"active_only": true})), &page)
	require.Len(t, page.Instances, 1)
	assert.Equal(t, inst.ID, page.Instances[0].ID)

	var found lookupResult
	roundTrip(t, b.Dispatch(ctx, command(t, TypeGet, player, map[string]string{"id": inst.ID})), &found)
	require.NotNil(t, found.Instance)
	assert.Nil(t, found.Card)

	roundTrip(t, b.Dispatch(ctx, command(t, TypeRemoveInstance, mod, map[string]string{"instance_id": inst.ID})), &inst)
	assert.Equal(t, models.InstanceRemoved, inst.Status)
}

func TestDispatch_Rejections(t *testing.T) {
	b := newBroker()
	ctx := context.Background()

	tests := []struct {
		name string
		msg  *comm.WSMessage
		code string
	}{
		{"unknown type", command(t, "dance", player, nil), "validation_error"},
		{"missing actor", command(t, TypeSubmitCard, 0, map[string]string{"name": "x"}), "validation_error"},
		{"bad payload", command(t, TypeSubmitCard, player, "just a string"), "validation_error"},
		{"bad rarity filter", command(t, TypeListCards, player, map[string]string{"rarity": "mythic"}), "validation_error"},
		{"bad status filter", command(t, TypeListCards, player, map[string]string{"status": "pending"}), "validation_error"},
		{"both expiries", command(t, TypeAssignCard, mod, map[string]interface{}{
			"card_id": "x", "owner_user_id": 1, "expires_in_minutes": 5, "expires_at": time.Now(),
		}), "validation_error"},
		{"audit needs admin", command(t, TypeAudit, mod, map[string]string{}), "unauthorized"},
		{"unknown audit action", command(t, TypeAudit, admin, map[string]string{"action": "asign"}), "validation_error"},
		{"unknown audit target", command(t, TypeAudit, admin, map[string]string{"target_type": "cards"}), "validation_error"},
		{"reject unknown card", command(t, TypeRejectCard, mod, map[string]string{"card_id": "nope"}), "not_found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := b.Dispatch(ctx, tt.msg)
			assert.False(t, res.Ok)
			assert.Equal(t, tt.code, res.ErrorCode)
			assert.NotEmpty(t, res.Error)
		})
	}

	res := b.Dispatch(ctx, &comm.WSMessage{Type: TypeSubmitCard, Data: []byte("{")})
	assert.Equal(t, "validation_error", res.ErrorCode)
}

func TestReply(t *testing.T) {
	payload, err := Reply(&comm.WSMessage{Type: TypeAssignCard, SocketId: "s9"}, comm.CommandResult{ErrorCode: "supply_exhausted"})
	require.NoError(t, err)

	var msg comm.WSMessage
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, "assign-card-resp", msg.Type)
	assert.Equal(t, "s9", msg.SocketId)
	assert.JSONEq(t, `{"ok":false,"error_code":"supply_exhausted"}`, string(msg.Data))
}
