package service

import (
	"context"
	"encoding/base64"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/avvvet/card-services/internal/cardsvc/errs"
	"github.com/avvvet/card-services/internal/cardsvc/models"
	"github.com/avvvet/card-services/internal/cardsvc/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	moderator int64 = 100
	player    int64 = 7
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type authzFunc func(actor int64, action models.Action) (bool, error)

func (f authzFunc) Authorize(_ context.Context, actor int64, action models.Action, _ models.AuthContext) (bool, error) {
	return f(actor, action)
}

var allowAll = authzFunc(func(int64, models.Action) (bool, error) { return true, nil })

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.CardEvent
	err    error
}

func (n *recordingNotifier) Notify(_ context.Context, ev models.CardEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return n.err
}

func (n *recordingNotifier) Kinds() []models.EventKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.EventKind
	for _, ev := range n.events {
		out = append(out, ev.Kind)
	}
	return out
}

type fixture struct {
	st       *store.MemoryStore
	clock    *fakeClock
	notifier *recordingNotifier
	svc      *LifecycleService
}

func newFixture(t *testing.T, authz Authorizer, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		st:       store.NewMemoryStore(),
		clock:    &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		notifier: &recordingNotifier{},
	}
	opts = append([]Option{WithClock(f.clock.Now), WithNotifier(f.notifier)}, opts...)
	f.svc = NewLifecycleService(f.st, authz, opts...)
	return f
}

func (f *fixture) approvedCard(t *testing.T, maxSupply *int) *models.Card {
	t.Helper()
	card, err := f.svc.CreateApprovedCard(context.Background(), moderator, NewCard{
		Name:      "Golden Dragon",
		Rarity:    "legendary",
		Tags:      []string{"Dragon", "fire"},
		MaxSupply: maxSupply,
	})
	require.NoError(t, err)
	return card
}

func (f *fixture) actions() []models.Action {
	var out []models.Action
	for _, e := range f.st.AuditLog() {
		out = append(out, e.Action)
	}
	return out
}

func intp(v int) *int { return &v }

func TestLifecycle_RoundTrip(t *testing.T) {
	f := newFixture(t, allowAll)
	ctx := context.Background()

	card, err := f.svc.SubmitCard(ctx, player, NewCard{
		Name:        "  Golden Dragon ",
		Description: "breathes gold",
		Rarity:      "Legendary",
		Tags:        []string{"fire", "Dragon", "fire", " "},
		MaxSupply:   intp(3),
	})
	require.NoError(t, err)
	assert.Equal(t, "Golden Dragon", card.Name)
	assert.Equal(t, models.RarityLegendary, card.Rarity)
	assert.Equal(t, []string{"dragon", "fire"}, card.Tags)
	assert.Equal(t, models.CardSubmitted, card.Status)
	assert.Nil(t, card.ReviewedBy)

	approved, err := f.svc.ApproveCard(ctx, moderator, card.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CardApproved, approved.Status)
	require.NotNil(t, approved.ReviewedBy)
	assert.Equal(t, moderator, *approved.ReviewedBy)
	require.NotNil(t, approved.ReviewedAt)

	f.clock.Advance(time.Minute)
	expires := f.clock.Now().Add(48 * time.Hour)
	inst, err := f.svc.AssignCard(ctx, moderator, Assignment{
		CardID:      card.ID,
		OwnerUserID: player,
		ExpiresAt:   &expires,
		Note:        "tournament prize",
	})
	require.NoError(t, err)
	assert.Equal(t, models.InstanceActive, inst.Status)
	assert.Equal(t, moderator, inst.AssignedBy)
	assert.Equal(t, 1, inst.Card.IssuedCount)

	got, err := f.svc.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, "Golden Dragon", got.Card.Name)

	page, err := f.svc.ListOwnerInstances(ctx, models.InstanceQuery{OwnerUserID: player, ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, page.Instances, 1)

	after, err := f.svc.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.IssuedCount)
	remaining, bounded := after.RemainingSupply()
	assert.True(t, bounded)
	assert.Equal(t, 2, remaining)

	assert.Equal(t, []models.Action{models.ActionSubmit, models.ActionApprove, models.ActionAssign}, f.actions())

	f.svc.Wait()
	require.Equal(t, []models.EventKind{models.EventCardAssigned}, f.notifier.Kinds())
	assert.Equal(t, "Golden Dragon", f.notifier.events[0].CardName)
	assert.Equal(t, player, f.notifier.events[0].OwnerUserID)
}

func TestLifecycle_SubmitValidation(t *testing.T) {
	tests := []struct {
		name string
		in   NewCard
	}{
		{"empty name", NewCard{Name: "  ", Rarity: "common"}},
		{"long name", NewCard{Name: strings.Repeat("x", MaxNameLength+1), Rarity: "common"}},
		{"unknown rarity", NewCard{Name: "Slime", Rarity: "mythic"}},
		{"zero supply", NewCard{Name: "Slime", Rarity: "common", MaxSupply: intp(0)}},
		{"negative supply", NewCard{Name: "Slime", Rarity: "common", MaxSupply: intp(-2)}},
		{"long description", NewCard{Name: "Slime", Rarity: "common", Description: strings.Repeat("d", MaxDescriptionLength+1)}},
		{"long tag", NewCard{Name: "Slime", Rarity: "common", Tags: []string{strings.Repeat("t", MaxTagLength+1)}}},
		{"too many tags", NewCard{Name: "Slime", Rarity: "common", Tags: strings.Split("a,b,c,d,e,f,g,h,i,j,k", ",")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, allowAll)
			_, err := f.svc.SubmitCard(context.Background(), player, tt.in)
			require.Error(t, err)
			assert.Equal(t, errs.CodeValidation, errs.CodeOf(err))
			assert.Empty(t, f.st.AuditLog())

			page, err := f.svc.ListCards(context.Background(), models.CardQuery{})
			require.NoError(t, err)
			assert.Empty(t, page.Cards)
		})
	}
}

func TestNormalizeTags(t *testing.T) {
	tags, err := NormalizeTags([]string{" Fire", "fire", "", "ICE", "dragon"})
	require.NoError(t, err)
	assert.Equal(t, []string{"dragon", "fire", "ice"}, tags)

	// duplicates do not count against the limit
	many := append(strings.Split("a,b,c,d,e,f,g,h,i,j", ","), "A", "b ")
	tags, err = NormalizeTags(many)
	require.NoError(t, err)
	assert.Len(t, tags, MaxTags)
}

func TestLifecycle_ReviewStateMachine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, allowAll)

	submit := func() *models.Card {
		c, err := f.svc.SubmitCard(ctx, player, NewCard{Name: "Imp", Rarity: "rare"})
		require.NoError(t, err)
		return c
	}

	approved := submit()
	_, err := f.svc.ApproveCard(ctx, moderator, approved.ID)
	require.NoError(t, err)

	rejected := submit()
	card, err := f.svc.RejectCard(ctx, moderator, rejected.ID, "off-theme")
	require.NoError(t, err)
	assert.Equal(t, models.CardRejected, card.Status)
	assert.Equal(t, "off-theme", card.RejectReason)

	entries := len(f.st.AuditLog())

	t.Run("nothing leaves approved", func(t *testing.T) {
		_, err := f.svc.ApproveCard(ctx, moderator, approved.ID)
		assert.True(t, errs.Is(err, errs.CodeInvalidState), err)
		_, err = f.svc.RejectCard(ctx, moderator, approved.ID, "")
		assert.True(t, errs.Is(err, errs.CodeInvalidState), err)
	})

	t.Run("nothing leaves rejected", func(t *testing.T) {
		_, err := f.svc.ApproveCard(ctx, moderator, rejected.ID)
		assert.True(t, errs.Is(err, errs.CodeInvalidState), err)
	})

	t.Run("rejected card cannot be assigned", func(t *testing.T) {
		_, err := f.svc.AssignCard(ctx, moderator, Assignment{CardID: rejected.ID, OwnerUserID: player})
		assert.True(t, errs.Is(err, errs.CodeInvalidState), err)
		c, err := f.svc.GetCard(ctx, rejected.ID)
		require.NoError(t, err)
		assert.Zero(t, c.IssuedCount)
	})

	t.Run("submitted card cannot be assigned", func(t *testing.T) {
		pending := submit()
		entries++
		_, err := f.svc.AssignCard(ctx, moderator, Assignment{CardID: pending.ID, OwnerUserID: player})
		assert.True(t, errs.Is(err, errs.CodeInvalidState), err)
	})

	t.Run("unknown cards", func(t *testing.T) {
		_, err := f.svc.ApproveCard(ctx, moderator, uuid.NewString())
		assert.True(t, errs.Is(err, errs.CodeNotFound), err)
		_, err = f.svc.ApproveCard(ctx, moderator, "not-a-uuid")
		assert.True(t, errs.Is(err, errs.CodeNotFound), err)
		_, err = f.svc.AssignCard(ctx, moderator, Assignment{CardID: uuid.NewString(), OwnerUserID: player})
		assert.True(t, errs.Is(err, errs.CodeNotFound), err)
	})

	assert.Len(t, f.st.AuditLog(), entries, "failed operations must not write the ledger")
}

func TestLifecycle_CreateApprovedWritesOneEntry(t *testing.T) {
	f := newFixture(t, allowAll)
	card := f.approvedCard(t, nil)

	assert.Equal(t, models.CardApproved, card.Status)
	require.NotNil(t, card.ReviewedBy)
	assert.Equal(t, moderator, *card.ReviewedBy)
	assert.Equal(t, card.CreatedAt, *card.ReviewedAt)

	log := f.st.AuditLog()
	require.Len(t, log, 1)
	assert.Equal(t, models.ActionCreateAndApprove, log[0].Action)
	assert.Equal(t, models.TargetCard, log[0].TargetType)
	assert.Equal(t, card.ID, log[0].TargetID)
}

func TestLifecycle_LastSlotRace(t *testing.T) {
	f := newFixture(t, allowAll)
	card := f.approvedCard(t, intp(1))

	var wg sync.WaitGroup
	results := make([]error, 2)
	for n := range results {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, results[n] = f.svc.AssignCard(context.Background(), moderator, Assignment{
				CardID:      card.ID,
				OwnerUserID: int64(n + 1),
			})
		}(n)
	}
	wg.Wait()

	var ok, exhausted int
	for _, err := range results {
		switch {
		case err == nil:
			ok++
		case errs.Is(err, errs.CodeSupplyExhausted):
			exhausted++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, exhausted)

	c, err := f.svc.GetCard(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.IssuedCount)
}

func TestLifecycle_SupplyNeverExceeded(t *testing.T) {
	f := newFixture(t, allowAll)
	card := f.approvedCard(t, intp(5))

	var wg sync.WaitGroup
	var granted, exhausted int32
	for n := 0; n < 40; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := f.svc.AssignCard(context.Background(), moderator, Assignment{CardID: card.ID, OwnerUserID: int64(n + 1)})
			switch {
			case err == nil:
				atomic.AddInt32(&granted, 1)
			case errs.Is(err, errs.CodeSupplyExhausted):
				atomic.AddInt32(&exhausted, 1)
			}
		}(n)
	}
	wg.Wait()

	assert.EqualValues(t, 5, granted)
	assert.EqualValues(t, 35, exhausted)
	c, err := f.svc.GetCard(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, c.IssuedCount)

	var assigns int
	for _, a := range f.actions() {
		if a == models.ActionAssign {
			assigns++
		}
	}
	assert.Equal(t, 5, assigns)
}

func TestLifecycle_RemoveTwice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, allowAll)
	card := f.approvedCard(t, intp(1))

	inst, err := f.svc.AssignCard(ctx, moderator, Assignment{CardID: card.ID, OwnerUserID: player})
	require.NoError(t, err)

	removed, err := f.svc.RemoveInstance(ctx, moderator, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceRemoved, removed.Status)
	require.NotNil(t, removed.EndedBy)
	assert.Equal(t, moderator, *removed.EndedBy)

	_, err = f.svc.RemoveInstance(ctx, moderator, inst.ID)
	assert.True(t, errs.Is(err, errs.CodeInvalidState), err)

	_, err = f.svc.RemoveInstance(ctx, moderator, uuid.NewString())
	assert.True(t, errs.Is(err, errs.CodeNotFound), err)

	// removal does not free supply
	c, err := f.svc.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, c.IssuedCount)
	_, err = f.svc.AssignCard(ctx, moderator, Assignment{CardID: card.ID, OwnerUserID: player})
	assert.True(t, errs.Is(err, errs.CodeSupplyExhausted), err)

	assert.Equal(t, []models.Action{models.ActionCreateAndApprove, models.ActionAssign, models.ActionRemove}, f.actions())
	f.svc.Wait()
	assert.Equal(t, []models.EventKind{models.EventCardAssigned, models.EventCardRemoved}, f.notifier.Kinds())
}

func TestLifecycle_Unauthorized(t *testing.T) {
	ctx := context.Background()

	t.Run("deny", func(t *testing.T) {
		f := newFixture(t, authzFunc(func(actor int64, action models.Action) (bool, error) {
			return action == models.ActionSubmit, nil
		}))
		card, err := f.svc.SubmitCard(ctx, player, NewCard{Name: "Imp", Rarity: "common"})
		require.NoError(t, err)

		_, err = f.svc.ApproveCard(ctx, player, card.ID)
		assert.True(t, errs.Is(err, errs.CodeUnauthorized), err)
		_, err = f.svc.CreateApprovedCard(ctx, player, NewCard{Name: "Imp", Rarity: "common"})
		assert.True(t, errs.Is(err, errs.CodeUnauthorized), err)
		_, err = f.svc.QueryAudit(ctx, player, models.AuditQuery{})
		assert.True(t, errs.Is(err, errs.CodeUnauthorized), err)

		got, err := f.svc.GetCard(ctx, card.ID)
		require.NoError(t, err)
		assert.Equal(t, models.CardSubmitted, got.Status)
		assert.Len(t, f.st.AuditLog(), 1)
	})

	t.Run("authorizer failure is a deny", func(t *testing.T) {
		boom := errors.New("authz timeout")
		f := newFixture(t, authzFunc(func(int64, models.Action) (bool, error) { return true, boom }))
		_, err := f.svc.SubmitCard(ctx, player, NewCard{Name: "Imp", Rarity: "common"})
		assert.True(t, errs.Is(err, errs.CodeUnauthorized), err)
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, f.st.AuditLog())
	})
}

func TestLifecycle_AuditFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, allowAll)
	card := f.approvedCard(t, intp(2))

	f.st.SetFault(func(op, _ string) error {
		if op == "AppendAudit" {
			return errors.New("disk full")
		}
		return nil
	})

	_, err := f.svc.AssignCard(ctx, moderator, Assignment{CardID: card.ID, OwnerUserID: player})
	assert.True(t, errs.Is(err, errs.CodeStorageUnavailable), err)
	_, err = f.svc.SubmitCard(ctx, player, NewCard{Name: "Imp", Rarity: "common"})
	assert.True(t, errs.Is(err, errs.CodeStorageUnavailable), err)

	f.st.SetFault(nil)
	c, err := f.svc.GetCard(ctx, card.ID)
	require.NoError(t, err)
	assert.Zero(t, c.IssuedCount)

	page, err := f.svc.ListOwnerInstances(ctx, models.InstanceQuery{OwnerUserID: player})
	require.NoError(t, err)
	assert.Empty(t, page.Instances)
	cards, err := f.svc.ListCards(ctx, models.CardQuery{})
	require.NoError(t, err)
	assert.Len(t, cards.Cards, 1)
	assert.Len(t, f.st.AuditLog(), 1)

	f.svc.Wait()
	assert.Empty(t, f.notifier.Kinds())
}

func TestLifecycle_CanceledContextLeavesNoState(t *testing.T) {
	f := newFixture(t, allowAll)
	card := f.approvedCard(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.svc.AssignCard(ctx, moderator, Assignment{CardID: card.ID, OwnerUserID: player})
	assert.True(t, errs.Is(err, errs.CodeStorageUnavailable), err)

	c, err := f.svc.GetCard(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Zero(t, c.IssuedCount)
	assert.Len(t, f.st.AuditLog(), 1)
}

func TestLifecycle_NotifyFailureDoesNotFailMutation(t *testing.T) {
	f := newFixture(t, allowAll)
	f.notifier.err = errors.New("telegram down")
	card := f.approvedCard(t, nil)

	inst, err := f.svc.AssignCard(context.Background(), moderator, Assignment{CardID: card.ID, OwnerUserID: player})
	require.NoError(t, err)
	f.svc.Wait()

	got, err := f.svc.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceActive, got.Status)
	assert.Len(t, f.notifier.Kinds(), 1)
}

func TestLifecycle_ReadRetry(t *testing.T) {
	ctx := context.Background()

	flaky := func(st *store.MemoryStore, failures int32) *int32 {
		var calls int32
		st.SetFault(func(op, _ string) error {
			if op != "GetCard" {
				return nil
			}
			if atomic.AddInt32(&calls, 1) <= failures {
				return errors.New("connection reset")
			}
			return nil
		})
		return &calls
	}

	t.Run("recovers within attempts", func(t *testing.T) {
		f := newFixture(t, allowAll, WithReadAttempts(3))
		card := f.approvedCard(t, nil)
		calls := flaky(f.st, 2)

		got, err := f.svc.GetCard(ctx, card.ID)
		require.NoError(t, err)
		assert.Equal(t, card.ID, got.ID)
		assert.EqualValues(t, 3, atomic.LoadInt32(calls))
	})

	t.Run("gives up", func(t *testing.T) {
		f := newFixture(t, allowAll, WithReadAttempts(2))
		card := f.approvedCard(t, nil)
		calls := flaky(f.st, 5)

		_, err := f.svc.GetCard(ctx, card.ID)
		assert.True(t, errs.Is(err, errs.CodeStorageUnavailable), err)
		assert.EqualValues(t, 2, atomic.LoadInt32(calls))
	})

	t.Run("terminal errors are not retried", func(t *testing.T) {
		f := newFixture(t, allowAll, WithReadAttempts(3))
		calls := flaky(f.st, 0)

		_, err := f.svc.GetCard(ctx, uuid.NewString())
		assert.True(t, errs.Is(err, errs.CodeNotFound), err)
		assert.EqualValues(t, 1, atomic.LoadInt32(calls))
	})
}

func TestLifecycle_ExpireInstance(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, allowAll)
	card := f.approvedCard(t, nil)

	expires := f.clock.Now().Add(time.Hour)
	inst, err := f.svc.AssignCard(ctx, moderator, Assignment{CardID: card.ID, OwnerUserID: player, ExpiresAt: &expires})
	require.NoError(t, err)

	expired, err := f.svc.ExpireInstance(ctx, inst.ID, f.clock.Now())
	require.NoError(t, err)
	assert.False(t, expired, "not due yet")

	f.clock.Advance(2 * time.Hour)
	expired, err = f.svc.ExpireInstance(ctx, inst.ID, f.clock.Now())
	require.NoError(t, err)
	assert.True(t, expired)

	expired, err = f.svc.ExpireInstance(ctx, inst.ID, f.clock.Now())
	require.NoError(t, err)
	assert.False(t, expired, "second sweep is a no-op")

	got, err := f.svc.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceExpired, got.Status)
	require.NotNil(t, got.EndedBy)
	assert.Equal(t, models.SystemActorID, *got.EndedBy)

	log := f.st.AuditLog()
	require.Len(t, log, 3)
	assert.Equal(t, models.ActionExpire, log[2].Action)
	assert.Equal(t, models.SystemActorID, log[2].ActorUserID)

	_, err = f.svc.RemoveInstance(ctx, moderator, inst.ID)
	assert.True(t, errs.Is(err, errs.CodeInvalidState), err)
}

func TestLifecycle_WarnExpiringOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, allowAll)
	card := f.approvedCard(t, nil)

	expires := f.clock.Now().Add(3 * time.Hour)
	inst, err := f.svc.AssignCard(ctx, moderator, Assignment{CardID: card.ID, OwnerUserID: player, ExpiresAt: &expires})
	require.NoError(t, err)

	soon, err := f.svc.ExpiringInstances(ctx, f.clock.Now(), time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, soon)

	soon, err = f.svc.ExpiringInstances(ctx, f.clock.Now(), 24*time.Hour, 10)
	require.NoError(t, err)
	require.Len(t, soon, 1)

	warned, err := f.svc.WarnExpiring(ctx, inst.ID)
	require.NoError(t, err)
	assert.True(t, warned)
	warned, err = f.svc.WarnExpiring(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, warned)

	soon, err = f.svc.ExpiringInstances(ctx, f.clock.Now(), 24*time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, soon)

	got, err := f.svc.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceActive, got.Status)

	f.svc.Wait()
	assert.Equal(t, []models.EventKind{models.EventCardAssigned, models.EventCardExpiring}, f.notifier.Kinds())
}

func TestLifecycle_ListOwnerInstances(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, allowAll)

	dragon := f.approvedCard(t, nil)
	slime, err := f.svc.CreateApprovedCard(ctx, moderator, NewCard{Name: "Green Slime", Rarity: "common", Tags: []string{"goo"}})
	require.NoError(t, err)

	var ids []string
	for n := 0; n < 5; n++ {
		card := dragon
		if n%2 == 1 {
			card = slime
		}
		f.clock.Advance(time.Minute)
		inst, err := f.svc.AssignCard(ctx, moderator, Assignment{CardID: card.ID, OwnerUserID: player})
		require.NoError(t, err)
		ids = append(ids, inst.ID)
	}
	_, err = f.svc.AssignCard(ctx, moderator, Assignment{CardID: slime.ID, OwnerUserID: player + 1})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	past := f.clock.Now().Add(-time.Minute)
	lapsed, err := f.svc.AssignCard(ctx, moderator, Assignment{CardID: dragon.ID, OwnerUserID: player, ExpiresAt: &past})
	require.NoError(t, err, "a past expiry is accepted")
	_, err = f.svc.RemoveInstance(ctx, moderator, ids[0])
	require.NoError(t, err)

	t.Run("pages newest first", func(t *testing.T) {
		var seen []string
		q := models.InstanceQuery{OwnerUserID: player, Page: models.Page{Limit: 2}}
		for {
			page, err := f.svc.ListOwnerInstances(ctx, q)
			require.NoError(t, err)
			for _, i := range page.Instances {
				seen = append(seen, i.ID)
			}
			if page.NextCursor == "" {
				break
			}
			q.Page.Cursor = page.NextCursor
		}
		require.Len(t, seen, 6)
		assert.Equal(t, lapsed.ID, seen[0])
		assert.Equal(t, []string{ids[4], ids[3], ids[2], ids[1], ids[0]}, seen[1:])
	})

	t.Run("active only skips ended and lapsed", func(t *testing.T) {
		page, err := f.svc.ListOwnerInstances(ctx, models.InstanceQuery{OwnerUserID: player, ActiveOnly: true})
		require.NoError(t, err)
		assert.Len(t, page.Instances, 4)
	})

	t.Run("rarity tag and search", func(t *testing.T) {
		common := models.RarityCommon
		page, err := f.svc.ListOwnerInstances(ctx, models.InstanceQuery{OwnerUserID: player, Rarity: &common})
		require.NoError(t, err)
		assert.Len(t, page.Instances, 2)

		page, err = f.svc.ListOwnerInstances(ctx, models.InstanceQuery{OwnerUserID: player, Tag: "DRAGON"})
		require.NoError(t, err)
		assert.Len(t, page.Instances, 4)

		page, err = f.svc.ListOwnerInstances(ctx, models.InstanceQuery{OwnerUserID: player, Search: "slim"})
		require.NoError(t, err)
		assert.Len(t, page.Instances, 2)
	})

	t.Run("owner is required", func(t *testing.T) {
		_, err := f.svc.ListOwnerInstances(ctx, models.InstanceQuery{})
		assert.True(t, errs.Is(err, errs.CodeValidation), err)
	})

	t.Run("malformed cursor", func(t *testing.T) {
		_, err := f.svc.ListOwnerInstances(ctx, models.InstanceQuery{OwnerUserID: player, Page: models.Page{Cursor: "%%%"}})
		assert.True(t, errs.Is(err, errs.CodeValidation), err)

		notUUID := base64.RawURLEncoding.EncodeToString([]byte("1|abc"))
		_, err = f.svc.ListOwnerInstances(ctx, models.InstanceQuery{OwnerUserID: player, Page: models.Page{Cursor: notUUID}})
		assert.True(t, errs.Is(err, errs.CodeValidation), err)
		_, err = f.svc.ListCards(ctx, models.CardQuery{Page: models.Page{Cursor: notUUID}})
		assert.True(t, errs.Is(err, errs.CodeValidation), err)
	})
}

func TestLifecycle_ListCardsAndLookup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, allowAll)

	dragon := f.approvedCard(t, nil)
	pending, err := f.svc.SubmitCard(ctx, player, NewCard{Name: "Imp", Description: "small dragon", Rarity: "uncommon"})
	require.NoError(t, err)

	submitted := models.CardSubmitted
	page, err := f.svc.ListCards(ctx, models.CardQuery{Status: &submitted})
	require.NoError(t, err)
	require.Len(t, page.Cards, 1)
	assert.Equal(t, pending.ID, page.Cards[0].ID)

	page, err = f.svc.ListCards(ctx, models.CardQuery{Search: "DRAGON"})
	require.NoError(t, err)
	assert.Len(t, page.Cards, 2)

	creator := player
	page, err = f.svc.ListCards(ctx, models.CardQuery{CreatedBy: &creator})
	require.NoError(t, err)
	assert.Len(t, page.Cards, 1)

	inst, err := f.svc.AssignCard(ctx, moderator, Assignment{CardID: dragon.ID, OwnerUserID: player})
	require.NoError(t, err)

	card, found, err := f.svc.Lookup(ctx, inst.ID)
	require.NoError(t, err)
	assert.Nil(t, card)
	assert.Equal(t, inst.ID, found.ID)

	card, found, err = f.svc.Lookup(ctx, dragon.ID)
	require.NoError(t, err)
	assert.Nil(t, found)
	assert.Equal(t, dragon.ID, card.ID)

	_, _, err = f.svc.Lookup(ctx, uuid.NewString())
	assert.True(t, errs.Is(err, errs.CodeNotFound), err)
}

func TestLifecycle_QueryAudit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, allowAll)
	card := f.approvedCard(t, nil)
	for n := 0; n < 3; n++ {
		_, err := f.svc.AssignCard(ctx, moderator, Assignment{CardID: card.ID, OwnerUserID: player})
		require.NoError(t, err)
	}

	assign := models.ActionAssign
	page, err := f.svc.QueryAudit(ctx, moderator, models.AuditQuery{Action: &assign, Page: models.Page{Limit: 2}})
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	require.NotEmpty(t, page.NextCursor)
	assert.Greater(t, page.Entries[0].ID, page.Entries[1].ID)

	page, err = f.svc.QueryAudit(ctx, moderator, models.AuditQuery{Action: &assign, Page: models.Page{Limit: 2, Cursor: page.NextCursor}})
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1)
	assert.Empty(t, page.NextCursor)

	since := f.clock.Now()
	until := since.Add(-time.Hour)
	_, err = f.svc.QueryAudit(ctx, moderator, models.AuditQuery{Since: &since, Until: &until})
	assert.True(t, errs.Is(err, errs.CodeValidation), err)
	typo := models.Action("asign")
	_, err = f.svc.QueryAudit(ctx, moderator, models.AuditQuery{Action: &typo})
	assert.True(t, errs.Is(err, errs.CodeValidation), err)

	authRead := models.ActionAuditRead
	_, err = f.svc.QueryAudit(ctx, moderator, models.AuditQuery{Action: &authRead})
	assert.True(t, errs.Is(err, errs.CodeValidation), "audit_read is never recorded")

	target := models.TargetType("cards")
	_, err = f.svc.QueryAudit(ctx, moderator, models.AuditQuery{TargetType: &target})
	assert.True(t, errs.Is(err, errs.CodeValidation), err)
}
