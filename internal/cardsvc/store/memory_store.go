package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/avvvet/card-services/internal/cardsvc/errs"
	"github.com/avvvet/card-services/internal/cardsvc/models"
)

// FaultFunc lets tests fail a store operation. op is the method name, id the
// addressed row when there is one.
type FaultFunc func(op, id string) error

// MemoryStore is an in-process Store with serializable transactions: InTx
// holds the write lock for the whole transaction and applies the staged
// changes only on success. It backs tests and the local dev mode.
type MemoryStore struct {
	mu          sync.RWMutex
	cards       map[string]*models.Card
	instances   map[string]*models.CardInstance
	audit       []*models.AuditLogEntry
	nextAuditID int64
	fault       FaultFunc
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cards:     make(map[string]*models.Card),
		instances: make(map[string]*models.CardInstance),
	}
}

func (s *MemoryStore) SetFault(f FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// AuditLog returns a copy of every committed entry in append order.
func (s *MemoryStore) AuditLog() []*models.AuditLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.AuditLogEntry, 0, len(s.audit))
	for _, e := range s.audit {
		out = append(out, cloneEntry(e))
	}
	return out
}

func (s *MemoryStore) injected(op, id string) error {
	if s.fault == nil {
		return nil
	}
	if err := s.fault(op, id); err != nil {
		return errs.Storage(err, op)
	}
	return nil
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return errs.Storage(err, "begin transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:         s,
		cards:     make(map[string]*models.Card),
		instances: make(map[string]*models.CardInstance),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errs.Storage(err, "commit transaction")
	}
	if err := s.injected("Commit", ""); err != nil {
		return err
	}

	for id, c := range tx.cards {
		s.cards[id] = c
	}
	for id, i := range tx.instances {
		s.instances[id] = i
	}
	s.audit = append(s.audit, tx.audit...)
	s.nextAuditID += int64(len(tx.audit))
	return nil
}

func (s *MemoryStore) GetCard(ctx context.Context, id string) (*models.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected("GetCard", id); err != nil {
		return nil, err
	}
	c, ok := s.cards[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) GetInstance(ctx context.Context, id string) (*models.CardInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected("GetInstance", id); err != nil {
		return nil, err
	}
	i, ok := s.instances[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.joined(i, nil), nil
}

// joined clones i with its card attached, preferring staged cards.
func (s *MemoryStore) joined(i *models.CardInstance, staged map[string]*models.Card) *models.CardInstance {
	cp := i.Clone()
	if c, ok := staged[i.CardID]; ok {
		cp.Card = c.Clone()
	} else if c, ok := s.cards[i.CardID]; ok {
		cp.Card = c.Clone()
	}
	return cp
}

func (s *MemoryStore) ListCards(ctx context.Context, q models.CardQuery) (*models.CardPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected("ListCards", ""); err != nil {
		return nil, err
	}

	var ct time.Time
	var cid string
	if q.Page.Cursor != "" {
		var err error
		if ct, cid, err = decodeCursor(q.Page.Cursor); err != nil {
			return nil, err
		}
	}
	tag := strings.ToLower(strings.TrimSpace(q.Tag))
	search := strings.ToLower(strings.TrimSpace(q.Search))

	var list []*models.Card
	for _, c := range s.cards {
		switch {
		case q.Status != nil && c.Status != *q.Status,
			q.Rarity != nil && c.Rarity != *q.Rarity,
			tag != "" && !c.HasTag(tag),
			search != "" && !strings.Contains(strings.ToLower(c.Name), search) &&
				!strings.Contains(strings.ToLower(c.Description), search),
			q.CreatedBy != nil && c.CreatedBy != *q.CreatedBy,
			cid != "" && !before(c.CreatedAt, c.ID, ct, cid):
			continue
		}
		list = append(list, c.Clone())
	}
	sort.Slice(list, func(a, b int) bool {
		return before(list[b].CreatedAt, list[b].ID, list[a].CreatedAt, list[a].ID)
	})

	page := &models.CardPage{Cards: list}
	if size := q.Page.Size(); len(list) > size {
		page.Cards = list[:size]
		last := page.Cards[size-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	if page.Cards == nil {
		page.Cards = []*models.Card{}
	}
	return page, nil
}

func (s *MemoryStore) ListInstancesForOwner(ctx context.Context, q models.InstanceQuery) (*models.InstancePage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected("ListInstancesForOwner", ""); err != nil {
		return nil, err
	}

	var ct time.Time
	var cid string
	if q.Page.Cursor != "" {
		var err error
		if ct, cid, err = decodeCursor(q.Page.Cursor); err != nil {
			return nil, err
		}
	}
	tag := strings.ToLower(strings.TrimSpace(q.Tag))
	search := strings.ToLower(strings.TrimSpace(q.Search))

	var list []*models.CardInstance
	for _, i := range s.instances {
		card := s.cards[i.CardID]
		switch {
		case i.OwnerUserID != q.OwnerUserID,
			q.ActiveOnly && !i.IsActiveAt(q.Now),
			q.Rarity != nil && card.Rarity != *q.Rarity,
			tag != "" && !card.HasTag(tag),
			search != "" && !strings.Contains(strings.ToLower(card.Name), search),
			cid != "" && !before(i.AssignedAt, i.ID, ct, cid):
			continue
		}
		list = append(list, s.joined(i, nil))
	}
	sort.Slice(list, func(a, b int) bool {
		return before(list[b].AssignedAt, list[b].ID, list[a].AssignedAt, list[a].ID)
	})

	page := &models.InstancePage{Instances: list}
	if size := q.Page.Size(); len(list) > size {
		page.Instances = list[:size]
		last := page.Instances[size-1]
		page.NextCursor = encodeCursor(last.AssignedAt, last.ID)
	}
	if page.Instances == nil {
		page.Instances = []*models.CardInstance{}
	}
	return page, nil
}

func (s *MemoryStore) ListDueInstances(ctx context.Context, now time.Time, limit int) ([]*models.CardInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected("ListDueInstances", ""); err != nil {
		return nil, err
	}
	return s.scan(limit, func(i *models.CardInstance) bool { return i.IsDue(now) }), nil
}

func (s *MemoryStore) ListExpiringInstances(ctx context.Context, now, horizon time.Time, limit int) ([]*models.CardInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected("ListExpiringInstances", ""); err != nil {
		return nil, err
	}
	return s.scan(limit, func(i *models.CardInstance) bool {
		return i.Status == models.InstanceActive && i.WarnedAt == nil && i.ExpiresAt != nil &&
			i.ExpiresAt.After(now) && !i.ExpiresAt.After(horizon)
	}), nil
}

// scan returns matching instances ordered by expiry then id.
func (s *MemoryStore) scan(limit int, match func(*models.CardInstance) bool) []*models.CardInstance {
	var list []*models.CardInstance
	for _, i := range s.instances {
		if match(i) {
			list = append(list, s.joined(i, nil))
		}
	}
	sort.Slice(list, func(a, b int) bool {
		ea, eb := *list[a].ExpiresAt, *list[b].ExpiresAt
		if ea.Equal(eb) {
			return list[a].ID < list[b].ID
		}
		return ea.Before(eb)
	})
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list
}

func (s *MemoryStore) QueryAudit(ctx context.Context, q models.AuditQuery) (*models.AuditPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected("QueryAudit", ""); err != nil {
		return nil, err
	}

	var cursor int64
	if q.Page.Cursor != "" {
		var err error
		if cursor, err = decodeIDCursor(q.Page.Cursor); err != nil {
			return nil, err
		}
	}

	size := q.Page.Size()
	entries := make([]*models.AuditLogEntry, 0, size)
	for n := len(s.audit) - 1; n >= 0; n-- {
		e := s.audit[n]
		switch {
		case q.ActorUserID != nil && e.ActorUserID != *q.ActorUserID,
			q.Action != nil && e.Action != *q.Action,
			q.TargetType != nil && e.TargetType != *q.TargetType,
			q.TargetID != "" && e.TargetID != q.TargetID,
			q.Since != nil && e.CreatedAt.Before(*q.Since),
			q.Until != nil && !e.CreatedAt.Before(*q.Until),
			cursor != 0 && e.ID >= cursor:
			continue
		}
		entries = append(entries, cloneEntry(e))
		if len(entries) > size {
			break
		}
	}

	page := &models.AuditPage{Entries: entries}
	if len(entries) > size {
		page.Entries = entries[:size]
		page.NextCursor = encodeIDCursor(page.Entries[size-1].ID)
	}
	return page, nil
}

type memTx struct {
	s         *MemoryStore
	cards     map[string]*models.Card
	instances map[string]*models.CardInstance
	audit     []*models.AuditLogEntry
}

func (t *memTx) card(id string) (*models.Card, bool) {
	if c, ok := t.cards[id]; ok {
		return c, true
	}
	c, ok := t.s.cards[id]
	return c, ok
}

func (t *memTx) instance(id string) (*models.CardInstance, bool) {
	if i, ok := t.instances[id]; ok {
		return i, true
	}
	i, ok := t.s.instances[id]
	return i, ok
}

func (t *memTx) GetCard(ctx context.Context, id string) (*models.Card, error) {
	if err := t.s.injected("GetCard", id); err != nil {
		return nil, err
	}
	c, ok := t.card(id)
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (t *memTx) GetInstance(ctx context.Context, id string) (*models.CardInstance, error) {
	if err := t.s.injected("GetInstance", id); err != nil {
		return nil, err
	}
	i, ok := t.instance(id)
	if !ok {
		return nil, ErrNotFound
	}
	return t.s.joined(i, t.cards), nil
}

func (t *memTx) InsertCard(ctx context.Context, c *models.Card) error {
	if err := t.s.injected("InsertCard", c.ID); err != nil {
		return err
	}
	if _, exists := t.card(c.ID); exists {
		return errs.Storage(ErrConditionFailed, "insert card: duplicate id")
	}
	t.cards[c.ID] = c.Clone()
	return nil
}

func (t *memTx) ReviewCard(ctx context.Context, r CardReview) (*models.Card, error) {
	if err := t.s.injected("ReviewCard", r.CardID); err != nil {
		return nil, err
	}
	c, ok := t.card(r.CardID)
	if !ok {
		return nil, ErrNotFound
	}
	if c.Status != models.CardSubmitted {
		return c.Clone(), ErrConditionFailed
	}
	next := c.Clone()
	next.Status = r.To
	reviewer, at := r.ReviewerID, r.At
	next.ReviewedBy, next.ReviewedAt = &reviewer, &at
	next.RejectReason = r.Reason
	next.UpdatedAt = r.At
	t.cards[next.ID] = next
	return next.Clone(), nil
}

func (t *memTx) ClaimSupply(ctx context.Context, cardID string, at time.Time) (*models.Card, error) {
	if err := t.s.injected("ClaimSupply", cardID); err != nil {
		return nil, err
	}
	c, ok := t.card(cardID)
	if !ok {
		return nil, ErrNotFound
	}
	if !c.CanIssue() {
		return c.Clone(), ErrConditionFailed
	}
	next := c.Clone()
	next.IssuedCount++
	next.UpdatedAt = at
	t.cards[next.ID] = next
	return next.Clone(), nil
}

func (t *memTx) InsertInstance(ctx context.Context, i *models.CardInstance) error {
	if err := t.s.injected("InsertInstance", i.ID); err != nil {
		return err
	}
	if _, ok := t.card(i.CardID); !ok {
		return errs.Storage(ErrNotFound, "insert instance: unknown card")
	}
	if _, exists := t.instance(i.ID); exists {
		return errs.Storage(ErrConditionFailed, "insert instance: duplicate id")
	}
	cp := i.Clone()
	cp.Card = nil
	t.instances[cp.ID] = cp
	return nil
}

func (t *memTx) EndInstance(ctx context.Context, tr InstanceTransition) (*models.CardInstance, error) {
	if err := t.s.injected("EndInstance", tr.InstanceID); err != nil {
		return nil, err
	}
	i, ok := t.instance(tr.InstanceID)
	if !ok {
		return nil, ErrNotFound
	}
	if i.Status != models.InstanceActive || (tr.DueBy != nil && !i.IsDue(*tr.DueBy)) {
		return t.s.joined(i, t.cards), ErrConditionFailed
	}
	next := i.Clone()
	actor, at := tr.ActorID, tr.At
	next.Status, next.EndedBy, next.EndedAt = tr.To, &actor, &at
	t.instances[next.ID] = next
	return next.Clone(), nil
}

func (t *memTx) MarkWarned(ctx context.Context, instanceID string, at time.Time) (*models.CardInstance, error) {
	if err := t.s.injected("MarkWarned", instanceID); err != nil {
		return nil, err
	}
	i, ok := t.instance(instanceID)
	if !ok {
		return nil, ErrNotFound
	}
	if i.Status != models.InstanceActive || i.WarnedAt != nil {
		return t.s.joined(i, t.cards), ErrConditionFailed
	}
	next := i.Clone()
	next.WarnedAt = &at
	t.instances[next.ID] = next
	return next.Clone(), nil
}

func (t *memTx) AppendAudit(ctx context.Context, e *models.AuditLogEntry) error {
	if err := t.s.injected("AppendAudit", e.TargetID); err != nil {
		return err
	}
	e.ID = t.s.nextAuditID + int64(len(t.audit)) + 1
	t.audit = append(t.audit, cloneEntry(e))
	return nil
}

func cloneEntry(e *models.AuditLogEntry) *models.AuditLogEntry {
	cp := *e
	cp.Detail = make(map[string]interface{}, len(e.Detail))
	for k, v := range e.Detail {
		cp.Detail[k] = v
	}
	return &cp
}
