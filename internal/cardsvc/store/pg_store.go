package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/avvvet/card-services/internal/cardsvc/errs"
	"github.com/avvvet/card-services/internal/cardsvc/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore keeps cards, card_instances and audit_log in Postgres. Guarded
// writes are single UPDATE ... WHERE <precondition> RETURNING statements, so
// the row lock taken by the update serializes racing transactions across
// processes.
type PgStore struct {
	db *pgxpool.Pool
}

func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return errs.Storage(errors.Wrap(err, "begin tx"), "begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{q: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.Storage(errors.Wrap(err, "commit tx"), "commit transaction")
	}
	return nil
}

func (s *PgStore) GetCard(ctx context.Context, id string) (*models.Card, error) {
	return getCard(ctx, s.db, id)
}

func (s *PgStore) ListCards(ctx context.Context, q models.CardQuery) (*models.CardPage, error) {
	return listCards(ctx, s.db, q)
}

func (s *PgStore) GetInstance(ctx context.Context, id string) (*models.CardInstance, error) {
	return getInstance(ctx, s.db, id)
}

func (s *PgStore) ListInstancesForOwner(ctx context.Context, q models.InstanceQuery) (*models.InstancePage, error) {
	return listInstancesForOwner(ctx, s.db, q)
}

func (s *PgStore) ListDueInstances(ctx context.Context, now time.Time, limit int) ([]*models.CardInstance, error) {
	return listDueInstances(ctx, s.db, now, limit)
}

func (s *PgStore) ListExpiringInstances(ctx context.Context, now, horizon time.Time, limit int) ([]*models.CardInstance, error) {
	return listExpiringInstances(ctx, s.db, now, horizon, limit)
}

func (s *PgStore) QueryAudit(ctx context.Context, q models.AuditQuery) (*models.AuditPage, error) {
	return queryAudit(ctx, s.db, q)
}

type pgTx struct {
	q querier
}

func (t *pgTx) GetCard(ctx context.Context, id string) (*models.Card, error) {
	return getCard(ctx, t.q, id)
}

func (t *pgTx) GetInstance(ctx context.Context, id string) (*models.CardInstance, error) {
	return getInstance(ctx, t.q, id)
}

func (t *pgTx) InsertCard(ctx context.Context, c *models.Card) error {
	return insertCard(ctx, t.q, c)
}

func (t *pgTx) ReviewCard(ctx context.Context, r CardReview) (*models.Card, error) {
	return reviewCard(ctx, t.q, r)
}

func (t *pgTx) ClaimSupply(ctx context.Context, cardID string, at time.Time) (*models.Card, error) {
	return claimSupply(ctx, t.q, cardID, at)
}

func (t *pgTx) InsertInstance(ctx context.Context, i *models.CardInstance) error {
	return insertInstance(ctx, t.q, i)
}

func (t *pgTx) EndInstance(ctx context.Context, tr InstanceTransition) (*models.CardInstance, error) {
	return endInstance(ctx, t.q, tr)
}

func (t *pgTx) MarkWarned(ctx context.Context, instanceID string, at time.Time) (*models.CardInstance, error) {
	return markWarned(ctx, t.q, instanceID, at)
}

func (t *pgTx) AppendAudit(ctx context.Context, e *models.AuditLogEntry) error {
	return appendAudit(ctx, t.q, e)
}

// classify maps driver errors onto the store contract.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if malformedInput(err) {
		return errs.Validation("malformed input for %s", op)
	}
	return errs.Storage(errors.Wrap(err, op), op)
}

// classifyLookup is classify for single-row reads by id, where an id that is
// not a uuid simply addresses nothing.
func classifyLookup(err error, op string) error {
	if malformedInput(err) {
		return ErrNotFound
	}
	return classify(err, op)
}

func malformedInput(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

// where collects positional conditions for the dynamic list queries.
type where struct {
	conds []string
	args  []any
}

// add appends cond, replacing every "?" with the next placeholder per value.
func (w *where) add(cond string, values ...any) {
	for _, v := range values {
		w.args = append(w.args, v)
		cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.conds = append(w.conds, cond)
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) limit(n int) string {
	w.args = append(w.args, n)
	return fmt.Sprintf(" LIMIT $%d", len(w.args))
}

func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}
