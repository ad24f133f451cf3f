package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/avvvet/card-services/internal/cardsvc/errs"
	"github.com/avvvet/card-services/internal/cardsvc/models"
	"github.com/avvvet/card-services/internal/cardsvc/service"
	"github.com/avvvet/card-services/internal/comm"
	"github.com/go-chi/chi"
	"github.com/go-chi/jwtauth"
	log "github.com/sirupsen/logrus"
)

type Handler struct {
	tokenAuth *jwtauth.JWTAuth
	lifecycle *service.LifecycleService
	port      string
}

func NewHandler(lifecycle *service.LifecycleService, port string) *Handler {
	return &Handler{lifecycle: lifecycle, port: port}
}

type Response struct {
	Message   string      `json:"message"`
	Code      int         `json:"code"`
	Data      interface{} `json:"data"`
	Error     string      `json:"error,omitempty"`
	ErrorCode string      `json:"error_code,omitempty"`
}

func (rs *Handler) CreateResponse(w http.ResponseWriter, rsp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rsp.Code)

	json.NewEncoder(w).Encode(rsp)
}

func (h *Handler) ok(w http.ResponseWriter, code int, message string, data interface{}) {
	h.CreateResponse(w, Response{Message: message, Code: code, Data: data})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := errs.CodeOf(err)
	status := errs.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		log.WithFields(log.Fields{"method": r.Method, "path": r.URL.Path}).Errorf("request failed: %s", err)
	}
	h.CreateResponse(w, Response{
		Message:   http.StatusText(status),
		Code:      status,
		Error:     errs.Message(err),
		ErrorCode: string(code),
	})
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.ok(w, http.StatusOK, "card service is running at port "+h.port, nil)
}

// actor is the verified user id of the request's token.
func (h *Handler) actor(r *http.Request) (int64, error) {
	_, claims, err := jwtauth.FromContext(r.Context())
	if err != nil {
		return 0, errs.Wrap(err, errs.CodeUnauthorized, "invalid token")
	}
	id, err := comm.UserIDFromClaims(claims)
	if err != nil {
		return 0, errs.Wrap(err, errs.CodeUnauthorized, "invalid token")
	}
	return id, nil
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.Validation("malformed body: %s", err)
	}
	return nil
}

func (h *Handler) SubmitCard(w http.ResponseWriter, r *http.Request) {
	h.createCard(w, r, h.lifecycle.SubmitCard, "card submitted for review")
}

func (h *Handler) CreateApprovedCard(w http.ResponseWriter, r *http.Request) {
	h.createCard(w, r, h.lifecycle.CreateApprovedCard, "card created")
}

func (h *Handler) createCard(w http.ResponseWriter, r *http.Request,
	create func(context.Context, int64, service.NewCard) (*models.Card, error), message string) {
	actor, err := h.actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in service.NewCard
	if err := decodeBody(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	card, err := create(r.Context(), actor, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusCreated, message, card)
}

func (h *Handler) ApproveCard(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	card, err := h.lifecycle.ApproveCard(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusOK, "card approved", card)
}

func (h *Handler) RejectCard(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	card, err := h.lifecycle.RejectCard(r.Context(), actor, chi.URLParam(r, "id"), body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusOK, "card rejected", card)
}

func (h *Handler) GetCard(w http.ResponseWriter, r *http.Request) {
	card, err := h.lifecycle.GetCard(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusOK, "", card)
}

func (h *Handler) ListCards(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	q := models.CardQuery{Tag: v.Get("tag"), Search: v.Get("q")}
	var err error
	if q.Page, err = page(v.Get("cursor"), v.Get("limit")); err == nil {
		if s := v.Get("status"); s != "" {
			st, ok := models.ParseCardStatus(s)
			if !ok {
				err = errs.Validation("unknown status %q", s)
			}
			q.Status = &st
		}
	}
	if err == nil {
		q.Rarity, err = rarity(v.Get("rarity"))
	}
	if err == nil && v.Get("created_by") != "" {
		var id int64
		id, err = userID(v.Get("created_by"))
		q.CreatedBy = &id
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	cards, err := h.lifecycle.ListCards(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusOK, "", cards)
}

func (h *Handler) AssignCard(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body struct {
		OwnerUserID      int64      `json:"owner_user_id"`
		ExpiresAt        *time.Time `json:"expires_at,omitempty"`
		ExpiresInMinutes *int       `json:"expires_in_minutes,omitempty"`
		Note             string     `json:"note,omitempty"`
	}
	if err := decodeBody(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	expires, err := service.ResolveExpiry(body.ExpiresAt, body.ExpiresInMinutes, time.Now().UTC())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	inst, err := h.lifecycle.AssignCard(r.Context(), actor, service.Assignment{
		CardID:      chi.URLParam(r, "id"),
		OwnerUserID: body.OwnerUserID,
		ExpiresAt:   expires,
		Note:        body.Note,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusCreated, "card assigned", inst)
}

func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := h.lifecycle.GetInstance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusOK, "", inst)
}

func (h *Handler) RemoveInstance(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	inst, err := h.lifecycle.RemoveInstance(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusOK, "instance removed", inst)
}

func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	card, inst, err := h.lifecycle.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if inst != nil {
		h.ok(w, http.StatusOK, "instance", inst)
		return
	}
	h.ok(w, http.StatusOK, "card", card)
}

// MyInstances lists the caller's own collection.
func (h *Handler) MyInstances(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	v := r.URL.Query()
	q := models.InstanceQuery{
		OwnerUserID: actor,
		ActiveOnly:  v.Get("active_only") == "true",
		Tag:         v.Get("tag"),
		Search:      v.Get("q"),
	}
	if q.Page, err = page(v.Get("cursor"), v.Get("limit")); err == nil {
		q.Rarity, err = rarity(v.Get("rarity"))
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	list, err := h.lifecycle.ListOwnerInstances(r.Context(), q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusOK, "", list)
}

func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	v := r.URL.Query()
	q := models.AuditQuery{TargetID: v.Get("target_id")}
	q.Page, err = page(v.Get("cursor"), v.Get("limit"))
	if err == nil && v.Get("actor") != "" {
		var id int64
		id, err = userID(v.Get("actor"))
		q.ActorUserID = &id
	}
	if a := v.Get("action"); a != "" {
		action := models.Action(a)
		q.Action = &action
	}
	if tt := v.Get("target_type"); tt != "" {
		target := models.TargetType(tt)
		q.TargetType = &target
	}
	if err == nil {
		q.Since, err = timestamp("since", v.Get("since"))
	}
	if err == nil {
		q.Until, err = timestamp("until", v.Get("until"))
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.lifecycle.QueryAudit(r.Context(), actor, q)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.ok(w, http.StatusOK, "", entries)
}

func page(cursor, limit string) (models.Page, error) {
	p := models.Page{Cursor: cursor}
	if limit == "" {
		return p, nil
	}
	n, err := strconv.Atoi(limit)
	if err != nil || n <= 0 {
		return p, errs.Validation("invalid limit %q", limit)
	}
	p.Limit = n
	return p, nil
}

func rarity(s string) (*models.Rarity, error) {
	if s == "" {
		return nil, nil
	}
	r, ok := models.ParseRarity(s)
	if !ok {
		return nil, errs.Validation("unknown rarity %q", s)
	}
	return &r, nil
}

func userID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 0 {
		return 0, errs.Validation("invalid user id %q", s)
	}
	return id, nil
}

func timestamp(name, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, errs.Validation("%s must be RFC 3339", name)
	}
	return &t, nil
}
