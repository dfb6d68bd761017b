package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"stockroom/internal/core"
	"stockroom/pkg/domain"
)

type registerRequest struct {
	Category string           `json:"category"`
	Parent   domain.ParentRef `json:"parent_id"`
	Tag      json.RawMessage  `json:"tag"`
}

type moveRequest struct {
	ItemID      string          `json:"item_id"`
	NewParentID json.RawMessage `json:"new_parent_id"`
}

type splitRequest struct {
	SourceID string          `json:"source_id"`
	Amount   decimal.Decimal `json:"amount"`
}

type mergeRequest struct {
	TargetID string `json:"target_id"`
	SourceID string `json:"source_id"`
}

// retireRequest retires fully unless Amount is set.
type retireRequest struct {
	ID     string           `json:"id"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Policy string           `json:"policy,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

type tagResponse struct {
	Category domain.Category `json:"category"`
	Tag      domain.Tag      `json:"tag"`
}

type splitResponse struct {
	Source  domain.Identity `json:"source"`
	Created domain.Identity `json:"created"`
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			badRequest(w, "request body is required")
		} else {
			badRequest(w, "malformed request body: %v", err)
		}
		return false
	}
	return true
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decode(w, r, &req) {
		return
	}
	category, err := domain.ParseCategory(req.Category)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	tag, err := domain.DecodeTag(category, req.Tag)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	identity, err := h.svc.Register(r.Context(), core.RegisterRequest{Category: category, Parent: req.Parent, Tag: tag})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, identity)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		badRequest(w, "code query parameter is required")
		return
	}
	identity, err := h.svc.Lookup(r.Context(), code)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (h *Handler) getIdentity(w http.ResponseWriter, r *http.Request) {
	identity, err := h.svc.Identity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (h *Handler) resolveTag(w http.ResponseWriter, r *http.Request) {
	category, tag, err := h.svc.ResolveTag(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tagResponse{Category: category, Tag: tag})
}

func (h *Handler) chain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ancestorsOnly, err := parseBool(r.URL.Query().Get("ancestors_only"))
	if err != nil {
		badRequest(w, "ancestors_only must be a boolean")
		return
	}
	var chain []domain.Identity
	if ancestorsOnly {
		chain, err = h.svc.AncestorsOnly(r.Context(), id)
	} else {
		chain, err = h.svc.Chain(r.Context(), id)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]domain.Identity{"chain": nonNil(chain)})
}

func (h *Handler) listChildren(w http.ResponseWriter, r *http.Request) {
	h.writeChildren(w, r, domain.ParentOf(chi.URLParam(r, "id")))
}

func (h *Handler) listRoots(w http.ResponseWriter, r *http.Request) {
	h.writeChildren(w, r, domain.Root())
}

func (h *Handler) writeChildren(w http.ResponseWriter, r *http.Request, parent domain.ParentRef) {
	items, err := h.svc.ListChildren(r.Context(), parent)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]domain.Identity{"items": nonNil(items)})
}

func (h *Handler) listCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.svc.ListCategories(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]domain.CategoryInfo{"categories": categories})
}

func (h *Handler) move(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.NewParentID) == 0 {
		badRequest(w, "new_parent_id is required; use null to move to the root")
		return
	}
	var parent domain.ParentRef
	if err := json.Unmarshal(req.NewParentID, &parent); err != nil {
		badRequest(w, "new_parent_id must be a string or null")
		return
	}
	identity, err := h.svc.Move(r.Context(), req.ItemID, parent)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (h *Handler) split(w http.ResponseWriter, r *http.Request) {
	var req splitRequest
	if !decode(w, r, &req) {
		return
	}
	source, created, err := h.svc.Split(r.Context(), req.SourceID, req.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, splitResponse{Source: source, Created: created})
}

func (h *Handler) merge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if !decode(w, r, &req) {
		return
	}
	target, err := h.svc.Merge(r.Context(), req.TargetID, req.SourceID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, target)
}

func (h *Handler) retire(w http.ResponseWriter, r *http.Request) {
	var req retireRequest
	if !decode(w, r, &req) {
		return
	}
	var (
		identity domain.Identity
		err      error
	)
	if req.Amount != nil {
		if req.Policy != "" {
			badRequest(w, "policy applies to full retirement only")
			return
		}
		identity, err = h.svc.RetirePartial(r.Context(), req.ID, *req.Amount, req.Reason)
	} else {
		identity, err = h.svc.RetireFull(r.Context(), req.ID, core.RetireOptions{
			Policy: core.RetirePolicy(req.Policy),
			Reason: req.Reason,
		})
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identity)
}

func (h *Handler) identityHistory(w http.ResponseWriter, r *http.Request) {
	h.writeHistory(w, r, chi.URLParam(r, "id"))
}

func (h *Handler) globalHistory(w http.ResponseWriter, r *http.Request) {
	h.writeHistory(w, r, "")
}

func (h *Handler) writeHistory(w http.ResponseWriter, r *http.Request, identityID string) {
	q := r.URL.Query()
	limit, err := parseInt(q.Get("limit"))
	if err != nil {
		badRequest(w, "limit must be an integer")
		return
	}
	before, err := parseInt(q.Get("before"))
	if err != nil {
		badRequest(w, "before must be an integer")
		return
	}
	page, err := h.svc.HistoryPage(r.Context(), domain.HistoryQuery{IdentityID: identityID, Before: before, Limit: int(limit)})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) exportArchive(w http.ResponseWriter, r *http.Request) {
	info, err := h.archives.Export(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) listArchives(w http.ResponseWriter, r *http.Request) {
	identity, err := h.svc.Identity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	infos, err := h.archives.List(r.Context(), identity.Code)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"archives": infos})
}

func parseBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func parseInt(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func nonNil(items []domain.Identity) []domain.Identity {
	if items == nil {
		return []domain.Identity{}
	}
	return items
}
