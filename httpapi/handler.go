package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"rentledger/protocol"
	"rentledger/registry"
	"rentledger/rental"
	"rentledger/rolegrant"
	"rentledger/scholarship"
	"rentledger/swaprental"
)

// Handler is the JSON adapter over the registry and the agreement variant
// services.
type Handler struct {
	registry *registry.Service
	rentals  *rental.Service
	swaps    *swaprental.Service
	grants   *rolegrant.Service
	schols   *scholarship.Service
}

func NewHandler(reg *registry.Service, rentals *rental.Service, swaps *swaprental.Service, grants *rolegrant.Service, schols *scholarship.Service) *Handler {
	return &Handler{registry: reg, rentals: rentals, swaps: swaps, grants: grants, schols: schols}
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) registerAsset(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetID int64  `json:"asset_id"`
		Owner   string `json:"owner"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	owner, err := protocol.ParseAddress(req.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := h.registry.Register(r.Context(), req.AssetID, owner)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, assetView(asset))
}

func (h *Handler) listAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.registry.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(assets))
	for _, a := range assets {
		views = append(views, assetView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) getAsset(w http.ResponseWriter, r *http.Request) {
	assetID, err := pathInt64(r, "assetID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	asset, err := h.registry.Get(r.Context(), assetID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assetView(asset))
}

func (h *Handler) setAgreement(w http.ResponseWriter, r *http.Request) {
	assetID, err := pathInt64(r, "assetID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Kind        string `json:"kind"`
		AgreementID string `json:"agreement_id"`
		Actor       string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor, err := protocol.ParseAddress(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ref := protocol.AgreementRef{Kind: req.Kind, ID: req.AgreementID}
	if err := h.registry.SetAgreement(r.Context(), assetID, ref, actor); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) acceptAgreement(w http.ResponseWriter, r *http.Request) {
	h.assetActorCall(w, r, h.registry.AcceptAgreement)
}

func (h *Handler) stopAgreement(w http.ResponseWriter, r *http.Request) {
	h.assetActorCall(w, r, h.registry.StopAgreement)
}

func (h *Handler) transferAsset(w http.ResponseWriter, r *http.Request) {
	assetID, err := pathInt64(r, "assetID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		To    string `json:"to"`
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	to, err := protocol.ParseAddress(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor, err := protocol.ParseAddress(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.registry.GuardedTransfer(r.Context(), assetID, to, actor); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) createRental(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetID               int64  `json:"asset_id"`
		Renter                string `json:"renter,omitempty"`
		DurationSecs          int64  `json:"duration_secs"`
		ExpiresAt             int64  `json:"expires_at"`
		Fee                   int64  `json:"fee"`
		AllowEarlyTermination bool   `json:"allow_early_termination"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	params := rental.CreateParams{
		AssetID:               req.AssetID,
		DurationSecs:          req.DurationSecs,
		ExpiresAt:             time.Unix(req.ExpiresAt, 0).UTC(),
		Fee:                   req.Fee,
		AllowEarlyTermination: req.AllowEarlyTermination,
	}
	if req.Renter != "" {
		renter, err := protocol.ParseAddress(req.Renter)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		params.Renter = renter
	}
	rec, err := h.rentals.Create(r.Context(), params)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rentalView(rec))
}

func (h *Handler) getRental(w http.ResponseWriter, r *http.Request) {
	rec, err := h.rentals.Get(r.Context(), chi.URLParam(r, "rentalID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rentalView(rec))
}

func (h *Handler) startRental(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payer   string `json:"payer"`
		Payment int64  `json:"payment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payer, err := protocol.ParseAddress(req.Payer)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.rentals.Start(r.Context(), chi.URLParam(r, "rentalID"), payer, req.Payment); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) redeemRental(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Amount int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := protocol.ParseAddress(req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.rentals.Redeem(r.Context(), chi.URLParam(r, "rentalID"), caller, req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) assetActorCall(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, assetID int64, actor protocol.Address) error) {
	assetID, err := pathInt64(r, "assetID")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var req struct {
		Actor string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	actor, err := protocol.ParseAddress(req.Actor)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := fn(r.Context(), assetID, actor); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func pathInt64(r *http.Request, key string) (int64, error) {
	return parseInt64(chi.URLParam(r, key))
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

func assetView(a registry.Asset) map[string]any {
	view := map[string]any{
		"asset_id":       a.AssetID,
		"true_owner":     a.TrueOwner.String(),
		"current_holder": a.CurrentHolder.String(),
		"rented":         a.Rented(),
	}
	if !a.Agreement.IsZero() {
		view["agreement"] = map[string]string{"kind": a.Agreement.Kind, "id": a.Agreement.ID}
	}
	return view
}

func rentalView(rec rental.Rental) map[string]any {
	view := map[string]any{
		"id":            rec.ID,
		"asset_id":      rec.AssetID,
		"owner":         rec.Owner.String(),
		"fee":           rec.Fee,
		"duration_secs": rec.DurationSecs,
		"expires_at":    rec.ExpiresAt.Unix(),
		"status":        string(rec.Status),
	}
	if !rec.Renter.IsZero() {
		view["renter"] = rec.Renter.String()
	}
	if rec.StartedAt != nil {
		view["started_at"] = rec.StartedAt.Unix()
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, protocol.ErrPrecondition), errors.Is(err, protocol.ErrVetoed):
		status = http.StatusConflict
	case errors.Is(err, protocol.ErrTransferFailed):
		status = http.StatusBadGateway
	}
	writeError(w, status, err)
}
