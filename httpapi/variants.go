package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"rentledger/protocol"
	"rentledger/rolegrant"
	"rentledger/scholarship"
	"rentledger/swaprental"
)

func (h *Handler) createSwap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RegistryA    string `json:"registry_a"`
		AssetA       int64  `json:"asset_a"`
		RegistryB    string `json:"registry_b"`
		AssetB       int64  `json:"asset_b"`
		DurationSecs int64  `json:"duration_secs"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := h.swaps.Create(r.Context(), swaprental.CreateParams{
		RegistryA:    req.RegistryA,
		AssetA:       req.AssetA,
		RegistryB:    req.RegistryB,
		AssetB:       req.AssetB,
		DurationSecs: req.DurationSecs,
		ExpiresAt:    time.Unix(req.ExpiresAt, 0).UTC(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, swapView(rec))
}

func (h *Handler) getSwap(w http.ResponseWriter, r *http.Request) {
	rec, err := h.swaps.Get(r.Context(), chi.URLParam(r, "swapID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, swapView(rec))
}

func (h *Handler) approveSwap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RegistryID string `json:"registry_id"`
		AssetID    int64  `json:"asset_id"`
		Actor      string `json:"actor"`
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
	if err := h.swaps.Approve(r.Context(), chi.URLParam(r, "swapID"), req.RegistryID, req.AssetID, actor); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) startSwap(w http.ResponseWriter, r *http.Request) {
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
	if err := h.swaps.Start(r.Context(), chi.URLParam(r, "swapID"), actor); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) createRoleGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner        string `json:"owner"`
		Role         string `json:"role"`
		Fee          int64  `json:"fee"`
		DurationSecs int64  `json:"duration_secs"`
		ExpiresAt    int64  `json:"expires_at"`
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
	rec, err := h.grants.Create(r.Context(), rolegrant.CreateParams{
		Owner:        owner,
		RoleID:       protocol.CapID(req.Role),
		Fee:          req.Fee,
		DurationSecs: req.DurationSecs,
		ExpiresAt:    time.Unix(req.ExpiresAt, 0).UTC(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, roleGrantView(rec))
}

func (h *Handler) getRoleGrant(w http.ResponseWriter, r *http.Request) {
	rec, err := h.grants.Get(r.Context(), chi.URLParam(r, "grantID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roleGrantView(rec))
}

func (h *Handler) payRoleGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetID int64  `json:"asset_id"`
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
	if err := h.grants.Grant(r.Context(), chi.URLParam(r, "grantID"), req.AssetID, payer, req.Payment); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) roleGrantStatus(w http.ResponseWriter, r *http.Request) {
	assetID, err := queryInt64(r, "asset_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	party, err := protocol.ParseAddress(r.URL.Query().Get("party"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	has, err := h.grants.HasRole(r.Context(), chi.URLParam(r, "grantID"), assetID, party)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"has_role": has})
}

func (h *Handler) closeRoleGrant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
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
	if err := h.grants.Close(r.Context(), chi.URLParam(r, "grantID"), caller); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) redeemRoleGrant(w http.ResponseWriter, r *http.Request) {
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
	if err := h.grants.Redeem(r.Context(), chi.URLParam(r, "grantID"), caller, req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) createScholarship(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AssetID      int64  `json:"asset_id"`
		Beneficiary  string `json:"beneficiary"`
		SharePPT     int64  `json:"share_ppt"`
		Fee          int64  `json:"fee"`
		DurationSecs int64  `json:"duration_secs"`
		ExpiresAt    int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	beneficiary, err := protocol.ParseAddress(req.Beneficiary)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	rec, err := h.schols.Create(r.Context(), scholarship.CreateParams{
		AssetID:      req.AssetID,
		Beneficiary:  beneficiary,
		SharePPT:     req.SharePPT,
		Fee:          req.Fee,
		DurationSecs: req.DurationSecs,
		ExpiresAt:    time.Unix(req.ExpiresAt, 0).UTC(),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, scholarshipView(rec))
}

func (h *Handler) getScholarship(w http.ResponseWriter, r *http.Request) {
	rec, err := h.schols.Get(r.Context(), chi.URLParam(r, "scholarshipID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scholarshipView(rec))
}

func (h *Handler) startScholarship(w http.ResponseWriter, r *http.Request) {
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
	if err := h.schols.Start(r.Context(), chi.URLParam(r, "scholarshipID"), payer, req.Payment); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) claimScholarship(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string `json:"caller"`
		Amount int64  `json:"amount"`
		Proof  []byte `json:"proof,omitempty"`
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
	if err := h.schols.ForwardClaim(r.Context(), chi.URLParam(r, "scholarshipID"), caller, req.Amount, req.Proof); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listScholarshipClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := h.schols.Claims(r.Context(), chi.URLParam(r, "scholarshipID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(claims))
	for _, c := range claims {
		views = append(views, map[string]any{
			"id":                c.ID,
			"amount":            c.Amount,
			"beneficiary_share": c.BeneficiaryShare,
			"claimed_at":        c.ClaimedAt.Unix(),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) redeemScholarship(w http.ResponseWriter, r *http.Request) {
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
	if err := h.schols.Redeem(r.Context(), chi.URLParam(r, "scholarshipID"), caller, req.Amount); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func swapView(rec swaprental.Swap) map[string]any {
	leg := func(l swaprental.Leg) map[string]any {
		return map[string]any{
			"registry_id": l.RegistryID,
			"asset_id":    l.AssetID,
			"owner":       l.Owner.String(),
			"approved":    l.Approved,
		}
	}
	view := map[string]any{
		"id":            rec.ID,
		"leg_a":         leg(rec.A),
		"leg_b":         leg(rec.B),
		"duration_secs": rec.DurationSecs,
		"expires_at":    rec.ExpiresAt.Unix(),
		"status":        string(rec.Status),
	}
	if rec.StartedAt != nil {
		view["started_at"] = rec.StartedAt.Unix()
	}
	return view
}

func roleGrantView(rec rolegrant.Instance) map[string]any {
	return map[string]any{
		"id":            rec.ID,
		"owner":         rec.Owner.String(),
		"fee":           rec.Fee,
		"duration_secs": rec.DurationSecs,
		"expires_at":    rec.ExpiresAt.Unix(),
		"status":        string(rec.Status),
	}
}

func scholarshipView(rec scholarship.Scholarship) map[string]any {
	view := map[string]any{
		"id":            rec.ID,
		"asset_id":      rec.AssetID,
		"owner":         rec.Owner.String(),
		"beneficiary":   rec.Beneficiary.String(),
		"share_ppt":     rec.SharePPT,
		"fee":           rec.Fee,
		"duration_secs": rec.DurationSecs,
		"expires_at":    rec.ExpiresAt.Unix(),
		"status":        string(rec.Status),
	}
	if rec.StartedAt != nil {
		view["started_at"] = rec.StartedAt.Unix()
	}
	return view
}

func queryInt64(r *http.Request, key string) (int64, error) {
	return parseInt64(r.URL.Query().Get(key))
}
