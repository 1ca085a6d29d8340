package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter registers the registry and agreement routes.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.healthz)

	r.Route("/v1", func(r chi.Router) {
		r.Route("/assets", func(r chi.Router) {
			r.Post("/", h.registerAsset)
			r.Get("/", h.listAssets)
			r.Get("/{assetID}", h.getAsset)
			r.Post("/{assetID}/agreement", h.setAgreement)
			r.Post("/{assetID}/accept", h.acceptAgreement)
			r.Post("/{assetID}/stop", h.stopAgreement)
			r.Post("/{assetID}/transfer", h.transferAsset)
		})
		r.Route("/rentals", func(r chi.Router) {
			r.Post("/", h.createRental)
			r.Get("/{rentalID}", h.getRental)
			r.Post("/{rentalID}/start", h.startRental)
			r.Post("/{rentalID}/redeem", h.redeemRental)
		})
		r.Route("/swaps", func(r chi.Router) {
			r.Post("/", h.createSwap)
			r.Get("/{swapID}", h.getSwap)
			r.Post("/{swapID}/approve", h.approveSwap)
			r.Post("/{swapID}/start", h.startSwap)
		})
		r.Route("/role-grants", func(r chi.Router) {
			r.Post("/", h.createRoleGrant)
			r.Get("/{grantID}", h.getRoleGrant)
			r.Get("/{grantID}/role", h.roleGrantStatus)
			r.Post("/{grantID}/grant", h.payRoleGrant)
			r.Post("/{grantID}/close", h.closeRoleGrant)
			r.Post("/{grantID}/redeem", h.redeemRoleGrant)
		})
		r.Route("/scholarships", func(r chi.Router) {
			r.Post("/", h.createScholarship)
			r.Get("/{scholarshipID}", h.getScholarship)
			r.Get("/{scholarshipID}/claims", h.listScholarshipClaims)
			r.Post("/{scholarshipID}/start", h.startScholarship)
			r.Post("/{scholarshipID}/claim", h.claimScholarship)
			r.Post("/{scholarshipID}/redeem", h.redeemScholarship)
		})
	})

	return r
}
