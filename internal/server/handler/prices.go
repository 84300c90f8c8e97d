package handler

import (
	"net/http"
	"strings"

	"github.com/alanyoungcy/arbguard/internal/domain"
)

// PriceLister exposes the latest normalized prices.
type PriceLister interface {
	All() []domain.NormalizedPrice
	Latest(token string) (domain.NormalizedPrice, bool)
}

// PriceHandler serves normalized prices.
type PriceHandler struct {
	prices PriceLister
}

func NewPriceHandler(prices PriceLister) *PriceHandler {
	return &PriceHandler{prices: prices}
}

// ListPrices returns the latest price of every token.
// GET /api/prices
func (h *PriceHandler) ListPrices(w http.ResponseWriter, _ *http.Request) {
	prices := h.prices.All()
	if prices == nil {
		prices = []domain.NormalizedPrice{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": prices})
}

// GetPrice returns one token's latest price.
// GET /api/prices/{token}
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	token := strings.ToUpper(r.PathValue("token"))
	p, ok := h.prices.Latest(token)
	if !ok {
		writeError(w, http.StatusNotFound, "no price for "+token)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
