package handler

import (
	"net/http"

	"github.com/go-faster/jx"
)

func (h *Handler) getPrice(w http.ResponseWriter, r *http.Request) {
	productID, err := idParam(r, "productID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	at, err := h.instant(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	q, err := h.pricing.Quote(r.Context(), productID, at)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var e jx.Encoder
	encodeQuote(&e, q)
	writeJSON(w, http.StatusOK, e.Bytes())
}

func (h *Handler) listPromotions(w http.ResponseWriter, r *http.Request) {
	at, err := h.instant(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	rules, err := h.pricing.Promotions(r.Context(), at)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var e jx.Encoder
	e.Arr(func(e *jx.Encoder) {
		for i := range rules {
			encodeRule(e, &rules[i])
		}
	})
	writeJSON(w, http.StatusOK, e.Bytes())
}
