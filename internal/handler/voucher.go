package handler

import (
	"net/http"

	"github.com/go-faster/jx"
)

func (h *Handler) listVouchers(w http.ResponseWriter, r *http.Request) {
	list, err := h.catalog.ListOpen(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var e jx.Encoder
	e.Arr(func(e *jx.Encoder) {
		for i := range list {
			encodeTemplate(e, &list[i])
		}
	})
	writeJSON(w, http.StatusOK, e.Bytes())
}

func (h *Handler) getVoucher(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "templateID")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	t, err := h.catalog.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var e jx.Encoder
	encodeTemplate(&e, t)
	writeJSON(w, http.StatusOK, e.Bytes())
}
