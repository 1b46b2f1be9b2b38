package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-promo/internal/domain/redemption"
)

func codeParam(r *http.Request) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "code")))
	if code == "" {
		return "", badRequest("empty code")
	}
	return code, nil
}

func (h *Handler) redeem(w http.ResponseWriter, r *http.Request) {
	accountID, err := idParam(r, "accountID")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var templateID int64
	if err := decodeBody(r, func(d *jx.Decoder, key string) error {
		if key != "templateId" {
			return d.Skip()
		}
		v, err := d.Int64()
		templateID = v
		return err
	}); err != nil {
		h.fail(w, r, err)
		return
	}
	if templateID <= 0 {
		h.fail(w, r, badRequest("templateId is required"))
		return
	}

	res, err := h.ledger.Redeem(r.Context(), accountID, templateID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { encodeCode(e, &res.Code) })
		e.Field("remainingPoints", func(e *jx.Encoder) { e.Int64(res.RemainingPoints) })
	})
	writeJSON(w, http.StatusCreated, e.Bytes())
}

func (h *Handler) listCodes(w http.ResponseWriter, r *http.Request) {
	accountID, err := idParam(r, "accountID")
	if err != nil {
		h.fail(w, r, err)
		return
	}

	codes, err := h.ledger.Codes(r.Context(), accountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var e jx.Encoder
	e.Arr(func(e *jx.Encoder) {
		for i := range codes {
			encodeCode(e, &codes[i])
		}
	})
	writeJSON(w, http.StatusOK, e.Bytes())
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	accountID, err := idParam(r, "accountID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	code, err := codeParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var (
		subtotal decimal.Decimal
		seen     bool
	)
	if err := decodeBody(r, func(d *jx.Decoder, key string) error {
		if key != "subtotal" {
			return d.Skip()
		}
		seen = true
		// Accept both "150000" and 150000.
		var raw string
		switch d.Next() {
		case jx.String:
			s, err := d.Str()
			if err != nil {
				return err
			}
			raw = s
		default:
			n, err := d.Num()
			if err != nil {
				return err
			}
			raw = n.String()
		}
		v, err := decimal.NewFromString(raw)
		subtotal = v
		return err
	}); err != nil {
		h.fail(w, r, err)
		return
	}
	if !seen {
		h.fail(w, r, badRequest("subtotal is required"))
		return
	}

	res, err := h.validator.Validate(r.Context(), accountID, code, subtotal)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Str(res.Code) })
		e.Field("templateId", func(e *jx.Encoder) { e.Int64(res.TemplateID) })
		e.Field("discount", func(e *jx.Encoder) { e.Str(res.Discount.String()) })
	})
	writeJSON(w, http.StatusOK, e.Bytes())
}

func (h *Handler) consume(w http.ResponseWriter, r *http.Request) {
	accountID, err := idParam(r, "accountID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	code, err := codeParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	var orderRef string
	if err := decodeBody(r, func(d *jx.Decoder, key string) error {
		if key != "orderRef" {
			return d.Skip()
		}
		v, err := d.Str()
		orderRef = strings.TrimSpace(v)
		return err
	}); err != nil {
		h.fail(w, r, err)
		return
	}
	if orderRef == "" {
		h.fail(w, r, badRequest("orderRef is required"))
		return
	}

	c, err := h.ledger.Consume(r.Context(), accountID, code, orderRef)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeCode(w, c)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	accountID, err := idParam(r, "accountID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	code, err := codeParam(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	c, err := h.ledger.Cancel(r.Context(), accountID, code)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.writeCode(w, c)
}

func (h *Handler) writeCode(w http.ResponseWriter, c *redemption.Code) {
	var e jx.Encoder
	encodeCode(&e, c)
	writeJSON(w, http.StatusOK, e.Bytes())
}
