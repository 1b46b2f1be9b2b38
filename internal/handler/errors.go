package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-promo/internal/domain/checkout"
	"github.com/xenking/kart-promo/internal/domain/product"
	"github.com/xenking/kart-promo/internal/domain/promotion"
	"github.com/xenking/kart-promo/internal/domain/redemption"
	"github.com/xenking/kart-promo/internal/domain/voucher"
)

// Error kinds reported in the "kind" field of error bodies.
const (
	kindInvalidRequest     = "invalid_request"
	kindNotFound           = "not_found"
	kindInactive           = "inactive"
	kindExpired            = "expired"
	kindExhausted          = "exhausted"
	kindInsufficientPoints = "insufficient_points"
	kindBelowMinimum       = "below_minimum"
	kindNotActive          = "not_active"
	kindConflict           = "conflict"
	kindInternal           = "internal"
)

type errorKind struct {
	target error
	kind   string
	status int
}

// errorKinds is checked in order. NotActive precedes Expired so that a code
// that was already expired reports not_active.
var errorKinds = []errorKind{
	{redemption.ErrInternal, kindInternal, http.StatusInternalServerError},
	{redemption.ErrConflict, kindConflict, http.StatusConflict},
	{redemption.ErrNotFound, kindNotFound, http.StatusNotFound},
	{voucher.ErrNotFound, kindNotFound, http.StatusNotFound},
	{product.ErrNotFound, kindNotFound, http.StatusNotFound},
	{redemption.ErrNotActive, kindNotActive, http.StatusUnprocessableEntity},
	{redemption.ErrExpired, kindExpired, http.StatusUnprocessableEntity},
	{voucher.ErrInactive, kindInactive, http.StatusUnprocessableEntity},
	{voucher.ErrExpired, kindExpired, http.StatusUnprocessableEntity},
	{voucher.ErrExhausted, kindExhausted, http.StatusUnprocessableEntity},
	{voucher.ErrBelowMinimum, kindBelowMinimum, http.StatusUnprocessableEntity},
	{redemption.ErrInsufficientPoints, kindInsufficientPoints, http.StatusUnprocessableEntity},
	{checkout.ErrInvalidSubtotal, kindInvalidRequest, http.StatusUnprocessableEntity},
	{promotion.ErrInvalidPrice, kindInvalidRequest, http.StatusUnprocessableEntity},
}

// writeDomainError maps err to a status and kind. Unknown errors are logged
// and reported as internal without their message.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	for _, k := range errorKinds {
		if !errors.Is(err, k.target) {
			continue
		}
		msg := k.target.Error()
		if k.status == http.StatusInternalServerError {
			zctx.From(r.Context()).Error("Request failed", zap.Error(err))
			msg = "internal error"
		}
		writeError(w, r, k.status, k.kind, msg)
		return
	}

	zctx.From(r.Context()).Error("Unexpected error", zap.Error(err))
	writeError(w, r, http.StatusInternalServerError, kindInternal, "internal error")
}

func writeError(w http.ResponseWriter, _ *http.Request, status int, kind, msg string) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Int(status) })
		e.Field("kind", func(e *jx.Encoder) { e.Str(kind) })
		e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
	})
	writeJSON(w, status, e.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
