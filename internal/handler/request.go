package handler

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return errors.Wrapf(errBadRequest, format, args...)
}

// idParam parses a positive integer path parameter.
func idParam(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid %s %q", name, raw)
	}
	return id, nil
}

// instant reads the optional "at" query parameter.
func (h *Handler) instant(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("at")
	if raw == "" {
		return h.now(), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, badRequest("invalid at %q, want RFC 3339", raw)
	}
	return t, nil
}

// decodeBody reads a JSON object from the request body and hands every field
// to fn. Unknown fields are skipped.
func decodeBody(r *http.Request, fn func(d *jx.Decoder, key string) error) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return badRequest("read body: %s", err)
	}
	if len(data) > maxBodyBytes {
		return badRequest("body too large")
	}
	if err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		return fn(d, key)
	}); err != nil {
		return badRequest("decode body: %s", err)
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, errBadRequest) {
		writeError(w, r, http.StatusBadRequest, kindInvalidRequest, err.Error())
		return
	}
	writeDomainError(w, r, err)
}
