package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-promo/internal/domain/redemption"
)

// batchWriter writes each archived batch to its own gzip NDJSON file.
type batchWriter struct {
	dir string
	now func() time.Time
	seq int
}

// path names batch files so that lexical order is archive order.
func (w *batchWriter) path() string {
	w.seq++
	name := fmt.Sprintf("codes-%s-%04d.ndjson.gz", w.now().UTC().Format("20060102T150405Z"), w.seq)
	return filepath.Join(w.dir, name)
}

// Write encodes codes on one goroutine and compresses on another. The file is
// synced before Write returns, so the caller may delete the rows afterwards.
func (w *batchWriter) Write(ctx context.Context, codes []redemption.Code) (path string, err error) {
	path = w.path()
	tmp := path + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return "", errors.Wrap(err, "create")
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	lines := make(chan []byte, 64)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(lines)
		for i := range codes {
			if err := ctx.Err(); err != nil {
				return err
			}
			select {
			case lines <- encodeCode(&codes[i]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	g.Go(func() error {
		bw := bufio.NewWriterSize(f, 1<<16)
		zw := pgzip.NewWriter(bw)
		for line := range lines {
			if _, err := zw.Write(line); err != nil {
				return errors.Wrap(err, "compress")
			}
		}
		if err := zw.Close(); err != nil {
			return errors.Wrap(err, "close gzip")
		}
		return bw.Flush()
	})
	if err := g.Wait(); err != nil {
		return "", err
	}

	if err := f.Sync(); err != nil {
		return "", errors.Wrap(err, "sync")
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "close")
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", errors.Wrap(err, "rename")
	}
	return path, nil
}

// encodeCode renders one code as a newline terminated JSON object.
func encodeCode(c *redemption.Code) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Str(c.Code) })
		e.Field("templateId", func(e *jx.Encoder) { e.Int64(c.TemplateID) })
		e.Field("accountId", func(e *jx.Encoder) { e.Int64(c.AccountID) })
		e.Field("status", func(e *jx.Encoder) { e.Str(string(c.Status)) })
		e.Field("createdAt", func(e *jx.Encoder) { e.Str(c.CreatedAt.UTC().Format(time.RFC3339Nano)) })
		if c.ExpiresAt != nil {
			e.Field("expiresAt", func(e *jx.Encoder) { e.Str(c.ExpiresAt.UTC().Format(time.RFC3339Nano)) })
		}
		if c.OrderRef != nil {
			e.Field("orderRef", func(e *jx.Encoder) { e.Str(*c.OrderRef) })
		}
		e.Field("updatedAt", func(e *jx.Encoder) { e.Str(c.UpdatedAt.UTC().Format(time.RFC3339Nano)) })
	})
	return append(e.Bytes(), '\n')
}
