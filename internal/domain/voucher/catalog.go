package voucher

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Catalog lists the voucher templates customers can currently redeem.
type Catalog struct {
	repo Repository
	now  func() time.Time
}

// NewCatalog creates a Catalog backed by the given Repository.
func NewCatalog(repo Repository) *Catalog {
	return &Catalog{repo: repo, now: time.Now}
}

// ListOpen returns the redeemable templates. The repository filter is
// re-applied in memory so a stale or loose query cannot leak closed templates.
func (c *Catalog) ListOpen(ctx context.Context) ([]Template, error) {
	now := c.now()
	templates, err := c.repo.ListOpen(ctx, now)
	if err != nil {
		return nil, errors.Wrap(err, "list open templates")
	}

	out := templates[:0]
	for _, t := range templates {
		if t.Open(now) == nil {
			out = append(out, t)
		}
	}
	return out, nil
}

// Get returns a single template regardless of its state.
func (c *Catalog) Get(ctx context.Context, id int64) (*Template, error) {
	return c.repo.GetTemplate(ctx, id)
}
