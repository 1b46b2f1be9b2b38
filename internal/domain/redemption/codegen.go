package redemption

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
)

const (
	codeAlphabet  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	codeSuffixLen = 6
	defaultPrefix = "V"
)

var alphabetSize = big.NewInt(int64(len(codeAlphabet)))

// NewCode returns "{PREFIX}-{6 base36 chars}" using a cryptographic source.
func NewCode(prefix string) (string, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = defaultPrefix
	}

	var b strings.Builder
	b.Grow(len(prefix) + 1 + codeSuffixLen)
	b.WriteString(prefix)
	b.WriteByte('-')
	for range codeSuffixLen {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", errors.Wrap(err, "read random")
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// CodeFilter remembers issued codes in a Bloom filter so that most collisions
// are caught before a database round trip. A negative answer is definite; a
// positive one only means "maybe", and the database unique constraint stays
// authoritative.
type CodeFilter struct {
	mu     sync.Mutex
	filter *bloom.BloomFilter
	count  uint
}

// NewCodeFilter sizes a filter for capacity codes at the given false
// positive rate.
func NewCodeFilter(capacity uint, fpRate float64) *CodeFilter {
	return &CodeFilter{filter: bloom.NewWithEstimates(capacity, fpRate)}
}

// MaybeIssued reports whether code may already have been issued.
func (f *CodeFilter) MaybeIssued(code string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filter.TestString(code)
}

// Add records an issued code.
func (f *CodeFilter) Add(code string) {
	f.mu.Lock()
	f.filter.AddString(code)
	f.count++
	f.mu.Unlock()
}

// Count returns how many codes were added.
func (f *CodeFilter) Count() uint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// FillRatio returns the share of set bits, a rough saturation signal.
func (f *CodeFilter) FillRatio() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.filter.Cap() == 0 {
		return 0
	}
	return float64(f.filter.BitSet().Count()) / float64(f.filter.Cap())
}

// Warm loads every issued code from the store.
func (f *CodeFilter) Warm(ctx context.Context, store Store) error {
	return store.IssuedCodes(ctx, func(code string) error {
		f.Add(code)
		return nil
	})
}
