// Package bloom puts a bloom filter of known account ids in front of an account store,
// answering reads of never-inserted accounts without touching the store.
package bloom

import (
	"context"
	"strconv"
	"sync"

	"findash/pkg/domain"
	"findash/pkg/store"

	"github.com/bits-and-blooms/bloom/v3"
)

// AccountStore decorates a store.AccountStore with an existence prefilter. Deletes do
// not clear filter bits, so deleted accounts fall through to the store.
type AccountStore struct {
	store  store.AccountStore
	filter *bloom.BloomFilter
	mu     sync.RWMutex

	expectedItems     uint
	falsePositiveRate float64

	totalQueries   uint64
	bloomRejected  uint64
	falsePositives uint64
}

// NewAccountStore wraps s with a filter sized for expectedItems accounts.
func NewAccountStore(s store.AccountStore, expectedItems uint, falsePositiveRate float64) *AccountStore {
	if expectedItems == 0 {
		expectedItems = 10000
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	return &AccountStore{
		store:             s,
		filter:            bloom.NewWithEstimates(expectedItems, falsePositiveRate),
		expectedItems:     expectedItems,
		falsePositiveRate: falsePositiveRate,
	}
}

func filterKey(accountID int) []byte {
	return []byte(strconv.Itoa(accountID))
}

// Warm adds already stored account ids to the filter.
func (bs *AccountStore) Warm(accountIDs ...int) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	for _, id := range accountIDs {
		bs.filter.Add(filterKey(id))
	}
}

// WarmFrom adds every account id lister knows to the filter.
func (bs *AccountStore) WarmFrom(ctx context.Context, lister store.AccountLister) (int, error) {
	ids, err := lister.AccountIDs(ctx)
	if err != nil {
		return 0, err
	}
	bs.Warm(ids...)
	return len(ids), nil
}

// FindByAccountID answers NotFound straight from the filter when it proves absence.
func (bs *AccountStore) FindByAccountID(ctx context.Context, accountID int) (*store.AccountRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bs.mu.Lock()
	bs.totalQueries++
	mayExist := bs.filter.Test(filterKey(accountID))
	if !mayExist {
		bs.bloomRejected++
		bs.mu.Unlock()
		return nil, domain.NotFoundf("no account found for accountId: %d", accountID)
	}
	bs.mu.Unlock()

	rec, err := bs.store.FindByAccountID(ctx, accountID)

	if domain.IsNotFound(err) {
		bs.mu.Lock()
		bs.falsePositives++
		bs.mu.Unlock()
	}

	return rec, err
}

// Insert records the id in the filter once the store accepted it. Duplicates are
// added too: they prove the account exists.
func (bs *AccountStore) Insert(ctx context.Context, rec *store.AccountRecord) error {
	err := bs.store.Insert(ctx, rec)
	if err == nil || domain.IsInvalidInput(err) {
		bs.mu.Lock()
		bs.filter.Add(filterKey(rec.Account.AccountID))
		bs.mu.Unlock()
	}
	return err
}

// Save passes through; a renamed account id is added to the filter.
func (bs *AccountStore) Save(ctx context.Context, rec *store.AccountRecord) error {
	if err := bs.store.Save(ctx, rec); err != nil {
		return err
	}
	bs.mu.Lock()
	bs.filter.Add(filterKey(rec.Account.AccountID))
	bs.mu.Unlock()
	return nil
}

// DeleteByAccountID passes through.
func (bs *AccountStore) DeleteByAccountID(ctx context.Context, accountID int) error {
	return bs.store.DeleteByAccountID(ctx, accountID)
}

// Reset clears the bloom filter.
func (bs *AccountStore) Reset() {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	bs.filter = bloom.NewWithEstimates(bs.expectedItems, bs.falsePositiveRate)
	bs.totalQueries = 0
	bs.bloomRejected = 0
	bs.falsePositives = 0
}

// Stats returns statistics about the bloom filter.
func (bs *AccountStore) Stats() Stats {
	bs.mu.RLock()
	defer bs.mu.RUnlock()

	rejectionRate := 0.0
	falsePositiveRate := 0.0

	if bs.totalQueries > 0 {
		rejectionRate = float64(bs.bloomRejected) / float64(bs.totalQueries)
		queried := bs.totalQueries - bs.bloomRejected
		if queried > 0 {
			falsePositiveRate = float64(bs.falsePositives) / float64(queried)
		}
	}

	return Stats{
		TotalQueries:      bs.totalQueries,
		BloomRejected:     bs.bloomRejected,
		FalsePositives:    bs.falsePositives,
		RejectionRate:     rejectionRate,
		FalsePositiveRate: falsePositiveRate,
		FilterCapacity:    bs.filter.Cap(),
	}
}

// Stats holds statistics about bloom filter performance.
type Stats struct {
	TotalQueries      uint64  `json:"totalQueries"`
	BloomRejected     uint64  `json:"bloomRejected"`
	FalsePositives    uint64  `json:"falsePositives"`
	RejectionRate     float64 `json:"rejectionRate"`
	FalsePositiveRate float64 `json:"falsePositiveRate"`
	FilterCapacity    uint    `json:"filterCapacity"`
}

var _ store.AccountStore = (*AccountStore)(nil)
