package wallet

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type memoryRepository struct {
	mu      sync.RWMutex
	storage map[string]Wallet
	owners  map[string]string
	entries map[string][]Entry
}

// NewMemoryRepository constructs an in-memory repository for tests and local runs.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		storage: make(map[string]Wallet),
		owners:  make(map[string]string),
		entries: make(map[string][]Entry),
	}
}

func ownerKey(ownerID string) string {
	return strings.ToLower(strings.TrimSpace(ownerID))
}

func (r *memoryRepository) Create(_ context.Context, wallet Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.storage[wallet.ID]; exists {
		return ErrAlreadyExists
	}
	if _, exists := r.owners[ownerKey(wallet.OwnerID)]; exists {
		return ErrAlreadyExists
	}
	r.storage[wallet.ID] = wallet
	r.owners[ownerKey(wallet.OwnerID)] = wallet.ID
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wallet, ok := r.storage[id]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return wallet, nil
}

func (r *memoryRepository) GetByOwner(_ context.Context, ownerID string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owners[ownerKey(ownerID)]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return r.storage[id], nil
}

func (r *memoryRepository) ApplyPosting(_ context.Context, posting Posting) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, u := range posting.Updates {
		current, ok := r.storage[u.WalletID]
		if !ok {
			return ErrNotFound
		}
		if current.Version != u.ExpectedVersion {
			return ErrVersionConflict
		}
	}

	for _, u := range posting.Updates {
		w := r.storage[u.WalletID]
		w.Balance = u.NewBalance
		w.Version++
		w.UpdatedAt = posting.CreatedAt
		r.storage[u.WalletID] = w
		r.entries[u.WalletID] = append(r.entries[u.WalletID], Entry{
			TransactionID: posting.ID,
			WalletID:      u.WalletID,
			Kind:          posting.Kind,
			Reference:     posting.Reference,
			Description:   posting.Description,
			Amount:        u.Amount,
			BalanceAfter:  u.NewBalance,
			CreatedAt:     posting.CreatedAt,
		})
	}
	return nil
}

func (r *memoryRepository) Entries(_ context.Context, walletID string, limit int) ([]Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.storage[walletID]; !ok {
		return nil, ErrNotFound
	}
	stored := r.entries[walletID]
	entries := make([]Entry, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		entries = append(entries, stored[i])
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
