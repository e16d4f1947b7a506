package credits

import (
	"context"
	"sync"
	"testing"
)

const fixedNowUnixUTC int64 = 1_700_000_000

// stubStore is an in-memory Store with per-method error injection. Each
// method is atomic under mu, mirroring the single-statement guarantees of
// the real stores.
type stubStore struct {
	mu           sync.Mutex
	balances     map[string]BalanceSnapshot
	transactions []Transaction
	dedupeKeys   map[string]bool

	withTxError     error
	getBalanceError error
	addBalanceError error
	deductError     error
	insertTxError   error
	listTxError     error
	sumSpentError   error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		balances:   map[string]BalanceSnapshot{},
		dedupeKeys: map[string]bool{},
	}
}

func (store *stubStore) setBalance(test *testing.T, userID UserID, balance Amount, lifetime Amount) {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	store.balances[userID.String()] = BalanceSnapshot{Balance: balance, Lifetime: lifetime}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.withTxError != nil {
		return store.withTxError
	}
	return fn(ctx, store)
}

func (store *stubStore) GetBalance(ctx context.Context, userID UserID) (BalanceSnapshot, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.getBalanceError != nil {
		return BalanceSnapshot{}, false, store.getBalanceError
	}
	snapshot, found := store.balances[userID.String()]
	return snapshot, found, nil
}

func (store *stubStore) AddToBalance(ctx context.Context, userID UserID, amount Amount) (BalanceSnapshot, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.addBalanceError != nil {
		return BalanceSnapshot{}, store.addBalanceError
	}
	snapshot := store.balances[userID.String()]
	snapshot.Balance += amount
	snapshot.Lifetime += amount
	store.balances[userID.String()] = snapshot
	return snapshot, nil
}

func (store *stubStore) DeductFromBalance(ctx context.Context, userID UserID, amount Amount) (BalanceSnapshot, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.deductError != nil {
		return BalanceSnapshot{}, false, store.deductError
	}
	snapshot := store.balances[userID.String()]
	if snapshot.Balance < amount {
		return snapshot, false, nil
	}
	snapshot.Balance -= amount
	store.balances[userID.String()] = snapshot
	return snapshot, true, nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, input TransactionInput) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertTxError != nil {
		return store.insertTxError
	}
	if input.DedupeKey != "" {
		if store.dedupeKeys[input.DedupeKey] {
			return ErrDuplicateTransaction
		}
		store.dedupeKeys[input.DedupeKey] = true
	}
	store.transactions = append(store.transactions, Transaction{
		TransactionID:  input.DedupeKey,
		UserID:         input.UserID.String(),
		Amount:         input.Amount,
		Type:           input.Type,
		Description:    input.Description,
		DedupeKey:      input.DedupeKey,
		MetadataJSON:   input.Metadata.String(),
		CreatedUnixUTC: input.CreatedUnixUTC,
	})
	return nil
}

func (store *stubStore) ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.listTxError != nil {
		return nil, store.listTxError
	}
	listed := make([]Transaction, 0, limit)
	for index := len(store.transactions) - 1; index >= 0 && len(listed) < limit; index-- {
		if store.transactions[index].UserID == userID.String() {
			listed = append(listed, store.transactions[index])
		}
	}
	return listed, nil
}

func (store *stubStore) SumSpentSince(ctx context.Context, userID UserID, sinceUnixUTC int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.sumSpentError != nil {
		return 0, store.sumSpentError
	}
	var total int64
	for _, transaction := range store.transactions {
		if transaction.UserID != userID.String() {
			continue
		}
		if transaction.Type != TransactionSpent {
			continue
		}
		if transaction.CreatedUnixUTC < sinceUnixUTC {
			continue
		}
		total += transaction.Amount
	}
	return total, nil
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return fixedNowUnixUTC }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustUserID(test *testing.T, raw string) UserID {
	test.Helper()
	userID, err := NewUserID(raw)
	if err != nil {
		test.Fatalf("user id: %v", err)
	}
	return userID
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}
