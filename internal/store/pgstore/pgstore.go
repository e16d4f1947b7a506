package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/synterhq/creditd/pkg/credits"
)

const (
	constraintTransactionDedupe = "credit_transactions_dedupe_key_key"
	pgUniqueViolationCode       = "23505"
	errorOperationStore         = "store"
	errorSubjectBalance         = "balance"
	errorSubjectTransaction     = "transaction"
	errorCodeBegin              = "begin"
	errorCodeCommit             = "commit"
	errorCodeDeduct             = "deduct"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeSumSpent           = "sum_spent"
	errorCodeUpsert             = "upsert"

	sqlSelectBalance = `
		select balance, lifetime from credit_balances
		where user_id = $1
	`

	sqlUpsertBalance = `
		insert into credit_balances(user_id, balance, lifetime, created_at, updated_at)
		values($1, $2, $2, now(), now())
		on conflict (user_id) do update
		set balance = credit_balances.balance + excluded.balance,
			lifetime = credit_balances.lifetime + excluded.lifetime,
			updated_at = now()
		returning balance, lifetime
	`

	sqlGuardedDeduct = `
		update credit_balances
		set balance = balance - $2, updated_at = now()
		where user_id = $1 and balance >= $2
		returning balance, lifetime
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, user_id, amount, type, description, dedupe_key, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4,
			nullif($5,''),
			coalesce(nullif($6,''),'{}')::jsonb,
			to_timestamp($7)
		)
	`

	sqlListTransactions = `
		select
			transaction_id::text,
			user_id,
			amount,
			type,
			description,
			coalesce(dedupe_key,''),
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from credit_transactions
		where user_id = $1
		order by created_at desc
		limit $2
	`

	sqlSumSpentSince = `
		select coalesce(sum(amount),0) from credit_transactions
		where user_id = $1 and type = $2 and created_at >= to_timestamp($3)
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so one set of
// statements serves autocommit and transactional stores.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// WithTx runs fn against a transactional view of the store.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.pool == nil {
		// Already inside a transaction, reuse it.
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &Store{db: tx}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) GetBalance(ctx context.Context, userID credits.UserID) (credits.BalanceSnapshot, bool, error) {
	var balance, lifetime int64
	err := store.db.QueryRow(ctx, sqlSelectBalance, userID.String()).Scan(&balance, &lifetime)
	if errors.Is(err, pgx.ErrNoRows) {
		return credits.BalanceSnapshot{}, false, nil
	}
	if err != nil {
		return credits.BalanceSnapshot{}, false, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return credits.BalanceSnapshot{
		Balance:  credits.Amount(balance),
		Lifetime: credits.Amount(lifetime),
	}, true, nil
}

func (store *Store) AddToBalance(ctx context.Context, userID credits.UserID, amount credits.Amount) (credits.BalanceSnapshot, error) {
	var balance, lifetime int64
	err := store.db.QueryRow(ctx, sqlUpsertBalance, userID.String(), amount.Int64()).Scan(&balance, &lifetime)
	if err != nil {
		return credits.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, errorCodeUpsert, err)
	}
	return credits.BalanceSnapshot{
		Balance:  credits.Amount(balance),
		Lifetime: credits.Amount(lifetime),
	}, nil
}

// DeductFromBalance decrements only where balance >= amount; the row lock
// taken by the UPDATE serializes concurrent spends.
func (store *Store) DeductFromBalance(ctx context.Context, userID credits.UserID, amount credits.Amount) (credits.BalanceSnapshot, bool, error) {
	var balance, lifetime int64
	err := store.db.QueryRow(ctx, sqlGuardedDeduct, userID.String(), amount.Int64()).Scan(&balance, &lifetime)
	if errors.Is(err, pgx.ErrNoRows) {
		snapshot, _, getErr := store.GetBalance(ctx, userID)
		if getErr != nil {
			return credits.BalanceSnapshot{}, false, getErr
		}
		return snapshot, false, nil
	}
	if err != nil {
		return credits.BalanceSnapshot{}, false, wrapStoreError(errorSubjectBalance, errorCodeDeduct, err)
	}
	return credits.BalanceSnapshot{
		Balance:  credits.Amount(balance),
		Lifetime: credits.Amount(lifetime),
	}, true, nil
}

func (store *Store) InsertTransaction(ctx context.Context, input credits.TransactionInput) error {
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		input.UserID.String(),
		input.Amount,
		input.Type.String(),
		input.Description,
		input.DedupeKey,
		input.Metadata.String(),
		input.CreatedUnixUTC,
	)
	if isDedupeConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID credits.UserID, limit int) ([]credits.Transaction, error) {
	rows, err := store.db.Query(ctx, sqlListTransactions, userID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
	}
	return transactions, nil
}

func (store *Store) SumSpentSince(ctx context.Context, userID credits.UserID, sinceUnixUTC int64) (int64, error) {
	var sum int64
	err := store.db.QueryRow(ctx, sqlSumSpentSince, userID.String(), credits.TransactionSpent.String(), sinceUnixUTC).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSumSpent, err)
	}
	return sum, nil
}

func scanTransactions(rows pgx.Rows) ([]credits.Transaction, error) {
	transactions := make([]credits.Transaction, 0, 32)
	for rows.Next() {
		var (
			transactionID  string
			userIDValue    string
			amount         int64
			typeValue      string
			description    string
			dedupeKey      string
			metadataValue  string
			createdUnixUTC int64
		)
		if err := rows.Scan(
			&transactionID,
			&userIDValue,
			&amount,
			&typeValue,
			&description,
			&dedupeKey,
			&metadataValue,
			&createdUnixUTC,
		); err != nil {
			return nil, err
		}
		transactionType, err := credits.ParseTransactionType(typeValue)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, credits.Transaction{
			TransactionID:  transactionID,
			UserID:         userIDValue,
			Amount:         amount,
			Type:           transactionType,
			Description:    description,
			DedupeKey:      dedupeKey,
			MetadataJSON:   metadataValue,
			CreatedUnixUTC: createdUnixUTC,
		})
	}
	return transactions, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isDedupeConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionDedupe
	}
	return false
}
