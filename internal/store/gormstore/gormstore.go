package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/synterhq/creditd/pkg/credits"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintTransactionDedupe = "uniq_credit_tx_dedupe"
	defaultMetadataJSON         = "{}"
	pgUniqueViolationCode       = "23505"
	sqliteConstraintCode        = 19
	errorOperationStore         = "store"
	errorSubjectBalance         = "balance"
	errorSubjectTransaction     = "transaction"
	errorCodeDeduct             = "deduct"
	errorCodeDuplicate          = "duplicate"
	errorCodeGet                = "get"
	errorCodeInsert             = "insert"
	errorCodeInvalid            = "invalid"
	errorCodeList               = "list"
	errorCodeSumSpent           = "sum_spent"
	errorCodeUpsert             = "upsert"
)

// Store implements credits.Store using GORM. It works against PostgreSQL and
// SQLite with the same statements.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates the ledger tables. Intended for SQLite deployments and
// tests; PostgreSQL schemas are managed externally.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&CreditBalance{}, &CreditTransaction{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetBalance(ctx context.Context, userID credits.UserID) (credits.BalanceSnapshot, bool, error) {
	var row CreditBalance
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.BalanceSnapshot{}, false, nil
	}
	if err != nil {
		return credits.BalanceSnapshot{}, false, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return credits.BalanceSnapshot{
		Balance:  credits.Amount(row.Balance),
		Lifetime: credits.Amount(row.Lifetime),
	}, true, nil
}

func (store *Store) AddToBalance(ctx context.Context, userID credits.UserID, amount credits.Amount) (credits.BalanceSnapshot, error) {
	now := time.Now().UTC()
	row := CreditBalance{
		UserID:    userID.String(),
		Balance:   amount.Int64(),
		Lifetime:  amount.Int64(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"balance":    gorm.Expr("credit_balances.balance + excluded.balance"),
				"lifetime":   gorm.Expr("credit_balances.lifetime + excluded.lifetime"),
				"updated_at": gorm.Expr("excluded.updated_at"),
			}),
		}).
		Create(&row).Error
	if err != nil {
		return credits.BalanceSnapshot{}, wrapStoreError(errorSubjectBalance, errorCodeUpsert, err)
	}
	snapshot, _, err := store.GetBalance(ctx, userID)
	if err != nil {
		return credits.BalanceSnapshot{}, err
	}
	return snapshot, nil
}

// DeductFromBalance decrements only where balance >= amount: the guard runs
// in the same statement as the write, so concurrent spends serialize on the
// row and can never take it negative.
func (store *Store) DeductFromBalance(ctx context.Context, userID credits.UserID, amount credits.Amount) (credits.BalanceSnapshot, bool, error) {
	result := store.db.WithContext(ctx).
		Model(&CreditBalance{}).
		Where("user_id = ? AND balance >= ?", userID.String(), amount.Int64()).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance - ?", amount.Int64()),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return credits.BalanceSnapshot{}, false, wrapStoreError(errorSubjectBalance, errorCodeDeduct, result.Error)
	}
	snapshot, _, err := store.GetBalance(ctx, userID)
	if err != nil {
		return credits.BalanceSnapshot{}, false, err
	}
	return snapshot, result.RowsAffected > 0, nil
}

func (store *Store) InsertTransaction(ctx context.Context, input credits.TransactionInput) error {
	var dedupeKey *string
	if input.DedupeKey != "" {
		value := input.DedupeKey
		dedupeKey = &value
	}
	row := CreditTransaction{
		UserID:      input.UserID.String(),
		Amount:      input.Amount,
		Type:        input.Type.String(),
		Description: input.Description,
		DedupeKey:   dedupeKey,
		Metadata:    datatypesJSON(input.Metadata.String()),
		CreatedAt:   time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isDedupeConflict(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, credits.ErrDuplicateTransaction)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) ListTransactions(ctx context.Context, userID credits.UserID, limit int) ([]credits.Transaction, error) {
	var rows []CreditTransaction
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) SumSpentSince(ctx context.Context, userID credits.UserID, sinceUnixUTC int64) (int64, error) {
	since := time.Unix(sinceUnixUTC, 0).UTC()
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("user_id = ? AND type = ? AND created_at >= ?", userID.String(), credits.TransactionSpent.String(), since).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectTransaction, errorCodeSumSpent, err)
	}
	return sum.Total, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapTransaction(row CreditTransaction) (credits.Transaction, error) {
	transactionType, err := credits.ParseTransactionType(row.Type)
	if err != nil {
		return credits.Transaction{}, err
	}
	dedupeKey := ""
	if row.DedupeKey != nil {
		dedupeKey = *row.DedupeKey
	}
	metadata := string(row.Metadata)
	if metadata == "" {
		metadata = defaultMetadataJSON
	}
	return credits.Transaction{
		TransactionID:  row.TransactionID,
		UserID:         row.UserID,
		Amount:         row.Amount,
		Type:           transactionType,
		Description:    row.Description,
		DedupeKey:      dedupeKey,
		MetadataJSON:   metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isDedupeConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintTransactionDedupe
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
