package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Amount is a fixed-point credit quantity in centicredits
// (100 centicredits = 1 credit).
type Amount int64

// AmountPerCredit is the centicredit scale factor.
const AmountPerCredit Amount = 100

// Int64 returns the raw centicredit value.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// Credits returns the whole-credit value, truncating fractional credits.
func (amount Amount) Credits() int64 {
	return int64(amount / AmountPerCredit)
}

// FormatAmount renders a centicredit amount as a decimal credit string,
// e.g. 50 -> "0.5", 1000 -> "10", -150 -> "-1.5".
func FormatAmount(amount Amount) string {
	raw := amount.Int64()
	sign := ""
	if raw < 0 {
		sign = "-"
		raw = -raw
	}
	whole := raw / int64(AmountPerCredit)
	frac := raw % int64(AmountPerCredit)
	switch {
	case frac == 0:
		return fmt.Sprintf("%s%d", sign, whole)
	case frac%10 == 0:
		return fmt.Sprintf("%s%d.%d", sign, whole, frac/10)
	default:
		return fmt.Sprintf("%s%d.%02d", sign, whole, frac)
	}
}

// NewGrantAmount validates an amount that must be strictly positive.
func NewGrantAmount(raw int64) (Amount, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Amount(raw), nil
}

// UserID identifies a balance owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// MetadataJSON stores arbitrary caller context attached to a transaction.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// TransactionType enumerates the business reason for a ledger movement.
type TransactionType string

const (
	TransactionSignupBonus TransactionType = "SIGNUP_BONUS"
	TransactionPurchase    TransactionType = "PURCHASE"
	TransactionSpent       TransactionType = "SPENT"
	TransactionAdminAdjust TransactionType = "ADMIN_ADJUST"
	TransactionRefund      TransactionType = "REFUND"
)

// ParseTransactionType validates a raw transaction type string.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionSignupBonus, TransactionPurchase, TransactionSpent, TransactionAdminAdjust, TransactionRefund:
		return TransactionType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
}

// String returns the stored enum value.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// IsGrant reports whether the type credits the balance.
func (transactionType TransactionType) IsGrant() bool {
	switch transactionType {
	case TransactionSignupBonus, TransactionPurchase, TransactionAdminAdjust, TransactionRefund:
		return true
	}
	return false
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	TransactionID  string
	UserID         string
	Amount         int64
	Type           TransactionType
	Description    string
	DedupeKey      string
	MetadataJSON   string
	CreatedUnixUTC int64
}

// TransactionInput describes a transaction row about to be appended.
type TransactionInput struct {
	UserID         UserID
	Amount         int64
	Type           TransactionType
	Description    string
	DedupeKey      string
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// NewTransactionInput validates a ledger append. Amount carries the sign:
// positive for grants, negative or zero for spends.
func NewTransactionInput(userID UserID, transactionType TransactionType, amount int64, description string, dedupeKey string, metadata MetadataJSON, createdUnixUTC int64) (TransactionInput, error) {
	if userID.String() == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty user id", ErrInvalidTransactionRecord)
	}
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return TransactionInput{}, err
	}
	if transactionType.IsGrant() && amount <= 0 {
		return TransactionInput{}, fmt.Errorf("%w: grant amount must be positive", ErrInvalidTransactionRecord)
	}
	if transactionType == TransactionSpent && amount > 0 {
		return TransactionInput{}, fmt.Errorf("%w: spend amount must not be positive", ErrInvalidTransactionRecord)
	}
	return TransactionInput{
		UserID:         userID,
		Amount:         amount,
		Type:           transactionType,
		Description:    description,
		DedupeKey:      dedupeKey,
		Metadata:       metadata,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

// BalanceSnapshot is the persisted per-user balance view.
type BalanceSnapshot struct {
	Balance  Amount
	Lifetime Amount
}

// SpendResult reports the outcome of a spend attempt. An unaffordable spend
// is an ordinary outcome, not an error: Authorized is false, Balance holds
// the untouched current balance, and Shortfall the missing amount.
type SpendResult struct {
	Authorized bool
	Balance    Amount
	Cost       Amount
	Shortfall  Amount
}

// Stats summarizes a user's credit position for dashboards.
type Stats struct {
	Balance            Amount
	Lifetime           Amount
	Spent30Days        Amount
	RecentTransactions []Transaction
}

// Store is the persistence contract used by Service. All mutation happens
// inside WithTx; DeductFromBalance must be a guarded decrement so two
// concurrent spends can never both drain the same credits.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, userID UserID) (BalanceSnapshot, bool, error)
	AddToBalance(ctx context.Context, userID UserID, amount Amount) (BalanceSnapshot, error)
	DeductFromBalance(ctx context.Context, userID UserID, amount Amount) (BalanceSnapshot, bool, error)
	InsertTransaction(ctx context.Context, input TransactionInput) error
	ListTransactions(ctx context.Context, userID UserID, limit int) ([]Transaction, error)
	SumSpentSince(ctx context.Context, userID UserID, sinceUnixUTC int64) (int64, error)
}
