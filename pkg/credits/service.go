package credits

import (
	"context"
	"errors"
	"fmt"
)

// Service is the single authority over balance mutation. Every write runs
// inside a Store transaction so the non-negative balance invariant holds
// under concurrent spends.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the current spendable credits. A user without a balance
// row reads as zero.
func (service *Service) Balance(ctx context.Context, userID UserID) (Amount, error) {
	snapshot, _, err := service.store.GetBalance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return snapshot.Balance, nil
}

// HasEnoughCredits reports whether the user can currently afford the action.
// Advisory only: it is not a reservation, so the actual spend re-checks
// inside its own transaction.
func (service *Service) HasEnoughCredits(ctx context.Context, userID UserID, action Action) (bool, error) {
	cost, err := Cost(action)
	if err != nil {
		return false, err
	}
	balance, err := service.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance >= cost, nil
}

// Spend atomically re-checks affordability, decrements the balance, and
// appends a SPENT transaction. Insufficient balance is reported through the
// SpendResult, never as an error; the returned error is reserved for
// storage failures.
func (service *Service) Spend(ctx context.Context, userID UserID, action Action, metadata MetadataJSON) (SpendResult, error) {
	cost, err := Cost(action)
	if err != nil {
		return SpendResult{}, err
	}

	var result SpendResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		description := fmt.Sprintf("Spent %s credits on %s", FormatAmount(cost), action)
		if cost == 0 {
			snapshot, _, err := transactionStore.GetBalance(ctx, userID)
			if err != nil {
				return err
			}
			input, err := NewTransactionInput(userID, TransactionSpent, 0, description, "", metadata, service.nowFn())
			if err != nil {
				return err
			}
			if err := transactionStore.InsertTransaction(ctx, input); err != nil {
				return err
			}
			result = SpendResult{Authorized: true, Balance: snapshot.Balance}
			return nil
		}

		snapshot, deducted, err := transactionStore.DeductFromBalance(ctx, userID, cost)
		if err != nil {
			return err
		}
		if !deducted {
			result = SpendResult{
				Authorized: false,
				Balance:    snapshot.Balance,
				Cost:       cost,
				Shortfall:  cost - snapshot.Balance,
			}
			return nil
		}
		input, err := NewTransactionInput(userID, TransactionSpent, -cost.Int64(), description, "", metadata, service.nowFn())
		if err != nil {
			return err
		}
		if err := transactionStore.InsertTransaction(ctx, input); err != nil {
			return err
		}
		result = SpendResult{Authorized: true, Balance: snapshot.Balance, Cost: cost}
		return nil
	})

	logEntry := OperationLog{
		Operation: operationSpend,
		UserID:    userID,
		Action:    action,
		Type:      TransactionSpent,
		Amount:    cost,
		Metadata:  metadata,
		Error:     operationError,
	}
	if operationError == nil && !result.Authorized {
		logEntry.Status = operationStatusDenied
	}
	service.logOperation(ctx, logEntry)
	return result, operationError
}

// AddCredits grants credits: the balance and lifetime counters both move up
// by amount and a transaction of +amount is appended. The type must be one
// of the grant types.
func (service *Service) AddCredits(ctx context.Context, userID UserID, amount Amount, transactionType TransactionType, description string, metadata MetadataJSON) (Amount, error) {
	if !transactionType.IsGrant() {
		return 0, fmt.Errorf("%w: %q is not a grant type", ErrInvalidTransactionType, transactionType)
	}
	if description == "" {
		description = fmt.Sprintf("Added %s credits", FormatAmount(amount))
	}
	balance, err := service.grant(ctx, userID, amount, transactionType, description, "", metadata)
	service.logOperation(ctx, OperationLog{
		Operation: operationAdd,
		UserID:    userID,
		Type:      transactionType,
		Amount:    amount,
		Metadata:  metadata,
		Error:     err,
	})
	return balance, err
}

// GrantSignupBonus grants the fixed welcome credits exactly once per user.
// A repeat call fails with ErrBonusAlreadyGranted and grants nothing: the
// uniqueness lives in the ledger, not in the signup flow.
func (service *Service) GrantSignupBonus(ctx context.Context, userID UserID) (Amount, error) {
	description := fmt.Sprintf("Welcome bonus: %s free credits", FormatAmount(SignupBonusAmount))
	dedupeKey := dedupePrefixSignupBonus + userID.String()
	balance, err := service.grant(ctx, userID, SignupBonusAmount, TransactionSignupBonus, description, dedupeKey, MetadataJSON{})
	if errors.Is(err, ErrDuplicateTransaction) {
		err = ErrBonusAlreadyGranted
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationSignupBonus,
		UserID:    userID,
		Type:      TransactionSignupBonus,
		Amount:    SignupBonusAmount,
		Error:     err,
	})
	return balance, err
}

// RecordPurchase credits a completed checkout: package credits plus bonus.
// The payment reference doubles as the dedupe key, so a redelivered webhook
// fails with ErrDuplicatePurchase instead of double-granting.
func (service *Service) RecordPurchase(ctx context.Context, userID UserID, packageID string, paymentRef string, metadata MetadataJSON) (Amount, error) {
	pkg, known := PackageByID(packageID)
	if !known {
		return 0, fmt.Errorf("%w: %q", ErrUnknownPackage, packageID)
	}
	if paymentRef == "" {
		return 0, fmt.Errorf("%w: empty payment reference", ErrInvalidDedupeKey)
	}
	description := fmt.Sprintf("Purchased %d credits", pkg.Credits)
	if pkg.Bonus > 0 {
		description = fmt.Sprintf("Purchased %d credits + %d bonus", pkg.Credits, pkg.Bonus)
	}
	dedupeKey := dedupePrefixPurchase + paymentRef
	balance, err := service.grant(ctx, userID, pkg.TotalAmount(), TransactionPurchase, description, dedupeKey, metadata)
	if errors.Is(err, ErrDuplicateTransaction) {
		err = ErrDuplicatePurchase
	}
	service.logOperation(ctx, OperationLog{
		Operation: operationPurchase,
		UserID:    userID,
		Type:      TransactionPurchase,
		Amount:    pkg.TotalAmount(),
		Metadata:  metadata,
		Error:     err,
	})
	return balance, err
}

// Refund compensates a charge for work that did not complete. It is a grant
// with its own transaction type so the history distinguishes it from
// purchases.
func (service *Service) Refund(ctx context.Context, userID UserID, amount Amount, description string, metadata MetadataJSON) (Amount, error) {
	if description == "" {
		description = fmt.Sprintf("Refunded %s credits", FormatAmount(amount))
	}
	balance, err := service.grant(ctx, userID, amount, TransactionRefund, description, "", metadata)
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		UserID:    userID,
		Type:      TransactionRefund,
		Amount:    amount,
		Metadata:  metadata,
		Error:     err,
	})
	return balance, err
}

func (service *Service) grant(ctx context.Context, userID UserID, amount Amount, transactionType TransactionType, description string, dedupeKey string, metadata MetadataJSON) (Amount, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: grant must be greater than zero", ErrInvalidAmount)
	}
	var balance Amount
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		input, err := NewTransactionInput(userID, transactionType, amount.Int64(), description, dedupeKey, metadata, service.nowFn())
		if err != nil {
			return err
		}
		// Insert first: a dedupe conflict aborts before the balance moves.
		if err := transactionStore.InsertTransaction(ctx, input); err != nil {
			return err
		}
		snapshot, err := transactionStore.AddToBalance(ctx, userID, amount)
		if err != nil {
			return err
		}
		balance = snapshot.Balance
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
