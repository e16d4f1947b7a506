package credits

import "context"

// History lists the user's transactions, most recent first. A non-positive
// limit falls back to DefaultHistoryLimit and limits above MaxHistoryLimit
// are clamped.
func (service *Service) History(ctx context.Context, userID UserID, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	return service.store.ListTransactions(ctx, userID, limit)
}

// Stats reports the dashboard view: balance, lifetime credits, credits spent
// over the trailing 30 days, and the most recent transactions.
func (service *Service) Stats(ctx context.Context, userID UserID) (Stats, error) {
	snapshot, _, err := service.store.GetBalance(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	recent, err := service.store.ListTransactions(ctx, userID, StatsRecentLimit)
	if err != nil {
		return Stats{}, err
	}
	since := service.nowFn() - StatsSpendWindowDays*secondsPerDay
	spent, err := service.store.SumSpentSince(ctx, userID, since)
	if err != nil {
		return Stats{}, err
	}
	if spent < 0 {
		spent = -spent
	}
	return Stats{
		Balance:            snapshot.Balance,
		Lifetime:           snapshot.Lifetime,
		Spent30Days:        Amount(spent),
		RecentTransactions: recent,
	}, nil
}
