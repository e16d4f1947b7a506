package credits

const (
	operationSpend       = "spend"
	operationAdd         = "add"
	operationSignupBonus = "signup_bonus"
	operationPurchase    = "purchase"
	operationRefund      = "refund"

	operationStatusOK     = "ok"
	operationStatusDenied = "denied"
	operationStatusError  = "error"

	dedupePrefixSignupBonus = "signup_bonus:"
	dedupePrefixPurchase    = "purchase:"

	// DefaultHistoryLimit bounds History when the caller passes no limit.
	DefaultHistoryLimit = 50
	// MaxHistoryLimit is the hard page-size ceiling.
	MaxHistoryLimit = 200
	// StatsRecentLimit is how many transactions Stats returns.
	StatsRecentLimit = 10
	// StatsSpendWindowDays is the trailing spend window for Stats.
	StatsSpendWindowDays = 30

	secondsPerDay = 24 * 60 * 60
)
