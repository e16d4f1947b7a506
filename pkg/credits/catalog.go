package credits

import "fmt"

// Action is a named, priced operation that consumes credits.
type Action string

const (
	ActionChatQuery           Action = "chat_query"
	ActionCampaignLaunch      Action = "campaign_launch"
	ActionBudgetOptimization  Action = "budget_optimization"
	ActionAttributionAnalysis Action = "attribution_analysis"
	ActionPlatformConnection  Action = "platform_connection"
	ActionAPICall             Action = "api_call"
)

// ActionCost pairs an action with its price and display text.
type ActionCost struct {
	Action      Action
	Cost        Amount
	Description string
}

// SignupBonusAmount is the free credit grant for new accounts.
const SignupBonusAmount = 100 * AmountPerCredit

var actionCosts = map[Action]ActionCost{
	ActionChatQuery: {
		Action:      ActionChatQuery,
		Cost:        AmountPerCredit / 2,
		Description: "Ask the AI assistant a question",
	},
	ActionCampaignLaunch: {
		Action:      ActionCampaignLaunch,
		Cost:        10 * AmountPerCredit,
		Description: "Launch a new advertising campaign",
	},
	ActionBudgetOptimization: {
		Action:      ActionBudgetOptimization,
		Cost:        5 * AmountPerCredit,
		Description: "Run budget optimization agent",
	},
	ActionAttributionAnalysis: {
		Action:      ActionAttributionAnalysis,
		Cost:        3 * AmountPerCredit,
		Description: "Generate attribution report",
	},
	ActionPlatformConnection: {
		Action:      ActionPlatformConnection,
		Cost:        0,
		Description: "Connect a new platform (free)",
	},
	ActionAPICall: {
		Action:      ActionAPICall,
		Cost:        2 * AmountPerCredit,
		Description: "API request",
	},
}

// actionOrder keeps catalog listings stable.
var actionOrder = []Action{
	ActionChatQuery,
	ActionCampaignLaunch,
	ActionBudgetOptimization,
	ActionAttributionAnalysis,
	ActionPlatformConnection,
	ActionAPICall,
}

// ParseAction validates a raw action string against the catalog. This is the
// only way untrusted input becomes an Action.
func ParseAction(raw string) (Action, error) {
	if _, known := actionCosts[Action(raw)]; !known {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, raw)
	}
	return Action(raw), nil
}

// String returns the catalog key.
func (action Action) String() string {
	return string(action)
}

// Cost returns the centicredit price of an action.
func Cost(action Action) (Amount, error) {
	entry, known := actionCosts[action]
	if !known {
		return 0, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return entry.Cost, nil
}

// Actions lists every catalog entry in stable order.
func Actions() []ActionCost {
	listed := make([]ActionCost, 0, len(actionOrder))
	for _, action := range actionOrder {
		listed = append(listed, actionCosts[action])
	}
	return listed
}

// Package is a purchasable bundle of credits. Credits, Bonus, and PriceUSD
// are whole units; payment-provider price references live in configuration,
// not here.
type Package struct {
	ID       string
	Credits  int64
	PriceUSD int64
	Bonus    int64
	Popular  bool
}

var creditPackages = []Package{
	{ID: "tier_10", Credits: 100, PriceUSD: 10},
	{ID: "tier_20", Credits: 200, PriceUSD: 20},
	{ID: "tier_30", Credits: 300, PriceUSD: 30},
	{ID: "tier_40", Credits: 400, PriceUSD: 40},
	{ID: "tier_50", Credits: 500, PriceUSD: 50},
	{ID: "tier_100_bonus", Credits: 1000, PriceUSD: 100, Bonus: 100, Popular: true},
}

// Packages lists every purchasable package.
func Packages() []Package {
	listed := make([]Package, len(creditPackages))
	copy(listed, creditPackages)
	return listed
}

// PackageByID looks up a package; absence must be handled by the caller.
func PackageByID(id string) (Package, bool) {
	for _, pkg := range creditPackages {
		if pkg.ID == id {
			return pkg, true
		}
	}
	return Package{}, false
}

// TotalCredits returns purchased plus bonus credits in whole units.
func (pkg Package) TotalCredits() int64 {
	return pkg.Credits + pkg.Bonus
}

// TotalAmount returns the centicredit grant for the package.
func (pkg Package) TotalAmount() Amount {
	return Amount(pkg.TotalCredits()) * AmountPerCredit
}
