package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/synterhq/creditd/pkg/credits"
	"go.uber.org/zap"
)

const (
	testSigningKey    = "test-signing-key"
	testWebhookSecret = "test-webhook-secret"
)

type stubLedger struct {
	balance         credits.Amount
	balanceErr      error
	spendResult     credits.SpendResult
	spendErr        error
	grantedBalance  credits.Amount
	grantErr        error
	bonusBalance    credits.Amount
	bonusErr        error
	purchaseBalance credits.Amount
	purchaseErr     error
	history         []credits.Transaction
	historyErr      error
	stats           credits.Stats
	statsErr        error

	spendCalls    []credits.Action
	purchaseCalls []string
}

func (ledger *stubLedger) Balance(context.Context, credits.UserID) (credits.Amount, error) {
	return ledger.balance, ledger.balanceErr
}

func (ledger *stubLedger) Spend(_ context.Context, _ credits.UserID, action credits.Action, _ credits.MetadataJSON) (credits.SpendResult, error) {
	ledger.spendCalls = append(ledger.spendCalls, action)
	return ledger.spendResult, ledger.spendErr
}

func (ledger *stubLedger) AddCredits(context.Context, credits.UserID, credits.Amount, credits.TransactionType, string, credits.MetadataJSON) (credits.Amount, error) {
	return ledger.grantedBalance, ledger.grantErr
}

func (ledger *stubLedger) GrantSignupBonus(context.Context, credits.UserID) (credits.Amount, error) {
	return ledger.bonusBalance, ledger.bonusErr
}

func (ledger *stubLedger) RecordPurchase(_ context.Context, _ credits.UserID, packageID string, paymentRef string, _ credits.MetadataJSON) (credits.Amount, error) {
	ledger.purchaseCalls = append(ledger.purchaseCalls, packageID+"/"+paymentRef)
	return ledger.purchaseBalance, ledger.purchaseErr
}

func (ledger *stubLedger) History(context.Context, credits.UserID, int) ([]credits.Transaction, error) {
	return ledger.history, ledger.historyErr
}

func (ledger *stubLedger) Stats(context.Context, credits.UserID) (credits.Stats, error) {
	return ledger.stats, ledger.statsErr
}

func newTestRouter(test *testing.T, ledger Ledger) http.Handler {
	test.Helper()
	cfg := Config{
		JWTSigningKey: testSigningKey,
		WebhookSecret: testWebhookSecret,
		PackagePriceRefs: map[string]string{
			"tier_10": "price_tier_10",
		},
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("config: %v", err)
	}
	handler := &httpHandler{
		logger: zap.NewNop(),
		ledger: ledger,
		cfg:    cfg,
	}
	return setupRouter(cfg, handler)
}

func mustToken(test *testing.T, subject string, roles ...string) string {
	test.Helper()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    defaultJWTIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSigningKey))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}
	return signed
}

func doRequest(test *testing.T, router http.Handler, method string, path string, body []byte, configure func(request *http.Request)) (*httptest.ResponseRecorder, map[string]any) {
	test.Helper()
	request := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if configure != nil {
		configure(request)
	}
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			test.Fatalf("decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, decoded
}

func withBearer(test *testing.T, subject string, roles ...string) func(request *http.Request) {
	token := mustToken(test, subject, roles...)
	return func(request *http.Request) {
		request.Header.Set("Authorization", "Bearer "+token)
	}
}

func TestHealthz(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, &stubLedger{})

	recorder, body := doRequest(test, router, http.MethodGet, "/healthz", nil, nil)
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	if body["status"] != "ok" {
		test.Fatalf("unexpected body %v", body)
	}
}

func TestAPIRejectsMissingSession(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, &stubLedger{})

	recorder, _ := doRequest(test, router, http.MethodGet, "/api/credits/balance", nil, nil)
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestAPIRejectsForgedToken(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, &stubLedger{})
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			Issuer:    defaultJWTIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong-key"))
	if err != nil {
		test.Fatalf("sign token: %v", err)
	}

	recorder, _ := doRequest(test, router, http.MethodGet, "/api/credits/balance", nil, func(request *http.Request) {
		request.Header.Set("Authorization", "Bearer "+forged)
	})
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestBalanceReturnsCentiAndWholeCredits(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, &stubLedger{balance: 9_950})

	recorder, body := doRequest(test, router, http.MethodGet, "/api/credits/balance", nil, withBearer(test, "user-1"))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	if body["balance"] != float64(9_950) {
		test.Fatalf("unexpected balance %v", body["balance"])
	}
	if body["balance_credits"] != 99.5 {
		test.Fatalf("unexpected balance_credits %v", body["balance_credits"])
	}
}

func TestSpendDeniedReturnsPaymentRequired(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{
		spendResult: credits.SpendResult{
			Authorized: false,
			Balance:    25,
			Cost:       1_000,
			Shortfall:  975,
		},
	}
	router := newTestRouter(test, ledger)
	payload := []byte(`{"action":"campaign_launch"}`)

	recorder, body := doRequest(test, router, http.MethodPost, "/api/credits/spend", payload, withBearer(test, "user-1"))
	if recorder.Code != http.StatusPaymentRequired {
		test.Fatalf("expected 402, got %d", recorder.Code)
	}
	if body["error"] != "insufficient_credits" {
		test.Fatalf("unexpected error %v", body["error"])
	}
	if body["balance"] != float64(25) || body["required"] != float64(1_000) || body["shortfall"] != float64(975) {
		test.Fatalf("unexpected amounts %v", body)
	}
	if body["upgrade_url"] != defaultUpgradeURL {
		test.Fatalf("unexpected upgrade_url %v", body["upgrade_url"])
	}
	if body["message"] == nil || body["message"] == "" {
		test.Fatalf("expected human-readable message")
	}
}

func TestSpendSuccess(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{
		spendResult: credits.SpendResult{
			Authorized: true,
			Balance:    9_950,
			Cost:       50,
		},
	}
	router := newTestRouter(test, ledger)
	payload := []byte(`{"action":"chat_query","metadata":{"message_id":"m-1"}}`)

	recorder, body := doRequest(test, router, http.MethodPost, "/api/credits/spend", payload, withBearer(test, "user-1"))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %v", recorder.Code, body)
	}
	if body["status"] != "success" || body["spent"] != float64(50) {
		test.Fatalf("unexpected body %v", body)
	}
	if len(ledger.spendCalls) != 1 || ledger.spendCalls[0] != credits.ActionChatQuery {
		test.Fatalf("unexpected spend calls %v", ledger.spendCalls)
	}
}

func TestSpendRejectsUnknownAction(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{}
	router := newTestRouter(test, ledger)
	payload := []byte(`{"action":"teleport"}`)

	recorder, _ := doRequest(test, router, http.MethodPost, "/api/credits/spend", payload, withBearer(test, "user-1"))
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
	if len(ledger.spendCalls) != 0 {
		test.Fatalf("ledger must not be called for unknown actions")
	}
}

func TestSignupBonusReplayReportsAlreadyGranted(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{
		bonusErr: credits.ErrBonusAlreadyGranted,
		balance:  10_000,
	}
	router := newTestRouter(test, ledger)

	recorder, body := doRequest(test, router, http.MethodPost, "/api/credits/signup-bonus", nil, withBearer(test, "user-1"))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	if body["already_granted"] != true {
		test.Fatalf("expected already_granted, got %v", body)
	}
	if body["balance"] != float64(10_000) {
		test.Fatalf("unexpected balance %v", body["balance"])
	}
}

func TestSignupBonusGrants(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{bonusBalance: credits.SignupBonusAmount}
	router := newTestRouter(test, ledger)

	recorder, body := doRequest(test, router, http.MethodPost, "/api/credits/signup-bonus", nil, withBearer(test, "user-1"))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	if body["already_granted"] != false {
		test.Fatalf("expected fresh grant, got %v", body)
	}
}

func TestAdminAdjustRequiresRole(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, &stubLedger{})
	payload := []byte(`{"user_id":"user-2","amount":1000}`)

	recorder, _ := doRequest(test, router, http.MethodPost, "/api/admin/credits", payload, withBearer(test, "user-1"))
	if recorder.Code != http.StatusForbidden {
		test.Fatalf("expected 403, got %d", recorder.Code)
	}
}

func TestAdminAdjustGrants(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{grantedBalance: 11_000}
	router := newTestRouter(test, ledger)
	payload := []byte(`{"user_id":"user-2","amount":1000,"description":"support credit"}`)

	recorder, body := doRequest(test, router, http.MethodPost, "/api/admin/credits", payload, withBearer(test, "admin-1", defaultAdminRole))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %v", recorder.Code, body)
	}
	if body["balance"] != float64(11_000) || body["granted"] != float64(1_000) {
		test.Fatalf("unexpected body %v", body)
	}
}

func TestAdminAdjustRejectsSpendType(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, &stubLedger{})
	payload := []byte(`{"user_id":"user-2","amount":1000,"type":"SPENT"}`)

	recorder, _ := doRequest(test, router, http.MethodPost, "/api/admin/credits", payload, withBearer(test, "admin-1", defaultAdminRole))
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestPurchaseWebhookRequiresSecret(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, &stubLedger{})
	payload := []byte(`{"user_id":"user-1","package_id":"tier_10","payment_ref":"pi_1"}`)

	recorder, _ := doRequest(test, router, http.MethodPost, "/webhooks/purchase", payload, func(request *http.Request) {
		request.Header.Set("X-Webhook-Secret", "wrong")
	})
	if recorder.Code != http.StatusUnauthorized {
		test.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestPurchaseWebhookGrantsPackage(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{purchaseBalance: 10_000}
	router := newTestRouter(test, ledger)
	payload := []byte(`{"user_id":"user-1","package_id":"tier_10","payment_ref":"pi_1","amount_paid_usd":10,"currency":"usd"}`)

	recorder, body := doRequest(test, router, http.MethodPost, "/webhooks/purchase", payload, func(request *http.Request) {
		request.Header.Set("X-Webhook-Secret", testWebhookSecret)
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d: %v", recorder.Code, body)
	}
	if body["received"] != true || body["balance"] != float64(10_000) {
		test.Fatalf("unexpected body %v", body)
	}
	if len(ledger.purchaseCalls) != 1 || ledger.purchaseCalls[0] != "tier_10/pi_1" {
		test.Fatalf("unexpected purchase calls %v", ledger.purchaseCalls)
	}
}

func TestPurchaseWebhookAcceptsRedelivery(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{purchaseErr: credits.ErrDuplicatePurchase}
	router := newTestRouter(test, ledger)
	payload := []byte(`{"user_id":"user-1","package_id":"tier_10","payment_ref":"pi_1"}`)

	recorder, body := doRequest(test, router, http.MethodPost, "/webhooks/purchase", payload, func(request *http.Request) {
		request.Header.Set("X-Webhook-Secret", testWebhookSecret)
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200 on redelivery, got %d", recorder.Code)
	}
	if body["duplicate"] != true {
		test.Fatalf("expected duplicate marker, got %v", body)
	}
}

func TestPurchaseWebhookRejectsUnknownPackage(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{purchaseErr: credits.ErrUnknownPackage}
	router := newTestRouter(test, ledger)
	payload := []byte(`{"user_id":"user-1","package_id":"tier_999","payment_ref":"pi_1"}`)

	recorder, _ := doRequest(test, router, http.MethodPost, "/webhooks/purchase", payload, func(request *http.Request) {
		request.Header.Set("X-Webhook-Secret", testWebhookSecret)
	})
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestPackagesMergePriceRefs(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, &stubLedger{})

	recorder, body := doRequest(test, router, http.MethodGet, "/api/credits/packages", nil, withBearer(test, "user-1"))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	packages, ok := body["packages"].([]any)
	if !ok || len(packages) != 6 {
		test.Fatalf("expected 6 packages, got %v", body["packages"])
	}
	first, ok := packages[0].(map[string]any)
	if !ok || first["id"] != "tier_10" {
		test.Fatalf("unexpected first package %v", packages[0])
	}
	if first["price_ref"] != "price_tier_10" {
		test.Fatalf("expected configured price ref, got %v", first["price_ref"])
	}
}

func TestWalletReturnsStatsView(test *testing.T) {
	test.Parallel()
	ledger := &stubLedger{
		stats: credits.Stats{
			Balance:     9_950,
			Lifetime:    10_000,
			Spent30Days: 50,
			RecentTransactions: []credits.Transaction{
				{
					TransactionID:  "tx-1",
					Amount:         -50,
					Type:           credits.TransactionSpent,
					Description:    "Spent 0.5 credits on chat_query",
					MetadataJSON:   "{}",
					CreatedUnixUTC: 1_700_000_000,
				},
			},
		},
	}
	router := newTestRouter(test, ledger)

	recorder, body := doRequest(test, router, http.MethodGet, "/api/wallet", nil, withBearer(test, "user-1"))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	wallet, ok := body["wallet"].(map[string]any)
	if !ok {
		test.Fatalf("expected wallet object, got %v", body)
	}
	if wallet["balance"] != float64(9_950) || wallet["lifetime_credits"] != float64(100) {
		test.Fatalf("unexpected wallet %v", wallet)
	}
	transactions, ok := wallet["transactions"].([]any)
	if !ok || len(transactions) != 1 {
		test.Fatalf("expected 1 transaction, got %v", wallet["transactions"])
	}
}

func TestActionsListCatalog(test *testing.T) {
	test.Parallel()
	router := newTestRouter(test, &stubLedger{})

	recorder, body := doRequest(test, router, http.MethodGet, "/api/credits/actions", nil, withBearer(test, "user-1"))
	if recorder.Code != http.StatusOK {
		test.Fatalf("expected 200, got %d", recorder.Code)
	}
	actions, ok := body["actions"].([]any)
	if !ok || len(actions) != 6 {
		test.Fatalf("expected 6 actions, got %v", body["actions"])
	}
	first, ok := actions[0].(map[string]any)
	if !ok || first["action"] != "chat_query" || first["cost_credits"] != 0.5 {
		test.Fatalf("unexpected first action %v", actions[0])
	}
}
