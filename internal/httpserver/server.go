package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/synterhq/creditd/pkg/credits"
	"go.uber.org/zap"
)

// Ledger is the slice of the credit service consumed by the HTTP surface.
type Ledger interface {
	Balance(ctx context.Context, userID credits.UserID) (credits.Amount, error)
	Spend(ctx context.Context, userID credits.UserID, action credits.Action, metadata credits.MetadataJSON) (credits.SpendResult, error)
	AddCredits(ctx context.Context, userID credits.UserID, amount credits.Amount, transactionType credits.TransactionType, description string, metadata credits.MetadataJSON) (credits.Amount, error)
	GrantSignupBonus(ctx context.Context, userID credits.UserID) (credits.Amount, error)
	RecordPurchase(ctx context.Context, userID credits.UserID, packageID string, paymentRef string, metadata credits.MetadataJSON) (credits.Amount, error)
	History(ctx context.Context, userID credits.UserID, limit int) ([]credits.Transaction, error)
	Stats(ctx context.Context, userID credits.UserID) (credits.Stats, error)
}

// Run boots the credit API and blocks until ctx is cancelled or the server
// fails.
func Run(ctx context.Context, cfg Config, ledger Ledger, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	handler := &httpHandler{
		logger: logger,
		ledger: ledger,
		cfg:    cfg,
	}
	router := setupRouter(cfg, handler)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("creditd listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(metricsMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/purchase", handler.handlePurchaseWebhook)

	api := router.Group("/api")
	api.Use(authMiddleware([]byte(cfg.JWTSigningKey), cfg.JWTIssuer, cfg.SessionCookieName))

	api.GET("/wallet", handler.handleWallet)
	api.GET("/credits/balance", handler.handleBalance)
	api.GET("/credits/stats", handler.handleStats)
	api.GET("/credits/history", handler.handleHistory)
	api.GET("/credits/packages", handler.handlePackages)
	api.GET("/credits/actions", handler.handleActions)
	api.POST("/credits/spend", handler.handleSpend)
	api.POST("/credits/signup-bonus", handler.handleSignupBonus)

	admin := api.Group("/admin")
	admin.Use(requireRole(cfg.AdminRole))
	admin.POST("/credits", handler.handleAdminAdjust)

	return router
}

type httpHandler struct {
	logger *zap.Logger
	ledger Ledger
	cfg    Config
}

func (handler *httpHandler) handleWallet(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	stats, err := handler.ledger.Stats(ctx.Request.Context(), userID)
	if err != nil {
		handler.failLedger(ctx, "wallet fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"wallet": walletPayloadFromStats(stats)})
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	balance, err := handler.ledger.Balance(ctx.Request.Context(), userID)
	if err != nil {
		handler.failLedger(ctx, "balance fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"balance":         balance.Int64(),
		"balance_credits": creditsValue(balance),
	})
}

func (handler *httpHandler) handleStats(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	stats, err := handler.ledger.Stats(ctx.Request.Context(), userID)
	if err != nil {
		handler.failLedger(ctx, "stats fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, walletPayloadFromStats(stats))
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	var query historyQuery
	if err := ctx.ShouldBindQuery(&query); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_query", "limit must be an integer"))
		return
	}
	transactions, err := handler.ledger.History(ctx.Request.Context(), userID, query.Limit)
	if err != nil {
		handler.failLedger(ctx, "history fetch failed", err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"transactions": transactionPayloads(transactions)})
}

func (handler *httpHandler) handlePackages(ctx *gin.Context) {
	packages := credits.Packages()
	payloads := make([]packagePayload, 0, len(packages))
	for _, pkg := range packages {
		payloads = append(payloads, packagePayload{
			ID:           pkg.ID,
			Credits:      pkg.Credits,
			Bonus:        pkg.Bonus,
			TotalCredits: pkg.TotalCredits(),
			PriceUSD:     pkg.PriceUSD,
			Popular:      pkg.Popular,
			PriceRef:     handler.cfg.PackagePriceRefs[pkg.ID],
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"packages": payloads})
}

func (handler *httpHandler) handleActions(ctx *gin.Context) {
	actions := credits.Actions()
	payloads := make([]actionPayload, 0, len(actions))
	for _, entry := range actions {
		payloads = append(payloads, actionPayload{
			Action:      entry.Action.String(),
			Cost:        entry.Cost.Int64(),
			CostCredits: creditsValue(entry.Cost),
			Description: entry.Description,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"actions": payloads})
}

func (handler *httpHandler) handleSpend(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	var request spendRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body with an action"))
		return
	}
	action, err := credits.ParseAction(request.Action)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("unknown_action", fmt.Sprintf("unknown action %q", request.Action)))
		return
	}
	metadata, err := marshalMetadata(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "metadata must be a JSON object"))
		return
	}

	result, err := handler.ledger.Spend(ctx.Request.Context(), userID, action, metadata)
	if err != nil {
		handler.failLedger(ctx, "spend failed", err)
		return
	}
	if !result.Authorized {
		observeSpendDenied(action.String())
		ctx.JSON(http.StatusPaymentRequired, gin.H{
			"error": "insufficient_credits",
			"message": fmt.Sprintf("You need %s credits for %s. Visit %s to buy more.",
				credits.FormatAmount(result.Cost), action, handler.cfg.UpgradeURL),
			"balance":     result.Balance.Int64(),
			"required":    result.Cost.Int64(),
			"shortfall":   result.Shortfall.Int64(),
			"upgrade_url": handler.cfg.UpgradeURL,
		})
		return
	}
	observeSpend(action.String(), creditsValue(result.Cost))
	ctx.JSON(http.StatusOK, gin.H{
		"status":          "success",
		"balance":         result.Balance.Int64(),
		"balance_credits": creditsValue(result.Balance),
		"spent":           result.Cost.Int64(),
	})
}

func (handler *httpHandler) handleSignupBonus(ctx *gin.Context) {
	userID, ok := handler.sessionUserID(ctx)
	if !ok {
		return
	}
	balance, err := handler.ledger.GrantSignupBonus(ctx.Request.Context(), userID)
	if errors.Is(err, credits.ErrBonusAlreadyGranted) {
		current, balanceErr := handler.ledger.Balance(ctx.Request.Context(), userID)
		if balanceErr != nil {
			handler.failLedger(ctx, "balance fetch failed", balanceErr)
			return
		}
		ctx.JSON(http.StatusOK, gin.H{
			"already_granted": true,
			"balance":         current.Int64(),
		})
		return
	}
	if err != nil {
		handler.failLedger(ctx, "signup bonus failed", err)
		return
	}
	observeGrant(credits.TransactionSignupBonus.String(), creditsValue(credits.SignupBonusAmount))
	ctx.JSON(http.StatusOK, gin.H{
		"already_granted": false,
		"balance":         balance.Int64(),
	})
}

func (handler *httpHandler) handleAdminAdjust(ctx *gin.Context) {
	var request adminAdjustRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "user_id is required"))
		return
	}
	transactionType := credits.TransactionAdminAdjust
	if request.Type != "" {
		parsed, err := credits.ParseTransactionType(request.Type)
		if err != nil || !parsed.IsGrant() {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "type must be a grant transaction type"))
			return
		}
		transactionType = parsed
	}
	amount, err := credits.NewGrantAmount(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "amount must be positive centicredits"))
		return
	}
	metadata, err := marshalMetadata(request.Metadata)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "metadata must be a JSON object"))
		return
	}

	balance, err := handler.ledger.AddCredits(ctx.Request.Context(), userID, amount, transactionType, request.Description, metadata)
	if err != nil {
		handler.failLedger(ctx, "admin adjust failed", err)
		return
	}
	observeGrant(transactionType.String(), creditsValue(amount))
	ctx.JSON(http.StatusOK, gin.H{
		"balance": balance.Int64(),
		"granted": amount.Int64(),
	})
}

func (handler *httpHandler) handlePurchaseWebhook(ctx *gin.Context) {
	secret := ctx.GetHeader("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(secret), []byte(handler.cfg.WebhookSecret)) != 1 {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid webhook secret"))
		return
	}
	var request purchaseWebhookRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}
	userID, err := credits.NewUserID(request.UserID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "user_id is required"))
		return
	}
	metadata, err := marshalMetadata(map[string]any{
		"package_id":  request.PackageID,
		"payment_ref": request.PaymentRef,
		"amount_paid": request.AmountPaidUSD,
		"currency":    request.Currency,
	})
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "metadata encoding failed"))
		return
	}

	balance, err := handler.ledger.RecordPurchase(ctx.Request.Context(), userID, request.PackageID, request.PaymentRef, metadata)
	switch {
	case errors.Is(err, credits.ErrDuplicatePurchase):
		// Redeliveries must succeed so the provider stops retrying.
		ctx.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
		return
	case errors.Is(err, credits.ErrUnknownPackage), errors.Is(err, credits.ErrInvalidDedupeKey):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", err.Error()))
		return
	case err != nil:
		handler.failLedger(ctx, "purchase grant failed", err)
		return
	}
	pkg, _ := credits.PackageByID(request.PackageID)
	observeGrant(credits.TransactionPurchase.String(), float64(pkg.TotalCredits()))
	ctx.JSON(http.StatusOK, gin.H{
		"received": true,
		"balance":  balance.Int64(),
	})
}

func (handler *httpHandler) sessionUserID(ctx *gin.Context) (credits.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return credits.UserID{}, false
	}
	userID, err := credits.NewUserID(claims.Subject)
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session subject"))
		return credits.UserID{}, false
	}
	return userID, true
}

func (handler *httpHandler) failLedger(ctx *gin.Context, message string, err error) {
	handler.logger.Error(message, zap.Error(err))
	ctx.JSON(http.StatusInternalServerError, errorResponse("ledger_error", message))
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

func marshalMetadata(metadata map[string]any) (credits.MetadataJSON, error) {
	if metadata == nil {
		return credits.NewMetadataJSON("")
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return credits.MetadataJSON{}, err
	}
	return credits.NewMetadataJSON(string(raw))
}

func creditsValue(amount credits.Amount) float64 {
	return float64(amount.Int64()) / float64(credits.AmountPerCredit)
}

type spendRequest struct {
	Action   string         `json:"action"`
	Metadata map[string]any `json:"metadata"`
}

type historyQuery struct {
	Limit int `form:"limit"`
}

type adminAdjustRequest struct {
	UserID      string         `json:"user_id"`
	Amount      int64          `json:"amount"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

type purchaseWebhookRequest struct {
	UserID        string  `json:"user_id"`
	PackageID     string  `json:"package_id"`
	PaymentRef    string  `json:"payment_ref"`
	AmountPaidUSD float64 `json:"amount_paid_usd"`
	Currency      string  `json:"currency"`
}

type walletPayload struct {
	Balance         int64                `json:"balance"`
	BalanceCredits  float64              `json:"balance_credits"`
	Lifetime        int64                `json:"lifetime"`
	LifetimeCredits float64              `json:"lifetime_credits"`
	Spent30Days     int64                `json:"spent_30_days"`
	Transactions    []transactionPayload `json:"transactions"`
}

type transactionPayload struct {
	TransactionID  string          `json:"transaction_id"`
	Amount         int64           `json:"amount"`
	AmountCredits  float64         `json:"amount_credits"`
	Type           string          `json:"type"`
	Description    string          `json:"description"`
	Metadata       json.RawMessage `json:"metadata"`
	CreatedUnixUTC int64           `json:"created_unix_utc"`
}

type packagePayload struct {
	ID           string `json:"id"`
	Credits      int64  `json:"credits"`
	Bonus        int64  `json:"bonus"`
	TotalCredits int64  `json:"total_credits"`
	PriceUSD     int64  `json:"price_usd"`
	Popular      bool   `json:"popular"`
	PriceRef     string `json:"price_ref,omitempty"`
}

type actionPayload struct {
	Action      string  `json:"action"`
	Cost        int64   `json:"cost"`
	CostCredits float64 `json:"cost_credits"`
	Description string  `json:"description"`
}

func walletPayloadFromStats(stats credits.Stats) walletPayload {
	return walletPayload{
		Balance:         stats.Balance.Int64(),
		BalanceCredits:  creditsValue(stats.Balance),
		Lifetime:        stats.Lifetime.Int64(),
		LifetimeCredits: creditsValue(stats.Lifetime),
		Spent30Days:     stats.Spent30Days.Int64(),
		Transactions:    transactionPayloads(stats.RecentTransactions),
	}
}

func transactionPayloads(transactions []credits.Transaction) []transactionPayload {
	payloads := make([]transactionPayload, 0, len(transactions))
	for _, transaction := range transactions {
		payloads = append(payloads, transactionPayload{
			TransactionID:  transaction.TransactionID,
			Amount:         transaction.Amount,
			AmountCredits:  creditsValue(credits.Amount(transaction.Amount)),
			Type:           transaction.Type.String(),
			Description:    transaction.Description,
			Metadata:       json.RawMessage(transaction.MetadataJSON),
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		})
	}
	return payloads
}
