package httpserver

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	creditsSpentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synter_credits_spent_total",
		Help: "Credits spent, by action.",
	}, []string{"action"})

	creditsGrantedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synter_credits_granted_total",
		Help: "Credits granted, by transaction type.",
	}, []string{"type"})

	spendDeniedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "synter_credit_spend_denied_total",
		Help: "Spend attempts denied for insufficient balance, by action.",
	}, []string{"action"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "synter_http_request_duration_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func metricsMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestDuration.WithLabelValues(
			ctx.Request.Method,
			path,
			strconv.Itoa(ctx.Writer.Status()),
		).Observe(time.Since(started).Seconds())
	}
}

func observeSpend(action string, amount float64) {
	creditsSpentTotal.WithLabelValues(action).Add(amount)
}

func observeGrant(transactionType string, amount float64) {
	creditsGrantedTotal.WithLabelValues(transactionType).Add(amount)
}

func observeSpendDenied(action string) {
	spendDeniedTotal.WithLabelValues(action).Inc()
}
