package main

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/ziyixi/chatrelay/utils"
)

// requireMessage rejects requests without a non-blank msg query parameter.
func requireMessage() gin.HandlerFunc {
	return func(c *gin.Context) {
		message := strings.TrimSpace(c.Query("msg"))
		if message == "" {
			recordOutcome(outcomeEmptyMessage)
			c.String(http.StatusBadRequest, utils.MessageEmptyInput)
			c.Abort()
			return
		}
		c.Set(utils.KeyMessage, message)
		c.Next()
	}
}

// requireCredential rejects requests while no upstream API key is available.
func requireCredential() gin.HandlerFunc {
	return func(c *gin.Context) {
		srv := c.MustGet(utils.KeyServer).(*Server)
		if srv.apiKey() == "" {
			log.Errorf("Rejecting chat request: %s is not set", srv.apiKeyEnv)
			recordOutcome(outcomeMisconfigured)
			c.String(http.StatusInternalServerError, utils.MessageMisconfigured, srv.apiKeyEnv)
			c.Abort()
			return
		}
		c.Next()
	}
}

// tokenBudgetMiddleware rejects requests once the upstream token budget of the
// last 24 hours is spent. It runs before the rate limiter so a rejected
// request does not use up a slot.
func tokenBudgetMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		srv := c.MustGet(utils.KeyServer).(*Server)
		if srv.tokens.Exhausted(int32(srv.maxTokens)) {
			log.WithFields(logrus.Fields{
				"ip":    c.GetString(utils.KeyClientIP),
				"usage": srv.tokens.CurrentUsage(),
			}).Info("Token budget exhausted")
			recordOutcome(outcomeTokenBudget)
			c.String(http.StatusTooManyRequests, utils.MessageLimitReached)
			c.Abort()
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware admits a request only if the cooldown and the daily
// limits allow it.
func rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		srv := c.MustGet(utils.KeyServer).(*Server)
		ip := c.GetString(utils.KeyClientIP)

		decision := srv.limiter.Check(ip)
		if !decision.Allowed {
			log.WithFields(logrus.Fields{
				"ip":          ip,
				"reason":      decision.Reason,
				"retry_after": decision.RetryAfter,
			}).Info("Rate limited")
			rateLimitDenialsTotal.WithLabelValues(string(decision.Reason)).Inc()
			recordOutcome(outcomeRateLimited)
			if decision.RetryAfter > 0 {
				c.Header(utils.HeaderRetryAfter, strconv.Itoa(decision.RetryAfter))
			}
			c.String(http.StatusTooManyRequests, utils.MessageLimitReached)
			c.Abort()
			return
		}

		c.Next()
	}
}
